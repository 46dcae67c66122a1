package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"rosterline/internal/app"
	"rosterline/internal/audit"
	"rosterline/internal/config"
	"rosterline/internal/db"
	"rosterline/internal/domain"
	"rosterline/internal/engine"
	"rosterline/internal/migrate"
	"rosterline/internal/repo"
	"rosterline/internal/server"
	"rosterline/internal/tui"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Rosterline labor-law aware shift scheduling",
	Long: `Rosterline keeps an org's shift schedules in a tidy toy box (a workspace
folder) and puts every risky change in front of a panel of four agents
before it lands.

  rl init acme          make a new toy box with an org inside
  rl roster create      start a draft schedule
  rl shift add          drop a shift into the draft
  rl validate           let the labor rules check the draft
  rl evaluate           let the agent panel debate a change
  rl serve              expose everything over HTTP

Every panel verdict is written to a retention-locked diary (the audit
trail) so you can always look back.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ROSTERLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindEnv("org", "ROSTERLINE_ORG", "ROSTERLINE_DEFAULT_ORG")
	for _, p := range []string{filepath.Join(viper.GetString("workspace"), ".env"), ".env"} {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
			break
		}
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "machine readable output")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor recorded on writes")
	rootCmd.PersistentFlags().String("org", "", "org id (falls back to ROSTERLINE_DEFAULT_ORG, then the only org)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("org", rootCmd.PersistentFlags().Lookup("org"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(orgCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(employeeCmd())
	rootCmd.AddCommand(rosterCmd())
	rootCmd.AddCommand(shiftCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var (
		name         string
		jurisdiction string
	)
	cmd := &cobra.Command{
		Use:   "init <org-id>",
		Short: "Create a workspace with its first org",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd, func(ctx context.Context, r repo.Repo) error {
				e := engine.New(r.DB, config.Default(args[0]))
				if err := e.Bootstrap(ctx); err != nil {
					return err
				}
				org, err := e.CreateOrg(ctx, engine.OrgCreateOptions{
					ID:           args[0],
					Name:         name,
					Jurisdiction: jurisdiction,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				envPath := filepath.Join(viper.GetString("workspace"), ".env")
				if err := setEnvValue(envPath, "ROSTERLINE_DEFAULT_ORG", org.ID); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(org)
				}
				fmt.Printf("org %s ready; default org written to %s\n", org.ID, envPath)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to the id)")
	cmd.Flags().StringVar(&jurisdiction, "jurisdiction", "", "jurisdiction key (defaults to generic)")
	return cmd
}

func orgCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "org", Short: "Manage orgs"}
	cmd.AddCommand(orgCreateCmd(), orgListCmd(), orgShowCmd(), orgUseCmd())
	return cmd
}

func orgCreateCmd() *cobra.Command {
	var (
		id           string
		name         string
		jurisdiction string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an org",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd, func(ctx context.Context, r repo.Repo) error {
				e := engine.New(r.DB, config.Default(id))
				if err := e.Bootstrap(ctx); err != nil {
					return err
				}
				org, err := e.CreateOrg(ctx, engine.OrgCreateOptions{
					ID:           id,
					Name:         name,
					Jurisdiction: jurisdiction,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(org)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "org id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&jurisdiction, "jurisdiction", "", "jurisdiction key")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func orgListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List orgs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd, func(ctx context.Context, r repo.Repo) error {
				orgs, err := r.ListOrgs(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(orgs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "NAME", "JURISDICTION", "STATUS", "CREATED"})
				for _, o := range orgs {
					tw.AppendRow(table.Row{o.ID, o.Name, o.Jurisdiction, o.Status, o.CreatedAt.Format("2006-01-02")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func orgShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [org-id]",
		Short: "Show one org",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				id := e.Config.Org.ID
				if len(args) == 1 {
					id = args[0]
				}
				org, err := e.GetOrg(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(org)
			})
		},
	}
}

func orgUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <org-id>",
		Short: "Make an org the workspace default",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd, func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetOrg(ctx, args[0]); err != nil {
					return err
				}
				envPath := filepath.Join(viper.GetString("workspace"), ".env")
				if err := setEnvValue(envPath, "ROSTERLINE_DEFAULT_ORG", args[0]); err != nil {
					return err
				}
				fmt.Printf("ROSTERLINE_DEFAULT_ORG=%s written to %s\n", args[0], envPath)
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect and edit the org config"}
	cmd.AddCommand(configShowCmd(), configValidateCmd(), configImportCmd(), configInitCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective org config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				if viper.GetBool("json") {
					return printJSON(e.Config)
				}
				out, err := yaml.Marshal(e.Config)
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			})
		},
	}
}

func configValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a config file, or the stored config, for mistakes",
		RunE: func(cmd *cobra.Command, args []string) error {
			report := func(err error) error {
				if viper.GetBool("json") {
					out := map[string]any{"ok": err == nil}
					if err != nil {
						out["error"] = err.Error()
					}
					return printJSON(out)
				}
				if err != nil {
					return err
				}
				fmt.Println("config OK")
				return nil
			}
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				_, err = config.FromYAML(data)
				return report(err)
			}
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				return report(e.Config.Validate())
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "config file to check instead of the stored one")
	return cmd
}

func configImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Store a YAML config file as the org config",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				cfg, err := e.ImportOrgConfig(ctx, e.Config.Org.ID, data, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cfg)
				}
				fmt.Printf("config imported for org %s\n", cfg.Org.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "YAML config file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configInitCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			orgID := viper.GetString("org")
			if orgID == "" {
				orgID = "my-org"
			}
			if path == "" {
				path = config.Path(viper.GetString("workspace"))
			}
			if err := config.WriteDefault(path, orgID); err != nil {
				return err
			}
			fmt.Printf("wrote %s; edit it, then run 'rl config import --file %s'\n", path, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "target path (defaults to <workspace>/rosterline.yml)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize the active org",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				orgID := e.Config.Org.ID
				org, err := e.GetOrg(ctx, orgID)
				if err != nil {
					return err
				}
				employees, err := e.ListEmployees(ctx, orgID)
				if err != nil {
					return err
				}
				rosters, err := e.Repo.CountRostersByStatus(ctx, orgID)
				if err != nil {
					return err
				}
				shifts, err := e.Repo.CountShiftsByStatus(ctx, orgID)
				if err != nil {
					return err
				}
				draft, err := e.Repo.LatestDraftRoster(ctx, orgID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					out := map[string]any{
						"org":       org,
						"employees": len(employees),
						"rosters":   rosters,
						"shifts":    shifts,
					}
					if draft != nil {
						out["latest_draft"] = draft
					}
					return printJSON(out)
				}
				fmt.Printf("org %s (%s, jurisdiction %s)\n", org.ID, org.Name, org.Jurisdiction)
				fmt.Printf("employees: %d\n", len(employees))
				fmt.Printf("rosters:   %s\n", formatCounts(rosters))
				fmt.Printf("shifts:    %s\n", formatCounts(shifts))
				if draft != nil {
					fmt.Printf("latest draft: %s (%s to %s)\n", draft.ID,
						draft.StartDate.Format("2006-01-02"), draft.EndDate.Format("2006-01-02"))
				}
				return nil
			})
		},
	}
}

func employeeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "employee", Short: "Manage employees"}
	cmd.AddCommand(employeeAddCmd(), employeeListCmd(), employeePrefsCmd())
	return cmd
}

func employeeAddCmd() *cobra.Command {
	var (
		id   string
		name string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or rename an employee",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				emp, err := e.UpsertEmployee(ctx, engine.EmployeeUpsertOptions{
					ID:      id,
					OrgID:   e.Config.Org.ID,
					Name:    name,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(emp)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "employee id")
	cmd.Flags().StringVar(&name, "name", "", "employee name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func employeeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List employees",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				employees, err := e.ListEmployees(ctx, e.Config.Org.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(employees)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "NAME", "CREATED"})
				for _, emp := range employees {
					tw.AppendRow(table.Row{emp.ID, emp.Name, emp.CreatedAt.Format("2006-01-02")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func employeePrefsCmd() *cobra.Command {
	var (
		preferredDays  []string
		avoidedDays    []string
		shiftType      string
		maxWeeklyHours float64
	)
	cmd := &cobra.Command{
		Use:   "prefs <employee-id>",
		Short: "Show or set an employee's scheduling preferences",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				orgID := e.Config.Org.ID
				changed := cmd.Flags().Changed("preferred-days") ||
					cmd.Flags().Changed("avoided-days") ||
					cmd.Flags().Changed("shift-type") ||
					cmd.Flags().Changed("max-weekly-hours")
				if !changed {
					prefs, err := e.GetPreferences(ctx, orgID, args[0])
					if err != nil {
						return err
					}
					return printJSONOrTable(prefs)
				}
				prefs, err := e.GetPreferences(ctx, orgID, args[0])
				if err != nil && !errors.Is(err, repo.ErrNotFound) {
					return err
				}
				prefs.EmployeeID = args[0]
				if cmd.Flags().Changed("preferred-days") {
					prefs.PreferredDays = preferredDays
				}
				if cmd.Flags().Changed("avoided-days") {
					prefs.AvoidedDays = avoidedDays
				}
				if cmd.Flags().Changed("shift-type") {
					prefs.PreferredShiftType = shiftType
				}
				if cmd.Flags().Changed("max-weekly-hours") {
					prefs.MaxWeeklyHours = maxWeeklyHours
				}
				prefs, err = e.SetPreferences(ctx, orgID, prefs)
				if err != nil {
					return err
				}
				return printJSONOrTable(prefs)
			})
		},
	}
	cmd.Flags().StringSliceVar(&preferredDays, "preferred-days", nil, "weekday names the employee likes")
	cmd.Flags().StringSliceVar(&avoidedDays, "avoided-days", nil, "weekday names to avoid")
	cmd.Flags().StringVar(&shiftType, "shift-type", "", "morning, evening, night or any")
	cmd.Flags().Float64Var(&maxWeeklyHours, "max-weekly-hours", 0, "soft weekly hours cap")
	return cmd
}

func rosterCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "roster", Short: "Manage rosters"}
	cmd.AddCommand(rosterCreateCmd(), rosterListCmd(), rosterShowCmd(), rosterPublishCmd())
	return cmd
}

func rosterCreateCmd() *cobra.Command {
	var (
		id    string
		start string
		end   string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft roster",
		RunE: func(cmd *cobra.Command, args []string) error {
			startAt, err := parseTimeFlag(start)
			if err != nil {
				return err
			}
			endAt, err := parseTimeFlag(end)
			if err != nil {
				return err
			}
			if id == "" {
				id = uuid.NewString()
			}
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				ro, err := e.CreateRoster(ctx, engine.RosterCreateOptions{
					ID:        id,
					OrgID:     e.Config.Org.ID,
					StartDate: startAt,
					EndDate:   endAt,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(ro)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "roster id (generated when empty)")
	cmd.Flags().StringVar(&start, "start", "", "first day covered (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "last day covered (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func rosterListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List rosters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				rosters, err := e.ListRosters(ctx, e.Config.Org.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rosters)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "START", "END", "STATUS", "PUBLISHED"})
				for _, ro := range rosters {
					published := ""
					if ro.PublishedAt != nil {
						published = ro.PublishedAt.Format(time.RFC3339)
					}
					tw.AppendRow(table.Row{ro.ID, ro.StartDate.Format("2006-01-02"), ro.EndDate.Format("2006-01-02"), ro.Status, published})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func rosterShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <roster-id>",
		Short: "Show one roster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				ro, err := e.GetRoster(ctx, e.Config.Org.ID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(ro)
			})
		},
	}
}

func rosterPublishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish <roster-id>",
		Short: "Publish a roster, starting the notice clock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				ro, err := e.PublishRoster(ctx, e.Config.Org.ID, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ro)
				}
				when := ""
				if ro.PublishedAt != nil {
					when = " at " + ro.PublishedAt.Format(time.RFC3339)
				}
				fmt.Printf("roster %s published%s\n", ro.ID, when)
				return nil
			})
		},
	}
}

func shiftCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "shift", Short: "Manage shifts"}
	cmd.AddCommand(shiftAddCmd(), shiftListCmd(), shiftRetireCmd())
	return cmd
}

func shiftAddCmd() *cobra.Command {
	var (
		rosterID   string
		employeeID string
		start      string
		end        string
		breakMin   int
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a shift to a roster",
		RunE: func(cmd *cobra.Command, args []string) error {
			startAt, err := parseTimeFlag(start)
			if err != nil {
				return err
			}
			endAt, err := parseTimeFlag(end)
			if err != nil {
				return err
			}
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				shift, err := e.AddShift(ctx, engine.ShiftAddOptions{
					OrgID:        e.Config.Org.ID,
					RosterID:     rosterID,
					EmployeeID:   employeeID,
					StartAt:      startAt,
					EndAt:        endAt,
					BreakMinutes: breakMin,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(shift)
			})
		},
	}
	cmd.Flags().StringVar(&rosterID, "roster", "", "roster id")
	cmd.Flags().StringVar(&employeeID, "employee", "", "employee id")
	cmd.Flags().StringVar(&start, "start", "", "shift start (RFC 3339)")
	cmd.Flags().StringVar(&end, "end", "", "shift end (RFC 3339)")
	cmd.Flags().IntVar(&breakMin, "break", 0, "unpaid break minutes")
	_ = cmd.MarkFlagRequired("roster")
	_ = cmd.MarkFlagRequired("employee")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func shiftListCmd() *cobra.Command {
	var (
		rosterID   string
		employeeID string
		status     string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List shifts in a roster",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				shifts, err := e.ListShifts(ctx, e.Config.Org.ID, rosterID, repo.ShiftFilters{
					EmployeeID: employeeID,
					Status:     status,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(shifts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "EMPLOYEE", "START", "END", "BREAK", "STATUS"})
				for _, s := range shifts {
					tw.AppendRow(table.Row{s.ID, s.EmployeeID, s.StartAt.Format(time.RFC3339), s.EndAt.Format(time.RFC3339), s.BreakMinutes, s.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&rosterID, "roster", "", "roster id")
	cmd.Flags().StringVar(&employeeID, "employee", "", "only this employee")
	cmd.Flags().StringVar(&status, "status", "", "scheduled or retired")
	_ = cmd.MarkFlagRequired("roster")
	return cmd
}

func shiftRetireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retire <shift-id>",
		Short: "Retire a shift so it no longer counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				shift, err := e.RetireShift(ctx, e.Config.Org.ID, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(shift)
			})
		},
	}
}

func validateCmd() *cobra.Command {
	var (
		rosterID string
		file     string
	)
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Run the compliance rules over a roster or a proposal file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if rosterID == "" && file == "" {
				return fmt.Errorf("--roster or --file required")
			}
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				orgID := e.Config.Org.ID
				var result domain.ValidationResult
				if file == "" {
					var err error
					result, err = e.ValidateRoster(ctx, orgID, rosterID)
					if err != nil {
						return err
					}
				} else {
					p, err := readProposal(file)
					if err != nil {
						return err
					}
					if rosterID != "" && p.Roster == nil {
						ro, err := e.GetRoster(ctx, orgID, rosterID)
						if err != nil {
							return err
						}
						p.Roster = &ro
					}
					result, err = e.ValidateProposal(ctx, orgID, p)
					if err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(result)
				}
				renderValidation(result)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&rosterID, "roster", "", "roster id to validate")
	cmd.Flags().StringVar(&file, "file", "", "JSON proposal file to validate instead")
	return cmd
}

func evaluateCmd() *cobra.Command {
	var (
		decisionType string
		file         string
		rosterID     string
		note         string
		watch        bool
	)
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Put a scheduling decision in front of the agent panel",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				var p domain.Proposal
				if file != "" {
					var err error
					p, err = readProposal(file)
					if err != nil {
						return err
					}
				}
				if note != "" {
					p.Note = note
				}
				req := engine.EvaluateRequest{
					OrgID:        e.Config.Org.ID,
					DecisionType: domain.DecisionType(decisionType),
					Proposal:     p,
					RosterID:     rosterID,
					RequestedBy:  viper.GetString("actor-id"),
				}
				if watch && isTerminal(os.Stdout) {
					model := tui.NewDebate(ctx, decisionType, func(ctx context.Context) (domain.ConsensusResult, string, error) {
						return e.EvaluateDecision(ctx, req)
					})
					if _, err := tea.NewProgram(model, tea.WithAltScreen()).Run(); err != nil {
						return err
					}
					_, _, err := model.Result()
					return err
				}
				result, auditID, err := e.EvaluateDecision(ctx, req)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"result": result, "audit_entry_id": auditID})
				}
				renderConsensus(result, auditID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&decisionType, "type", "", "decision type (shift_assignment, schedule_creation, shift_swap, schedule_optimization, conflict_resolution, compliance_override)")
	cmd.Flags().StringVar(&file, "file", "", "JSON proposal file")
	cmd.Flags().StringVar(&rosterID, "roster", "", "roster the proposal belongs to")
	cmd.Flags().StringVar(&note, "note", "", "justification note (required for compliance_override)")
	cmd.Flags().BoolVar(&watch, "watch", false, "watch the debate live")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Inspect the consensus audit trail"}
	cmd.AddCommand(auditListCmd(), auditShowCmd(), auditPurgeCmd())
	return cmd
}

func auditListCmd() *cobra.Command {
	var (
		decisionType string
		since        string
		limit        int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := audit.ListFilter{DecisionType: decisionType, Limit: limit}
			if since != "" {
				t, err := parseTimeFlag(since)
				if err != nil {
					return err
				}
				f.Since = t
			}
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				entries, err := e.ListAuditEntries(ctx, e.Config.Org.ID, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TYPE", "ROSTER", "REQUESTED BY", "STATUS", "FINAL", "CREATED", "RETAIN UNTIL"})
				for _, entry := range entries {
					tw.AppendRow(table.Row{
						entry.ID, entry.DecisionType, entry.RosterID, entry.RequestedBy,
						entry.Result.Status, entry.Result.FinalRecommendation,
						entry.CreatedAt.Format("2006-01-02"), entry.RetainUntil.Format("2006-01-02"),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&decisionType, "type", "", "only this decision type")
	cmd.Flags().StringVar(&since, "since", "", "only entries created at or after this time")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries")
	return cmd
}

func auditShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <entry-id>",
		Short: "Show one audit entry with the full debate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				entry, err := e.GetAuditEntry(ctx, e.Config.Org.ID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
}

func auditPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete audit entries whose retention window has passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				n, err := e.PurgeAuditEntries(ctx, e.Config.Org.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"purged": n})
				}
				fmt.Printf("purged %d expired audit entries\n", n)
				return nil
			})
		},
	}
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rbac", Short: "Manage roles"}
	cmd.AddCommand(rbacGrantCmd(), rbacRevokeCmd(), rbacWhoamiCmd())
	return cmd
}

func rbacGrantCmd() *cobra.Command {
	var (
		actor string
		role  string
	)
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant a role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				if err := e.GrantRole(ctx, e.Config.Org.ID, actor, role); err != nil {
					return err
				}
				profile, err := e.ActorProfile(ctx, e.Config.Org.ID, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(profile)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id from the org config")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var (
		actor string
		role  string
	)
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a role from an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				if err := e.RevokeRole(ctx, e.Config.Org.ID, actor, role); err != nil {
					return err
				}
				profile, err := e.ActorProfile(ctx, e.Config.Org.ID, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(profile)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the current actor's roles and permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				profile, err := e.ActorProfile(ctx, e.Config.Org.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(profile)
			})
		},
	}
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	cmd.AddCommand(apikeyCreateCmd(), apikeyListCmd(), apikeyRevokeCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				key, secret, err := e.CreateAPIKey(ctx, engine.APIKeyCreateOptions{
					ActorID: viper.GetString("actor-id"),
					Name:    name,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": key, "secret": secret})
				}
				fmt.Printf("key %s created\nsecret: %s\n", key.ID, secret)
				fmt.Println("save it now; only a hash is stored")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the current actor's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				keys, err := e.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "NAME", "ACTOR", "CREATED"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.ActorID, k.CreatedAt.Format("2006-01-02")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func apikeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				if err := e.RevokeAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("key %s revoked\n", args[0])
				return nil
			})
		},
	}
}

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "events", Short: "Inspect the change feed"}
	cmd.AddCommand(eventsTailCmd())
	return cmd
}

func eventsTailCmd() *cobra.Command {
	var (
		n          int
		evtType    string
		entityKind string
		entityID   string
		follow     bool
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				orgID := e.Config.Org.ID
				if follow && isTerminal(os.Stdout) {
					feed := tui.NewFeed(ctx, orgID, func(ctx context.Context) ([]domain.Event, error) {
						return e.ListEvents(ctx, n, orgID, evtType, entityKind, entityID)
					})
					_, err := tea.NewProgram(feed, tea.WithAltScreen()).Run()
					return err
				}
				events, err := e.ListEvents(ctx, n, orgID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", 20, "how many events")
	cmd.Flags().StringVar(&evtType, "type", "", "filter by event type")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "filter by entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "filter by entity id")
	cmd.Flags().BoolVar(&follow, "follow", false, "live view that refreshes itself")
	return cmd
}

func serveCmd() *cobra.Command {
	var (
		addr     string
		basePath string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e engine.Engine) error {
				authCfg := server.AuthConfig{
					JWTSecret:              e.Config.Auth.JWTSecret,
					Issuer:                 e.Config.Auth.Issuer,
					AllowLegacyActorHeader: e.Config.Auth.AllowLegacyActorHeader,
					Disabled:               e.Config.Auth.Disabled,
				}
				if s := os.Getenv("ROSTERLINE_JWT_SECRET"); s != "" {
					authCfg.JWTSecret = s
				}
				if !authCfg.Disabled && authCfg.JWTSecret == "" {
					return fmt.Errorf("no JWT secret: set auth.jwt_secret in the org config, export ROSTERLINE_JWT_SECRET, or set auth.disabled: true for local use")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-cmd.Context().Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("serving org %s on http://%s%s (docs at /docs)\n", e.Config.Org.ID, addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(cmd *cobra.Command, fn func(ctx context.Context, e engine.Engine) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	ctx := cmd.Context()
	_, cfg, err := app.ResolveOrgAndConfig(ctx, viper.GetString("org"), viper.GetString("actor-id"), repo.Repo{DB: conn})
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func withRepo(cmd *cobra.Command, fn func(ctx context.Context, r repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(cmd.Context(), repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderValidation(result domain.ValidationResult) {
	fmt.Printf("valid: %t\n", result.Valid)
	if pub := result.Publication; pub != nil {
		fmt.Printf("publication: published=%t can_publish=%t late=%t notice=%dd required=%dd\n",
			pub.Published, pub.CanPublish, pub.IsLate, pub.NoticeDays, pub.RequiredDays)
	}
	renderViolations("violations", result.Violations)
	renderViolations("warnings", result.Warnings)
}

func renderViolations(label string, violations []domain.Violation) {
	if len(violations) == 0 {
		return
	}
	fmt.Printf("%s:\n", label)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"KIND", "EMPLOYEE", "LIMIT", "OBSERVED", "MESSAGE"})
	for _, v := range violations {
		tw.AppendRow(table.Row{v.Kind, v.EmployeeID, v.Limit, v.Observed, v.Message})
	}
	tw.Render()
}

func renderConsensus(result domain.ConsensusResult, auditID string) {
	fmt.Printf("status: %s, final: %s\n", result.Status, result.FinalRecommendation)
	fmt.Printf("weights: approve %.2f / reject %.2f of %.2f (alignment %d, confidence %d)\n",
		result.ApproveWeight, result.RejectWeight, result.TotalWeight,
		result.AlignmentScore, result.AverageConfidence)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"AGENT", "ROUND", "RECOMMENDATION", "SCORE", "CONFIDENCE"})
	for _, d := range result.Decisions {
		tw.AppendRow(table.Row{d.AgentRole, d.Round, d.Recommendation, d.Score, d.Confidence})
	}
	tw.Render()
	if result.Summary != "" {
		fmt.Println(result.Summary)
	}
	for _, r := range result.KeyReasons {
		fmt.Printf("  - %s\n", r)
	}
	if result.EscalationReason != "" {
		fmt.Printf("escalation: %s\n", result.EscalationReason)
	}
	if result.Truncated {
		fmt.Println("note: evaluation was cut short before all debate rounds completed")
	}
	if auditID != "" {
		fmt.Printf("audit entry %s\n", auditID)
	}
}

func readProposal(path string) (domain.Proposal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Proposal{}, err
	}
	var p domain.Proposal
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.Proposal{}, fmt.Errorf("parse proposal %s: %w", path, err)
	}
	return p, nil
}

// parseTimeFlag accepts RFC 3339 or a plain date.
func parseTimeFlag(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q (want RFC 3339 or YYYY-MM-DD)", v)
	}
	return t, nil
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func formatCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%d %s", counts[k], k))
	}
	return strings.Join(parts, ", ")
}

// setEnvValue rewrites key=value in a dotenv file, appending when absent.
func setEnvValue(path, key, value string) error {
	var lines []string
	if f, err := os.Open(path); err == nil {
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			lines = append(lines, sc.Text())
		}
		f.Close()
		if err := sc.Err(); err != nil {
			return err
		}
	}
	replaced := false
	for i, line := range lines {
		if strings.HasPrefix(line, key+"=") {
			lines[i] = key + "=" + value
			replaced = true
			break
		}
	}
	if !replaced {
		lines = append(lines, key+"="+value)
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644)
}
