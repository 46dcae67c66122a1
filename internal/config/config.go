package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"rosterline/internal/consensus"
	"rosterline/internal/domain"
)

// Config models rosterline.yml.
type Config struct {
	Org struct {
		ID           string `yaml:"id" json:"id"`
		Name         string `yaml:"name" json:"name"`
		Jurisdiction string `yaml:"jurisdiction" json:"jurisdiction"`
	} `yaml:"org" json:"org"`
	Jurisdictions map[string]domain.JurisdictionConfig `yaml:"jurisdictions" json:"jurisdictions"`
	Consensus     consensus.Config                     `yaml:"consensus" json:"consensus"`
	Budget        domain.LaborBudget                   `yaml:"budget" json:"budget"`
	Coverage      []domain.StaffingGoal                `yaml:"coverage" json:"coverage"`
	Audit         struct {
		RetentionMonths int `yaml:"retention_months" json:"retention_months"`
	} `yaml:"audit" json:"audit"`
	Server struct {
		Addr   string `yaml:"addr" json:"addr"`
		DBPath string `yaml:"db_path" json:"db_path"`
	} `yaml:"server" json:"server"`
	Auth struct {
		JWTSecret              string `yaml:"jwt_secret" json:"jwt_secret"`
		Issuer                 string `yaml:"issuer" json:"issuer"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header" json:"allow_legacy_actor_header"`
		Disabled               bool   `yaml:"disabled" json:"disabled"`
	} `yaml:"auth" json:"auth"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks"`
	RBAC     struct {
		Roles map[string][]string `yaml:"roles" json:"roles"`
	} `yaml:"rbac" json:"rbac"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run rl init or import with rl config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Decode overlays raw YAML onto the defaults without validating, so
// omitted keys keep their default values.
func Decode(data []byte) (*Config, error) {
	cfg := Default("")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	return cfg, nil
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Org.ID == "" {
		return domain.ConfigurationError{Field: "org.id", Reason: "required"}
	}
	if len(c.Jurisdictions) == 0 {
		return domain.ConfigurationError{Field: "jurisdictions", Reason: "at least one jurisdiction required"}
	}
	for name, j := range c.Jurisdictions {
		if err := j.Validate(); err != nil {
			return fmt.Errorf("jurisdiction %s: %w", name, err)
		}
	}
	if c.Org.Jurisdiction != "" {
		if _, ok := c.Jurisdictions[c.Org.Jurisdiction]; !ok {
			return domain.ConfigurationError{Field: "org.jurisdiction", Reason: fmt.Sprintf("unknown jurisdiction %q", c.Org.Jurisdiction)}
		}
	}
	if err := c.Consensus.Validate(); err != nil {
		return err
	}
	if c.Audit.RetentionMonths < 0 {
		return domain.ConfigurationError{Field: "audit.retention_months", Reason: "cannot be negative"}
	}
	if c.Budget.WeeklyCeiling < 0 {
		return domain.ConfigurationError{Field: "budget.weekly_ceiling", Reason: "cannot be negative"}
	}
	if c.Budget.DefaultHourlyRate < 0 {
		return domain.ConfigurationError{Field: "budget.default_hourly_rate", Reason: "cannot be negative"}
	}
	for emp, rate := range c.Budget.HourlyRates {
		if rate < 0 {
			return domain.ConfigurationError{Field: "budget.hourly_rates", Reason: fmt.Sprintf("rate for %s cannot be negative", emp)}
		}
	}
	for i, goal := range c.Coverage {
		if goal.Name == "" {
			return domain.ConfigurationError{Field: fmt.Sprintf("coverage[%d].name", i), Reason: "required"}
		}
		if !goal.To.After(goal.From) {
			return domain.ConfigurationError{Field: fmt.Sprintf("coverage[%d]", i), Reason: "to must be after from"}
		}
		if goal.MinStaff < 0 {
			return domain.ConfigurationError{Field: fmt.Sprintf("coverage[%d].min_staff", i), Reason: "cannot be negative"}
		}
		if goal.PreferredStaff != 0 && goal.PreferredStaff < goal.MinStaff {
			return domain.ConfigurationError{Field: fmt.Sprintf("coverage[%d].preferred_staff", i), Reason: "cannot be below min_staff"}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return domain.ConfigurationError{Field: fmt.Sprintf("webhooks[%d].url", i), Reason: "required"}
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return domain.ConfigurationError{Field: "rbac.roles", Reason: "must include owner"}
		}
		for roleID, perms := range c.RBAC.Roles {
			if roleID == "" {
				return domain.ConfigurationError{Field: "rbac.roles", Reason: "contains empty role id"}
			}
			for _, perm := range perms {
				if perm == "" {
					return domain.ConfigurationError{Field: "rbac.roles", Reason: fmt.Sprintf("role %s has empty permission id", roleID)}
				}
			}
		}
	}
	return nil
}

// JurisdictionFor resolves a jurisdiction by name, falling back to the
// org default.
func (c *Config) JurisdictionFor(name string) (domain.JurisdictionConfig, error) {
	if name == "" {
		name = c.Org.Jurisdiction
	}
	j, ok := c.Jurisdictions[name]
	if !ok {
		return domain.JurisdictionConfig{}, domain.ConfigurationError{Field: "jurisdictions", Reason: fmt.Sprintf("unknown jurisdiction %q", name)}
	}
	if j.Name == "" {
		j.Name = name
	}
	return j, nil
}

// RetentionMonths returns the audit retention, defaulting to 24 months.
func (c *Config) RetentionMonths() int {
	if c.Audit.RetentionMonths > 0 {
		return c.Audit.RetentionMonths
	}
	return 24
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "rosterline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(orgID string) string {
	return fmt.Sprintf(defaultTemplate, orgID)
}

// WriteDefault writes the default config file, refusing to overwrite.
func WriteDefault(path, orgID string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config %s already exists", path)
	}
	return os.WriteFile(path, []byte(GenerateDefault(orgID)), 0o644)
}

// Default returns the default Config struct for an org.
func Default(orgID string) *Config {
	var cfg Config
	cfg.Consensus = consensus.DefaultConfig()
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, orgID))).Decode(&cfg)
	cfg.Org.ID = orgID
	return &cfg
}

const defaultTemplate = `org:
  id: %s
  name: ""
  jurisdiction: generic

jurisdictions:
  generic:
    name: Generic
    max_daily_hours: 12
    max_weekly_hours: 48
    min_daily_rest_hours: 10
    min_weekly_rest_hours: 24
    overtime_weekly_hours: 10
    overtime_4week_hours: 40
    overtime_yearly_hours: 400
    publish_deadline_days: 7

  de:
    name: Germany
    max_daily_hours: 10
    max_weekly_hours: 48
    min_daily_rest_hours: 11
    min_weekly_rest_hours: 35
    overtime_weekly_hours: 12
    overtime_4week_hours: 40
    overtime_yearly_hours: 170
    publish_deadline_days: 14

  fr:
    name: France
    max_daily_hours: 10
    max_weekly_hours: 44
    min_daily_rest_hours: 11
    min_weekly_rest_hours: 35
    overtime_weekly_hours: 4
    overtime_4week_hours: 16
    overtime_yearly_hours: 220
    publish_deadline_days: 7

consensus:
  weights:
    compliance: 1.5
    employee_advocate: 1.2
    cost: 1.0
    operations: 1.0
  majority_threshold: 0.66
  require_unanimous: false
  enable_cross_evaluation: true
  max_debate_rounds: 3
  minimum_confidence: 60
  escalate_on_deadlock: true
  escalate_on_low_confidence: true
  severity_weights:
    violation: 25
    warning: 10
  agent_timeout_seconds: 10
  overrides:
    compliance_override:
      require_unanimous: true

budget:
  weekly_ceiling: 0
  default_hourly_rate: 0

coverage: []

audit:
  retention_months: 24

server:
  addr: ":8080"
  db_path: ""

auth:
  jwt_secret: ""
  issuer: rosterline
  allow_legacy_actor_header: false
  disabled: false

rbac:
  roles:
    owner: [org.admin, roster.write, decision.evaluate, audit.read, audit.purge]
    scheduler: [roster.write, decision.evaluate]
    compliance_officer: [decision.evaluate, audit.read, audit.purge]
    viewer: []
`
