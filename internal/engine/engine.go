package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"rosterline/internal/audit"
	"rosterline/internal/compliance"
	"rosterline/internal/config"
	"rosterline/internal/consensus"
	"rosterline/internal/domain"
	"rosterline/internal/engine/auth"
	"rosterline/internal/events"
	"rosterline/internal/repo"
)

// Engine is the transactional core shared by the CLI and the HTTP server.
// Reads go straight through Repo; every write that emits an event runs in
// a single transaction so the event log never drifts from the tables.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  audit.Store
	Auth   auth.Service
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	e := Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Audit:  audit.Store{DB: db},
		Auth:   auth.Service{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
	if cfg != nil {
		e.Audit.RetentionMonths = cfg.RetentionMonths()
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// --- orgs ---

type OrgCreateOptions struct {
	ID           string
	Name         string
	Jurisdiction string
	ActorID      string
}

// CreateOrg inserts the org, seeds its stored config from the defaults and
// makes the creating actor its owner.
func (e Engine) CreateOrg(ctx context.Context, opts OrgCreateOptions) (domain.Org, error) {
	if opts.ID == "" {
		return domain.Org{}, domain.InvalidInputError{Field: "id", Reason: "required"}
	}
	if opts.Name == "" {
		opts.Name = opts.ID
	}
	if opts.Jurisdiction == "" {
		opts.Jurisdiction = "generic"
	}
	cfg := config.Default(opts.ID)
	cfg.Org.Name = opts.Name
	cfg.Org.Jurisdiction = opts.Jurisdiction
	if _, ok := cfg.Jurisdictions[opts.Jurisdiction]; !ok {
		return domain.Org{}, domain.InvalidInputError{Field: "jurisdiction", Reason: fmt.Sprintf("unknown jurisdiction %s", opts.Jurisdiction)}
	}
	if _, err := e.Repo.GetOrg(ctx, opts.ID); err == nil {
		return domain.Org{}, domain.InvalidInputError{Field: "id", Reason: fmt.Sprintf("org %s already exists", opts.ID)}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Org{}, err
	}
	o := domain.Org{
		ID:           opts.ID,
		Name:         opts.Name,
		Jurisdiction: opts.Jurisdiction,
		Status:       "active",
		CreatedAt:    e.now().UTC(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Org{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertOrg(ctx, tx, o); err != nil {
		return domain.Org{}, err
	}
	if err := e.Repo.UpsertOrgConfigTx(ctx, tx, o.ID, cfg); err != nil {
		return domain.Org{}, err
	}
	if opts.ActorID != "" {
		if err := e.Repo.EnsureActor(ctx, tx, opts.ActorID, o.CreatedAt.Format(time.RFC3339)); err != nil {
			return domain.Org{}, err
		}
		if err := e.Repo.AssignRole(ctx, tx, o.ID, opts.ActorID, "owner"); err != nil {
			return domain.Org{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "org.created", o.ID, "org", o.ID, opts.ActorID, events.EventPayload{
		"name":         o.Name,
		"jurisdiction": o.Jurisdiction,
	}); err != nil {
		return domain.Org{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Org{}, err
	}
	return o, nil
}

func (e Engine) GetOrg(ctx context.Context, id string) (domain.Org, error) {
	return e.Repo.GetOrg(ctx, id)
}

func (e Engine) ListOrgs(ctx context.Context) ([]domain.Org, error) {
	return e.Repo.ListOrgs(ctx)
}

// ResolveOrg returns the org with the given id, or the single existing org
// when id is empty.
func (e Engine) ResolveOrg(ctx context.Context, id string) (domain.Org, error) {
	if id != "" {
		return e.Repo.GetOrg(ctx, id)
	}
	return e.Repo.SingleOrg(ctx)
}

// OrgConfig loads the stored config snapshot for the org.
func (e Engine) OrgConfig(ctx context.Context, orgID string) (*config.Config, error) {
	return e.Repo.GetOrgConfig(ctx, orgID)
}

// ImportOrgConfig replaces the org's stored config with the decoded YAML.
// Omitted keys keep their defaults; the merged config must validate.
func (e Engine) ImportOrgConfig(ctx context.Context, orgID string, data []byte, actorID string) (*config.Config, error) {
	if _, err := e.Repo.GetOrg(ctx, orgID); err != nil {
		return nil, err
	}
	cfg, err := config.Decode(data)
	if err != nil {
		return nil, err
	}
	cfg.Org.ID = orgID
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpsertOrgConfigTx(ctx, tx, orgID, cfg); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, "config.imported", orgID, "org", orgID, actorID, events.EventPayload{
		"jurisdiction": cfg.Org.Jurisdiction,
		"bytes":        len(data),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// --- employees ---

type EmployeeUpsertOptions struct {
	ID      string
	OrgID   string
	Name    string
	ActorID string
}

func (e Engine) UpsertEmployee(ctx context.Context, opts EmployeeUpsertOptions) (domain.Employee, error) {
	if opts.ID == "" {
		return domain.Employee{}, domain.InvalidInputError{Field: "id", Reason: "required"}
	}
	if opts.OrgID == "" {
		return domain.Employee{}, domain.InvalidInputError{Field: "org_id", Reason: "required"}
	}
	if _, err := e.Repo.GetOrg(ctx, opts.OrgID); err != nil {
		return domain.Employee{}, err
	}
	if opts.Name == "" {
		opts.Name = opts.ID
	}
	emp := domain.Employee{
		ID:        opts.ID,
		OrgID:     opts.OrgID,
		Name:      opts.Name,
		CreatedAt: e.now().UTC(),
	}
	if err := e.Repo.UpsertEmployee(ctx, emp); err != nil {
		return domain.Employee{}, err
	}
	// Re-read so an update keeps the original created_at.
	return e.Repo.GetEmployee(ctx, opts.OrgID, opts.ID)
}

func (e Engine) ListEmployees(ctx context.Context, orgID string) ([]domain.Employee, error) {
	return e.Repo.ListEmployees(ctx, orgID)
}

// SetPreferences stores the employee's scheduling preferences. Day names
// are normalized to lowercase English weekday names.
func (e Engine) SetPreferences(ctx context.Context, orgID string, p domain.EmployeePreferences) (domain.EmployeePreferences, error) {
	if p.EmployeeID == "" {
		return domain.EmployeePreferences{}, domain.InvalidInputError{Field: "employee_id", Reason: "required"}
	}
	if _, err := e.Repo.GetEmployee(ctx, orgID, p.EmployeeID); err != nil {
		return domain.EmployeePreferences{}, err
	}
	var err error
	if p.PreferredDays, err = normalizeDays(p.PreferredDays); err != nil {
		return domain.EmployeePreferences{}, domain.InvalidInputError{Field: "preferred_days", Reason: err.Error()}
	}
	if p.AvoidedDays, err = normalizeDays(p.AvoidedDays); err != nil {
		return domain.EmployeePreferences{}, domain.InvalidInputError{Field: "avoided_days", Reason: err.Error()}
	}
	p.PreferredShiftType = strings.ToLower(strings.TrimSpace(p.PreferredShiftType))
	if !validShiftTypes[p.PreferredShiftType] {
		return domain.EmployeePreferences{}, domain.InvalidInputError{Field: "preferred_shift_type", Reason: "must be morning, evening, night or any"}
	}
	if p.MaxWeeklyHours < 0 {
		return domain.EmployeePreferences{}, domain.InvalidInputError{Field: "max_weekly_hours", Reason: "must not be negative"}
	}
	p.UpdatedAt = e.now().UTC()
	if err := e.Repo.UpsertPreferences(ctx, orgID, p); err != nil {
		return domain.EmployeePreferences{}, err
	}
	return p, nil
}

func (e Engine) GetPreferences(ctx context.Context, orgID, employeeID string) (domain.EmployeePreferences, error) {
	return e.Repo.GetPreferences(ctx, orgID, employeeID)
}

// --- rosters ---

type RosterCreateOptions struct {
	ID        string
	OrgID     string
	StartDate time.Time
	EndDate   time.Time
	ActorID   string
}

func (e Engine) CreateRoster(ctx context.Context, opts RosterCreateOptions) (domain.Roster, error) {
	if opts.ID == "" {
		return domain.Roster{}, domain.InvalidInputError{Field: "id", Reason: "required"}
	}
	if opts.OrgID == "" {
		return domain.Roster{}, domain.InvalidInputError{Field: "org_id", Reason: "required"}
	}
	if _, err := e.Repo.GetOrg(ctx, opts.OrgID); err != nil {
		return domain.Roster{}, err
	}
	if opts.StartDate.IsZero() {
		return domain.Roster{}, domain.InvalidInputError{Field: "start_date", Reason: "required"}
	}
	if opts.EndDate.IsZero() {
		return domain.Roster{}, domain.InvalidInputError{Field: "end_date", Reason: "required"}
	}
	if !opts.EndDate.After(opts.StartDate) {
		return domain.Roster{}, domain.InvalidInputError{Field: "end_date", Reason: "must be after start_date"}
	}
	ro := domain.Roster{
		ID:        opts.ID,
		OrgID:     opts.OrgID,
		StartDate: opts.StartDate.UTC(),
		EndDate:   opts.EndDate.UTC(),
		Status:    "draft",
		CreatedAt: e.now().UTC(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Roster{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertRoster(ctx, tx, ro); err != nil {
		return domain.Roster{}, err
	}
	if err := e.Events.Append(ctx, tx, "roster.created", ro.OrgID, "roster", ro.ID, opts.ActorID, events.EventPayload{
		"start_date": ro.StartDate.Format(time.RFC3339),
		"end_date":   ro.EndDate.Format(time.RFC3339),
	}); err != nil {
		return domain.Roster{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Roster{}, err
	}
	return ro, nil
}

func (e Engine) GetRoster(ctx context.Context, orgID, id string) (domain.Roster, error) {
	return e.Repo.GetRoster(ctx, orgID, id)
}

func (e Engine) ListRosters(ctx context.Context, orgID string) ([]domain.Roster, error) {
	return e.Repo.ListRosters(ctx, orgID)
}

// PublishRoster marks the roster published as of Now. Publishing twice is
// an input error; the publication timestamp is immutable once set.
func (e Engine) PublishRoster(ctx context.Context, orgID, rosterID, actorID string) (domain.Roster, error) {
	ro, err := e.Repo.GetRoster(ctx, orgID, rosterID)
	if err != nil {
		return domain.Roster{}, err
	}
	if ro.PublishedAt != nil || ro.Status == "published" {
		return domain.Roster{}, domain.InvalidInputError{Field: "roster", Reason: "already published"}
	}
	if ro.Status == "archived" {
		return domain.Roster{}, domain.InvalidInputError{Field: "roster", Reason: "archived rosters cannot be published"}
	}
	now := e.now().UTC()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Roster{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.MarkRosterPublished(ctx, tx, ro.ID, now); err != nil {
		return domain.Roster{}, err
	}
	if err := e.Events.Append(ctx, tx, "roster.published", orgID, "roster", ro.ID, actorID, events.EventPayload{
		"published_at": now.Format(time.RFC3339),
	}); err != nil {
		return domain.Roster{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Roster{}, err
	}
	ro.Status = "published"
	ro.PublishedAt = &now
	return ro, nil
}

// --- shifts ---

type ShiftAddOptions struct {
	OrgID        string
	RosterID     string
	EmployeeID   string
	StartAt      time.Time
	EndAt        time.Time
	BreakMinutes int
	ActorID      string
}

func (e Engine) AddShift(ctx context.Context, opts ShiftAddOptions) (domain.ShiftRecord, error) {
	ro, err := e.Repo.GetRoster(ctx, opts.OrgID, opts.RosterID)
	if err != nil {
		return domain.ShiftRecord{}, err
	}
	if ro.Status == "archived" {
		return domain.ShiftRecord{}, domain.InvalidInputError{Field: "roster", Reason: "archived rosters cannot be changed"}
	}
	if opts.EmployeeID == "" {
		return domain.ShiftRecord{}, domain.InvalidInputError{Field: "employee_id", Reason: "required"}
	}
	if _, err := e.Repo.GetEmployee(ctx, opts.OrgID, opts.EmployeeID); err != nil {
		return domain.ShiftRecord{}, err
	}
	if opts.StartAt.IsZero() {
		return domain.ShiftRecord{}, domain.InvalidInputError{Field: "start_at", Reason: "required"}
	}
	if opts.EndAt.IsZero() {
		return domain.ShiftRecord{}, domain.InvalidInputError{Field: "end_at", Reason: "required"}
	}
	if !opts.EndAt.After(opts.StartAt) {
		return domain.ShiftRecord{}, domain.InvalidInputError{Field: "end_at", Reason: "must be after start_at"}
	}
	if opts.BreakMinutes < 0 {
		return domain.ShiftRecord{}, domain.InvalidInputError{Field: "break_minutes", Reason: "must not be negative"}
	}
	if time.Duration(opts.BreakMinutes)*time.Minute >= opts.EndAt.Sub(opts.StartAt) {
		return domain.ShiftRecord{}, domain.InvalidInputError{Field: "break_minutes", Reason: "must be shorter than the shift"}
	}
	now := e.now().UTC()
	s := domain.ShiftRecord{
		ID:           uuid.New().String(),
		RosterID:     ro.ID,
		EmployeeID:   opts.EmployeeID,
		StartAt:      opts.StartAt.UTC(),
		EndAt:        opts.EndAt.UTC(),
		BreakMinutes: opts.BreakMinutes,
		Status:       "scheduled",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ShiftRecord{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertShift(ctx, tx, s); err != nil {
		return domain.ShiftRecord{}, err
	}
	if err := e.Events.Append(ctx, tx, "shift.added", opts.OrgID, "shift", s.ID, opts.ActorID, events.EventPayload{
		"employee_id": s.EmployeeID,
		"start_at":    s.StartAt.Format(time.RFC3339),
		"end_at":      s.EndAt.Format(time.RFC3339),
	}); err != nil {
		return domain.ShiftRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ShiftRecord{}, err
	}
	return s, nil
}

// RetireShift keeps the row for history but removes the shift from every
// future validation and evaluation.
func (e Engine) RetireShift(ctx context.Context, orgID, shiftID, actorID string) (domain.ShiftRecord, error) {
	s, err := e.Repo.GetShift(ctx, shiftID)
	if err != nil {
		return domain.ShiftRecord{}, err
	}
	if _, err := e.Repo.GetRoster(ctx, orgID, s.RosterID); err != nil {
		return domain.ShiftRecord{}, err
	}
	if s.Status == "retired" {
		return domain.ShiftRecord{}, domain.InvalidInputError{Field: "shift", Reason: "already retired"}
	}
	now := e.now().UTC()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ShiftRecord{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.MarkShiftStatus(ctx, tx, s.ID, "retired", now); err != nil {
		return domain.ShiftRecord{}, err
	}
	if err := e.Events.Append(ctx, tx, "shift.retired", orgID, "shift", s.ID, actorID, events.EventPayload{
		"employee_id": s.EmployeeID,
	}); err != nil {
		return domain.ShiftRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ShiftRecord{}, err
	}
	s.Status = "retired"
	s.UpdatedAt = now
	return s, nil
}

func (e Engine) ListShifts(ctx context.Context, orgID, rosterID string, f repo.ShiftFilters) ([]domain.ShiftRecord, error) {
	if _, err := e.Repo.GetRoster(ctx, orgID, rosterID); err != nil {
		return nil, err
	}
	f.RosterID = rosterID
	return e.Repo.ListShifts(ctx, f)
}

// --- validation ---

// ValidateRoster checks the roster's active shifts against the org's
// jurisdiction limits.
func (e Engine) ValidateRoster(ctx context.Context, orgID, rosterID string) (domain.ValidationResult, error) {
	ro, err := e.Repo.GetRoster(ctx, orgID, rosterID)
	if err != nil {
		return domain.ValidationResult{}, err
	}
	shifts, err := e.Repo.ActiveShifts(ctx, ro.ID)
	if err != nil {
		return domain.ValidationResult{}, err
	}
	jur, err := e.orgJurisdiction(ctx, orgID)
	if err != nil {
		return domain.ValidationResult{}, err
	}
	return compliance.New(jur).Validate(nil, shifts, &ro, e.now().UTC()), nil
}

// ValidateProposal checks a proposed change against the schedule it
// touches, without persisting anything.
func (e Engine) ValidateProposal(ctx context.Context, orgID string, p domain.Proposal) (domain.ValidationResult, error) {
	jur, err := e.orgJurisdiction(ctx, orgID)
	if err != nil {
		return domain.ValidationResult{}, err
	}
	roster, existing, err := e.proposalScope(ctx, orgID, p)
	if err != nil {
		return domain.ValidationResult{}, err
	}
	return compliance.New(jur).ValidateProposal(p, existing, roster, e.now().UTC())
}

// --- decisions ---

type EvaluateRequest struct {
	OrgID        string
	DecisionType domain.DecisionType
	Proposal     domain.Proposal
	RosterID     string
	RequestedBy  string
}

// EvaluateDecision runs the consensus panel over the proposal and records
// exactly one audit entry for the completed run. The audit entry id comes
// back alongside the result.
func (e Engine) EvaluateDecision(ctx context.Context, req EvaluateRequest) (domain.ConsensusResult, string, error) {
	if req.OrgID == "" {
		return domain.ConsensusResult{}, "", domain.InvalidInputError{Field: "org_id", Reason: "required"}
	}
	if _, err := e.Repo.GetOrg(ctx, req.OrgID); err != nil {
		return domain.ConsensusResult{}, "", err
	}
	cfg, err := e.Repo.GetOrgConfig(ctx, req.OrgID)
	if err != nil {
		return domain.ConsensusResult{}, "", err
	}
	jur, err := cfg.JurisdictionFor(cfg.Org.Jurisdiction)
	if err != nil {
		return domain.ConsensusResult{}, "", err
	}
	p := req.Proposal
	if req.RosterID != "" && p.Roster == nil {
		ro, err := e.Repo.GetRoster(ctx, req.OrgID, req.RosterID)
		if err != nil {
			return domain.ConsensusResult{}, "", err
		}
		p.Roster = &ro
	}
	roster, existing, err := e.proposalScope(ctx, req.OrgID, p)
	if err != nil {
		return domain.ConsensusResult{}, "", err
	}
	prefs, err := e.Repo.ListPreferences(ctx, req.OrgID)
	if err != nil {
		return domain.ConsensusResult{}, "", err
	}
	prefByEmployee := make(map[string]domain.EmployeePreferences, len(prefs))
	for _, pr := range prefs {
		prefByEmployee[pr.EmployeeID] = pr
	}
	dc := domain.DecisionContext{
		OrgID:          req.OrgID,
		DecisionType:   req.DecisionType,
		Proposal:       p,
		ExistingShifts: existing,
		Preferences:    prefByEmployee,
		Jurisdiction:   jur,
		Budget:         cfg.Budget,
		CoverageGoals:  cfg.Coverage,
		Roster:         roster,
		RequestedBy:    req.RequestedBy,
		RequestedAt:    e.now().UTC(),
	}
	orch := consensus.NewOrchestrator(cfg.Consensus)
	orch.Now = e.Now
	result, err := orch.Evaluate(ctx, dc)
	if err != nil {
		return domain.ConsensusResult{}, "", err
	}

	rosterID := req.RosterID
	if rosterID == "" && roster != nil {
		rosterID = roster.ID
	}
	entry, err := e.Audit.Append(ctx, domain.ConsensusAuditEntry{
		OrgID:        req.OrgID,
		DecisionType: req.DecisionType,
		RosterID:     rosterID,
		RequestedBy:  req.RequestedBy,
		Result:       result,
	})
	if err != nil {
		return result, "", err
	}
	evtType := "decision.evaluated"
	if result.Status == domain.StatusEscalated {
		evtType = "decision.escalated"
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return result, entry.ID, err
	}
	defer tx.Rollback()

	if err := e.Events.Append(ctx, tx, evtType, req.OrgID, "decision", entry.ID, req.RequestedBy, events.EventPayload{
		"decision_type":  string(req.DecisionType),
		"status":         string(result.Status),
		"recommendation": string(result.FinalRecommendation),
		"audit_entry_id": entry.ID,
	}); err != nil {
		return result, entry.ID, err
	}
	if err := tx.Commit(); err != nil {
		return result, entry.ID, err
	}
	return result, entry.ID, nil
}

// --- audit ---

func (e Engine) GetAuditEntry(ctx context.Context, orgID, id string) (domain.ConsensusAuditEntry, error) {
	return e.Audit.Get(ctx, orgID, id)
}

func (e Engine) ListAuditEntries(ctx context.Context, orgID string, f audit.ListFilter) ([]domain.ConsensusAuditEntry, error) {
	return e.Audit.List(ctx, orgID, f)
}

func (e Engine) DeleteAuditEntry(ctx context.Context, orgID, id string) error {
	return e.Audit.Delete(ctx, orgID, id)
}

func (e Engine) PurgeAuditEntries(ctx context.Context, orgID string) (int, error) {
	return e.Audit.PurgeExpired(ctx, orgID)
}

// --- access control ---

var permissionDescriptions = map[string]string{
	"org.admin":         "administer org settings, roles and API keys",
	"roster.write":      "create and modify rosters and shifts",
	"decision.evaluate": "run validation and consensus evaluation",
	"audit.read":        "read consensus audit entries",
	"audit.purge":       "delete expired consensus audit entries",
}

var roleDescriptions = map[string]string{
	"owner":              "full control of the org",
	"scheduler":          "builds rosters and runs evaluations",
	"compliance_officer": "reviews evaluations and manages the audit trail",
	"viewer":             "read-only access",
}

// Bootstrap seeds the roles and permissions tables from config. Safe to
// run repeatedly.
func (e Engine) Bootstrap(ctx context.Context) error {
	cfg := e.Config
	if cfg == nil {
		cfg = config.Default("")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, role := range sortedRoleNames(cfg.RBAC.Roles) {
		if err := e.Repo.InsertRole(ctx, tx, role, roleDescriptions[role]); err != nil {
			return err
		}
		for _, perm := range cfg.RBAC.Roles[role] {
			if err := e.Repo.InsertPermission(ctx, tx, perm, permissionDescriptions[perm]); err != nil {
				return err
			}
			if err := e.Repo.AddRolePermission(ctx, tx, role, perm); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func (e Engine) GrantRole(ctx context.Context, orgID, actorID, roleID string) error {
	if actorID == "" {
		return domain.InvalidInputError{Field: "actor_id", Reason: "required"}
	}
	if _, err := e.Repo.GetOrg(ctx, orgID); err != nil {
		return err
	}
	cfg, err := e.Repo.GetOrgConfig(ctx, orgID)
	if err != nil {
		return err
	}
	if _, ok := cfg.RBAC.Roles[roleID]; !ok {
		return domain.InvalidInputError{Field: "role", Reason: fmt.Sprintf("unknown role %s", roleID)}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.EnsureActor(ctx, tx, actorID, e.now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	if err := e.Repo.AssignRole(ctx, tx, orgID, actorID, roleID); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) RevokeRole(ctx context.Context, orgID, actorID, roleID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.RevokeRole(ctx, tx, orgID, actorID, roleID); err != nil {
		return err
	}
	return tx.Commit()
}

// ActorProfile reports the actor's roles and effective permissions in the
// org.
func (e Engine) ActorProfile(ctx context.Context, orgID, actorID string) (domain.ActorProfile, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ActorProfile{}, err
	}
	defer tx.Rollback()

	roles, err := e.Auth.ActorRoles(ctx, tx, orgID, actorID)
	if err != nil {
		return domain.ActorProfile{}, err
	}
	perms, err := e.Auth.ActorPermissions(ctx, tx, orgID, actorID)
	if err != nil {
		return domain.ActorProfile{}, err
	}
	return domain.ActorProfile{OrgID: orgID, ActorID: actorID, Roles: roles, Permissions: perms}, nil
}

// --- api keys ---

type APIKeyCreateOptions struct {
	ActorID string
	Name    string
}

// CreateAPIKey mints a key for the actor. The plaintext secret is returned
// exactly once; only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, opts APIKeyCreateOptions) (domain.APIKey, string, error) {
	if opts.ActorID == "" {
		return domain.APIKey{}, "", domain.InvalidInputError{Field: "actor_id", Reason: "required"}
	}
	if opts.Name == "" {
		return domain.APIKey{}, "", domain.InvalidInputError{Field: "name", Reason: "required"}
	}
	secret := uuid.New().String()
	key := domain.APIKey{
		ID:        uuid.New().String(),
		ActorID:   opts.ActorID,
		Name:      opts.Name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.now().UTC(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()

	if err := e.Repo.EnsureActor(ctx, tx, opts.ActorID, key.CreatedAt.Format(time.RFC3339)); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	return e.Repo.ListAPIKeys(ctx, actorID)
}

func (e Engine) RevokeAPIKey(ctx context.Context, id string) error {
	return e.Repo.DeleteAPIKey(ctx, id)
}

// --- events ---

func (e Engine) ListEvents(ctx context.Context, limit int, orgID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, limit, orgID, evtType, entityKind, entityID)
}

// --- helpers ---

// orgJurisdiction resolves the org's active jurisdiction limits from its
// stored config.
func (e Engine) orgJurisdiction(ctx context.Context, orgID string) (domain.JurisdictionConfig, error) {
	cfg, err := e.Repo.GetOrgConfig(ctx, orgID)
	if err != nil {
		return domain.JurisdictionConfig{}, err
	}
	return cfg.JurisdictionFor(cfg.Org.Jurisdiction)
}

// proposalScope loads the roster the proposal touches and its active
// shifts. A roster snapshot embedded in the proposal wins over the stored
// row; an unknown roster id degrades to proposal-only validation.
func (e Engine) proposalScope(ctx context.Context, orgID string, p domain.Proposal) (*domain.Roster, []domain.ShiftRecord, error) {
	rid := ""
	if p.Roster != nil {
		rid = p.Roster.ID
	}
	if rid == "" {
		for _, s := range p.Shifts {
			if s.RosterID != "" {
				rid = s.RosterID
				break
			}
		}
	}
	if rid == "" && p.Swap != nil && p.Swap.ShiftID != "" {
		s, err := e.Repo.GetShift(ctx, p.Swap.ShiftID)
		if err == nil {
			rid = s.RosterID
		} else if !errors.Is(err, repo.ErrNotFound) {
			return nil, nil, err
		}
	}
	if rid == "" {
		return p.Roster, nil, nil
	}
	ro, err := e.Repo.GetRoster(ctx, orgID, rid)
	if errors.Is(err, repo.ErrNotFound) {
		return p.Roster, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	existing, err := e.Repo.ActiveShifts(ctx, ro.ID)
	if err != nil {
		return nil, nil, err
	}
	if p.Roster != nil {
		return p.Roster, existing, nil
	}
	return &ro, existing, nil
}

var validShiftTypes = map[string]bool{
	"": true, "any": true, "morning": true, "evening": true, "night": true,
}

var weekdayNames = map[string]bool{
	"monday": true, "tuesday": true, "wednesday": true, "thursday": true,
	"friday": true, "saturday": true, "sunday": true,
}

func normalizeDays(days []string) ([]string, error) {
	if len(days) == 0 {
		return days, nil
	}
	out := make([]string, 0, len(days))
	for _, d := range days {
		d = strings.ToLower(strings.TrimSpace(d))
		if !weekdayNames[d] {
			return nil, fmt.Errorf("unknown weekday %q", d)
		}
		out = append(out, d)
	}
	return out, nil
}

func sortedRoleNames(roles map[string][]string) []string {
	out := make([]string, 0, len(roles))
	for name := range roles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
