package domain

import "time"

// ViolationKind identifies a labor-rule breach category.
type ViolationKind string

const (
	RestDaily      ViolationKind = "REST_DAILY"
	RestWeekly     ViolationKind = "REST_WEEKLY"
	HoursDaily     ViolationKind = "HOURS_DAILY"
	HoursWeekly    ViolationKind = "HOURS_WEEKLY"
	OvertimeWeekly ViolationKind = "OVERTIME_WEEKLY"
	Overtime4Week  ViolationKind = "OVERTIME_4WEEK"
	OvertimeYearly ViolationKind = "OVERTIME_YEARLY"
	PublishLate    ViolationKind = "PUBLISH_LATE"
)

// Hard reports whether the kind is a legal hard limit. Hard limits can
// never be approved away by consensus.
func (k ViolationKind) Hard() bool {
	switch k {
	case RestDaily, RestWeekly, HoursDaily, HoursWeekly:
		return true
	}
	return false
}

type AgentRole string

const (
	RoleCompliance       AgentRole = "compliance"
	RoleCost             AgentRole = "cost"
	RoleEmployeeAdvocate AgentRole = "employee_advocate"
	RoleOperations       AgentRole = "operations"
)

// Roles lists every evaluator role in deterministic order.
func Roles() []AgentRole {
	return []AgentRole{RoleCompliance, RoleCost, RoleEmployeeAdvocate, RoleOperations}
}

type Recommendation string

const (
	Approve               Recommendation = "approve"
	ApproveWithConditions Recommendation = "approve_with_conditions"
	NeedsModification     Recommendation = "needs_modification"
	Reject                Recommendation = "reject"
	EscalateToHuman       Recommendation = "escalate_to_human"
)

// Approving reports whether the recommendation counts toward the approve
// side of the weighted tally.
func (r Recommendation) Approving() bool {
	return r == Approve || r == ApproveWithConditions
}

type DecisionType string

const (
	ShiftAssignment      DecisionType = "shift_assignment"
	ScheduleCreation     DecisionType = "schedule_creation"
	ShiftSwap            DecisionType = "shift_swap"
	ScheduleOptimization DecisionType = "schedule_optimization"
	ConflictResolution   DecisionType = "conflict_resolution"
	ComplianceOverride   DecisionType = "compliance_override"
)

func (d DecisionType) Known() bool {
	switch d {
	case ShiftAssignment, ScheduleCreation, ShiftSwap, ScheduleOptimization, ConflictResolution, ComplianceOverride:
		return true
	}
	return false
}

type ConsensusStatus string

const (
	StatusUnanimous ConsensusStatus = "unanimous"
	StatusMajority  ConsensusStatus = "majority"
	StatusEscalated ConsensusStatus = "escalated"
	StatusDeadlock  ConsensusStatus = "deadlock"
)

// JurisdictionConfig carries the labor-law limits for one jurisdiction.
// It is resolved once per org and never mutated afterwards.
type JurisdictionConfig struct {
	Name                string  `json:"name,omitempty" yaml:"name,omitempty"`
	MaxDailyHours       float64 `json:"max_daily_hours" yaml:"max_daily_hours"`
	MaxWeeklyHours      float64 `json:"max_weekly_hours" yaml:"max_weekly_hours"`
	MinDailyRestHours   float64 `json:"min_daily_rest_hours" yaml:"min_daily_rest_hours"`
	MinWeeklyRestHours  float64 `json:"min_weekly_rest_hours" yaml:"min_weekly_rest_hours"`
	OvertimeWeeklyHours float64 `json:"overtime_weekly_hours" yaml:"overtime_weekly_hours"`
	Overtime4WeekHours  float64 `json:"overtime_4week_hours" yaml:"overtime_4week_hours"`
	OvertimeYearlyHours float64 `json:"overtime_yearly_hours" yaml:"overtime_yearly_hours"`
	PublishDeadlineDays int     `json:"publish_deadline_days" yaml:"publish_deadline_days"`
}

func (j JurisdictionConfig) Validate() error {
	if j.MaxDailyHours <= 0 {
		return ConfigurationError{Field: "max_daily_hours", Reason: "must be positive"}
	}
	if j.MaxDailyHours > 24 {
		return ConfigurationError{Field: "max_daily_hours", Reason: "cannot exceed 24"}
	}
	if j.MaxWeeklyHours <= 0 {
		return ConfigurationError{Field: "max_weekly_hours", Reason: "must be positive"}
	}
	if j.MaxWeeklyHours > 168 {
		return ConfigurationError{Field: "max_weekly_hours", Reason: "cannot exceed 168"}
	}
	if j.MinDailyRestHours <= 0 || j.MinDailyRestHours > 24 {
		return ConfigurationError{Field: "min_daily_rest_hours", Reason: "must be in (0,24]"}
	}
	if j.MinWeeklyRestHours <= 0 || j.MinWeeklyRestHours > 168 {
		return ConfigurationError{Field: "min_weekly_rest_hours", Reason: "must be in (0,168]"}
	}
	if j.OvertimeWeeklyHours < 0 || j.Overtime4WeekHours < 0 || j.OvertimeYearlyHours < 0 {
		return ConfigurationError{Field: "overtime ceilings", Reason: "cannot be negative"}
	}
	if j.PublishDeadlineDays < 0 {
		return ConfigurationError{Field: "publish_deadline_days", Reason: "cannot be negative"}
	}
	return nil
}

type Org struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Jurisdiction string    `json:"jurisdiction"`
	Status       string    `json:"status" enum:"active,suspended"`
	CreatedAt    time.Time `json:"created_at" format:"date-time"`
}

type Employee struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

type EmployeePreferences struct {
	EmployeeID         string    `json:"employee_id"`
	PreferredDays      []string  `json:"preferred_days,omitempty"`
	AvoidedDays        []string  `json:"avoided_days,omitempty"`
	PreferredShiftType string    `json:"preferred_shift_type,omitempty" enum:"morning,evening,night,any"`
	MaxWeeklyHours     float64   `json:"max_weekly_hours,omitempty"`
	UpdatedAt          time.Time `json:"updated_at" format:"date-time"`
}

type Roster struct {
	ID          string     `json:"id"`
	OrgID       string     `json:"org_id"`
	StartDate   time.Time  `json:"start_date" format:"date-time"`
	EndDate     time.Time  `json:"end_date" format:"date-time"`
	Status      string     `json:"status" enum:"draft,published,archived"`
	PublishedAt *time.Time `json:"published_at,omitempty" format:"date-time"`
	CreatedAt   time.Time  `json:"created_at" format:"date-time"`
}

type ShiftRecord struct {
	ID           string    `json:"id"`
	RosterID     string    `json:"roster_id,omitempty"`
	EmployeeID   string    `json:"employee_id"`
	StartAt      time.Time `json:"start_at" format:"date-time"`
	EndAt        time.Time `json:"end_at" format:"date-time"`
	BreakMinutes int       `json:"break_minutes,omitempty"`
	Status       string    `json:"status,omitempty" enum:"scheduled,retired"`
	CreatedAt    time.Time `json:"created_at,omitempty" format:"date-time"`
	UpdatedAt    time.Time `json:"updated_at,omitempty" format:"date-time"`
}

// Worked returns the paid duration of the shift: end minus start minus
// the unpaid break.
func (s ShiftRecord) Worked() time.Duration {
	d := s.EndAt.Sub(s.StartAt) - time.Duration(s.BreakMinutes)*time.Minute
	if d < 0 {
		return 0
	}
	return d
}

type StaffingGoal struct {
	Name           string    `json:"name"`
	From           time.Time `json:"from" format:"date-time" yaml:"from"`
	To             time.Time `json:"to" format:"date-time" yaml:"to"`
	MinStaff       int       `json:"min_staff" yaml:"min_staff"`
	PreferredStaff int       `json:"preferred_staff,omitempty" yaml:"preferred_staff,omitempty"`
	Role           string    `json:"role,omitempty" yaml:"role,omitempty"`
}

type LaborBudget struct {
	WeeklyCeiling     float64            `json:"weekly_ceiling,omitempty" yaml:"weekly_ceiling,omitempty"`
	DefaultHourlyRate float64            `json:"default_hourly_rate,omitempty" yaml:"default_hourly_rate,omitempty"`
	HourlyRates       map[string]float64 `json:"hourly_rates,omitempty" yaml:"hourly_rates,omitempty"`
}

func (b LaborBudget) RateFor(employeeID string) float64 {
	if r, ok := b.HourlyRates[employeeID]; ok {
		return r
	}
	return b.DefaultHourlyRate
}

type Violation struct {
	Kind        ViolationKind `json:"kind"`
	EmployeeID  string        `json:"employee_id,omitempty"`
	ShiftIDs    []string      `json:"shift_ids,omitempty"`
	Limit       float64       `json:"limit"`
	Observed    float64       `json:"observed"`
	WindowStart time.Time     `json:"window_start,omitempty" format:"date-time"`
	WindowEnd   time.Time     `json:"window_end,omitempty" format:"date-time"`
	Message     string        `json:"message"`
}

type PublicationStatus struct {
	Published    bool `json:"published"`
	CanPublish   bool `json:"can_publish"`
	IsLate       bool `json:"is_late"`
	NoticeDays   int  `json:"notice_days"`
	RequiredDays int  `json:"required_days"`
}

// ValidationResult is the full outcome of one compliance pass. Warnings
// never affect Valid.
type ValidationResult struct {
	Valid       bool               `json:"valid"`
	Violations  []Violation        `json:"violations"`
	Warnings    []Violation        `json:"warnings"`
	Publication *PublicationStatus `json:"publication,omitempty"`
	CheckedAt   time.Time          `json:"checked_at" format:"date-time"`
}

// HardViolations returns the kinds in the result that are legal hard limits.
func (r ValidationResult) HardViolations() []ViolationKind {
	var kinds []ViolationKind
	for _, v := range r.Violations {
		if v.Kind.Hard() {
			kinds = append(kinds, v.Kind)
		}
	}
	return kinds
}

type SwapSpec struct {
	ShiftID      string `json:"shift_id"`
	FromEmployee string `json:"from_employee"`
	ToEmployee   string `json:"to_employee"`
}

// Proposal is the payload of a scheduling decision. Fields are populated
// according to the decision type.
type Proposal struct {
	Shifts         []ShiftRecord `json:"shifts,omitempty"`
	RetireShiftIDs []string      `json:"retire_shift_ids,omitempty"`
	Swap           *SwapSpec     `json:"swap,omitempty"`
	Roster         *Roster       `json:"roster,omitempty"`
	Note           string        `json:"note,omitempty"`
}

// DecisionContext is the complete, already-materialized input to one
// consensus run. Evaluators read snapshots only; they never perform I/O.
type DecisionContext struct {
	OrgID          string                         `json:"org_id"`
	DecisionType   DecisionType                   `json:"decision_type"`
	Proposal       Proposal                       `json:"proposal"`
	ExistingShifts []ShiftRecord                  `json:"existing_shifts,omitempty"`
	Preferences    map[string]EmployeePreferences `json:"preferences,omitempty"`
	Jurisdiction   JurisdictionConfig             `json:"jurisdiction"`
	Budget         LaborBudget                    `json:"budget,omitempty"`
	CoverageGoals  []StaffingGoal                 `json:"coverage_goals,omitempty"`
	Roster         *Roster                        `json:"roster,omitempty"`
	RequestedBy    string                         `json:"requested_by,omitempty"`
	RequestedAt    time.Time                      `json:"requested_at,omitempty" format:"date-time"`
}

type AgentDecision struct {
	AgentRole          AgentRole       `json:"agent_role"`
	Round              int             `json:"round"`
	Recommendation     Recommendation  `json:"recommendation"`
	Score              int             `json:"score"`
	Confidence         int             `json:"confidence"`
	Reasoning          []string        `json:"reasoning,omitempty"`
	Concerns           []string        `json:"concerns,omitempty"`
	Conditions         []string        `json:"conditions,omitempty"`
	ViolationKinds     []ViolationKind `json:"violation_kinds,omitempty"`
	AgreesWithMajority *bool           `json:"agrees_with_majority,omitempty"`
	DisagreementPoints []string        `json:"disagreement_points,omitempty"`
	EvaluatedAt        time.Time       `json:"evaluated_at" format:"date-time"`
	ElapsedMS          int64           `json:"elapsed_ms,omitempty"`
}

// HardViolationKinds filters the decision's violations down to hard limits.
func (d AgentDecision) HardViolationKinds() []ViolationKind {
	var kinds []ViolationKind
	for _, k := range d.ViolationKinds {
		if k.Hard() {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

type DebateRound struct {
	Round            int             `json:"round"`
	Decisions        []AgentDecision `json:"decisions"`
	PositionsChanged bool            `json:"positions_changed"`
	ConsensusReached bool            `json:"consensus_reached"`
}

type ConsensusResult struct {
	Status              ConsensusStatus `json:"status"`
	FinalRecommendation Recommendation  `json:"final_recommendation"`
	DecisionType        DecisionType    `json:"decision_type"`
	ApproveWeight       float64         `json:"approve_weight"`
	RejectWeight        float64         `json:"reject_weight"`
	TotalWeight         float64         `json:"total_weight"`
	AlignmentScore      int             `json:"alignment_score"`
	AverageConfidence   int             `json:"average_confidence"`
	Decisions           []AgentDecision `json:"decisions"`
	Rounds              []DebateRound   `json:"rounds,omitempty"`
	Summary             string          `json:"summary"`
	KeyReasons          []string        `json:"key_reasons,omitempty"`
	RemainingConcerns   []string        `json:"remaining_concerns,omitempty"`
	Conditions          []string        `json:"conditions,omitempty"`
	EscalationReason    string          `json:"escalation_reason,omitempty"`
	Truncated           bool            `json:"truncated,omitempty"`
	EvaluatedAt         time.Time       `json:"evaluated_at" format:"date-time"`
	ElapsedMS           int64           `json:"elapsed_ms,omitempty"`
}

// ConsensusAuditEntry is the immutable record of one completed consensus
// run. Entries cannot be deleted before RetainUntil.
type ConsensusAuditEntry struct {
	ID           string          `json:"id"`
	OrgID        string          `json:"org_id"`
	DecisionType DecisionType    `json:"decision_type"`
	RosterID     string          `json:"roster_id,omitempty"`
	RequestedBy  string          `json:"requested_by"`
	Result       ConsensusResult `json:"result"`
	CreatedAt    time.Time       `json:"created_at" format:"date-time"`
	RetainUntil  time.Time       `json:"retain_until" format:"date-time"`
}

type Event struct {
	ID         int64     `json:"id"`
	TS         time.Time `json:"ts" format:"date-time"`
	Type       string    `json:"type"`
	OrgID      string    `json:"org_id,omitempty"`
	EntityKind string    `json:"entity_kind"`
	EntityID   string    `json:"entity_id,omitempty"`
	ActorID    string    `json:"actor_id"`
	Payload    string    `json:"payload_json"`
}

type APIKey struct {
	ID        string    `json:"id"`
	ActorID   string    `json:"actor_id"`
	Name      string    `json:"name,omitempty"`
	KeyHash   string    `json:"key_hash"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

type ActorProfile struct {
	OrgID       string   `json:"org_id"`
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}
