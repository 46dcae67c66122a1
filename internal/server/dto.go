package server

import (
	"encoding/json"
	"time"

	"rosterline/internal/config"
	"rosterline/internal/consensus"
	"rosterline/internal/domain"
)

// Request payloads

type CreateOrgRequest struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	Jurisdiction string `json:"jurisdiction,omitempty"`
}

type UpsertEmployeeRequest struct {
	Name string `json:"name,omitempty"`
}

type PreferencesRequest struct {
	PreferredDays      []string `json:"preferred_days,omitempty"`
	AvoidedDays        []string `json:"avoided_days,omitempty"`
	PreferredShiftType string   `json:"preferred_shift_type,omitempty" enum:"morning,evening,night,any"`
	MaxWeeklyHours     float64  `json:"max_weekly_hours,omitempty"`
}

type CreateRosterRequest struct {
	ID        string    `json:"id"`
	StartDate time.Time `json:"start_date" format:"date-time"`
	EndDate   time.Time `json:"end_date" format:"date-time"`
}

type AddShiftRequest struct {
	EmployeeID   string    `json:"employee_id"`
	StartAt      time.Time `json:"start_at" format:"date-time"`
	EndAt        time.Time `json:"end_at" format:"date-time"`
	BreakMinutes int       `json:"break_minutes,omitempty"`
}

// ValidateRequest names either a stored roster or an inline proposal.
type ValidateRequest struct {
	RosterID string           `json:"roster_id,omitempty"`
	Proposal *domain.Proposal `json:"proposal,omitempty"`
}

type EvaluateDecisionRequest struct {
	DecisionType string          `json:"decision_type" enum:"shift_assignment,schedule_creation,shift_swap,schedule_optimization,conflict_resolution,compliance_override"`
	Proposal     domain.Proposal `json:"proposal"`
	RosterID     string          `json:"roster_id,omitempty"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	OrgID       string   `json:"org_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Response payloads

type OrgResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Jurisdiction string    `json:"jurisdiction"`
	Status       string    `json:"status" enum:"active,suspended"`
	CreatedAt    time.Time `json:"created_at" format:"date-time"`
}

type EmployeeResponse struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

type RosterResponse struct {
	ID          string     `json:"id"`
	OrgID       string     `json:"org_id"`
	StartDate   time.Time  `json:"start_date" format:"date-time"`
	EndDate     time.Time  `json:"end_date" format:"date-time"`
	Status      string     `json:"status" enum:"draft,published,archived"`
	PublishedAt *time.Time `json:"published_at,omitempty" format:"date-time"`
	CreatedAt   time.Time  `json:"created_at" format:"date-time"`
}

type ShiftResponse struct {
	ID           string    `json:"id"`
	RosterID     string    `json:"roster_id"`
	EmployeeID   string    `json:"employee_id"`
	StartAt      time.Time `json:"start_at" format:"date-time"`
	EndAt        time.Time `json:"end_at" format:"date-time"`
	BreakMinutes int       `json:"break_minutes"`
	Status       string    `json:"status" enum:"scheduled,retired"`
	CreatedAt    time.Time `json:"created_at" format:"date-time"`
	UpdatedAt    time.Time `json:"updated_at" format:"date-time"`
}

// EvaluateEnvelope is the evaluate endpoint's response. Domain-level
// failures (bad input, broken config) come back as success=false with the
// message in error; transport failures still use the apiError envelope.
type EvaluateEnvelope struct {
	Success      bool                    `json:"success"`
	Result       *domain.ConsensusResult `json:"result,omitempty"`
	Error        string                  `json:"error,omitempty"`
	AuditEntryID string                  `json:"audit_entry_id,omitempty"`
}

type PurgeResponse struct {
	Purged int `json:"purged"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         time.Time      `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	OrgID      string         `json:"org_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	OrgID       string   `json:"org_id,omitempty"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// OrgConfigResponse is the stored org config without deployment-only
// sections (server address, auth secrets, webhooks).
type OrgConfigResponse struct {
	Org           orgConfigSection                     `json:"org"`
	Jurisdictions map[string]domain.JurisdictionConfig `json:"jurisdictions"`
	Consensus     consensus.Config                     `json:"consensus"`
	Budget        domain.LaborBudget                   `json:"budget"`
	Coverage      []domain.StaffingGoal                `json:"coverage"`
	Audit         auditConfigSection                   `json:"audit"`
}

type orgConfigSection struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Jurisdiction string `json:"jurisdiction"`
}

type auditConfigSection struct {
	RetentionMonths int `json:"retention_months"`
}

type paginatedRosters struct {
	Items      []RosterResponse `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type paginatedShifts struct {
	Items      []ShiftResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func orgResponse(o domain.Org) OrgResponse {
	return OrgResponse(o)
}

func employeeResponse(e domain.Employee) EmployeeResponse {
	return EmployeeResponse(e)
}

func rosterResponse(ro domain.Roster) RosterResponse {
	return RosterResponse(ro)
}

func shiftResponse(s domain.ShiftRecord) ShiftResponse {
	return ShiftResponse(s)
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		OrgID:      e.OrgID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func configResponse(cfg *config.Config) OrgConfigResponse {
	return OrgConfigResponse{
		Org: orgConfigSection{
			ID:           cfg.Org.ID,
			Name:         cfg.Org.Name,
			Jurisdiction: cfg.Org.Jurisdiction,
		},
		Jurisdictions: cfg.Jurisdictions,
		Consensus:     cfg.Consensus,
		Budget:        cfg.Budget,
		Coverage:      nonNilSlice(cfg.Coverage),
		Audit:         auditConfigSection{RetentionMonths: cfg.RetentionMonths()},
	}
}

func mapOrgs(items []domain.Org) []OrgResponse {
	res := make([]OrgResponse, 0, len(items))
	for _, o := range items {
		res = append(res, orgResponse(o))
	}
	return res
}

func mapEmployees(items []domain.Employee) []EmployeeResponse {
	res := make([]EmployeeResponse, 0, len(items))
	for _, e := range items {
		res = append(res, employeeResponse(e))
	}
	return res
}

func mapRosters(items []domain.Roster) []RosterResponse {
	res := make([]RosterResponse, 0, len(items))
	for _, ro := range items {
		res = append(res, rosterResponse(ro))
	}
	return res
}

func mapShifts(items []domain.ShiftRecord) []ShiftResponse {
	res := make([]ShiftResponse, 0, len(items))
	for _, s := range items {
		res = append(res, shiftResponse(s))
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
