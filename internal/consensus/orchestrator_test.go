package consensus_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"rosterline/internal/consensus"
	"rosterline/internal/domain"
)

var monday = time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

var genericRules = domain.JurisdictionConfig{
	Name:                "Generic",
	MaxDailyHours:       12,
	MaxWeeklyHours:      48,
	MinDailyRestHours:   10,
	MinWeeklyRestHours:  24,
	OvertimeWeeklyHours: 10,
	Overtime4WeekHours:  40,
	OvertimeYearlyHours: 400,
	PublishDeadlineDays: 7,
}

func at(day, hour int) time.Time {
	return monday.AddDate(0, 0, day).Add(time.Duration(hour) * time.Hour)
}

func newOrchestrator() *consensus.Orchestrator {
	o := consensus.NewOrchestrator(consensus.DefaultConfig())
	o.Now = func() time.Time { return monday }
	return o
}

// cleanContext is a single 8h shift that breaches nothing.
func cleanContext() domain.DecisionContext {
	return domain.DecisionContext{
		OrgID:        "org-1",
		DecisionType: domain.ShiftAssignment,
		Proposal: domain.Proposal{Shifts: []domain.ShiftRecord{
			{ID: "s1", EmployeeID: "alice", StartAt: at(0, 9), EndAt: at(0, 17), Status: "scheduled"},
		}},
		Jurisdiction: genericRules,
		RequestedAt:  monday,
	}
}

// lateOverrideContext asks for a compliance override on a roster that was
// published with 3 days notice against the required 7.
func lateOverrideContext() domain.DecisionContext {
	published := monday
	return domain.DecisionContext{
		OrgID:        "org-1",
		DecisionType: domain.ComplianceOverride,
		Proposal:     domain.Proposal{Note: "auditor-approved exception for the inventory weekend"},
		Roster:       &domain.Roster{ID: "w1", StartDate: monday.AddDate(0, 0, 3), Status: "published", PublishedAt: &published},
		Jurisdiction: genericRules,
		RequestedAt:  monday,
	}
}

// stubAgent is a scriptable panel member for orchestration tests.
type stubAgent struct {
	role         domain.AgentRole
	first        domain.Recommendation
	confidence   int
	flip         bool
	block        bool
	calls        *atomic.Int32
	onReconsider func()
}

func (s stubAgent) Role() domain.AgentRole { return s.role }

func (s stubAgent) Evaluate(ctx context.Context, dc domain.DecisionContext) domain.AgentDecision {
	if s.calls != nil {
		s.calls.Add(1)
	}
	if s.block {
		<-ctx.Done()
	}
	return domain.AgentDecision{
		Recommendation: s.first,
		Score:          50,
		Confidence:     s.confidence,
		Reasoning:      []string{string(s.role) + " opening position"},
	}
}

func (s stubAgent) Reconsider(ctx context.Context, dc domain.DecisionContext, own domain.AgentDecision, debate consensus.DebateContext) domain.AgentDecision {
	if s.calls != nil {
		s.calls.Add(1)
	}
	if s.onReconsider != nil {
		s.onReconsider()
	}
	d := own
	if s.flip {
		if own.Recommendation.Approving() {
			d.Recommendation = domain.Reject
		} else {
			d.Recommendation = domain.Approve
		}
	}
	return d
}

func TestCleanProposalUnanimous(t *testing.T) {
	o := newOrchestrator()
	res, err := o.Evaluate(context.Background(), cleanContext())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Status != domain.StatusUnanimous || res.FinalRecommendation != domain.Approve {
		t.Fatalf("expected unanimous approve, got %s/%s", res.Status, res.FinalRecommendation)
	}
	if len(res.Rounds) != 0 {
		t.Fatalf("unanimous first pass needs no debate, got %d rounds", len(res.Rounds))
	}
	if len(res.Decisions) != 4 {
		t.Fatalf("expected 4 decisions, got %d", len(res.Decisions))
	}
	want := domain.Roles()
	for i, d := range res.Decisions {
		if d.Round != 0 || d.AgentRole != want[i] {
			t.Fatalf("decision %d: %+v", i, d)
		}
	}
	if res.RejectWeight != 0 || res.ApproveWeight != res.TotalWeight {
		t.Fatalf("wrong tally: approve %v reject %v total %v", res.ApproveWeight, res.RejectWeight, res.TotalWeight)
	}
	if res.AlignmentScore != 100 || res.AverageConfidence != 65 {
		t.Fatalf("alignment %d confidence %d", res.AlignmentScore, res.AverageConfidence)
	}
	if !res.EvaluatedAt.Equal(monday) {
		t.Fatalf("expected injected clock, got %v", res.EvaluatedAt)
	}
}

func TestHardViolationOverridesApproval(t *testing.T) {
	o := newOrchestrator()
	dc := cleanContext()
	// 14h day: cost, advocate and operations still approve on their own
	// criteria, and their combined weight clears the majority threshold
	dc.Proposal.Shifts[0].StartAt = at(0, 6)
	dc.Proposal.Shifts[0].EndAt = at(0, 20)
	res, err := o.Evaluate(context.Background(), dc)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Status != domain.StatusMajority {
		t.Fatalf("expected approving majority, got %s", res.Status)
	}
	if res.FinalRecommendation != domain.Reject {
		t.Fatalf("hard limit must force reject, got %s", res.FinalRecommendation)
	}
	if math.Abs(res.ApproveWeight-3.2) > 1e-9 || math.Abs(res.RejectWeight-1.5) > 1e-9 {
		t.Fatalf("wrong tally: approve %v reject %v", res.ApproveWeight, res.RejectWeight)
	}
	if len(res.KeyReasons) == 0 || !strings.Contains(res.KeyReasons[0], "hard labor-law limits violated") {
		t.Fatalf("expected override note first, got %v", res.KeyReasons)
	}
	if len(res.Conditions) != 0 {
		t.Fatalf("override must clear conditions, got %v", res.Conditions)
	}
}

func TestConditionalApprovalCarriesConditions(t *testing.T) {
	o := newOrchestrator()
	dc := cleanContext()
	dc.Budget = domain.LaborBudget{WeeklyCeiling: 1000, DefaultHourlyRate: 25}
	dc.Proposal.Shifts = nil
	// 38h at 25/h is 95% of the weekly ceiling
	for d := 0; d < 4; d++ {
		dc.Proposal.Shifts = append(dc.Proposal.Shifts, domain.ShiftRecord{
			ID: fmt.Sprintf("s%d", d), EmployeeID: "alice",
			StartAt: at(d, 9), EndAt: at(d, 18).Add(30 * time.Minute), Status: "scheduled",
		})
	}
	res, err := o.Evaluate(context.Background(), dc)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Status != domain.StatusUnanimous || res.FinalRecommendation != domain.ApproveWithConditions {
		t.Fatalf("expected conditional approval, got %s/%s", res.Status, res.FinalRecommendation)
	}
	if !containsString(res.Conditions, "monitor weekly spend against budget") {
		t.Fatalf("expected budget condition, got %v", res.Conditions)
	}
	for _, d := range res.Decisions {
		if d.AgentRole == domain.RoleCost && (d.Score != 90 || d.Recommendation != domain.ApproveWithConditions) {
			t.Fatalf("wrong cost decision: %+v", d)
		}
	}
}

func TestOverrideDecisionsNeedUnanimity(t *testing.T) {
	o := newOrchestrator()
	res, err := o.Evaluate(context.Background(), lateOverrideContext())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	// three approvals clear the default threshold, but compliance_override
	// requires all four votes and the compliance agent holds its position
	if res.Status != domain.StatusEscalated || res.FinalRecommendation != domain.EscalateToHuman {
		t.Fatalf("expected escalation, got %s/%s", res.Status, res.FinalRecommendation)
	}
	if len(res.Rounds) != 1 {
		t.Fatalf("stable dissent should stop after one round, got %d", len(res.Rounds))
	}
	if !strings.Contains(res.EscalationReason, "no consensus") {
		t.Fatalf("wrong escalation reason: %q", res.EscalationReason)
	}
	for _, d := range res.Rounds[0].Decisions {
		if d.AgentRole != domain.RoleCompliance {
			continue
		}
		if d.Recommendation != domain.NeedsModification {
			t.Fatalf("compliance must hold its position: %+v", d)
		}
		if d.AgreesWithMajority == nil || *d.AgreesWithMajority {
			t.Fatalf("compliance dissent not recorded: %+v", d)
		}
	}
}

func TestDeterministicResults(t *testing.T) {
	o := newOrchestrator()
	for _, dc := range []domain.DecisionContext{cleanContext(), lateOverrideContext()} {
		first, err := o.Evaluate(context.Background(), dc)
		if err != nil {
			t.Fatalf("evaluate %s: %v", dc.DecisionType, err)
		}
		second, err := o.Evaluate(context.Background(), dc)
		if err != nil {
			t.Fatalf("re-evaluate %s: %v", dc.DecisionType, err)
		}
		if !reflect.DeepEqual(first, second) {
			t.Fatalf("%s: same context produced different results", dc.DecisionType)
		}
	}
}

func TestDebateRoundsBounded(t *testing.T) {
	var calls atomic.Int32
	o := newOrchestrator()
	// two camps that swap sides every round never converge
	o.Evaluators = []consensus.Evaluator{
		stubAgent{role: domain.RoleCompliance, first: domain.Approve, confidence: 80, flip: true, calls: &calls},
		stubAgent{role: domain.RoleCost, first: domain.Approve, confidence: 80, flip: true, calls: &calls},
		stubAgent{role: domain.RoleEmployeeAdvocate, first: domain.Reject, confidence: 80, flip: true, calls: &calls},
		stubAgent{role: domain.RoleOperations, first: domain.Reject, confidence: 80, flip: true, calls: &calls},
	}
	res, err := o.Evaluate(context.Background(), cleanContext())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	maxRounds := consensus.DefaultConfig().MaxDebateRounds
	if len(res.Rounds) != maxRounds {
		t.Fatalf("expected %d debate rounds, got %d", maxRounds, len(res.Rounds))
	}
	if got, want := calls.Load(), int32(4*(1+maxRounds)); got != want {
		t.Fatalf("expected %d agent invocations, got %d", want, got)
	}
	if res.Status != domain.StatusEscalated || res.FinalRecommendation != domain.EscalateToHuman {
		t.Fatalf("expected deadlock escalation, got %s/%s", res.Status, res.FinalRecommendation)
	}
}

func TestStableSplitDeadlock(t *testing.T) {
	cfg := consensus.DefaultConfig()
	cfg.EscalateOnDeadlock = false
	o := consensus.NewOrchestrator(cfg)
	o.Now = func() time.Time { return monday }
	o.Evaluators = []consensus.Evaluator{
		stubAgent{role: domain.RoleCompliance, first: domain.Approve, confidence: 90},
		stubAgent{role: domain.RoleCost, first: domain.Approve, confidence: 90},
		stubAgent{role: domain.RoleEmployeeAdvocate, first: domain.Reject, confidence: 90},
		stubAgent{role: domain.RoleOperations, first: domain.Reject, confidence: 90},
	}
	res, err := o.Evaluate(context.Background(), cleanContext())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	// nobody moves in round one, so further rounds are pointless
	if len(res.Rounds) != 1 {
		t.Fatalf("expected one round, got %d", len(res.Rounds))
	}
	if res.Status != domain.StatusDeadlock || res.FinalRecommendation != domain.NeedsModification {
		t.Fatalf("expected deadlock, got %s/%s", res.Status, res.FinalRecommendation)
	}
	if !strings.Contains(res.Summary, "split") {
		t.Fatalf("wrong summary: %q", res.Summary)
	}
}

func TestLowConfidenceEscalates(t *testing.T) {
	o := newOrchestrator()
	o.Evaluators = []consensus.Evaluator{
		stubAgent{role: domain.RoleCompliance, first: domain.Approve, confidence: 40},
		stubAgent{role: domain.RoleCost, first: domain.Approve, confidence: 40},
		stubAgent{role: domain.RoleEmployeeAdvocate, first: domain.Approve, confidence: 40},
		stubAgent{role: domain.RoleOperations, first: domain.Approve, confidence: 40},
	}
	res, err := o.Evaluate(context.Background(), cleanContext())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Status != domain.StatusEscalated || res.FinalRecommendation != domain.EscalateToHuman {
		t.Fatalf("expected low-confidence escalation, got %s/%s", res.Status, res.FinalRecommendation)
	}
	if !strings.Contains(res.EscalationReason, "below the required") {
		t.Fatalf("wrong escalation reason: %q", res.EscalationReason)
	}
	if !strings.Contains(res.Summary, "original recommendation was approve") {
		t.Fatalf("summary must keep the overridden recommendation: %q", res.Summary)
	}
}

func TestAgentTimeoutFallsBack(t *testing.T) {
	cfg := consensus.DefaultConfig()
	cfg.AgentTimeoutSeconds = 1
	o := consensus.NewOrchestrator(cfg)
	o.Now = func() time.Time { return monday }
	o.Evaluators = []consensus.Evaluator{
		stubAgent{role: domain.RoleCompliance, first: domain.Approve, confidence: 90},
		stubAgent{role: domain.RoleCost, first: domain.Approve, confidence: 90},
		stubAgent{role: domain.RoleEmployeeAdvocate, first: domain.Approve, confidence: 90},
		stubAgent{role: domain.RoleOperations, first: domain.Approve, confidence: 90, block: true},
	}
	res, err := o.Evaluate(context.Background(), cleanContext())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Status != domain.StatusMajority || res.FinalRecommendation != domain.Approve {
		t.Fatalf("expected majority approve, got %s/%s", res.Status, res.FinalRecommendation)
	}
	var ops *domain.AgentDecision
	for i := range res.Decisions {
		if res.Decisions[i].AgentRole == domain.RoleOperations {
			ops = &res.Decisions[i]
		}
	}
	if ops == nil || ops.Recommendation != domain.Reject || ops.Confidence != 0 {
		t.Fatalf("expected conservative reject for the silent agent, got %+v", ops)
	}
	if len(ops.Reasoning) == 0 || !strings.Contains(ops.Reasoning[0], "timed out") {
		t.Fatalf("timeout not recorded: %+v", ops.Reasoning)
	}
}

func TestCancelledBeforeStart(t *testing.T) {
	o := newOrchestrator()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := o.Evaluate(ctx, cleanContext())
	if err != nil {
		t.Fatalf("cancellation must not error: %v", err)
	}
	if !res.Truncated || res.Status != domain.StatusEscalated || res.FinalRecommendation != domain.EscalateToHuman {
		t.Fatalf("expected truncated escalation, got %+v", res)
	}
	if len(res.Decisions) != 4 {
		t.Fatalf("expected a conservative decision per agent, got %d", len(res.Decisions))
	}
	for _, d := range res.Decisions {
		if d.Recommendation != domain.Reject {
			t.Fatalf("expected conservative reject, got %+v", d)
		}
	}
	if !strings.Contains(res.EscalationReason, "before any agent") {
		t.Fatalf("wrong escalation reason: %q", res.EscalationReason)
	}
}

func TestCancelledMidDebate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o := newOrchestrator()
	// a 2-2 split forces a debate; the cancel lands inside round one
	o.Evaluators = []consensus.Evaluator{
		stubAgent{role: domain.RoleCompliance, first: domain.Approve, confidence: 90},
		stubAgent{role: domain.RoleCost, first: domain.Approve, confidence: 90},
		stubAgent{role: domain.RoleEmployeeAdvocate, first: domain.Reject, confidence: 90},
		stubAgent{role: domain.RoleOperations, first: domain.Reject, confidence: 90, onReconsider: cancel},
	}
	res, err := o.Evaluate(ctx, cleanContext())
	if err != nil {
		t.Fatalf("cancellation must not error: %v", err)
	}
	if !res.Truncated || res.Status != domain.StatusEscalated || res.FinalRecommendation != domain.EscalateToHuman {
		t.Fatalf("expected truncated escalation, got %s/%s truncated=%v", res.Status, res.FinalRecommendation, res.Truncated)
	}
	if len(res.Rounds) != 1 || len(res.Decisions) != 8 {
		t.Fatalf("expected one debate round on record, got %d rounds / %d decisions", len(res.Rounds), len(res.Decisions))
	}
	if !strings.Contains(res.EscalationReason, "canceled") {
		t.Fatalf("wrong escalation reason: %q", res.EscalationReason)
	}
}

func TestEvaluateInputValidation(t *testing.T) {
	o := newOrchestrator()
	cases := []struct {
		name   string
		mutate func(*domain.DecisionContext)
	}{
		{"missing org", func(dc *domain.DecisionContext) { dc.OrgID = "" }},
		{"unknown type", func(dc *domain.DecisionContext) { dc.DecisionType = "roster_party" }},
		{"missing requested_at", func(dc *domain.DecisionContext) { dc.RequestedAt = time.Time{} }},
		{"invalid jurisdiction", func(dc *domain.DecisionContext) { dc.Jurisdiction.MaxDailyHours = 0 }},
		{"swap without payload", func(dc *domain.DecisionContext) {
			dc.DecisionType = domain.ShiftSwap
			dc.Proposal.Swap = nil
		}},
		{"swap without target", func(dc *domain.DecisionContext) {
			dc.DecisionType = domain.ShiftSwap
			dc.Proposal.Swap = &domain.SwapSpec{ShiftID: "s9"}
		}},
		{"creation without shifts", func(dc *domain.DecisionContext) {
			dc.DecisionType = domain.ScheduleCreation
			dc.Proposal.Shifts = nil
		}},
		{"override without note", func(dc *domain.DecisionContext) {
			dc.DecisionType = domain.ComplianceOverride
			dc.Proposal.Note = "  "
		}},
		{"optimization without changes", func(dc *domain.DecisionContext) {
			dc.DecisionType = domain.ScheduleOptimization
			dc.Proposal = domain.Proposal{}
		}},
		{"shift without id", func(dc *domain.DecisionContext) { dc.Proposal.Shifts[0].ID = "" }},
		{"shift without employee", func(dc *domain.DecisionContext) { dc.Proposal.Shifts[0].EmployeeID = "" }},
		{"end before start", func(dc *domain.DecisionContext) { dc.Proposal.Shifts[0].EndAt = dc.Proposal.Shifts[0].StartAt }},
		{"negative break", func(dc *domain.DecisionContext) { dc.Proposal.Shifts[0].BreakMinutes = -1 }},
	}
	for _, c := range cases {
		dc := cleanContext()
		c.mutate(&dc)
		var invalid domain.InvalidInputError
		if _, err := o.Evaluate(context.Background(), dc); !errors.As(err, &invalid) {
			t.Fatalf("%s: expected invalid input, got %v", c.name, err)
		}
	}
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
