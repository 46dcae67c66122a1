package consensus

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"rosterline/internal/compliance"
	"rosterline/internal/domain"
)

// Evaluator scores one scheduling decision from a single point of view.
// Implementations are deterministic and read only the supplied context.
type Evaluator interface {
	Role() domain.AgentRole
	Evaluate(ctx context.Context, dc domain.DecisionContext) domain.AgentDecision
	Reconsider(ctx context.Context, dc domain.DecisionContext, own domain.AgentDecision, debate DebateContext) domain.AgentDecision
}

// DebateContext is what every agent sees during a debate round: the latest
// decision of each agent and the current weighted leaning.
type DebateContext struct {
	Round             int
	Decisions         []domain.AgentDecision
	MajorityApproving bool
	MajorityWeight    float64
}

// NewEvaluators returns the four evaluators in deterministic role order.
func NewEvaluators(severity SeverityWeights) []Evaluator {
	return []Evaluator{
		ComplianceEvaluator{Severity: severity},
		CostEvaluator{},
		EmployeeAdvocateEvaluator{},
		OperationsEvaluator{},
	}
}

// ComplianceEvaluator runs the labor-rule validators over the proposal.
// Hard-limit violations force a reject that no debate can soften.
type ComplianceEvaluator struct {
	Severity SeverityWeights
}

func (a ComplianceEvaluator) Role() domain.AgentRole { return domain.RoleCompliance }

func (a ComplianceEvaluator) Evaluate(ctx context.Context, dc domain.DecisionContext) domain.AgentDecision {
	eng := compliance.New(dc.Jurisdiction)
	res, err := eng.ValidateProposal(dc.Proposal, dc.ExistingShifts, dc.Roster, dc.RequestedAt)
	if err != nil {
		return domain.AgentDecision{
			AgentRole:      a.Role(),
			Recommendation: domain.Reject,
			Score:          0,
			Confidence:     95,
			Reasoning:      []string{"proposal could not be expanded: " + err.Error()},
		}
	}
	score := 100 - a.Severity.Violation*len(res.Violations) - a.Severity.Warning*len(res.Warnings)
	if score < 0 {
		score = 0
	}
	d := domain.AgentDecision{
		AgentRole:  a.Role(),
		Score:      score,
		Confidence: 95,
	}
	hard := false
	for _, v := range res.Violations {
		d.ViolationKinds = append(d.ViolationKinds, v.Kind)
		d.Reasoning = append(d.Reasoning, v.Message)
		if v.Kind.Hard() {
			hard = true
		}
	}
	for _, w := range res.Warnings {
		d.Concerns = append(d.Concerns, w.Message)
	}
	switch {
	case hard:
		d.Recommendation = domain.Reject
	case len(res.Violations) > 0:
		d.Recommendation = domain.NeedsModification
	case len(res.Warnings) > 0:
		d.Recommendation = domain.ApproveWithConditions
		d.Conditions = append(d.Conditions, d.Concerns...)
	default:
		d.Recommendation = domain.Approve
		d.Reasoning = []string{"schedule complies with all configured limits"}
	}
	return d
}

func (a ComplianceEvaluator) Reconsider(ctx context.Context, dc domain.DecisionContext, own domain.AgentDecision, debate DebateContext) domain.AgentDecision {
	agrees := own.Recommendation.Approving() == debate.MajorityApproving
	d := own
	d.AgreesWithMajority = boolPtr(agrees)
	if !agrees && len(own.HardViolationKinds()) > 0 {
		d.DisagreementPoints = append([]string{}, "legal hard limits cannot be negotiated away")
		return d
	}
	return reconsider(own, debate)
}

// CostEvaluator scores projected labor cost against the weekly budget.
type CostEvaluator struct{}

func (a CostEvaluator) Role() domain.AgentRole { return domain.RoleCost }

func (a CostEvaluator) Evaluate(ctx context.Context, dc domain.DecisionContext) domain.AgentDecision {
	schedule, err := compliance.EffectiveSchedule(dc.Proposal, dc.ExistingShifts)
	if err != nil {
		return expandFailure(a.Role(), err)
	}
	if dc.Budget.WeeklyCeiling <= 0 {
		return domain.AgentDecision{
			AgentRole:      a.Role(),
			Recommendation: domain.Approve,
			Score:          80,
			Confidence:     55,
			Reasoning:      []string{"no labor budget supplied; cost impact not assessed"},
		}
	}
	costs := map[time.Time]float64{}
	for _, s := range schedule {
		wk := compliance.WeekStart(s.StartAt)
		costs[wk] += s.Worked().Hours() * dc.Budget.RateFor(s.EmployeeID)
	}
	worst := 0.0
	var worstWeek time.Time
	for wk, c := range costs {
		if c > worst || (c == worst && wk.Before(worstWeek)) {
			worst, worstWeek = c, wk
		}
	}
	util := worst / dc.Budget.WeeklyCeiling
	d := domain.AgentDecision{AgentRole: a.Role()}
	switch {
	case util <= 0.9:
		d.Score = 100
		d.Recommendation = domain.Approve
	case util <= 1.0:
		d.Score = 90
		d.Recommendation = domain.ApproveWithConditions
		d.Concerns = append(d.Concerns, fmt.Sprintf("week of %s uses %.0f%% of the labor budget", worstWeek.Format("2006-01-02"), util*100))
		d.Conditions = append(d.Conditions, "monitor weekly spend against budget")
	default:
		d.Score = 100 - int(math.Round((util-1)*200))
		if d.Score < 0 {
			d.Score = 0
		}
		d.Concerns = append(d.Concerns, fmt.Sprintf("week of %s exceeds the labor budget by %.0f%%", worstWeek.Format("2006-01-02"), (util-1)*100))
		if util <= 1.1 {
			d.Recommendation = domain.NeedsModification
		} else {
			d.Recommendation = domain.Reject
		}
	}
	d.Confidence = confidenceFor(d.Score)
	d.Reasoning = append(d.Reasoning, fmt.Sprintf("projected weekly labor cost %.2f against budget %.2f (%.0f%% utilization)", worst, dc.Budget.WeeklyCeiling, util*100))
	return d
}

func (a CostEvaluator) Reconsider(ctx context.Context, dc domain.DecisionContext, own domain.AgentDecision, debate DebateContext) domain.AgentDecision {
	return reconsider(own, debate)
}

// EmployeeAdvocateEvaluator checks the proposal against the stated
// preferences of the affected employees.
type EmployeeAdvocateEvaluator struct{}

func (a EmployeeAdvocateEvaluator) Role() domain.AgentRole { return domain.RoleEmployeeAdvocate }

func (a EmployeeAdvocateEvaluator) Evaluate(ctx context.Context, dc domain.DecisionContext) domain.AgentDecision {
	schedule, err := compliance.EffectiveSchedule(dc.Proposal, dc.ExistingShifts)
	if err != nil {
		return expandFailure(a.Role(), err)
	}
	affected := compliance.AffectedEmployees(dc.Proposal, dc.ExistingShifts)
	honored, considered := 0, 0
	var concerns []string
	for _, emp := range affected {
		prefs, ok := dc.Preferences[emp]
		if !ok {
			continue
		}
		for _, s := range shiftsFor(schedule, emp) {
			day := strings.ToLower(s.StartAt.Weekday().String())
			if len(prefs.AvoidedDays) > 0 {
				considered++
				if containsFold(prefs.AvoidedDays, day) {
					concerns = append(concerns, fmt.Sprintf("%s is scheduled on an avoided day (%s)", emp, day))
				} else {
					honored++
				}
			}
			if len(prefs.PreferredDays) > 0 {
				considered++
				if containsFold(prefs.PreferredDays, day) {
					honored++
				} else {
					concerns = append(concerns, fmt.Sprintf("%s prefers other days than %s", emp, day))
				}
			}
			if prefs.PreferredShiftType != "" && prefs.PreferredShiftType != "any" {
				considered++
				if got := shiftType(s.StartAt); got == prefs.PreferredShiftType {
					honored++
				} else {
					concerns = append(concerns, fmt.Sprintf("%s prefers %s shifts but is scheduled for a %s shift", emp, prefs.PreferredShiftType, shiftType(s.StartAt)))
				}
			}
		}
		if prefs.MaxWeeklyHours > 0 {
			considered++
			if peak := peakWeeklyHours(schedule, emp); peak > prefs.MaxWeeklyHours {
				concerns = append(concerns, fmt.Sprintf("%s is scheduled %.1fh in one week, above the preferred maximum of %.1fh", emp, peak, prefs.MaxWeeklyHours))
			} else {
				honored++
			}
		}
	}
	if considered == 0 {
		return domain.AgentDecision{
			AgentRole:      a.Role(),
			Recommendation: domain.Approve,
			Score:          75,
			Confidence:     55,
			Reasoning:      []string{"no stated preferences for the affected employees"},
		}
	}
	score := int(math.Round(100 * float64(honored) / float64(considered)))
	d := domain.AgentDecision{
		AgentRole:  a.Role(),
		Score:      score,
		Confidence: confidenceFor(score),
		Concerns:   concerns,
		Reasoning:  []string{fmt.Sprintf("%d of %d preference checks honored across %d affected employees", honored, considered, len(affected))},
	}
	d.Recommendation = bandRecommendation(score)
	if d.Recommendation == domain.ApproveWithConditions {
		d.Conditions = append(d.Conditions, concerns...)
	}
	return d
}

func (a EmployeeAdvocateEvaluator) Reconsider(ctx context.Context, dc domain.DecisionContext, own domain.AgentDecision, debate DebateContext) domain.AgentDecision {
	return reconsider(own, debate)
}

// OperationsEvaluator scores staffing coverage against the stated goals.
type OperationsEvaluator struct{}

func (a OperationsEvaluator) Role() domain.AgentRole { return domain.RoleOperations }

func (a OperationsEvaluator) Evaluate(ctx context.Context, dc domain.DecisionContext) domain.AgentDecision {
	schedule, err := compliance.EffectiveSchedule(dc.Proposal, dc.ExistingShifts)
	if err != nil {
		return expandFailure(a.Role(), err)
	}
	if len(dc.CoverageGoals) == 0 {
		return domain.AgentDecision{
			AgentRole:      a.Role(),
			Recommendation: domain.Approve,
			Score:          85,
			Confidence:     55,
			Reasoning:      []string{"no coverage goals supplied; staffing impact not assessed"},
		}
	}
	d := domain.AgentDecision{AgentRole: a.Role()}
	sum, belowMin := 0, false
	for _, goal := range dc.CoverageGoals {
		staff := coverageFor(schedule, goal)
		preferred := goal.PreferredStaff
		if preferred < goal.MinStaff {
			preferred = goal.MinStaff
		}
		switch {
		case staff < goal.MinStaff:
			belowMin = true
			d.Concerns = append(d.Concerns, fmt.Sprintf("%s: %d scheduled, below the minimum of %d", goal.Name, staff, goal.MinStaff))
		case staff < preferred:
			sum += 60
			d.Concerns = append(d.Concerns, fmt.Sprintf("%s: %d scheduled, under the preferred %d", goal.Name, staff, preferred))
		default:
			sum += 100
		}
		d.Reasoning = append(d.Reasoning, fmt.Sprintf("%s: %d scheduled, minimum %d, preferred %d", goal.Name, staff, goal.MinStaff, preferred))
	}
	d.Score = sum / len(dc.CoverageGoals)
	d.Confidence = confidenceFor(d.Score)
	d.Recommendation = bandRecommendation(d.Score)
	if belowMin && d.Recommendation.Approving() {
		d.Recommendation = domain.NeedsModification
	}
	if d.Recommendation == domain.ApproveWithConditions {
		d.Conditions = append(d.Conditions, d.Concerns...)
	}
	return d
}

func (a OperationsEvaluator) Reconsider(ctx context.Context, dc domain.DecisionContext, own domain.AgentDecision, debate DebateContext) domain.AgentDecision {
	return reconsider(own, debate)
}

// --- shared heuristics ---

// reconsider moves a low-confidence minority agent one step toward the
// majority; everything else restates. Revisions are new values, never
// edits of history.
func reconsider(own domain.AgentDecision, debate DebateContext) domain.AgentDecision {
	agrees := own.Recommendation.Approving() == debate.MajorityApproving
	d := own
	d.AgreesWithMajority = boolPtr(agrees)
	if agrees {
		return d
	}
	if own.Confidence < 70 {
		d.Recommendation = stepToward(own.Recommendation, debate.MajorityApproving)
		side := "reject"
		if debate.MajorityApproving {
			side = "approve"
		}
		d.Reasoning = appendCopy(own.Reasoning, fmt.Sprintf("revised toward the %s majority in debate round %d", side, debate.Round))
		d.AgreesWithMajority = boolPtr(d.Recommendation.Approving() == debate.MajorityApproving)
		return d
	}
	d.DisagreementPoints = append(appendCopy(nil, own.Concerns...), own.Reasoning...)
	return d
}

// ladder orders recommendations from hardest reject to cleanest approve.
var ladder = []domain.Recommendation{domain.Reject, domain.NeedsModification, domain.ApproveWithConditions, domain.Approve}

func stepToward(r domain.Recommendation, approving bool) domain.Recommendation {
	idx := 0
	for i, step := range ladder {
		if step == r {
			idx = i
			break
		}
	}
	if approving && idx < len(ladder)-1 {
		return ladder[idx+1]
	}
	if !approving && idx > 0 {
		return ladder[idx-1]
	}
	return r
}

func bandRecommendation(score int) domain.Recommendation {
	switch {
	case score >= 80:
		return domain.Approve
	case score >= 60:
		return domain.ApproveWithConditions
	case score >= 40:
		return domain.NeedsModification
	default:
		return domain.Reject
	}
}

// confidenceFor grows with distance from the neutral score of 50: agents
// near the middle hold their position the weakest.
func confidenceFor(score int) int {
	dist := score - 50
	if dist < 0 {
		dist = -dist
	}
	return 65 + dist/2
}

func expandFailure(role domain.AgentRole, err error) domain.AgentDecision {
	return domain.AgentDecision{
		AgentRole:      role,
		Recommendation: domain.Reject,
		Score:          0,
		Confidence:     90,
		Reasoning:      []string{"proposal could not be expanded: " + err.Error()},
	}
}

func shiftsFor(schedule []domain.ShiftRecord, emp string) []domain.ShiftRecord {
	var out []domain.ShiftRecord
	for _, s := range schedule {
		if s.EmployeeID == emp {
			out = append(out, s)
		}
	}
	return out
}

func shiftType(start time.Time) string {
	switch h := start.Hour(); {
	case h >= 5 && h < 12:
		return "morning"
	case h >= 12 && h < 20:
		return "evening"
	default:
		return "night"
	}
}

func peakWeeklyHours(schedule []domain.ShiftRecord, emp string) float64 {
	weeks := map[time.Time]time.Duration{}
	for _, s := range shiftsFor(schedule, emp) {
		weeks[compliance.WeekStart(s.StartAt)] += s.Worked()
	}
	peak := 0.0
	for _, total := range weeks {
		if h := total.Hours(); h > peak {
			peak = h
		}
	}
	return peak
}

func coverageFor(schedule []domain.ShiftRecord, goal domain.StaffingGoal) int {
	staff := map[string]bool{}
	for _, s := range schedule {
		if s.StartAt.Before(goal.To) && goal.From.Before(s.EndAt) {
			staff[s.EmployeeID] = true
		}
	}
	return len(staff)
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

func appendCopy(base []string, extra ...string) []string {
	out := make([]string, 0, len(base)+len(extra))
	out = append(out, base...)
	out = append(out, extra...)
	return out
}
