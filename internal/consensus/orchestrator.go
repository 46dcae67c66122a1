package consensus

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"rosterline/internal/domain"
)

// Orchestrator runs the evaluator panel against a decision context and
// aggregates the weighted votes into one consensus result.
type Orchestrator struct {
	Config     Config
	Evaluators []Evaluator
	Now        func() time.Time
}

// NewOrchestrator wires the standard evaluator panel for cfg.
func NewOrchestrator(cfg Config) *Orchestrator {
	return &Orchestrator{Config: cfg, Evaluators: NewEvaluators(cfg.SeverityWeights)}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Evaluate collects one decision per agent, debates while no side clears
// the majority threshold, and assembles the final result. Cancellation is
// not an error: the best available result comes back truncated and
// escalated instead.
func (o *Orchestrator) Evaluate(ctx context.Context, dc domain.DecisionContext) (domain.ConsensusResult, error) {
	if err := validateContext(dc); err != nil {
		return domain.ConsensusResult{}, err
	}
	cfg, err := o.Config.Resolve(dc.DecisionType)
	if err != nil {
		return domain.ConsensusResult{}, err
	}
	evals := o.Evaluators
	if len(evals) == 0 {
		evals = NewEvaluators(cfg.SeverityWeights)
	}
	start := o.now()
	latest := make([]domain.AgentDecision, len(evals))
	var history []domain.AgentDecision
	var rounds []domain.DebateRound

	if ctx.Err() != nil {
		for i, ev := range evals {
			latest[i] = conservativeReject(ev.Role())
			latest[i].EvaluatedAt = start
		}
		history = append(history, latest...)
		return o.truncated(cfg, dc, latest, history, rounds, start, "evaluation canceled before any agent ran"), nil
	}

	o.runRound(ctx, cfg, dc, evals, 0, latest, nil)
	history = append(history, latest...)
	t := tallyVotes(cfg, latest)
	reached := t.reached(cfg)

	for round := 1; !reached && cfg.EnableCrossEvaluation && round <= cfg.MaxDebateRounds; round++ {
		if ctx.Err() != nil {
			return o.truncated(cfg, dc, latest, history, rounds, start, "evaluation canceled during debate"), nil
		}
		debate := DebateContext{
			Round:             round,
			Decisions:         snapshot(latest),
			MajorityApproving: t.majorityApproving(),
			MajorityWeight:    t.leadingFraction(),
		}
		prior := snapshot(latest)
		o.runRound(ctx, cfg, dc, evals, round, latest, &debate)
		history = append(history, latest...)

		changed := false
		for i := range latest {
			if latest[i].Recommendation != prior[i].Recommendation {
				changed = true
				break
			}
		}
		t = tallyVotes(cfg, latest)
		reached = t.reached(cfg)
		rounds = append(rounds, domain.DebateRound{
			Round:            round,
			Decisions:        snapshot(latest),
			PositionsChanged: changed,
			ConsensusReached: reached,
		})
		if !changed && !reached {
			break // stable split, more rounds cannot move it
		}
	}

	if ctx.Err() != nil {
		return o.truncated(cfg, dc, latest, history, rounds, start, "evaluation canceled before aggregation"), nil
	}
	return o.assemble(cfg, dc, latest, history, rounds, t, reached, start), nil
}

// runRound fans the panel out in parallel and writes each agent's decision
// back into latest. Round 0 calls Evaluate, later rounds Reconsider.
func (o *Orchestrator) runRound(ctx context.Context, cfg Config, dc domain.DecisionContext, evals []Evaluator, round int, latest []domain.AgentDecision, debate *DebateContext) {
	var wg sync.WaitGroup
	for i, ev := range evals {
		wg.Add(1)
		go func(i int, ev Evaluator) {
			defer wg.Done()
			latest[i] = o.callAgent(ctx, cfg, dc, ev, round, latest[i], debate)
		}(i, ev)
	}
	wg.Wait()
}

func (o *Orchestrator) callAgent(ctx context.Context, cfg Config, dc domain.DecisionContext, ev Evaluator, round int, prior domain.AgentDecision, debate *DebateContext) domain.AgentDecision {
	cctx, cancel := context.WithTimeout(ctx, cfg.agentTimeout())
	defer cancel()
	started := o.now()
	ch := make(chan domain.AgentDecision, 1)
	go func() {
		if debate == nil {
			ch <- ev.Evaluate(cctx, dc)
		} else {
			ch <- ev.Reconsider(cctx, dc, prior, *debate)
		}
	}()
	var d domain.AgentDecision
	select {
	case d = <-ch:
	case <-cctx.Done():
		if round == 0 {
			d = conservativeReject(ev.Role())
		} else {
			d = prior
			d.Concerns = appendCopy(prior.Concerns, domain.EvaluationTimeoutError{Role: ev.Role()}.Error()+"; prior position carried forward")
		}
	}
	d.AgentRole = ev.Role()
	d.Round = round
	d.EvaluatedAt = o.now()
	d.ElapsedMS = d.EvaluatedAt.Sub(started).Milliseconds()
	return d
}

func (o *Orchestrator) assemble(cfg Config, dc domain.DecisionContext, latest, history []domain.AgentDecision, rounds []domain.DebateRound, t tally, reached bool, start time.Time) domain.ConsensusResult {
	res := domain.ConsensusResult{
		DecisionType:      dc.DecisionType,
		ApproveWeight:     t.approveWeight,
		RejectWeight:      t.rejectWeight,
		TotalWeight:       t.totalWeight,
		AverageConfidence: averageConfidence(latest),
		Decisions:         history,
		Rounds:            rounds,
		EvaluatedAt:       o.now(),
	}
	res.ElapsedMS = res.EvaluatedAt.Sub(start).Milliseconds()

	if !reached {
		res.KeyReasons = keyReasons(latest)
		res.RemainingConcerns = remainingConcerns(latest)
		if cfg.EscalateOnDeadlock {
			res.Status = domain.StatusEscalated
			res.FinalRecommendation = domain.EscalateToHuman
			res.EscalationReason = fmt.Sprintf("no consensus after %d debate rounds", len(rounds))
			res.Summary = fmt.Sprintf("agents split %d approve / %d reject after %d debate rounds; escalated for human review", t.approveCount, t.rejectCount, len(rounds))
		} else {
			res.Status = domain.StatusDeadlock
			res.FinalRecommendation = domain.NeedsModification
			res.Summary = fmt.Sprintf("agents split %d approve / %d reject after %d debate rounds", t.approveCount, t.rejectCount, len(rounds))
		}
		return res
	}

	approving := t.majorityApproving()
	winners, dissenters := splitBySide(latest, approving)
	if approving {
		res.AlignmentScore = int(math.Round(100 * t.approveFraction()))
	} else {
		res.AlignmentScore = int(math.Round(100 * t.rejectFraction()))
	}
	if t.unanimous() {
		res.Status = domain.StatusUnanimous
	} else {
		res.Status = domain.StatusMajority
	}
	if approving {
		res.Conditions = conditionsOf(winners)
		if len(res.Conditions) > 0 {
			res.FinalRecommendation = domain.ApproveWithConditions
		} else {
			res.FinalRecommendation = domain.Approve
		}
	} else {
		res.FinalRecommendation = domain.Reject
		for _, d := range winners {
			if d.Recommendation != domain.Reject {
				res.FinalRecommendation = domain.NeedsModification
				break
			}
		}
	}
	res.KeyReasons = keyReasons(winners)
	res.RemainingConcerns = remainingConcerns(dissenters)
	debateNote := "without debate"
	if len(rounds) > 0 {
		debateNote = fmt.Sprintf("after %d debate rounds", len(rounds))
	}
	res.Summary = fmt.Sprintf("%s consensus to %s with %d%% weighted alignment, %s", res.Status, res.FinalRecommendation, res.AlignmentScore, debateNote)

	if hard := hardKinds(latest); len(hard) > 0 && res.FinalRecommendation.Approving() {
		res.FinalRecommendation = domain.Reject
		res.Conditions = nil
		note := fmt.Sprintf("hard labor-law limits violated (%s); approval overridden to reject", joinKinds(hard))
		res.KeyReasons = append([]string{note}, res.KeyReasons...)
		res.Summary += "; " + note
	}

	if cfg.EscalateOnLowConfidence && res.AverageConfidence < cfg.MinimumConfidence {
		res.Summary = fmt.Sprintf("%s; original recommendation was %s", res.Summary, res.FinalRecommendation)
		res.Status = domain.StatusEscalated
		res.FinalRecommendation = domain.EscalateToHuman
		res.EscalationReason = fmt.Sprintf("average confidence %d below the required %d", res.AverageConfidence, cfg.MinimumConfidence)
	}
	return res
}

// truncated assembles the best available result after a cancellation.
func (o *Orchestrator) truncated(cfg Config, dc domain.DecisionContext, latest, history []domain.AgentDecision, rounds []domain.DebateRound, start time.Time, reason string) domain.ConsensusResult {
	t := tallyVotes(cfg, latest)
	res := domain.ConsensusResult{
		Status:              domain.StatusEscalated,
		FinalRecommendation: domain.EscalateToHuman,
		DecisionType:        dc.DecisionType,
		ApproveWeight:       t.approveWeight,
		RejectWeight:        t.rejectWeight,
		TotalWeight:         t.totalWeight,
		AverageConfidence:   averageConfidence(latest),
		Decisions:           history,
		Rounds:              rounds,
		Summary:             "evaluation interrupted; partial decisions retained for review",
		KeyReasons:          keyReasons(latest),
		RemainingConcerns:   remainingConcerns(latest),
		EscalationReason:    reason,
		Truncated:           true,
		EvaluatedAt:         o.now(),
	}
	res.ElapsedMS = res.EvaluatedAt.Sub(start).Milliseconds()
	return res
}

// --- votes ---

type tally struct {
	approveWeight float64
	rejectWeight  float64
	totalWeight   float64
	approveCount  int
	rejectCount   int
	agents        int
}

func tallyVotes(cfg Config, latest []domain.AgentDecision) tally {
	t := tally{agents: len(latest)}
	for _, d := range latest {
		w := cfg.Weights[d.AgentRole]
		t.totalWeight += w
		if d.Recommendation.Approving() {
			t.approveWeight += w
			t.approveCount++
		} else {
			t.rejectWeight += w
			t.rejectCount++
		}
	}
	return t
}

func (t tally) unanimous() bool {
	return t.agents > 0 && (t.approveCount == t.agents || t.rejectCount == t.agents)
}

// majorityApproving reports the weighted leaning; an exact tie counts as
// leaning reject.
func (t tally) majorityApproving() bool { return t.approveWeight > t.rejectWeight }

func (t tally) approveFraction() float64 {
	if t.totalWeight == 0 {
		return 0
	}
	return t.approveWeight / t.totalWeight
}

func (t tally) rejectFraction() float64 {
	if t.totalWeight == 0 {
		return 0
	}
	return t.rejectWeight / t.totalWeight
}

func (t tally) leadingFraction() float64 {
	a, r := t.approveFraction(), t.rejectFraction()
	if a > r {
		return a
	}
	return r
}

func (t tally) reached(cfg Config) bool {
	if t.unanimous() {
		return true
	}
	if cfg.RequireUnanimous {
		return false
	}
	return t.approveFraction() >= cfg.MajorityThreshold || t.rejectFraction() >= cfg.MajorityThreshold
}

// --- helpers ---

func validateContext(dc domain.DecisionContext) error {
	if dc.OrgID == "" {
		return domain.InvalidInputError{Field: "org_id", Reason: "required"}
	}
	if !dc.DecisionType.Known() {
		return domain.InvalidInputError{Field: "decision_type", Reason: fmt.Sprintf("unknown decision type %q", dc.DecisionType)}
	}
	if dc.RequestedAt.IsZero() {
		return domain.InvalidInputError{Field: "requested_at", Reason: "required"}
	}
	if err := dc.Jurisdiction.Validate(); err != nil {
		return domain.InvalidInputError{Field: "jurisdiction", Reason: err.Error()}
	}
	switch dc.DecisionType {
	case domain.ShiftSwap:
		if dc.Proposal.Swap == nil {
			return domain.InvalidInputError{Field: "proposal.swap", Reason: "required for shift_swap decisions"}
		}
	case domain.ScheduleCreation:
		if len(dc.Proposal.Shifts) == 0 {
			return domain.InvalidInputError{Field: "proposal.shifts", Reason: "schedule_creation needs at least one shift"}
		}
	case domain.ShiftAssignment:
		if len(dc.Proposal.Shifts) == 0 {
			return domain.InvalidInputError{Field: "proposal.shifts", Reason: "shift_assignment needs at least one shift"}
		}
	case domain.ComplianceOverride:
		if strings.TrimSpace(dc.Proposal.Note) == "" {
			return domain.InvalidInputError{Field: "proposal.note", Reason: "compliance_override requires a written justification"}
		}
	default:
		if len(dc.Proposal.Shifts) == 0 && len(dc.Proposal.RetireShiftIDs) == 0 && dc.Proposal.Swap == nil {
			return domain.InvalidInputError{Field: "proposal", Reason: "no changes supplied"}
		}
	}
	if s := dc.Proposal.Swap; s != nil {
		if s.ShiftID == "" {
			return domain.InvalidInputError{Field: "proposal.swap.shift_id", Reason: "required"}
		}
		if s.ToEmployee == "" {
			return domain.InvalidInputError{Field: "proposal.swap.to_employee", Reason: "required"}
		}
	}
	for i, s := range dc.Proposal.Shifts {
		if s.ID == "" {
			return domain.InvalidInputError{Field: fmt.Sprintf("proposal.shifts[%d].id", i), Reason: "required"}
		}
		if s.EmployeeID == "" {
			return domain.InvalidInputError{Field: fmt.Sprintf("proposal.shifts[%d].employee_id", i), Reason: "required"}
		}
		if !s.EndAt.After(s.StartAt) {
			return domain.InvalidInputError{Field: fmt.Sprintf("proposal.shifts[%d]", i), Reason: "end_at must be after start_at"}
		}
		if s.BreakMinutes < 0 {
			return domain.InvalidInputError{Field: fmt.Sprintf("proposal.shifts[%d].break_minutes", i), Reason: "cannot be negative"}
		}
	}
	return nil
}

func conservativeReject(role domain.AgentRole) domain.AgentDecision {
	return domain.AgentDecision{
		AgentRole:      role,
		Recommendation: domain.Reject,
		Score:          0,
		Confidence:     0,
		Reasoning:      []string{domain.EvaluationTimeoutError{Role: role}.Error()},
	}
}

func snapshot(decisions []domain.AgentDecision) []domain.AgentDecision {
	out := make([]domain.AgentDecision, len(decisions))
	copy(out, decisions)
	return out
}

func splitBySide(latest []domain.AgentDecision, approving bool) (winners, dissenters []domain.AgentDecision) {
	for _, d := range latest {
		if d.Recommendation.Approving() == approving {
			winners = append(winners, d)
		} else {
			dissenters = append(dissenters, d)
		}
	}
	return winners, dissenters
}

func averageConfidence(latest []domain.AgentDecision) int {
	if len(latest) == 0 {
		return 0
	}
	sum := 0
	for _, d := range latest {
		sum += d.Confidence
	}
	return int(math.Round(float64(sum) / float64(len(latest))))
}

// keyReasons keeps the first reasoning line of each decision, deduplicated
// in panel order.
func keyReasons(decisions []domain.AgentDecision) []string {
	seen := map[string]bool{}
	var out []string
	for _, d := range decisions {
		if len(d.Reasoning) == 0 {
			continue
		}
		r := fmt.Sprintf("%s: %s", d.AgentRole, d.Reasoning[0])
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}

func remainingConcerns(decisions []domain.AgentDecision) []string {
	seen := map[string]bool{}
	var out []string
	for _, d := range decisions {
		for _, c := range append(appendCopy(nil, d.Concerns...), d.DisagreementPoints...) {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

// conditionsOf collects the conditions attached by agents that approved
// with conditions.
func conditionsOf(decisions []domain.AgentDecision) []string {
	seen := map[string]bool{}
	var out []string
	for _, d := range decisions {
		if d.Recommendation != domain.ApproveWithConditions {
			continue
		}
		for _, c := range d.Conditions {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

func hardKinds(decisions []domain.AgentDecision) []domain.ViolationKind {
	seen := map[domain.ViolationKind]bool{}
	var out []domain.ViolationKind
	for _, d := range decisions {
		for _, k := range d.HardViolationKinds() {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out
}

func joinKinds(kinds []domain.ViolationKind) string {
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, ", ")
}
