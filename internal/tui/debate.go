// Package tui holds the interactive terminal views used by the rl CLI.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"rosterline/internal/domain"
)

// DebateRunner produces the consensus outcome the viewer renders. It runs
// exactly once, off the UI loop.
type DebateRunner func(ctx context.Context) (domain.ConsensusResult, string, error)

type debateDoneMsg struct {
	result  domain.ConsensusResult
	auditID string
	err     error
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	panelStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#444444")).Padding(0, 1)
	approveStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#3FB950"))
	rejectStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	cautionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#D29922"))
)

// Debate is a live view of one consensus evaluation: a spinner while the
// panel deliberates, then the verdict with each agent's final vote.
type Debate struct {
	ctx          context.Context
	run          DebateRunner
	decisionType string
	spin         spinner.Model
	started      time.Time
	done         bool
	result       domain.ConsensusResult
	auditID      string
	err          error
	width        int
}

func NewDebate(ctx context.Context, decisionType string, run DebateRunner) *Debate {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF"))
	return &Debate{ctx: ctx, run: run, decisionType: decisionType, spin: s, started: time.Now()}
}

func (d *Debate) Init() tea.Cmd {
	return tea.Batch(d.spin.Tick, d.start())
}

func (d *Debate) start() tea.Cmd {
	return func() tea.Msg {
		result, auditID, err := d.run(d.ctx)
		return debateDoneMsg{result: result, auditID: auditID, err: err}
	}
}

// Result exposes the finished evaluation so the CLI can reuse it after the
// program exits.
func (d *Debate) Result() (domain.ConsensusResult, string, error) {
	return d.result, d.auditID, d.err
}

func (d *Debate) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		d.width = msg.Width
		return d, nil

	case debateDoneMsg:
		d.done = true
		d.result = msg.result
		d.auditID = msg.auditID
		d.err = msg.err
		return d, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc", "enter":
			return d, tea.Quit
		}

	case spinner.TickMsg:
		if d.done {
			return d, nil
		}
		var cmd tea.Cmd
		d.spin, cmd = d.spin.Update(msg)
		return d, cmd
	}
	return d, nil
}

func (d *Debate) View() string {
	header := titleStyle.Render(fmt.Sprintf("Consensus panel · %s", d.decisionType))
	if !d.done {
		body := fmt.Sprintf("%s agents deliberating (%s)", d.spin.View(), time.Since(d.started).Round(time.Second))
		return strings.Join([]string{header, body, dimStyle.Render("q to abort")}, "\n")
	}
	if d.err != nil {
		return strings.Join([]string{header, errStyle.Render("evaluation failed: " + d.err.Error()), dimStyle.Render("q to quit")}, "\n")
	}
	return strings.Join([]string{header, d.renderVerdict(), dimStyle.Render("q to quit")}, "\n")
}

func (d *Debate) renderVerdict() string {
	r := d.result
	lines := []string{
		fmt.Sprintf("%s · final %s", statusLabel(r.Status, r.FinalRecommendation), recommendationLabel(r.FinalRecommendation)),
		fmt.Sprintf("approve %.2f / reject %.2f of %.2f weight · alignment %d · confidence %d",
			r.ApproveWeight, r.RejectWeight, r.TotalWeight, r.AlignmentScore, r.AverageConfidence),
		"",
	}
	for _, dec := range finalDecisions(r) {
		rec := recommendationLabel(dec.Recommendation)
		pad := 26 - lipgloss.Width(rec)
		if pad < 1 {
			pad = 1
		}
		lines = append(lines, fmt.Sprintf("%-18s %s%sscore %3d  confidence %3d",
			dec.AgentRole, rec, strings.Repeat(" ", pad), dec.Score, dec.Confidence))
	}
	if n := len(r.Rounds); n > 0 {
		lines = append(lines, "", dimStyle.Render(fmt.Sprintf("%d debate round(s) · %dms", n, r.ElapsedMS)))
	}
	if r.Summary != "" {
		lines = append(lines, "", r.Summary)
	}
	for _, reason := range r.KeyReasons {
		lines = append(lines, dimStyle.Render("· "+reason))
	}
	if r.EscalationReason != "" {
		lines = append(lines, cautionStyle.Render("escalation: "+r.EscalationReason))
	}
	if r.Truncated {
		lines = append(lines, cautionStyle.Render("evaluation truncated before all rounds completed"))
	}
	if d.auditID != "" {
		lines = append(lines, "", dimStyle.Render("audit entry "+d.auditID))
	}
	return panelStyle.Render(strings.Join(lines, "\n"))
}

// finalDecisions keeps each agent's last vote, in panel order.
func finalDecisions(r domain.ConsensusResult) []domain.AgentDecision {
	latest := map[domain.AgentRole]domain.AgentDecision{}
	for _, dec := range r.Decisions {
		latest[dec.AgentRole] = dec
	}
	out := make([]domain.AgentDecision, 0, len(latest))
	for _, role := range domain.Roles() {
		if dec, ok := latest[role]; ok {
			out = append(out, dec)
		}
	}
	return out
}

func statusLabel(s domain.ConsensusStatus, rec domain.Recommendation) string {
	style := cautionStyle
	switch {
	case rec.Approving():
		style = approveStyle
	case rec == domain.Reject:
		style = rejectStyle
	}
	return style.Bold(true).Render(strings.ToUpper(string(s)))
}

func recommendationLabel(rec domain.Recommendation) string {
	switch rec {
	case domain.Approve, domain.ApproveWithConditions:
		return approveStyle.Render(string(rec))
	case domain.Reject:
		return rejectStyle.Render(string(rec))
	default:
		return cautionStyle.Render(string(rec))
	}
}
