package compliance

import (
	"fmt"
	"math"
	"sort"
	"time"

	"rosterline/internal/domain"
)

// Engine validates shift schedules against one jurisdiction's limits.
// It is pure: no I/O, no clock reads, no randomness. Identical inputs
// always produce identical results.
type Engine struct {
	Rules domain.JurisdictionConfig
}

func New(rules domain.JurisdictionConfig) Engine {
	return Engine{Rules: rules}
}

const week = 7 * 24 * time.Hour

// Validate checks the proposed shifts merged with the existing schedule.
// Proposal shifts override existing ones with the same id. Retired shifts
// are ignored. The roster, when given, is checked for publication notice.
func (e Engine) Validate(proposal, existing []domain.ShiftRecord, roster *domain.Roster, checkedAt time.Time) domain.ValidationResult {
	res := domain.ValidationResult{
		Valid:      true,
		Violations: []domain.Violation{},
		Warnings:   []domain.Violation{},
		CheckedAt:  checkedAt,
	}
	byEmployee := groupByEmployee(mergeByID(existing, proposal))
	for _, emp := range sortedKeys(byEmployee) {
		shifts := byEmployee[emp]
		v, w := e.dailyRest(emp, shifts)
		res.Violations = append(res.Violations, v...)
		res.Warnings = append(res.Warnings, w...)
		res.Violations = append(res.Violations, e.weeklyRest(emp, shifts)...)
		res.Violations = append(res.Violations, e.dailyHours(emp, shifts)...)
		weeks := weekTotals(shifts)
		v, w = e.weeklyHours(emp, weeks)
		res.Violations = append(res.Violations, v...)
		res.Warnings = append(res.Warnings, w...)
		res.Violations = append(res.Violations, e.overtime(emp, weeks)...)
	}
	st, v := e.publication(roster, checkedAt)
	res.Publication = st
	res.Violations = append(res.Violations, v...)
	res.Valid = len(res.Violations) == 0
	return res
}

// ValidateProposal expands the proposal (swaps, retires) and validates the
// resulting schedule. When roster is nil the proposal's roster is used.
func (e Engine) ValidateProposal(p domain.Proposal, existing []domain.ShiftRecord, roster *domain.Roster, checkedAt time.Time) (domain.ValidationResult, error) {
	changes, err := proposalChanges(p, existing)
	if err != nil {
		return domain.ValidationResult{}, err
	}
	if roster == nil {
		roster = p.Roster
	}
	return e.Validate(changes, withoutIDs(existing, p.RetireShiftIDs), roster, checkedAt), nil
}

// EffectiveSchedule is the post-decision schedule: existing scheduled
// shifts minus retired ones, with the proposal's changes applied on top.
func EffectiveSchedule(p domain.Proposal, existing []domain.ShiftRecord) ([]domain.ShiftRecord, error) {
	changes, err := proposalChanges(p, existing)
	if err != nil {
		return nil, err
	}
	return mergeByID(withoutIDs(existing, p.RetireShiftIDs), changes), nil
}

// AffectedEmployees lists the employees whose shifts the proposal touches,
// sorted and deduplicated.
func AffectedEmployees(p domain.Proposal, existing []domain.ShiftRecord) []string {
	set := map[string]bool{}
	for _, s := range p.Shifts {
		set[s.EmployeeID] = true
	}
	if p.Swap != nil {
		if p.Swap.FromEmployee != "" {
			set[p.Swap.FromEmployee] = true
		}
		set[p.Swap.ToEmployee] = true
	}
	retired := map[string]bool{}
	for _, id := range p.RetireShiftIDs {
		retired[id] = true
	}
	for _, s := range existing {
		if retired[s.ID] {
			set[s.EmployeeID] = true
		}
		if p.Swap != nil && s.ID == p.Swap.ShiftID {
			set[s.EmployeeID] = true
		}
	}
	out := make([]string, 0, len(set))
	for emp := range set {
		out = append(out, emp)
	}
	sort.Strings(out)
	return out
}

func proposalChanges(p domain.Proposal, existing []domain.ShiftRecord) ([]domain.ShiftRecord, error) {
	changes := append([]domain.ShiftRecord{}, p.Shifts...)
	if p.Swap != nil {
		if p.Swap.ShiftID == "" || p.Swap.ToEmployee == "" {
			return nil, domain.InvalidInputError{Field: "swap", Reason: "shift_id and to_employee required"}
		}
		found := false
		for _, s := range existing {
			if s.ID != p.Swap.ShiftID {
				continue
			}
			if p.Swap.FromEmployee != "" && s.EmployeeID != p.Swap.FromEmployee {
				return nil, domain.InvalidInputError{Field: "swap.from_employee", Reason: fmt.Sprintf("shift %s belongs to %s", s.ID, s.EmployeeID)}
			}
			s.EmployeeID = p.Swap.ToEmployee
			s.Status = "scheduled"
			changes = append(changes, s)
			found = true
			break
		}
		if !found {
			return nil, domain.InvalidInputError{Field: "swap.shift_id", Reason: fmt.Sprintf("shift %s not found", p.Swap.ShiftID)}
		}
	}
	return changes, nil
}

func (e Engine) dailyRest(emp string, shifts []domain.ShiftRecord) (violations, warnings []domain.Violation) {
	min := hoursToDuration(e.Rules.MinDailyRestHours)
	for i := 0; i+1 < len(shifts); i++ {
		a, b := shifts[i], shifts[i+1]
		gap := b.StartAt.Sub(a.EndAt).Round(time.Minute)
		observed := gap
		if observed < 0 {
			observed = 0
		}
		switch {
		case gap < min:
			violations = append(violations, domain.Violation{
				Kind:        domain.RestDaily,
				EmployeeID:  emp,
				ShiftIDs:    []string{a.ID, b.ID},
				Limit:       e.Rules.MinDailyRestHours,
				Observed:    hours(observed),
				WindowStart: a.EndAt,
				WindowEnd:   b.StartAt,
				Message:     fmt.Sprintf("rest between shifts is %sh, minimum is %sh", trimHours(observed), trimFloat(e.Rules.MinDailyRestHours)),
			})
		case gap < min+time.Hour:
			warnings = append(warnings, domain.Violation{
				Kind:        domain.RestDaily,
				EmployeeID:  emp,
				ShiftIDs:    []string{a.ID, b.ID},
				Limit:       e.Rules.MinDailyRestHours,
				Observed:    hours(observed),
				WindowStart: a.EndAt,
				WindowEnd:   b.StartAt,
				Message:     fmt.Sprintf("rest between shifts is %sh, within one hour of the %sh minimum", trimHours(observed), trimFloat(e.Rules.MinDailyRestHours)),
			})
		}
	}
	return
}

// weeklyRest scans rolling 7-day windows anchored at each shift start and
// requires one uninterrupted rest block of the weekly minimum in each.
// Unscheduled time after the last known shift counts as rest. The first
// offending window per employee is reported.
func (e Engine) weeklyRest(emp string, shifts []domain.ShiftRecord) []domain.Violation {
	min := hoursToDuration(e.Rules.MinWeeklyRestHours)
	for i := range shifts {
		wStart := shifts[i].StartAt
		wEnd := wStart.Add(week)
		longest := time.Duration(0)
		prevEnd := wStart
		var ids []string
		for j := i; j < len(shifts); j++ {
			s := shifts[j]
			if !s.StartAt.Before(wEnd) {
				break
			}
			ids = append(ids, s.ID)
			gapEnd := s.StartAt
			if gapEnd.After(wEnd) {
				gapEnd = wEnd
			}
			if gap := gapEnd.Sub(prevEnd); gap > longest {
				longest = gap
			}
			if s.EndAt.After(prevEnd) {
				prevEnd = s.EndAt
			}
		}
		if prevEnd.Before(wEnd) {
			if tail := wEnd.Sub(prevEnd); tail > longest {
				longest = tail
			}
		}
		if longest.Round(time.Minute) < min {
			return []domain.Violation{{
				Kind:        domain.RestWeekly,
				EmployeeID:  emp,
				ShiftIDs:    ids,
				Limit:       e.Rules.MinWeeklyRestHours,
				Observed:    hours(longest),
				WindowStart: wStart,
				WindowEnd:   wEnd,
				Message:     fmt.Sprintf("longest rest block in the 7 days from %s is %sh, minimum is %sh", wStart.Format("2006-01-02"), trimHours(longest), trimFloat(e.Rules.MinWeeklyRestHours)),
			}}
		}
	}
	return nil
}

func (e Engine) dailyHours(emp string, shifts []domain.ShiftRecord) []domain.Violation {
	max := hoursToDuration(e.Rules.MaxDailyHours)
	type day struct {
		start time.Time
		total time.Duration
		ids   []string
	}
	days := map[string]*day{}
	for _, s := range shifts {
		key := s.StartAt.Format("2006-01-02")
		d, ok := days[key]
		if !ok {
			y, m, dd := s.StartAt.Date()
			d = &day{start: time.Date(y, m, dd, 0, 0, 0, 0, s.StartAt.Location())}
			days[key] = d
		}
		d.total += s.Worked()
		d.ids = append(d.ids, s.ID)
	}
	var out []domain.Violation
	for _, key := range sortedKeys(days) {
		d := days[key]
		if d.total.Round(time.Minute) > max {
			out = append(out, domain.Violation{
				Kind:        domain.HoursDaily,
				EmployeeID:  emp,
				ShiftIDs:    d.ids,
				Limit:       e.Rules.MaxDailyHours,
				Observed:    hours(d.total),
				WindowStart: d.start,
				WindowEnd:   d.start.AddDate(0, 0, 1),
				Message:     fmt.Sprintf("%sh worked on %s, maximum is %sh", trimHours(d.total), key, trimFloat(e.Rules.MaxDailyHours)),
			})
		}
	}
	return out
}

type weekBucket struct {
	start time.Time
	total time.Duration
	ids   []string
}

func weekTotals(shifts []domain.ShiftRecord) []weekBucket {
	buckets := map[time.Time]*weekBucket{}
	for _, s := range shifts {
		start := WeekStart(s.StartAt)
		b, ok := buckets[start]
		if !ok {
			b = &weekBucket{start: start}
			buckets[start] = b
		}
		b.total += s.Worked()
		b.ids = append(b.ids, s.ID)
	}
	out := make([]weekBucket, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].start.Before(out[j].start) })
	return out
}

func (e Engine) weeklyHours(emp string, weeks []weekBucket) (violations, warnings []domain.Violation) {
	max := hoursToDuration(e.Rules.MaxWeeklyHours)
	warnAt := time.Duration(float64(max) * 0.9)
	for _, w := range weeks {
		total := w.total.Round(time.Minute)
		switch {
		case total > max:
			violations = append(violations, domain.Violation{
				Kind:        domain.HoursWeekly,
				EmployeeID:  emp,
				ShiftIDs:    w.ids,
				Limit:       e.Rules.MaxWeeklyHours,
				Observed:    hours(w.total),
				WindowStart: w.start,
				WindowEnd:   w.start.AddDate(0, 0, 7),
				Message:     fmt.Sprintf("%sh worked in the week of %s, maximum is %sh", trimHours(w.total), w.start.Format("2006-01-02"), trimFloat(e.Rules.MaxWeeklyHours)),
			})
		case total > warnAt:
			warnings = append(warnings, domain.Violation{
				Kind:        domain.HoursWeekly,
				EmployeeID:  emp,
				ShiftIDs:    w.ids,
				Limit:       e.Rules.MaxWeeklyHours,
				Observed:    hours(w.total),
				WindowStart: w.start,
				WindowEnd:   w.start.AddDate(0, 0, 7),
				Message:     fmt.Sprintf("%sh worked in the week of %s, above 90%% of the %sh maximum", trimHours(w.total), w.start.Format("2006-01-02"), trimFloat(e.Rules.MaxWeeklyHours)),
			})
		}
	}
	return
}

// overtime is the positive excess of a week's worked time over the weekly
// maximum, accumulated into weekly, rolling 4-week and ISO-year buckets.
func (e Engine) overtime(emp string, weeks []weekBucket) []domain.Violation {
	normal := hoursToDuration(e.Rules.MaxWeeklyHours)
	ot := make([]time.Duration, len(weeks))
	for i, w := range weeks {
		if x := w.total.Round(time.Minute) - normal; x > 0 {
			ot[i] = x
		}
	}
	var out []domain.Violation
	weeklyCeil := hoursToDuration(e.Rules.OvertimeWeeklyHours)
	for i, w := range weeks {
		if ot[i] > weeklyCeil {
			out = append(out, domain.Violation{
				Kind:        domain.OvertimeWeekly,
				EmployeeID:  emp,
				ShiftIDs:    w.ids,
				Limit:       e.Rules.OvertimeWeeklyHours,
				Observed:    hours(ot[i]),
				WindowStart: w.start,
				WindowEnd:   w.start.AddDate(0, 0, 7),
				Message:     fmt.Sprintf("%sh overtime in the week of %s, ceiling is %sh", trimHours(ot[i]), w.start.Format("2006-01-02"), trimFloat(e.Rules.OvertimeWeeklyHours)),
			})
		}
	}
	fourCeil := hoursToDuration(e.Rules.Overtime4WeekHours)
	for i, w := range weeks {
		windowStart := w.start.AddDate(0, 0, -21)
		sum := time.Duration(0)
		var ids []string
		for j := 0; j <= i; j++ {
			if weeks[j].start.Before(windowStart) {
				continue
			}
			sum += ot[j]
			ids = append(ids, weeks[j].ids...)
		}
		if sum > fourCeil {
			out = append(out, domain.Violation{
				Kind:        domain.Overtime4Week,
				EmployeeID:  emp,
				ShiftIDs:    ids,
				Limit:       e.Rules.Overtime4WeekHours,
				Observed:    hours(sum),
				WindowStart: windowStart,
				WindowEnd:   w.start.AddDate(0, 0, 7),
				Message:     fmt.Sprintf("%sh overtime in the 4 weeks ending %s, ceiling is %sh", trimHours(sum), w.start.AddDate(0, 0, 7).Format("2006-01-02"), trimFloat(e.Rules.Overtime4WeekHours)),
			})
		}
	}
	yearCeil := hoursToDuration(e.Rules.OvertimeYearlyHours)
	years := map[int]time.Duration{}
	yearIDs := map[int][]string{}
	for i, w := range weeks {
		y := w.start.AddDate(0, 0, 3).Year()
		years[y] += ot[i]
		yearIDs[y] = append(yearIDs[y], w.ids...)
	}
	yearKeys := make([]int, 0, len(years))
	for y := range years {
		yearKeys = append(yearKeys, y)
	}
	sort.Ints(yearKeys)
	for _, y := range yearKeys {
		if years[y] > yearCeil {
			out = append(out, domain.Violation{
				Kind:        domain.OvertimeYearly,
				EmployeeID:  emp,
				ShiftIDs:    yearIDs[y],
				Limit:       e.Rules.OvertimeYearlyHours,
				Observed:    hours(years[y]),
				WindowStart: time.Date(y, 1, 1, 0, 0, 0, 0, time.UTC),
				WindowEnd:   time.Date(y+1, 1, 1, 0, 0, 0, 0, time.UTC),
				Message:     fmt.Sprintf("%sh overtime in %d, ceiling is %sh", trimHours(years[y]), y, trimFloat(e.Rules.OvertimeYearlyHours)),
			})
		}
	}
	return out
}

// publication checks roster notice. An unpublished roster yields a status
// with Published=false and no violation; CanPublish then answers whether
// publishing at checkedAt would still meet the deadline.
func (e Engine) publication(roster *domain.Roster, checkedAt time.Time) (*domain.PublicationStatus, []domain.Violation) {
	if roster == nil {
		return nil, nil
	}
	required := e.Rules.PublishDeadlineDays
	st := &domain.PublicationStatus{RequiredDays: required}
	if roster.PublishedAt == nil {
		st.NoticeDays = wholeDays(roster.StartDate.Sub(checkedAt))
		st.CanPublish = st.NoticeDays >= required
		return st, nil
	}
	st.Published = true
	st.NoticeDays = wholeDays(roster.StartDate.Sub(*roster.PublishedAt))
	st.IsLate = st.NoticeDays < required
	st.CanPublish = !st.IsLate
	if !st.IsLate {
		return st, nil
	}
	return st, []domain.Violation{{
		Kind:        domain.PublishLate,
		Limit:       float64(required),
		Observed:    float64(st.NoticeDays),
		WindowStart: *roster.PublishedAt,
		WindowEnd:   roster.StartDate,
		Message:     fmt.Sprintf("roster %s published %d days before start, minimum notice is %d days", roster.ID, st.NoticeDays, required),
	}}
}

// --- helpers ---

func mergeByID(existing, proposal []domain.ShiftRecord) []domain.ShiftRecord {
	merged := map[string]domain.ShiftRecord{}
	for _, s := range existing {
		if s.Status == "retired" {
			continue
		}
		merged[s.ID] = s
	}
	for _, s := range proposal {
		if s.Status == "retired" {
			delete(merged, s.ID)
			continue
		}
		merged[s.ID] = s
	}
	out := make([]domain.ShiftRecord, 0, len(merged))
	for _, s := range merged {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartAt.Equal(out[j].StartAt) {
			return out[i].StartAt.Before(out[j].StartAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func withoutIDs(shifts []domain.ShiftRecord, ids []string) []domain.ShiftRecord {
	if len(ids) == 0 {
		return shifts
	}
	drop := map[string]bool{}
	for _, id := range ids {
		drop[id] = true
	}
	out := make([]domain.ShiftRecord, 0, len(shifts))
	for _, s := range shifts {
		if !drop[s.ID] {
			out = append(out, s)
		}
	}
	return out
}

func groupByEmployee(shifts []domain.ShiftRecord) map[string][]domain.ShiftRecord {
	byEmployee := map[string][]domain.ShiftRecord{}
	for _, s := range shifts {
		byEmployee[s.EmployeeID] = append(byEmployee[s.EmployeeID], s)
	}
	return byEmployee
}

// WeekStart normalizes to the Monday of the shift's local calendar week,
// rebased to UTC midnight so week buckets compare and add cleanly.
func WeekStart(t time.Time) time.Time {
	y, m, d := t.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	wd := int(day.Weekday())
	if wd == 0 {
		wd = 7
	}
	return day.AddDate(0, 0, -(wd - 1))
}

func hoursToDuration(h float64) time.Duration {
	return time.Duration(math.Round(h*60)) * time.Minute
}

// hours converts to decimal hours at minute precision.
func hours(d time.Duration) float64 {
	return float64(d.Round(time.Minute)/time.Minute) / 60
}

// wholeDays floors a duration to full 24-hour days. Negative notice
// stays negative so a roster published after its start reads as late.
func wholeDays(d time.Duration) int {
	return int(math.Floor(d.Hours() / 24))
}

func trimHours(d time.Duration) string {
	return trimFloat(hours(d))
}

func trimFloat(f float64) string {
	s := fmt.Sprintf("%.2f", f)
	for len(s) > 0 && s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	if len(s) > 0 && s[len(s)-1] == '.' {
		s = s[:len(s)-1]
	}
	return s
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
