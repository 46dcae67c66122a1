package compliance_test

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"rosterline/internal/compliance"
	"rosterline/internal/domain"
)

// monday anchors all test schedules so week buckets are predictable.
var monday = time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

var deRules = domain.JurisdictionConfig{
	Name:                "Germany",
	MaxDailyHours:       10,
	MaxWeeklyHours:      48,
	MinDailyRestHours:   11,
	MinWeeklyRestHours:  35,
	OvertimeWeeklyHours: 12,
	Overtime4WeekHours:  40,
	OvertimeYearlyHours: 170,
	PublishDeadlineDays: 14,
}

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

func shift(id, emp string, start, end time.Time) domain.ShiftRecord {
	return domain.ShiftRecord{ID: id, EmployeeID: emp, StartAt: start, EndAt: end, Status: "scheduled"}
}

func TestDailyRestBelowMinimum(t *testing.T) {
	eng := compliance.New(deRules)
	shifts := []domain.ShiftRecord{
		shift("s1", "alice", at(0, 8), at(0, 16)),
		shift("s2", "alice", at(1, 2), at(1, 10)),
	}
	res := eng.Validate(shifts, nil, nil, monday)
	if res.Valid {
		t.Fatalf("expected invalid result")
	}
	if len(res.Violations) != 1 {
		t.Fatalf("expected one violation, got %d: %+v", len(res.Violations), res.Violations)
	}
	v := res.Violations[0]
	if v.Kind != domain.RestDaily || v.EmployeeID != "alice" {
		t.Fatalf("wrong violation: %+v", v)
	}
	if !reflect.DeepEqual(v.ShiftIDs, []string{"s1", "s2"}) {
		t.Fatalf("expected both shift ids, got %v", v.ShiftIDs)
	}
	if v.Limit != 11 || v.Observed != 10 {
		t.Fatalf("expected limit 11 observed 10, got %v/%v", v.Limit, v.Observed)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %+v", res.Warnings)
	}
}

func TestDailyRestWarningNearMinimum(t *testing.T) {
	eng := compliance.New(deRules)
	// 11.5h rest clears the 11h minimum but sits inside the warning band
	shifts := []domain.ShiftRecord{
		shift("s1", "alice", at(0, 8), at(0, 16)),
		shift("s2", "alice", at(1, 3).Add(30*time.Minute), at(1, 11)),
	}
	res := eng.Validate(shifts, nil, nil, monday)
	if !res.Valid || len(res.Violations) != 0 {
		t.Fatalf("warnings must not invalidate: %+v", res.Violations)
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Kind != domain.RestDaily {
		t.Fatalf("expected one rest warning, got %+v", res.Warnings)
	}
	if res.Warnings[0].Observed != 11.5 {
		t.Fatalf("expected observed 11.5, got %v", res.Warnings[0].Observed)
	}
}

func TestOverlappingShiftsClampRestToZero(t *testing.T) {
	eng := compliance.New(deRules)
	shifts := []domain.ShiftRecord{
		shift("s1", "alice", at(0, 8), at(0, 12)),
		shift("s2", "alice", at(0, 11), at(0, 15)),
	}
	res := eng.Validate(shifts, nil, nil, monday)
	if len(res.Violations) != 1 || res.Violations[0].Kind != domain.RestDaily {
		t.Fatalf("expected one rest violation, got %+v", res.Violations)
	}
	if res.Violations[0].Observed != 0 {
		t.Fatalf("overlap must clamp observed rest to 0, got %v", res.Violations[0].Observed)
	}
}

func TestWeeklyHoursBoundary(t *testing.T) {
	eng := compliance.New(genericRules)
	shifts := make([]domain.ShiftRecord, 0, 6)
	for d := 0; d < 6; d++ {
		shifts = append(shifts, shift(fmt.Sprintf("s%d", d), "alice", at(d, 8), at(d, 16)))
	}
	// exactly 48h: at the cap is allowed, but close enough to warn
	res := eng.Validate(shifts, nil, nil, monday)
	if !res.Valid || len(res.Violations) != 0 {
		t.Fatalf("48h at the 48h cap must pass: %+v", res.Violations)
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Kind != domain.HoursWeekly {
		t.Fatalf("expected the 90%% warning, got %+v", res.Warnings)
	}
	// one minute over tips it
	shifts[5].EndAt = shifts[5].EndAt.Add(time.Minute)
	res = eng.Validate(shifts, nil, nil, monday)
	if res.Valid || len(res.Violations) != 1 {
		t.Fatalf("expected weekly hours violation, got %+v", res.Violations)
	}
	v := res.Violations[0]
	if v.Kind != domain.HoursWeekly || v.Limit != 48 || v.Observed <= 48 {
		t.Fatalf("wrong violation: %+v", v)
	}
}

func TestWeeklyRestBlock(t *testing.T) {
	eng := compliance.New(genericRules)
	// Thursday through Wednesday, 8h each day: the longest rest block in
	// the window anchored at the first shift is the 16h night.
	shifts := make([]domain.ShiftRecord, 0, 7)
	for d := 3; d < 10; d++ {
		shifts = append(shifts, shift(fmt.Sprintf("s%d", d), "alice", at(d, 8), at(d, 16)))
	}
	res := eng.Validate(shifts, nil, nil, monday)
	if len(res.Violations) != 1 {
		t.Fatalf("expected one violation, got %+v", res.Violations)
	}
	v := res.Violations[0]
	if v.Kind != domain.RestWeekly || v.Limit != 24 || v.Observed != 16 {
		t.Fatalf("wrong violation: %+v", v)
	}
	if len(v.ShiftIDs) != 7 {
		t.Fatalf("expected all seven shifts listed, got %v", v.ShiftIDs)
	}
	// three days on leaves the rest of the window free
	res = eng.Validate(shifts[:3], nil, nil, monday)
	if !res.Valid {
		t.Fatalf("three days on cannot breach weekly rest: %+v", res.Violations)
	}
}

func TestBreakMinutesReduceWorked(t *testing.T) {
	eng := compliance.New(deRules)
	s := shift("s1", "alice", at(0, 8), at(0, 19))
	s.BreakMinutes = 90
	res := eng.Validate([]domain.ShiftRecord{s}, nil, nil, monday)
	if !res.Valid {
		t.Fatalf("9.5h worked must pass the 10h cap: %+v", res.Violations)
	}
	s.BreakMinutes = 0
	res = eng.Validate([]domain.ShiftRecord{s}, nil, nil, monday)
	if len(res.Violations) != 1 || res.Violations[0].Kind != domain.HoursDaily {
		t.Fatalf("expected daily hours violation, got %+v", res.Violations)
	}
	if res.Violations[0].Observed != 11 {
		t.Fatalf("expected observed 11, got %v", res.Violations[0].Observed)
	}
}

func TestOvertimeFourWeekWindow(t *testing.T) {
	eng := compliance.New(deRules)
	// four weeks of 60h: the 12h weekly overtime sits exactly at the
	// ceiling, but the rolling four-week total of 48h breaches 40h.
	var shifts []domain.ShiftRecord
	for w := 0; w < 4; w++ {
		for d := 0; d < 6; d++ {
			shifts = append(shifts, shift(fmt.Sprintf("w%dd%d", w, d), "alice", at(7*w+d, 8), at(7*w+d, 18)))
		}
	}
	res := eng.Validate(shifts, nil, nil, monday)
	if len(res.Violations) != 5 {
		t.Fatalf("expected 5 violations, got %d: %+v", len(res.Violations), res.Violations)
	}
	for i := 0; i < 4; i++ {
		if res.Violations[i].Kind != domain.HoursWeekly || res.Violations[i].Observed != 60 {
			t.Fatalf("violation %d: expected 60h weekly, got %+v", i, res.Violations[i])
		}
	}
	last := res.Violations[4]
	if last.Kind != domain.Overtime4Week || last.Limit != 40 || last.Observed != 48 {
		t.Fatalf("wrong 4-week violation: %+v", last)
	}
}

func TestOvertimeYearlyCeiling(t *testing.T) {
	eng := compliance.New(deRules)
	// fifteen 60h weeks accumulate 180h of overtime against the 170h year
	var shifts []domain.ShiftRecord
	for w := 0; w < 15; w++ {
		for d := 0; d < 6; d++ {
			shifts = append(shifts, shift(fmt.Sprintf("w%dd%d", w, d), "alice", at(7*w+d, 8), at(7*w+d, 18)))
		}
	}
	res := eng.Validate(shifts, nil, nil, monday)
	counts := map[domain.ViolationKind]int{}
	for _, v := range res.Violations {
		counts[v.Kind]++
	}
	if counts[domain.OvertimeYearly] != 1 {
		t.Fatalf("expected one yearly overtime violation, got %+v", counts)
	}
	if counts[domain.HoursWeekly] != 15 || counts[domain.Overtime4Week] != 12 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}

func TestPublicationNotice(t *testing.T) {
	eng := compliance.New(deRules)
	published := monday
	roster := &domain.Roster{ID: "w1", StartDate: monday.AddDate(0, 0, 10), Status: "published", PublishedAt: &published}
	res := eng.Validate(nil, nil, roster, monday)
	st := res.Publication
	if st == nil || !st.Published || !st.IsLate || st.NoticeDays != 10 || st.RequiredDays != 14 {
		t.Fatalf("wrong publication status: %+v", st)
	}
	if len(res.Violations) != 1 || res.Violations[0].Kind != domain.PublishLate {
		t.Fatalf("expected publish-late violation, got %+v", res.Violations)
	}
	if res.Violations[0].Limit != 14 || res.Violations[0].Observed != 10 {
		t.Fatalf("wrong limits: %+v", res.Violations[0])
	}
	// enough notice is never flagged
	roster.StartDate = monday.AddDate(0, 0, 20)
	res = eng.Validate(nil, nil, roster, monday)
	if !res.Valid || res.Publication.IsLate || res.Publication.NoticeDays != 20 {
		t.Fatalf("20 days notice must pass: %+v", res.Publication)
	}
}

func TestUnpublishedRosterStatusOnly(t *testing.T) {
	eng := compliance.New(deRules)
	roster := &domain.Roster{ID: "w1", StartDate: monday.AddDate(0, 0, 20), Status: "draft"}
	res := eng.Validate(nil, nil, roster, monday)
	if !res.Valid || len(res.Violations) != 0 {
		t.Fatalf("unpublished roster must not violate: %+v", res.Violations)
	}
	st := res.Publication
	if st == nil || st.Published || !st.CanPublish || st.NoticeDays != 20 {
		t.Fatalf("wrong status: %+v", st)
	}
	// window already too short: still no violation, publishing would be late
	roster.StartDate = monday.AddDate(0, 0, 3)
	res = eng.Validate(nil, nil, roster, monday)
	if !res.Valid || res.Publication.CanPublish {
		t.Fatalf("expected can_publish=false without violation: %+v", res.Publication)
	}
}

func TestValidateDeterministicAndOrdered(t *testing.T) {
	eng := compliance.New(genericRules)
	// bob's shifts listed first; results still come out employee-sorted
	shifts := []domain.ShiftRecord{
		shift("b2", "bob", at(1, 1), at(1, 9)),
		shift("b1", "bob", at(0, 8), at(0, 16)),
		shift("a1", "alice", at(0, 6), at(0, 20)),
	}
	first := eng.Validate(shifts, nil, nil, monday)
	second := eng.Validate(shifts, nil, nil, monday)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("same input produced different results")
	}
	if len(first.Violations) != 2 {
		t.Fatalf("expected two violations, got %+v", first.Violations)
	}
	if first.Violations[0].EmployeeID != "alice" || first.Violations[0].Kind != domain.HoursDaily {
		t.Fatalf("expected alice daily hours first, got %+v", first.Violations[0])
	}
	if first.Violations[1].EmployeeID != "bob" || first.Violations[1].Kind != domain.RestDaily {
		t.Fatalf("expected bob rest second, got %+v", first.Violations[1])
	}
}

func TestProposalOverridesAndRetires(t *testing.T) {
	eng := compliance.New(genericRules)
	existing := []domain.ShiftRecord{
		shift("s1", "alice", at(0, 6), at(0, 20)),
	}
	// replacing the long shift under the same id heals the schedule
	fixed := shift("s1", "alice", at(0, 8), at(0, 16))
	res := eng.Validate([]domain.ShiftRecord{fixed}, existing, nil, monday)
	if !res.Valid {
		t.Fatalf("proposal must override same-id shift: %+v", res.Violations)
	}
	// a retired tombstone in the proposal removes it entirely
	gone := existing[0]
	gone.Status = "retired"
	res = eng.Validate([]domain.ShiftRecord{gone}, existing, nil, monday)
	if !res.Valid {
		t.Fatalf("retired proposal shift must drop it: %+v", res.Violations)
	}
	// retired existing shifts never count
	existing[0].Status = "retired"
	res = eng.Validate(nil, existing, nil, monday)
	if !res.Valid {
		t.Fatalf("retired existing shift must be ignored: %+v", res.Violations)
	}
}

func TestValidateProposalSwap(t *testing.T) {
	eng := compliance.New(deRules)
	existing := []domain.ShiftRecord{
		shift("s1", "alice", at(0, 8), at(0, 16)),
		shift("s2", "bob", at(1, 2), at(1, 10)),
	}
	res, err := eng.ValidateProposal(domain.Proposal{}, existing, nil, monday)
	if err != nil || !res.Valid {
		t.Fatalf("baseline: %v %+v", err, res.Violations)
	}
	// handing bob's early shift to alice breaks her rest
	p := domain.Proposal{Swap: &domain.SwapSpec{ShiftID: "s2", FromEmployee: "bob", ToEmployee: "alice"}}
	res, err = eng.ValidateProposal(p, existing, nil, monday)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if res.Valid || len(res.Violations) != 1 || res.Violations[0].EmployeeID != "alice" || res.Violations[0].Kind != domain.RestDaily {
		t.Fatalf("expected alice rest violation, got %+v", res.Violations)
	}
	// wrong current owner
	p.Swap.FromEmployee = "carol"
	var invalid domain.InvalidInputError
	if _, err := eng.ValidateProposal(p, existing, nil, monday); !errors.As(err, &invalid) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	// unknown shift
	p.Swap = &domain.SwapSpec{ShiftID: "ghost", ToEmployee: "alice"}
	if _, err := eng.ValidateProposal(p, existing, nil, monday); !errors.As(err, &invalid) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestEffectiveSchedule(t *testing.T) {
	existing := []domain.ShiftRecord{
		shift("s1", "alice", at(0, 8), at(0, 16)),
		shift("s2", "bob", at(1, 8), at(1, 16)),
	}
	p := domain.Proposal{
		Shifts:         []domain.ShiftRecord{shift("s3", "carol", at(2, 8), at(2, 16))},
		RetireShiftIDs: []string{"s1"},
	}
	out, err := compliance.EffectiveSchedule(p, existing)
	if err != nil {
		t.Fatal(err)
	}
	ids := make([]string, 0, len(out))
	for _, s := range out {
		ids = append(ids, s.ID)
	}
	if !reflect.DeepEqual(ids, []string{"s2", "s3"}) {
		t.Fatalf("expected s2+s3, got %v", ids)
	}
}

func TestAffectedEmployees(t *testing.T) {
	existing := []domain.ShiftRecord{
		shift("s1", "alice", at(0, 8), at(0, 16)),
		shift("s2", "bob", at(1, 8), at(1, 16)),
	}
	p := domain.Proposal{
		Shifts:         []domain.ShiftRecord{shift("s3", "carol", at(2, 8), at(2, 16))},
		RetireShiftIDs: []string{"s1"},
		Swap:           &domain.SwapSpec{ShiftID: "s2", ToEmployee: "dana"},
	}
	got := compliance.AffectedEmployees(p, existing)
	want := []string{"alice", "bob", "carol", "dana"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestWeekStart(t *testing.T) {
	cases := []struct {
		in   time.Time
		want time.Time
	}{
		{monday, monday},
		{monday.Add(26 * time.Hour), monday},
		{at(6, 23), monday},
		{at(7, 0), monday.AddDate(0, 0, 7)},
		{time.Date(2026, 1, 5, 1, 0, 0, 0, time.FixedZone("UTC+5", 5*3600)), monday},
	}
	for i, c := range cases {
		if got := compliance.WeekStart(c.in); !got.Equal(c.want) {
			t.Fatalf("case %d: expected %v, got %v", i, c.want, got)
		}
	}
}
