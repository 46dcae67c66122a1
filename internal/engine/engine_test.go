package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"rosterline/internal/audit"
	"rosterline/internal/config"
	"rosterline/internal/db"
	"rosterline/internal/domain"
	"rosterline/internal/engine"
	"rosterline/internal/migrate"
	"rosterline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

var testNow = time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default("org-1"))
	eng.Now = func() time.Time { return testNow }
	ctx := context.Background()
	if err := eng.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if _, err := eng.CreateOrg(ctx, engine.OrgCreateOptions{ID: "org-1", Name: "Test Org", ActorID: "tester"}); err != nil {
		t.Fatalf("create org: %v", err)
	}
	if _, err := eng.UpsertEmployee(ctx, engine.EmployeeUpsertOptions{ID: "alice", OrgID: "org-1", Name: "Alice", ActorID: "tester"}); err != nil {
		t.Fatalf("seed employee: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) createRoster(t *testing.T, id string, start time.Time, days int) domain.Roster {
	t.Helper()
	ro, err := env.Engine.CreateRoster(env.Ctx, engine.RosterCreateOptions{
		ID:        id,
		OrgID:     "org-1",
		StartDate: start,
		EndDate:   start.AddDate(0, 0, days),
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("create roster: %v", err)
	}
	return ro
}

func (env testEnv) addShift(t *testing.T, rosterID string, start, end time.Time, breakMin int) domain.ShiftRecord {
	t.Helper()
	s, err := env.Engine.AddShift(env.Ctx, engine.ShiftAddOptions{
		OrgID:        "org-1",
		RosterID:     rosterID,
		EmployeeID:   "alice",
		StartAt:      start,
		EndAt:        end,
		BreakMinutes: breakMin,
		ActorID:      "tester",
	})
	if err != nil {
		t.Fatalf("add shift: %v", err)
	}
	return s
}

func TestCreateOrgDefaults(t *testing.T) {
	env := newTestEnv(t)
	org, err := env.Engine.CreateOrg(env.Ctx, engine.OrgCreateOptions{ID: "org-2", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create org: %v", err)
	}
	if org.Name != "org-2" || org.Jurisdiction != "generic" {
		t.Fatalf("unexpected defaults: %+v", org)
	}
	if _, err := env.Engine.CreateOrg(env.Ctx, engine.OrgCreateOptions{ID: "org-1", ActorID: "tester"}); err == nil {
		t.Fatalf("expected duplicate error")
	}
	// creating actor becomes owner
	profile, err := env.Engine.ActorProfile(env.Ctx, "org-2", "tester")
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if len(profile.Roles) != 1 || profile.Roles[0] != "owner" {
		t.Fatalf("expected owner role, got %v", profile.Roles)
	}
}

func TestResolveOrgSingleFallback(t *testing.T) {
	env := newTestEnv(t)
	org, err := env.Engine.ResolveOrg(env.Ctx, "")
	if err != nil || org.ID != "org-1" {
		t.Fatalf("resolve single org: %v %v", org.ID, err)
	}
	if _, err := env.Engine.CreateOrg(env.Ctx, engine.OrgCreateOptions{ID: "org-2", ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ResolveOrg(env.Ctx, ""); err == nil {
		t.Fatalf("expected ambiguity error with two orgs")
	}
}

func TestRosterPublishLifecycle(t *testing.T) {
	env := newTestEnv(t)
	start := testNow.AddDate(0, 0, 14)
	ro := env.createRoster(t, "w1", start, 7)
	if ro.Status != "draft" || ro.PublishedAt != nil {
		t.Fatalf("expected fresh draft, got %+v", ro)
	}
	env.addShift(t, "w1", start.Add(8*time.Hour), start.Add(16*time.Hour), 30)

	ro, err := env.Engine.PublishRoster(env.Ctx, "org-1", "w1", "tester")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if ro.Status != "published" || ro.PublishedAt == nil || !ro.PublishedAt.Equal(testNow) {
		t.Fatalf("unexpected publish state: %+v", ro)
	}
	if _, err := env.Engine.PublishRoster(env.Ctx, "org-1", "w1", "tester"); err == nil {
		t.Fatalf("expected re-publish error")
	}

	result, err := env.Engine.ValidateRoster(env.Ctx, "org-1", "w1")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if result.Publication == nil || !result.Publication.Published || result.Publication.NoticeDays != 14 {
		t.Fatalf("unexpected publication status: %+v", result.Publication)
	}
	if result.Publication.IsLate {
		t.Fatalf("14 days notice should not be late")
	}
}

func TestCreateRosterRejectsBadRange(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateRoster(env.Ctx, engine.RosterCreateOptions{
		ID:        "bad",
		OrgID:     "org-1",
		StartDate: testNow.AddDate(0, 0, 7),
		EndDate:   testNow,
		ActorID:   "tester",
	})
	var invalid domain.InvalidInputError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestAddShiftGuards(t *testing.T) {
	env := newTestEnv(t)
	start := testNow.AddDate(0, 0, 14)
	env.createRoster(t, "w1", start, 7)

	_, err := env.Engine.AddShift(env.Ctx, engine.ShiftAddOptions{
		OrgID: "org-1", RosterID: "w1", EmployeeID: "alice",
		StartAt: start.Add(16 * time.Hour), EndAt: start.Add(8 * time.Hour), ActorID: "tester",
	})
	if err == nil {
		t.Fatalf("expected end-before-start error")
	}
	_, err = env.Engine.AddShift(env.Ctx, engine.ShiftAddOptions{
		OrgID: "org-1", RosterID: "w1", EmployeeID: "ghost",
		StartAt: start.Add(8 * time.Hour), EndAt: start.Add(16 * time.Hour), ActorID: "tester",
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected unknown employee, got %v", err)
	}
	_, err = env.Engine.AddShift(env.Ctx, engine.ShiftAddOptions{
		OrgID: "org-1", RosterID: "w1", EmployeeID: "alice",
		StartAt: start.Add(8 * time.Hour), EndAt: start.Add(16 * time.Hour),
		BreakMinutes: -1, ActorID: "tester",
	})
	if err == nil {
		t.Fatalf("expected negative break error")
	}
}

func TestRetireShiftExcludesFromValidation(t *testing.T) {
	env := newTestEnv(t)
	start := testNow.AddDate(0, 0, 14)
	env.createRoster(t, "w1", start, 7)
	// 14h worked exceeds the generic 12h daily cap
	s := env.addShift(t, "w1", start.Add(6*time.Hour), start.Add(20*time.Hour), 0)

	result, err := env.Engine.ValidateRoster(env.Ctx, "org-1", "w1")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if result.Valid {
		t.Fatalf("expected daily hours violation")
	}

	retired, err := env.Engine.RetireShift(env.Ctx, "org-1", s.ID, "tester")
	if err != nil || retired.Status != "retired" {
		t.Fatalf("retire: %v %+v", err, retired)
	}
	if _, err := env.Engine.RetireShift(env.Ctx, "org-1", s.ID, "tester"); err == nil {
		t.Fatalf("expected already retired error")
	}

	result, err = env.Engine.ValidateRoster(env.Ctx, "org-1", "w1")
	if err != nil {
		t.Fatalf("validate after retire: %v", err)
	}
	if !result.Valid {
		t.Fatalf("retired shift should not count: %+v", result.Violations)
	}
}

func TestSetPreferences(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SetPreferences(env.Ctx, "org-1", domain.EmployeePreferences{
		EmployeeID:    "alice",
		PreferredDays: []string{"moonday"},
	})
	if err == nil {
		t.Fatalf("expected weekday validation error")
	}
	_, err = env.Engine.SetPreferences(env.Ctx, "org-1", domain.EmployeePreferences{
		EmployeeID: "ghost",
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected unknown employee, got %v", err)
	}
	saved, err := env.Engine.SetPreferences(env.Ctx, "org-1", domain.EmployeePreferences{
		EmployeeID:         "alice",
		PreferredDays:      []string{"Monday", "tuesday"},
		AvoidedDays:        []string{"sunday"},
		PreferredShiftType: "Morning",
		MaxWeeklyHours:     32,
	})
	if err != nil {
		t.Fatalf("set prefs: %v", err)
	}
	if saved.PreferredShiftType != "morning" || saved.PreferredDays[0] != "monday" {
		t.Fatalf("expected normalized prefs, got %+v", saved)
	}
	got, err := env.Engine.GetPreferences(env.Ctx, "org-1", "alice")
	if err != nil || got.MaxWeeklyHours != 32 {
		t.Fatalf("get prefs: %v %+v", err, got)
	}
}

func TestEvaluateDecisionAppendsAudit(t *testing.T) {
	env := newTestEnv(t)
	start := testNow.AddDate(0, 0, 14)
	result, auditID, err := env.Engine.EvaluateDecision(env.Ctx, engine.EvaluateRequest{
		OrgID:        "org-1",
		DecisionType: domain.ShiftAssignment,
		Proposal: domain.Proposal{Shifts: []domain.ShiftRecord{{
			ID:         "p1",
			EmployeeID: "alice",
			StartAt:    start.Add(8 * time.Hour),
			EndAt:      start.Add(16 * time.Hour),
		}}},
		RequestedBy: "tester",
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if auditID == "" {
		t.Fatalf("expected audit id")
	}
	if result.Status != domain.StatusUnanimous || !result.FinalRecommendation.Approving() {
		t.Fatalf("clean proposal should sail through: %+v", result)
	}

	entry, err := env.Engine.GetAuditEntry(env.Ctx, "org-1", auditID)
	if err != nil {
		t.Fatalf("get audit entry: %v", err)
	}
	if entry.DecisionType != domain.ShiftAssignment || entry.Result.Status != result.Status {
		t.Fatalf("audit entry mismatch: %+v", entry)
	}
	if !entry.RetainUntil.After(entry.CreatedAt) {
		t.Fatalf("retention window missing: %+v", entry)
	}

	entries, err := env.Engine.ListAuditEntries(env.Ctx, "org-1", audit.ListFilter{DecisionType: string(domain.ShiftAssignment)})
	if err != nil || len(entries) != 1 {
		t.Fatalf("list entries: %v %d", err, len(entries))
	}

	// retention window still open, delete must refuse
	err = env.Engine.DeleteAuditEntry(env.Ctx, "org-1", auditID)
	var retention domain.RetentionError
	if !errors.As(err, &retention) {
		t.Fatalf("expected retention error, got %v", err)
	}
	n, err := env.Engine.PurgeAuditEntries(env.Ctx, "org-1")
	if err != nil || n != 0 {
		t.Fatalf("purge should skip retained entries: %v %d", err, n)
	}
}

func TestEvaluateDecisionRejectsUnknownType(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Engine.EvaluateDecision(env.Ctx, engine.EvaluateRequest{
		OrgID:        "org-1",
		DecisionType: "roster_party",
		Proposal:     domain.Proposal{Note: "nope"},
		RequestedBy:  "tester",
	})
	var invalid domain.InvalidInputError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestGrantRevokeRole(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.GrantRole(env.Ctx, "org-1", "bob", "scheduler"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	profile, err := env.Engine.ActorProfile(env.Ctx, "org-1", "bob")
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if len(profile.Roles) != 1 || profile.Roles[0] != "scheduler" {
		t.Fatalf("expected scheduler role, got %v", profile.Roles)
	}
	hasEvaluate := false
	for _, p := range profile.Permissions {
		if p == "decision.evaluate" {
			hasEvaluate = true
		}
	}
	if !hasEvaluate {
		t.Fatalf("scheduler should carry decision.evaluate: %v", profile.Permissions)
	}
	if err := env.Engine.GrantRole(env.Ctx, "org-1", "bob", "court-jester"); err == nil {
		t.Fatalf("expected unknown role error")
	}
	if err := env.Engine.RevokeRole(env.Ctx, "org-1", "bob", "scheduler"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	profile, _ = env.Engine.ActorProfile(env.Ctx, "org-1", "bob")
	if len(profile.Roles) != 0 {
		t.Fatalf("expected no roles after revoke, got %v", profile.Roles)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	key, secret, err := env.Engine.CreateAPIKey(env.Ctx, engine.APIKeyCreateOptions{ActorID: "tester", Name: "ci"})
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	if secret == "" || key.ID == "" {
		t.Fatalf("missing key material: %+v", key)
	}
	found, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(secret))
	if err != nil || found.ID != key.ID || found.ActorID != "tester" {
		t.Fatalf("hash lookup: %v %+v", err, found)
	}
	keys, err := env.Engine.ListAPIKeys(env.Ctx, "tester")
	if err != nil || len(keys) != 1 {
		t.Fatalf("list keys: %v %d", err, len(keys))
	}
	if err := env.Engine.RevokeAPIKey(env.Ctx, key.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	keys, _ = env.Engine.ListAPIKeys(env.Ctx, "tester")
	if len(keys) != 0 {
		t.Fatalf("expected no keys after revoke")
	}
}

func TestImportOrgConfigPinsOrgID(t *testing.T) {
	env := newTestEnv(t)
	incoming := config.Default("someone-else")
	incoming.Audit.RetentionMonths = 36
	data, err := yaml.Marshal(incoming)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := env.Engine.ImportOrgConfig(env.Ctx, "org-1", data, "tester")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if cfg.Org.ID != "org-1" {
		t.Fatalf("org id must be pinned, got %s", cfg.Org.ID)
	}
	stored, err := env.Engine.OrgConfig(env.Ctx, "org-1")
	if err != nil || stored.Audit.RetentionMonths != 36 {
		t.Fatalf("stored config: %v %+v", err, stored.Audit)
	}

	if _, err := env.Engine.ImportOrgConfig(env.Ctx, "org-1", []byte("::nope"), "tester"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestListEventsFilters(t *testing.T) {
	env := newTestEnv(t)
	start := testNow.AddDate(0, 0, 14)
	env.createRoster(t, "w1", start, 7)
	if _, err := env.Engine.PublishRoster(env.Ctx, "org-1", "w1", "tester"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	events, err := env.Engine.ListEvents(env.Ctx, 50, "org-1", "", "", "")
	if err != nil || len(events) == 0 {
		t.Fatalf("list events: %v %d", err, len(events))
	}
	if events[0].Type != "roster.published" {
		t.Fatalf("expected newest first, got %s", events[0].Type)
	}

	published, err := env.Engine.ListEvents(env.Ctx, 50, "org-1", "roster.published", "", "")
	if err != nil || len(published) != 1 {
		t.Fatalf("type filter: %v %d", err, len(published))
	}
	byEntity, err := env.Engine.ListEvents(env.Ctx, 50, "org-1", "", "roster", "w1")
	if err != nil || len(byEntity) < 2 {
		t.Fatalf("entity filter should see create and publish: %v %d", err, len(byEntity))
	}
	for _, evt := range byEntity {
		if evt.EntityKind != "roster" || evt.EntityID != "w1" {
			t.Fatalf("filter leak: %+v", evt)
		}
	}
}
