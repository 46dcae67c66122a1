package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"rosterline/internal/config"
	"rosterline/internal/db"
	"rosterline/internal/domain"
	"rosterline/internal/engine"
	"rosterline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	return newTestServerWithAuth(t, AuthConfig{Disabled: true})
}

func newTestServerWithAuth(t *testing.T, authCfg AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("acme")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if err := e.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap rbac: %v", err)
	}
	if _, err := e.CreateOrg(context.Background(), engine.OrgCreateOptions{
		ID:           "acme",
		Name:         "Acme Retail",
		Jurisdiction: "generic",
		ActorID:      "tester",
	}); err != nil {
		t.Fatalf("create org: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: authCfg})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func doRaw(t *testing.T, client *http.Client, method, url, contentType string, body []byte, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

var asTester = map[string]string{"X-Actor-Id": "tester"}

func TestRosterLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v1/orgs/acme"

	res, data := doJSON(t, client, http.MethodPut, base+"/employees/emp-1", map[string]any{
		"name": "Dana",
	}, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("upsert employee status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/rosters", map[string]any{
		"id":         "week-34",
		"start_date": "2026-08-17T00:00:00Z",
		"end_date":   "2026-08-24T00:00:00Z",
	}, asTester)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create roster status %d: %s", res.StatusCode, string(data))
	}
	var roster domain.Roster
	if err := json.Unmarshal(data, &roster); err != nil {
		t.Fatalf("unmarshal roster: %v", err)
	}
	if roster.Status != "draft" {
		t.Fatalf("expected draft roster, got %s", roster.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/rosters/week-34/shifts", map[string]any{
		"employee_id":   "emp-1",
		"start_at":      "2026-08-18T09:00:00Z",
		"end_at":        "2026-08-18T17:00:00Z",
		"break_minutes": 30,
	}, asTester)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add shift status %d: %s", res.StatusCode, string(data))
	}
	var shift domain.ShiftRecord
	if err := json.Unmarshal(data, &shift); err != nil {
		t.Fatalf("unmarshal shift: %v", err)
	}
	if shift.Status != "scheduled" {
		t.Fatalf("expected scheduled shift, got %s", shift.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/rosters/week-34/shifts", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list shifts status %d: %s", res.StatusCode, string(data))
	}
	var page struct {
		Items      []domain.ShiftRecord `json:"items"`
		NextCursor string               `json:"next_cursor"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal shifts page: %v", err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("expected 1 shift, got %d", len(page.Items))
	}
	if page.NextCursor != "" {
		t.Fatalf("unexpected next cursor %q", page.NextCursor)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/validate", map[string]any{
		"roster_id": "week-34",
	}, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validate status %d: %s", res.StatusCode, string(data))
	}
	var result domain.ValidationResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal validation: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected valid roster, got violations: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, base+"/rosters/week-34/shifts/"+shift.ID, nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("retire shift status %d: %s", res.StatusCode, string(data))
	}
	var retired domain.ShiftRecord
	_ = json.Unmarshal(data, &retired)
	if retired.Status != "retired" {
		t.Fatalf("expected retired shift, got %s", retired.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/rosters/week-34/publish", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("publish status %d: %s", res.StatusCode, string(data))
	}
	var published domain.Roster
	_ = json.Unmarshal(data, &published)
	if published.Status != "published" || published.PublishedAt == nil {
		t.Fatalf("expected published roster, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/rosters/week-34/publish", nil, asTester)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected republish rejection, got %d: %s", res.StatusCode, string(data))
	}
}

func TestCreateOrgRequiresAdmin(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/orgs", map[string]any{
		"id":   "branch-2",
		"name": "Second Branch",
	}, asTester)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create org status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/orgs", map[string]any{
		"id": "branch-3",
	}, map[string]string{"X-Actor-Id": "random-visitor"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected forbidden for non-admin, got %d: %s", res.StatusCode, string(data))
	}
}

func TestValidateFlagsDailyOverrun(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v1/orgs/acme"

	doJSON(t, client, http.MethodPut, base+"/employees/emp-1", map[string]any{"name": "Dana"}, asTester)
	doJSON(t, client, http.MethodPost, base+"/rosters", map[string]any{
		"id":         "week-35",
		"start_date": "2026-08-24T00:00:00Z",
		"end_date":   "2026-08-31T00:00:00Z",
	}, asTester)

	// 13.5h worked against the generic 12h daily cap.
	res, data := doJSON(t, client, http.MethodPost, base+"/rosters/week-35/shifts", map[string]any{
		"employee_id":   "emp-1",
		"start_at":      "2026-08-25T06:00:00Z",
		"end_at":        "2026-08-25T20:00:00Z",
		"break_minutes": 30,
	}, asTester)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add shift status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/validate", map[string]any{
		"roster_id": "week-35",
	}, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validate status %d: %s", res.StatusCode, string(data))
	}
	var result domain.ValidationResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal validation: %v", err)
	}
	if result.Valid {
		t.Fatalf("expected invalid roster: %s", string(data))
	}
	if len(result.Violations) == 0 {
		t.Fatalf("expected at least one violation: %s", string(data))
	}
}

func TestEvaluateDecisionEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v1/orgs/acme"

	doJSON(t, client, http.MethodPut, base+"/employees/emp-1", map[string]any{"name": "Dana"}, asTester)
	doJSON(t, client, http.MethodPost, base+"/rosters", map[string]any{
		"id":         "week-34",
		"start_date": "2026-08-17T00:00:00Z",
		"end_date":   "2026-08-24T00:00:00Z",
	}, asTester)

	res, data := doJSON(t, client, http.MethodPost, base+"/decisions/evaluate", map[string]any{
		"decision_type": "schedule_creation",
		"roster_id":     "week-34",
		"proposal": map[string]any{
			"shifts": []map[string]any{
				{
					"id":            "p-1",
					"roster_id":     "week-34",
					"employee_id":   "emp-1",
					"start_at":      "2026-08-18T09:00:00Z",
					"end_at":        "2026-08-18T17:00:00Z",
					"break_minutes": 30,
				},
			},
		},
	}, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("evaluate status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Success      bool                    `json:"success"`
		Result       *domain.ConsensusResult `json:"result"`
		Error        string                  `json:"error"`
		AuditEntryID string                  `json:"audit_entry_id"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if !envelope.Success {
		t.Fatalf("expected success envelope: %s", string(data))
	}
	if envelope.Result == nil || envelope.Result.Status == "" {
		t.Fatalf("expected consensus result: %s", string(data))
	}
	if len(envelope.Result.Decisions) != 4 {
		t.Fatalf("expected 4 agent decisions, got %d", len(envelope.Result.Decisions))
	}
	if envelope.AuditEntryID == "" {
		t.Fatalf("expected audit entry id: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/audit/"+envelope.AuditEntryID, nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get audit entry status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, base+"/audit/"+envelope.AuditEntryID, nil, asTester)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected retention conflict, got %d: %s", res.StatusCode, string(data))
	}
	var apiErr struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &apiErr)
	if apiErr.Error.Code != "retention_active" {
		t.Fatalf("expected retention_active code, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/audit/purge", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("purge status %d: %s", res.StatusCode, string(data))
	}
	var purged struct {
		Purged int `json:"purged"`
	}
	_ = json.Unmarshal(data, &purged)
	if purged.Purged != 0 {
		t.Fatalf("expected nothing purged inside retention, got %d", purged.Purged)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/decisions/evaluate", map[string]any{
		"decision_type": "schedule_creation",
		"proposal":      map[string]any{},
	}, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("empty proposal evaluate status %d: %s", res.StatusCode, string(data))
	}
	var failed struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(data, &failed)
	if failed.Success || failed.Error == "" {
		t.Fatalf("expected success=false with error message: %s", string(data))
	}
}

func TestOrgConfigImport(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v1/orgs/acme"

	overlay := []byte("org:\n  name: Acme Retail GmbH\n  jurisdiction: de\naudit:\n  retention_months: 12\n")
	res, data := doRaw(t, client, http.MethodPut, base+"/config", "application/yaml", overlay, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("import config status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/config", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get config status %d: %s", res.StatusCode, string(data))
	}
	var cfg struct {
		Org struct {
			Name         string `json:"name"`
			Jurisdiction string `json:"jurisdiction"`
		} `json:"org"`
		Audit struct {
			RetentionMonths int `json:"retention_months"`
		} `json:"audit"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}
	if cfg.Org.Name != "Acme Retail GmbH" || cfg.Org.Jurisdiction != "de" {
		t.Fatalf("overlay not applied: %s", string(data))
	}
	if cfg.Audit.RetentionMonths != 12 {
		t.Fatalf("expected retention 12, got %d", cfg.Audit.RetentionMonths)
	}

	bad := []byte("jurisdictions:\n  broken:\n    max_daily_hours: 0\n")
	res, data = doRaw(t, client, http.MethodPut, base+"/config", "application/yaml", bad, asTester)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected invalid config rejection, got %d: %s", res.StatusCode, string(data))
	}
}

func TestRBACGrantRevoke(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v1/orgs/acme"

	res, data := doJSON(t, client, http.MethodPost, base+"/rbac/roles/grant", map[string]any{
		"actor_id": "sched-1",
		"role_id":  "scheduler",
	}, asTester)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("grant status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/me/permissions", nil, map[string]string{"X-Actor-Id": "sched-1"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("whoami status %d: %s", res.StatusCode, string(data))
	}
	var who struct {
		Roles       []string `json:"roles"`
		Permissions []string `json:"permissions"`
	}
	if err := json.Unmarshal(data, &who); err != nil {
		t.Fatalf("unmarshal whoami: %v", err)
	}
	if len(who.Roles) != 1 || who.Roles[0] != "scheduler" {
		t.Fatalf("expected scheduler role, got %v", who.Roles)
	}
	hasWrite := false
	for _, p := range who.Permissions {
		if p == "roster.write" {
			hasWrite = true
		}
	}
	if !hasWrite {
		t.Fatalf("expected roster.write permission, got %v", who.Permissions)
	}

	// Scheduler can write rosters but cannot administer the org.
	res, data = doJSON(t, client, http.MethodPost, base+"/rbac/roles/grant", map[string]any{
		"actor_id": "sched-2",
		"role_id":  "scheduler",
	}, map[string]string{"X-Actor-Id": "sched-1"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected forbidden grant, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/rbac/roles/revoke", map[string]any{
		"actor_id": "sched-1",
		"role_id":  "scheduler",
	}, asTester)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/me/permissions", nil, map[string]string{"X-Actor-Id": "sched-1"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("whoami after revoke status %d: %s", res.StatusCode, string(data))
	}
	var after struct {
		Roles []string `json:"roles"`
	}
	_ = json.Unmarshal(data, &after)
	if len(after.Roles) != 0 {
		t.Fatalf("expected no roles after revoke, got %v", after.Roles)
	}
}

func TestEventsFeed(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v1/orgs/acme"

	doJSON(t, client, http.MethodPut, base+"/employees/emp-1", map[string]any{"name": "Dana"}, asTester)
	doJSON(t, client, http.MethodPost, base+"/rosters", map[string]any{
		"id":         "week-34",
		"start_date": "2026-08-17T00:00:00Z",
		"end_date":   "2026-08-24T00:00:00Z",
	}, asTester)
	doJSON(t, client, http.MethodPost, base+"/rosters/week-34/shifts", map[string]any{
		"employee_id": "emp-1",
		"start_at":    "2026-08-18T09:00:00Z",
		"end_at":      "2026-08-18T17:00:00Z",
	}, asTester)

	res, data := doJSON(t, client, http.MethodGet, base+"/events?limit=50", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list events status %d: %s", res.StatusCode, string(data))
	}
	var page struct {
		Items []struct {
			Type string `json:"type"`
		} `json:"items"`
		NextCursor string `json:"next_cursor"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	seen := map[string]bool{}
	for _, item := range page.Items {
		seen[item.Type] = true
	}
	for _, want := range []string{"org.created", "roster.created", "shift.added"} {
		if !seen[want] {
			t.Fatalf("missing %s event in %s", want, string(data))
		}
	}
}

func TestAuthModes(t *testing.T) {
	srv, cleanup := newTestServerWithAuth(t, AuthConfig{JWTSecret: "test-secret", Issuer: "rosterline"})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/orgs", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should skip auth, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
		"actor_id":    "tester",
		"org_id":      "acme",
		"roles":       []string{"owner"},
		"permissions": []string{"org.admin", "roster.write", "decision.evaluate", "audit.read", "audit.purge"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("expected token: %s", string(data))
	}
	bearer := map[string]string{"Authorization": "Bearer " + login.Token}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, bearer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me struct {
		ActorID string `json:"actor_id"`
		OrgID   string `json:"org_id"`
	}
	_ = json.Unmarshal(data, &me)
	if me.ActorID != "tester" || me.OrgID != "acme" {
		t.Fatalf("unexpected principal: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/orgs/acme/employees/emp-1", map[string]any{
		"name": "Dana",
	}, bearer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt write status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/orgs", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d: %s", res.StatusCode, string(data))
	}
}

func TestLegacyActorHeader(t *testing.T) {
	srv, cleanup := newTestServerWithAuth(t, AuthConfig{AllowLegacyActorHeader: true})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/orgs", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("legacy header read status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/orgs", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without actor header, got %d: %s", res.StatusCode, string(data))
	}
}
