package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	"rosterline/internal/config"
	"rosterline/internal/db"
	"rosterline/internal/engine"
	"rosterline/internal/migrate"
	"rosterline/internal/server"
)

// Manual smoke run of the HTTP surface: org bootstrap, a roster with one
// shift, a validate pass and a full consensus evaluation.
func main() {
	workspace := "/tmp/rosterline-check1"
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		panic(err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		panic(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		panic(err)
	}
	cfg := config.Default("acme")
	e := engine.New(conn, cfg)
	if err := e.Bootstrap(context.Background()); err != nil {
		panic(err)
	}
	if _, err := e.CreateOrg(context.Background(), engine.OrgCreateOptions{ID: "acme", Name: "Acme Retail", ActorID: "tester"}); err != nil {
		panic(err)
	}
	h, err := server.New(server.Config{Engine: e, BasePath: "/v1", Auth: server.AuthConfig{JWTSecret: "test-secret"}})
	if err != nil {
		panic(err)
	}
	ts := httptest.NewServer(h)
	defer ts.Close()

	status, body := call(ts.URL, "", http.MethodPost, "/v1/auth/dev/login", map[string]any{
		"actor_id": "tester",
		"org_id":   "acme",
	})
	fmt.Println("login:", status, body)
	var login struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal([]byte(body), &login); err != nil {
		panic(err)
	}
	token := login.Token

	status, body = call(ts.URL, token, http.MethodPut, "/v1/orgs/acme/employees/alice", map[string]any{"name": "Alice"})
	fmt.Println("employee:", status, body)

	day := time.Now().UTC().AddDate(0, 0, 14).Truncate(24 * time.Hour)
	status, body = call(ts.URL, token, http.MethodPost, "/v1/orgs/acme/rosters", map[string]any{
		"id":         "w1",
		"start_date": day.Format(time.RFC3339),
		"end_date":   day.AddDate(0, 0, 7).Format(time.RFC3339),
	})
	fmt.Println("roster:", status, body)

	status, body = call(ts.URL, token, http.MethodPost, "/v1/orgs/acme/rosters/w1/shifts", map[string]any{
		"employee_id":   "alice",
		"start_at":      day.Add(8 * time.Hour).Format(time.RFC3339),
		"end_at":        day.Add(16 * time.Hour).Format(time.RFC3339),
		"break_minutes": 30,
	})
	fmt.Println("shift:", status, body)

	status, body = call(ts.URL, token, http.MethodPost, "/v1/orgs/acme/validate", map[string]any{"roster_id": "w1"})
	fmt.Println("validate:", status, body)

	status, body = call(ts.URL, token, http.MethodPost, "/v1/orgs/acme/decisions/evaluate", map[string]any{
		"decision_type": "shift_assignment",
		"roster_id":     "w1",
		"proposal": map[string]any{
			"shifts": []map[string]any{{
				"id":          "s-extra",
				"employee_id": "alice",
				"start_at":    day.AddDate(0, 0, 1).Add(8 * time.Hour).Format(time.RFC3339),
				"end_at":      day.AddDate(0, 0, 1).Add(16 * time.Hour).Format(time.RFC3339),
			}},
		},
	})
	fmt.Println("evaluate:", status, body)

	status, body = call(ts.URL, token, http.MethodGet, "/v1/orgs/acme/audit", nil)
	fmt.Println("audit:", status, body)
}

func call(base, token, method, path string, payload any) (int, string) {
	var rd io.Reader
	if payload != nil {
		b, _ := json.Marshal(payload)
		rd = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, base+path, rd)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(res.Body)
	return res.StatusCode, string(b)
}
