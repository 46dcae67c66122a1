package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"rosterline/internal/config"
	"rosterline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertOrg(ctx context.Context, tx *sql.Tx, o domain.Org) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO orgs(id,name,jurisdiction,status,created_at) VALUES (?,?,?,?,?)`,
		o.ID, o.Name, o.Jurisdiction, o.Status, fmtTime(o.CreatedAt))
	return err
}

func scanOrg(scan func(...any) error) (domain.Org, error) {
	var o domain.Org
	var createdAt string
	err := scan(&o.ID, &o.Name, &o.Jurisdiction, &o.Status, &createdAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	o.CreatedAt, err = parseTime(createdAt)
	return o, err
}

func (r Repo) GetOrg(ctx context.Context, id string) (domain.Org, error) {
	return scanOrg(r.DB.QueryRowContext(ctx, `SELECT id,name,jurisdiction,status,created_at FROM orgs WHERE id=?`, id).Scan)
}

// SingleOrg resolves the implicit org for CLI calls that omit --org.
func (r Repo) SingleOrg(ctx context.Context) (domain.Org, error) {
	orgs, err := r.ListOrgs(ctx)
	if err != nil {
		return domain.Org{}, err
	}
	if len(orgs) == 0 {
		return domain.Org{}, ErrNotFound
	}
	if len(orgs) > 1 {
		return domain.Org{}, fmt.Errorf("multiple orgs exist; specify --org")
	}
	return orgs[0], nil
}

func (r Repo) ListOrgs(ctx context.Context) ([]domain.Org, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,jurisdiction,status,created_at FROM orgs ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Org
	for rows.Next() {
		o, err := scanOrg(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func (r Repo) UpsertOrgConfig(ctx context.Context, orgID string, cfg *config.Config) error {
	return upsertOrgConfig(ctx, r.DB, nil, orgID, cfg)
}

func (r Repo) UpsertOrgConfigTx(ctx context.Context, tx *sql.Tx, orgID string, cfg *config.Config) error {
	return upsertOrgConfig(ctx, nil, tx, orgID, cfg)
}

func upsertOrgConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, orgID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Org.ID = orgID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO org_configs(org_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(org_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, orgID, string(payload), now, now)
	return err
}

func (r Repo) GetOrgConfig(ctx context.Context, orgID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM org_configs WHERE org_id=?`, orgID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Org.ID == "" {
		cfg.Org.ID = orgID
	}
	return &cfg, cfg.Validate()
}

func (r Repo) UpsertEmployee(ctx context.Context, e domain.Employee) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO employees(id,org_id,name,created_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name`, e.ID, e.OrgID, e.Name, fmtTime(e.CreatedAt))
	return err
}

func (r Repo) GetEmployee(ctx context.Context, orgID, id string) (domain.Employee, error) {
	var e domain.Employee
	var createdAt string
	err := r.DB.QueryRowContext(ctx, `SELECT id,org_id,name,created_at FROM employees WHERE org_id=? AND id=?`, orgID, id).
		Scan(&e.ID, &e.OrgID, &e.Name, &createdAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.CreatedAt, err = parseTime(createdAt)
	return e, err
}

func (r Repo) ListEmployees(ctx context.Context, orgID string) ([]domain.Employee, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,org_id,name,created_at FROM employees WHERE org_id=? ORDER BY id ASC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Employee
	for rows.Next() {
		var e domain.Employee
		var createdAt string
		if err := rows.Scan(&e.ID, &e.OrgID, &e.Name, &createdAt); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) UpsertPreferences(ctx context.Context, orgID string, p domain.EmployeePreferences) error {
	preferred, err := json.Marshal(p.PreferredDays)
	if err != nil {
		return err
	}
	avoided, err := json.Marshal(p.AvoidedDays)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO employee_preferences(employee_id,org_id,preferred_days_json,avoided_days_json,preferred_shift_type,max_weekly_hours,updated_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(employee_id) DO UPDATE SET preferred_days_json=excluded.preferred_days_json, avoided_days_json=excluded.avoided_days_json,
preferred_shift_type=excluded.preferred_shift_type, max_weekly_hours=excluded.max_weekly_hours, updated_at=excluded.updated_at`,
		p.EmployeeID, orgID, string(preferred), string(avoided), nullable(p.PreferredShiftType), p.MaxWeeklyHours, fmtTime(p.UpdatedAt))
	return err
}

func scanPreferences(scan func(...any) error) (domain.EmployeePreferences, error) {
	var p domain.EmployeePreferences
	var preferred, avoided string
	var shiftType sql.NullString
	var updatedAt string
	err := scan(&p.EmployeeID, &preferred, &avoided, &shiftType, &p.MaxWeeklyHours, &updatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(preferred), &p.PreferredDays); err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(avoided), &p.AvoidedDays); err != nil {
		return p, err
	}
	if shiftType.Valid {
		p.PreferredShiftType = shiftType.String
	}
	p.UpdatedAt, err = parseTime(updatedAt)
	return p, err
}

func (r Repo) GetPreferences(ctx context.Context, orgID, employeeID string) (domain.EmployeePreferences, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT employee_id,preferred_days_json,avoided_days_json,preferred_shift_type,max_weekly_hours,updated_at FROM employee_preferences WHERE org_id=? AND employee_id=?`, orgID, employeeID)
	return scanPreferences(row.Scan)
}

func (r Repo) ListPreferences(ctx context.Context, orgID string) ([]domain.EmployeePreferences, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT employee_id,preferred_days_json,avoided_days_json,preferred_shift_type,max_weekly_hours,updated_at FROM employee_preferences WHERE org_id=? ORDER BY employee_id ASC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EmployeePreferences
	for rows.Next() {
		p, err := scanPreferences(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) InsertRoster(ctx context.Context, tx *sql.Tx, ro domain.Roster) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO rosters(id,org_id,start_date,end_date,status,published_at,created_at) VALUES (?,?,?,?,?,?,?)`,
		ro.ID, ro.OrgID, fmtTime(ro.StartDate), fmtTime(ro.EndDate), ro.Status, nullableTime(ro.PublishedAt), fmtTime(ro.CreatedAt))
	return err
}

func scanRoster(scan func(...any) error) (domain.Roster, error) {
	var ro domain.Roster
	var startDate, endDate, createdAt string
	var publishedAt sql.NullString
	err := scan(&ro.ID, &ro.OrgID, &startDate, &endDate, &ro.Status, &publishedAt, &createdAt)
	if err == sql.ErrNoRows {
		return ro, ErrNotFound
	}
	if err != nil {
		return ro, err
	}
	if ro.StartDate, err = parseTime(startDate); err != nil {
		return ro, err
	}
	if ro.EndDate, err = parseTime(endDate); err != nil {
		return ro, err
	}
	if publishedAt.Valid {
		t, err := parseTime(publishedAt.String)
		if err != nil {
			return ro, err
		}
		ro.PublishedAt = &t
	}
	ro.CreatedAt, err = parseTime(createdAt)
	return ro, err
}

func (r Repo) GetRoster(ctx context.Context, orgID, id string) (domain.Roster, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,org_id,start_date,end_date,status,published_at,created_at FROM rosters WHERE org_id=? AND id=?`, orgID, id)
	return scanRoster(row.Scan)
}

func (r Repo) ListRosters(ctx context.Context, orgID string) ([]domain.Roster, error) {
	return r.ListRostersWithCursor(ctx, orgID, 0, "", "")
}

func (r Repo) ListRostersWithCursor(ctx context.Context, orgID string, limit int, cursorCreatedAt, cursorID string) ([]domain.Roster, error) {
	clauses := []string{"org_id=?"}
	args := []any{orgID}
	if cursorCreatedAt != "" && cursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, cursorCreatedAt, cursorCreatedAt, cursorID)
	}
	query := `SELECT id,org_id,start_date,end_date,status,published_at,created_at FROM rosters WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Roster
	for rows.Next() {
		ro, err := scanRoster(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ro)
	}
	return res, rows.Err()
}

// MarkRosterPublished flips a roster to published inside the caller's tx.
// The engine decides beforehand whether publishing is allowed.
func (r Repo) MarkRosterPublished(ctx context.Context, tx *sql.Tx, id string, at time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE rosters SET status='published', published_at=? WHERE id=?`, fmtTime(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertShift(ctx context.Context, tx *sql.Tx, s domain.ShiftRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO shifts(id,roster_id,employee_id,start_at,end_at,break_minutes,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		s.ID, s.RosterID, s.EmployeeID, fmtTime(s.StartAt), fmtTime(s.EndAt), s.BreakMinutes, s.Status, fmtTime(s.CreatedAt), fmtTime(s.UpdatedAt))
	return err
}

func scanShift(scan func(...any) error) (domain.ShiftRecord, error) {
	var s domain.ShiftRecord
	var startAt, endAt, createdAt, updatedAt string
	err := scan(&s.ID, &s.RosterID, &s.EmployeeID, &startAt, &endAt, &s.BreakMinutes, &s.Status, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if s.StartAt, err = parseTime(startAt); err != nil {
		return s, err
	}
	if s.EndAt, err = parseTime(endAt); err != nil {
		return s, err
	}
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return s, err
	}
	s.UpdatedAt, err = parseTime(updatedAt)
	return s, err
}

func (r Repo) GetShift(ctx context.Context, id string) (domain.ShiftRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,roster_id,employee_id,start_at,end_at,break_minutes,status,created_at,updated_at FROM shifts WHERE id=?`, id)
	return scanShift(row.Scan)
}

type ShiftFilters struct {
	RosterID      string
	EmployeeID    string
	Status        string
	Limit         int
	CursorStartAt string
	CursorID      string
}

// ListShifts returns shifts in chronological order.
func (r Repo) ListShifts(ctx context.Context, f ShiftFilters) ([]domain.ShiftRecord, error) {
	var clauses []string
	var args []any
	if f.RosterID != "" {
		clauses = append(clauses, "roster_id=?")
		args = append(args, f.RosterID)
	}
	if f.EmployeeID != "" {
		clauses = append(clauses, "employee_id=?")
		args = append(args, f.EmployeeID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorStartAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(start_at > ? OR (start_at = ? AND id > ?))")
		args = append(args, f.CursorStartAt, f.CursorStartAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,roster_id,employee_id,start_at,end_at,break_minutes,status,created_at,updated_at FROM shifts ` + where + ` ORDER BY start_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ShiftRecord
	for rows.Next() {
		s, err := scanShift(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// ActiveShifts is the validation working set of one roster.
func (r Repo) ActiveShifts(ctx context.Context, rosterID string) ([]domain.ShiftRecord, error) {
	return r.ListShifts(ctx, ShiftFilters{RosterID: rosterID, Status: "scheduled"})
}

func (r Repo) MarkShiftStatus(ctx context.Context, tx *sql.Tx, id, status string, at time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE shifts SET status=?, updated_at=? WHERE id=?`, status, fmtTime(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountRostersByStatus(ctx context.Context, orgID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM rosters WHERE org_id=? GROUP BY status`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func (r Repo) CountShiftsByStatus(ctx context.Context, orgID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT s.status, count(*) FROM shifts s JOIN rosters ro ON ro.id=s.roster_id WHERE ro.org_id=? GROUP BY s.status`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// LatestDraftRoster returns the newest unpublished roster, nil when none.
func (r Repo) LatestDraftRoster(ctx context.Context, orgID string) (*domain.Roster, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,org_id,start_date,end_date,status,published_at,created_at FROM rosters WHERE org_id=? AND status='draft' ORDER BY created_at DESC, id DESC LIMIT 1`, orgID)
	ro, err := scanRoster(row.Scan)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ro, nil
}

func (r Repo) LatestEvents(ctx context.Context, limit int, orgID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, orgID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, orgID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if orgID != "" {
		clauses = append(clauses, "org_id=?")
		args = append(args, orgID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,org_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, orgID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if orgID != "" {
		clauses = append(clauses, "org_id=?")
		args = append(args, orgID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,org_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var ts string
		var orgID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &ts, &e.Type, &orgID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if e.TS, err = parseTime(ts); err != nil {
			return nil, err
		}
		if orgID.Valid {
			e.OrgID = orgID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID for an org.
func (r Repo) LatestEventID(ctx context.Context, orgID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE org_id=?`, orgID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// --- helpers ---

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(time.RFC3339, v)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}
