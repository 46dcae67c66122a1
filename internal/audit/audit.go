package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"rosterline/internal/domain"
)

// Store keeps one immutable entry per completed consensus run. Entries
// cannot be removed before their retention window has passed.
type Store struct {
	DB              *sql.DB
	Now             func() time.Time
	RetentionMonths int
}

var ErrNotFound = errors.New("not found")

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Store) retentionMonths() int {
	if s.RetentionMonths > 0 {
		return s.RetentionMonths
	}
	return 24
}

// Append assigns the entry its ID and retention window and stores it.
func (s Store) Append(ctx context.Context, entry domain.ConsensusAuditEntry) (domain.ConsensusAuditEntry, error) {
	if entry.OrgID == "" {
		return entry, domain.InvalidInputError{Field: "org_id", Reason: "required"}
	}
	entry.ID = uuid.New().String()
	entry.CreatedAt = s.now().UTC()
	entry.RetainUntil = entry.CreatedAt.AddDate(0, s.retentionMonths(), 0)
	payload, err := json.Marshal(entry.Result)
	if err != nil {
		return entry, fmt.Errorf("marshal consensus result: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO audit_entries(id,org_id,decision_type,roster_id,requested_by,result_json,created_at,retain_until) VALUES (?,?,?,?,?,?,?,?)`,
		entry.ID, entry.OrgID, string(entry.DecisionType), nullable(entry.RosterID), entry.RequestedBy, string(payload),
		entry.CreatedAt.Format(time.RFC3339), entry.RetainUntil.Format(time.RFC3339))
	return entry, err
}

func (s Store) Get(ctx context.Context, orgID, id string) (domain.ConsensusAuditEntry, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT id,org_id,decision_type,roster_id,requested_by,result_json,created_at,retain_until FROM audit_entries WHERE org_id=? AND id=?`, orgID, id)
	return scanEntry(row.Scan)
}

type ListFilter struct {
	DecisionType string
	Since        time.Time
	Limit        int
}

// List returns entries newest first.
func (s Store) List(ctx context.Context, orgID string, f ListFilter) ([]domain.ConsensusAuditEntry, error) {
	clauses := []string{"org_id=?"}
	args := []any{orgID}
	if f.DecisionType != "" {
		clauses = append(clauses, "decision_type=?")
		args = append(args, f.DecisionType)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "created_at>=?")
		args = append(args, f.Since.UTC().Format(time.RFC3339))
	}
	query := `SELECT id,org_id,decision_type,roster_id,requested_by,result_json,created_at,retain_until FROM audit_entries WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ConsensusAuditEntry
	for rows.Next() {
		entry, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, entry)
	}
	return res, rows.Err()
}

// Delete removes one entry, refusing while the retention window is open.
func (s Store) Delete(ctx context.Context, orgID, id string) error {
	entry, err := s.Get(ctx, orgID, id)
	if err != nil {
		return err
	}
	if s.now().Before(entry.RetainUntil) {
		return domain.RetentionError{ID: id, RetainUntil: entry.RetainUntil}
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM audit_entries WHERE org_id=? AND id=?`, orgID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeExpired removes every entry whose retention window has passed and
// reports how many were removed.
func (s Store) PurgeExpired(ctx context.Context, orgID string) (int, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM audit_entries WHERE org_id=? AND retain_until<=?`, orgID, s.now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanEntry(scan func(...any) error) (domain.ConsensusAuditEntry, error) {
	var entry domain.ConsensusAuditEntry
	var rosterID sql.NullString
	var result, createdAt, retainUntil string
	err := scan(&entry.ID, &entry.OrgID, &entry.DecisionType, &rosterID, &entry.RequestedBy, &result, &createdAt, &retainUntil)
	if err == sql.ErrNoRows {
		return entry, ErrNotFound
	}
	if err != nil {
		return entry, err
	}
	if rosterID.Valid {
		entry.RosterID = rosterID.String
	}
	if err := json.Unmarshal([]byte(result), &entry.Result); err != nil {
		return entry, fmt.Errorf("unmarshal consensus result: %w", err)
	}
	if entry.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return entry, err
	}
	entry.RetainUntil, err = time.Parse(time.RFC3339, retainUntil)
	return entry, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
