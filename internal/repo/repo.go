// Package repo is the SQLite persistence layer. It speaks rows and
// domain structs; all workflow rules live above it.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"slipsync/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrStale signals that a conditional write matched no row because the
// expected revision is no longer current.
var ErrStale = errors.New("stale revision")

const caseColumns = `case_id,team_id,parent_case_id,job_number,case_kind,system,totals_json,status,phase,attachments_json,created_at,updated_at,last_updated_at,created_by,created_by_email,created_by_name,updated_by,last_editor_sub,json_content,deleted_at,deleted_by`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (domain.Case, error) {
	var c domain.Case
	var parentID, system, createdByEmail, createdByName, updatedBy, lastEditor, jsonContent, deletedAt, deletedBy sql.NullString
	var totalsJSON, attachmentsJSON string
	err := row.Scan(&c.CaseID, &c.TeamID, &parentID, &c.JobNumber, &c.CaseKind, &system, &totalsJSON,
		&c.Status, &c.Phase, &attachmentsJSON, &c.CreatedAt, &c.UpdatedAt, &c.LastUpdatedAt,
		&c.CreatedBy, &createdByEmail, &createdByName, &updatedBy, &lastEditor, &jsonContent, &deletedAt, &deletedBy)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if parentID.Valid {
		c.ParentCaseID = &parentID.String
	}
	if system.Valid {
		c.System = system.String
	}
	if createdByEmail.Valid {
		c.CreatedByEmail = createdByEmail.String
	}
	if createdByName.Valid {
		c.CreatedByName = createdByName.String
	}
	if updatedBy.Valid {
		c.UpdatedBy = updatedBy.String
	}
	if lastEditor.Valid {
		c.LastEditorSub = lastEditor.String
	}
	if jsonContent.Valid {
		c.JSONContent = &jsonContent.String
	}
	if deletedAt.Valid {
		c.DeletedAt = &deletedAt.String
	}
	if deletedBy.Valid {
		c.DeletedBy = &deletedBy.String
	}
	if totalsJSON != "" {
		if err := json.Unmarshal([]byte(totalsJSON), &c.Totals); err != nil {
			return c, err
		}
	}
	if attachmentsJSON != "" {
		if err := json.Unmarshal([]byte(attachmentsJSON), &c.Attachments); err != nil {
			return c, err
		}
	}
	return c, nil
}

func caseArgs(c domain.Case) ([]any, error) {
	totalsJSON, err := json.Marshal(c.Totals)
	if err != nil {
		return nil, err
	}
	attachmentsJSON, err := json.Marshal(c.Attachments)
	if err != nil {
		return nil, err
	}
	return []any{
		c.CaseID, c.TeamID, nullableStringPtr(c.ParentCaseID), c.JobNumber, c.CaseKind, nullable(c.System),
		string(totalsJSON), string(c.Status), string(c.Phase), string(attachmentsJSON),
		c.CreatedAt, c.UpdatedAt, c.LastUpdatedAt,
		c.CreatedBy, nullable(c.CreatedByEmail), nullable(c.CreatedByName), nullable(c.UpdatedBy), nullable(c.LastEditorSub),
		nullableStringPtr(c.JSONContent), nullableStringPtr(c.DeletedAt), nullableStringPtr(c.DeletedBy),
	}, nil
}

// UpsertCase writes the full case row inside tx. It clears any
// tombstone columns the struct does not carry, so re-exporting a
// deleted job revives it.
func (r Repo) UpsertCase(ctx context.Context, tx *sql.Tx, c domain.Case) error {
	args, err := caseArgs(c)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO cases(`+caseColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(case_id) DO UPDATE SET
 parent_case_id=excluded.parent_case_id, job_number=excluded.job_number, case_kind=excluded.case_kind,
 system=excluded.system, totals_json=excluded.totals_json, status=excluded.status, phase=excluded.phase,
 attachments_json=excluded.attachments_json, updated_at=excluded.updated_at, last_updated_at=excluded.last_updated_at,
 updated_by=excluded.updated_by, last_editor_sub=excluded.last_editor_sub, json_content=excluded.json_content,
 deleted_at=excluded.deleted_at, deleted_by=excluded.deleted_by`, args...)
	return err
}

// UpdateCaseIfCurrent rewrites the row inside tx only if its stored
// last_updated_at still equals expected. ErrStale means another writer
// got there first.
func (r Repo) UpdateCaseIfCurrent(ctx context.Context, tx *sql.Tx, c domain.Case, expected string) error {
	args, err := caseArgs(c)
	if err != nil {
		return err
	}
	// Skip the immutable identity columns; condition on the revision.
	args = append(args[2:], c.CaseID, expected)
	res, err := tx.ExecContext(ctx, `UPDATE cases SET
 parent_case_id=?, job_number=?, case_kind=?, system=?, totals_json=?, status=?, phase=?, attachments_json=?,
 created_at=?, updated_at=?, last_updated_at=?, created_by=?, created_by_email=?, created_by_name=?,
 updated_by=?, last_editor_sub=?, json_content=?, deleted_at=?, deleted_by=?
 WHERE case_id=? AND last_updated_at=?`, args...)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrStale
	}
	return nil
}

func (r Repo) GetCase(ctx context.Context, teamID, caseID string) (domain.Case, error) {
	return scanCase(r.DB.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE team_id=? AND case_id=?`, teamID, caseID))
}

func (r Repo) GetCaseTx(ctx context.Context, tx *sql.Tx, teamID, caseID string) (domain.Case, error) {
	return scanCase(tx.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE team_id=? AND case_id=?`, teamID, caseID))
}

// LatestByJobNumber resolves the newest row for a job number, including
// tombstones, so replayed exports land on the same case.
func (r Repo) LatestByJobNumber(ctx context.Context, tx *sql.Tx, teamID, jobNumber string) (domain.Case, error) {
	return scanCase(tx.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE team_id=? AND job_number=?
 ORDER BY last_updated_at DESC, updated_at DESC, created_at DESC LIMIT 1`, teamID, jobNumber))
}

// CaseFilters narrows a page listing. Viewer and Privileged drive row
// visibility; the cursor fields resume a keyset walk.
type CaseFilters struct {
	Status         string
	Phase          string
	JobNumber      string
	Query          string
	UpdatedFrom    string
	UpdatedTo      string
	Viewer         string
	Privileged     bool
	IncludeDeleted bool
	Limit          int
	Cursor         PageCursor
}

func caseVisibilityClauses(f CaseFilters) ([]string, []any) {
	var clauses []string
	var args []any
	if !f.IncludeDeleted {
		clauses = append(clauses, "deleted_at IS NULL")
	}
	if !f.Privileged {
		// Members see their own drafts only; everything past draft is
		// team-wide.
		clauses = append(clauses, "(status NOT IN ('draft','ready') OR created_by=?)")
		args = append(args, f.Viewer)
	}
	return clauses, args
}

// ListCasePage returns one newest-first page plus the total row count
// for the same filters.
func (r Repo) ListCasePage(ctx context.Context, teamID string, f CaseFilters) ([]domain.Case, int, error) {
	clauses := []string{"team_id=?"}
	args := []any{teamID}
	vis, visArgs := caseVisibilityClauses(f)
	clauses = append(clauses, vis...)
	args = append(args, visArgs...)
	if f.Status != "" {
		if f.Status == string(domain.StatusDraft) {
			clauses = append(clauses, "status IN ('draft','ready')")
		} else {
			clauses = append(clauses, "status=?")
			args = append(args, f.Status)
		}
	}
	if f.Phase != "" {
		clauses = append(clauses, "phase=?")
		args = append(args, f.Phase)
	}
	if f.JobNumber != "" {
		clauses = append(clauses, "job_number=?")
		args = append(args, f.JobNumber)
	}
	if f.Query != "" {
		clauses = append(clauses, "(job_number LIKE ? OR system LIKE ? OR case_kind LIKE ?)")
		like := "%" + f.Query + "%"
		args = append(args, like, like, like)
	}
	if f.UpdatedFrom != "" {
		clauses = append(clauses, "last_updated_at >= ?")
		args = append(args, f.UpdatedFrom)
	}
	if f.UpdatedTo != "" {
		clauses = append(clauses, "last_updated_at <= ?")
		args = append(args, f.UpdatedTo)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM cases `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	if !f.Cursor.Zero() {
		clauses = append(clauses, `(last_updated_at < ?
 OR (last_updated_at = ? AND updated_at < ?)
 OR (last_updated_at = ? AND updated_at = ? AND created_at < ?)
 OR (last_updated_at = ? AND updated_at = ? AND created_at = ? AND case_id < ?))`)
		cu := f.Cursor
		args = append(args,
			cu.LastUpdatedAt,
			cu.LastUpdatedAt, cu.UpdatedAt,
			cu.LastUpdatedAt, cu.UpdatedAt, cu.CreatedAt,
			cu.LastUpdatedAt, cu.UpdatedAt, cu.CreatedAt, cu.CaseID)
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + caseColumns + ` FROM cases ` + where +
		` ORDER BY last_updated_at DESC, updated_at DESC, created_at DESC, case_id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var res []domain.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, c)
	}
	return res, total, rows.Err()
}

// ListCaseDelta returns every row, tombstones included, strictly after
// the (since, sinceID) watermark in ascending revision order. The
// caller classifies visibility.
func (r Repo) ListCaseDelta(ctx context.Context, teamID, since, sinceID string, limit int) ([]domain.Case, error) {
	clauses := []string{"team_id=?"}
	args := []any{teamID}
	if since != "" {
		if sinceID != "" {
			clauses = append(clauses, "(last_updated_at > ? OR (last_updated_at = ? AND case_id > ?))")
			args = append(args, since, since, sinceID)
		} else {
			// No id tie-breaker: rows at exactly since are already
			// delivered, only strictly newer revisions qualify.
			clauses = append(clauses, "last_updated_at > ?")
			args = append(args, since)
		}
	}
	query := `SELECT ` + caseColumns + ` FROM cases WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY last_updated_at ASC, case_id ASC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// SoftDeleteCase tombstones the row inside tx, bumping its revision so
// pollers pick the deletion up.
func (r Repo) SoftDeleteCase(ctx context.Context, tx *sql.Tx, teamID, caseID, deletedBy, deletedAt, lastUpdatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE cases SET status=?, deleted_at=?, deleted_by=?, updated_at=?, last_updated_at=?, updated_by=?, last_editor_sub=?
 WHERE team_id=? AND case_id=? AND deleted_at IS NULL`,
		string(domain.StatusDeleted), deletedAt, deletedBy, deletedAt, lastUpdatedAt, deletedBy, deletedBy, teamID, caseID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) EnsureTeam(ctx context.Context, id, name, createdAt string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO teams(id,name,created_at) VALUES (?,?,?) ON CONFLICT(id) DO NOTHING`,
		id, nullable(name), createdAt)
	return err
}

func (r Repo) GetTeam(ctx context.Context, id string) (domain.Team, error) {
	var t domain.Team
	var name sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM teams WHERE id=?`, id).Scan(&t.ID, &name, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if name.Valid {
		t.Name = name.String
	}
	return t, err
}

// ListAuditEntries returns the newest entries for a team, optionally
// narrowed to one case.
func (r Repo) ListAuditEntries(ctx context.Context, teamID, caseID string, limit int) ([]domain.AuditEntry, error) {
	clauses := []string{"team_id=?"}
	args := []any{teamID}
	if caseID != "" {
		clauses = append(clauses, "case_id=?")
		args = append(args, caseID)
	}
	query := `SELECT id,team_id,case_id,action,actor,summary,ts FROM audit_entries WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var caseID, summary sql.NullString
		if err := rows.Scan(&e.ID, &e.TeamID, &caseID, &e.Action, &e.Actor, &summary, &e.TS); err != nil {
			return nil, err
		}
		if caseID.Valid {
			e.CaseID = &caseID.String
		}
		if summary.Valid {
			e.Summary = summary.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
