// Package audit appends one ledger entry per accepted mutation, in the
// same transaction as the mutation itself.
package audit

import (
	"context"
	"database/sql"
	"time"

	"slipsync/internal/domain"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, teamID, caseID string, action domain.Action, actor domain.Actor, summary string) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := domain.FormatTime(w.Now())
	_, err := tx.ExecContext(ctx, `INSERT INTO audit_entries(team_id,case_id,action,actor,summary,ts) VALUES (?,?,?,?,?,?)`,
		teamID, nullable(caseID), string(action), actor.Sub, nullable(summary), ts)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
