// Package engine orchestrates case mutations: policy check, optimistic
// guard, workflow transition, conditional write, audit append, all in
// one transaction.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"slipsync/internal/audit"
	"slipsync/internal/config"
	"slipsync/internal/domain"
	"slipsync/internal/engine/access"
	"slipsync/internal/fault"
	"slipsync/internal/repo"
	"slipsync/internal/workflow"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  audit.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Audit:  audit.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// checkIfMatch is the fast-path optimistic guard. The conditional
// UPDATE later in the transaction is the authoritative one.
func checkIfMatch(c domain.Case, expected *string) error {
	if expected == nil || *expected == c.LastUpdatedAt {
		return nil
	}
	cur := c
	return fault.ConflictError{Reason: "case changed since last read", Current: &cur}
}

// ExportOptions carries one sheet export from a client.
type ExportOptions struct {
	CaseID           string
	TeamID           string
	ParentCaseID     *string
	JobNumber        string
	CaseKind         string
	System           string
	Totals           domain.Totals
	SheetPhase       domain.SheetPhase
	Content          map[string]any
	JSONContent      *string
	IfMatchUpdatedAt *string
	Actor            domain.Actor
}

// ExportCase ingests a montage or demontage sheet. It creates the case
// on first contact with a job number and replays idempotently after
// that; a demontage sheet drives the case to done.
func (e Engine) ExportCase(ctx context.Context, opts ExportOptions) (domain.Case, error) {
	if opts.JobNumber == "" {
		return domain.Case{}, fault.ValidationError{Field: "job_number", Reason: "required"}
	}
	if opts.CaseKind == "" {
		return domain.Case{}, fault.ValidationError{Field: "case_kind", Reason: "required"}
	}
	action := domain.ActionExportMontage
	if opts.SheetPhase == domain.SheetPhaseDemontage {
		action = domain.ActionExportDemontage
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()

	existing, isNew, err := e.resolveCase(ctx, tx, opts)
	if err != nil {
		return domain.Case{}, err
	}
	if !isNew {
		if err := checkIfMatch(existing, opts.IfMatchUpdatedAt); err != nil {
			return domain.Case{}, err
		}
	}

	current := domain.StatusDraft
	isCreator := true
	if !isNew {
		isCreator = access.IsCreator(existing, opts.Actor)
		if !existing.Deleted() {
			current = existing.Status
		}
		// A tombstoned case restarts from draft when its job is
		// exported again.
	}
	res, err := workflow.Transition(action, current, opts.SheetPhase, isCreator)
	if err != nil {
		return domain.Case{}, err
	}

	now := e.now()
	rev := domain.NextTimestamp(now, existing.LastUpdatedAt)
	c := existing
	if isNew {
		c = domain.Case{
			CaseID:         opts.CaseID,
			TeamID:         opts.TeamID,
			CreatedAt:      rev,
			CreatedBy:      opts.Actor.Sub,
			CreatedByEmail: opts.Actor.Email,
			CreatedByName:  opts.Actor.Name,
		}
		if c.CaseID == "" {
			c.CaseID = newCaseID(opts.TeamID, opts.JobNumber, rev)
		}
	}
	if opts.ParentCaseID != nil {
		c.ParentCaseID = opts.ParentCaseID
	}
	c.JobNumber = opts.JobNumber
	c.CaseKind = opts.CaseKind
	c.System = opts.System
	c.Totals = opts.Totals
	if opts.JSONContent != nil {
		c.JSONContent = opts.JSONContent
	}
	snap := &domain.SheetSnapshot{
		Totals:     opts.Totals,
		Content:    opts.Content,
		ExportedAt: rev,
		ExportedBy: opts.Actor.Sub,
	}
	if action == domain.ActionExportDemontage {
		c.Attachments.Demontage = snap
	} else {
		c.Attachments.Montage = snap
	}
	e.applyResult(&c, res, rev, opts.Actor)

	if err := e.writeCase(ctx, tx, c, existing, isNew); err != nil {
		return domain.Case{}, err
	}
	summary := fmt.Sprintf("job %s: %s sheet", c.JobNumber, string(opts.SheetPhase))
	if opts.SheetPhase == domain.SheetPhaseNone {
		summary = fmt.Sprintf("job %s: montage sheet", c.JobNumber)
	}
	if err := e.Audit.Append(ctx, tx, c.TeamID, c.CaseID, action, opts.Actor, summary); err != nil {
		return domain.Case{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Case{}, err
	}
	return c, nil
}

func (e Engine) resolveCase(ctx context.Context, tx *sql.Tx, opts ExportOptions) (domain.Case, bool, error) {
	if opts.CaseID != "" {
		c, err := e.Repo.GetCaseTx(ctx, tx, opts.TeamID, opts.CaseID)
		if err == nil {
			return c, false, nil
		}
		if errors.Is(err, repo.ErrNotFound) {
			// Client-assigned id on first export.
			return domain.Case{}, true, nil
		}
		return domain.Case{}, false, fault.StoreError{Op: "resolve case", Err: err}
	}
	c, err := e.Repo.LatestByJobNumber(ctx, tx, opts.TeamID, opts.JobNumber)
	if err == nil {
		return c, false, nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Case{}, true, nil
	}
	return domain.Case{}, false, fault.StoreError{Op: "resolve case", Err: err}
}

// newCaseID derives the id from the creating export's team, job and
// instant. Replays resolve by job number, so only the first export for
// a job mints an id.
func newCaseID(teamID, jobNumber, rev string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(teamID+"|"+jobNumber+"|"+rev)).String()
}

// applyResult stamps the transition outcome plus editor and revision
// columns, computing the receipt when the case lands on done. Any
// tombstone is cleared: an accepted mutation revives the row.
func (e Engine) applyResult(c *domain.Case, res workflow.Result, rev string, actor domain.Actor) {
	c.Status = res.Status
	c.Phase = res.Phase
	c.UpdatedAt = rev
	c.LastUpdatedAt = rev
	c.UpdatedBy = actor.Sub
	c.LastEditorSub = actor.Sub
	c.DeletedAt = nil
	c.DeletedBy = nil
	if res.Status == domain.StatusDone {
		receipt := workflow.BuildReceipt(c.Attachments.Montage, c.Attachments.Demontage, rev)
		c.Attachments.Receipt = &receipt
		c.Totals = receipt.Totals
	}
}

// writeCase persists the mutation, conditioning on the revision the
// transition was computed against. A stale write loses to the
// concurrent winner and reports it.
func (e Engine) writeCase(ctx context.Context, tx *sql.Tx, c, existing domain.Case, isNew bool) error {
	if isNew {
		if err := e.Repo.UpsertCase(ctx, tx, c); err != nil {
			return fault.StoreError{Op: "insert case", Err: err}
		}
		return nil
	}
	err := e.Repo.UpdateCaseIfCurrent(ctx, tx, c, existing.LastUpdatedAt)
	if errors.Is(err, repo.ErrStale) {
		cur, gerr := e.Repo.GetCaseTx(ctx, tx, c.TeamID, c.CaseID)
		if gerr != nil {
			return fault.StoreError{Op: "reload case", Err: gerr}
		}
		return fault.ConflictError{Reason: "case changed since last read", Current: &cur}
	}
	if err != nil {
		return fault.StoreError{Op: "update case", Err: err}
	}
	return nil
}

// Approve records sheet approval: a draft's montage sheet moves to
// approved, a running demontage's sheet completes the case.
func (e Engine) Approve(ctx context.Context, teamID, caseID string, sheet domain.SheetPhase, ifMatch *string, actor domain.Actor) (domain.Case, error) {
	return e.transitionCase(ctx, teamID, caseID, domain.ActionApprove, sheet, ifMatch, actor, "approved")
}

// SetStatus applies an explicit status change. Only forward moves into
// demontage_in_progress and done are exposed.
func (e Engine) SetStatus(ctx context.Context, teamID, caseID string, target domain.Status, ifMatch *string, actor domain.Actor) (domain.Case, error) {
	var action domain.Action
	switch target {
	case domain.StatusDemontageInProgress:
		action = domain.ActionSetDemontageInProgress
	case domain.StatusDone:
		action = domain.ActionSetDone
	default:
		return domain.Case{}, fault.ValidationError{Field: "status", Reason: fmt.Sprintf("cannot set status %q directly", target)}
	}
	return e.transitionCase(ctx, teamID, caseID, action, domain.SheetPhaseNone, ifMatch, actor, "status "+string(target))
}

func (e Engine) transitionCase(ctx context.Context, teamID, caseID string, action domain.Action, sheet domain.SheetPhase, ifMatch *string, actor domain.Actor, summary string) (domain.Case, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()

	existing, err := e.Repo.GetCaseTx(ctx, tx, teamID, caseID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Case{}, repo.ErrNotFound
	}
	if err != nil {
		return domain.Case{}, fault.StoreError{Op: "load case", Err: err}
	}
	if !access.CanSee(existing, actor, false) {
		return domain.Case{}, repo.ErrNotFound
	}
	if err := checkIfMatch(existing, ifMatch); err != nil {
		return domain.Case{}, err
	}

	res, err := workflow.Transition(action, existing.Status, sheet, access.IsCreator(existing, actor))
	if err != nil {
		return domain.Case{}, err
	}
	c := existing
	rev := domain.NextTimestamp(e.now(), existing.LastUpdatedAt)
	e.applyResult(&c, res, rev, actor)

	if err := e.writeCase(ctx, tx, c, existing, false); err != nil {
		return domain.Case{}, err
	}
	if err := e.Audit.Append(ctx, tx, c.TeamID, c.CaseID, action, actor, fmt.Sprintf("job %s: %s", c.JobNumber, summary)); err != nil {
		return domain.Case{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Case{}, err
	}
	return c, nil
}

// SoftDelete tombstones a case. Deleting an already-deleted case is a
// no-op success.
func (e Engine) SoftDelete(ctx context.Context, teamID, caseID string, actor domain.Actor) (domain.Case, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()

	existing, err := e.Repo.GetCaseTx(ctx, tx, teamID, caseID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Case{}, repo.ErrNotFound
	}
	if err != nil {
		return domain.Case{}, fault.StoreError{Op: "load case", Err: err}
	}
	if existing.Deleted() {
		if !actor.Role.Privileged() && existing.CreatedBy != actor.Sub {
			return domain.Case{}, repo.ErrNotFound
		}
		return existing, nil
	}
	if !access.CanSee(existing, actor, false) {
		return domain.Case{}, repo.ErrNotFound
	}
	if err := access.EnsureCanDelete(existing, actor); err != nil {
		return domain.Case{}, err
	}

	rev := domain.NextTimestamp(e.now(), existing.LastUpdatedAt)
	deletedAt := rev
	if err := e.Repo.SoftDeleteCase(ctx, tx, teamID, caseID, actor.Sub, deletedAt, rev); err != nil {
		return domain.Case{}, fault.StoreError{Op: "delete case", Err: err}
	}
	if err := e.Audit.Append(ctx, tx, teamID, caseID, domain.ActionSoftDelete, actor, fmt.Sprintf("job %s: deleted", existing.JobNumber)); err != nil {
		return domain.Case{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Case{}, err
	}
	c := existing
	c.Status = domain.StatusDeleted
	c.DeletedAt = &deletedAt
	c.DeletedBy = &actor.Sub
	c.UpdatedAt = deletedAt
	c.LastUpdatedAt = rev
	c.UpdatedBy = actor.Sub
	c.LastEditorSub = actor.Sub
	return c, nil
}

// GetCase fetches one case under the actor's visibility rules. Hidden
// and missing cases are indistinguishable.
func (e Engine) GetCase(ctx context.Context, teamID, caseID string, includeDeleted bool, actor domain.Actor) (domain.Case, error) {
	c, err := e.Repo.GetCase(ctx, teamID, caseID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Case{}, repo.ErrNotFound
	}
	if err != nil {
		return domain.Case{}, fault.StoreError{Op: "load case", Err: err}
	}
	if !access.CanSee(c, actor, includeDeleted) {
		return domain.Case{}, repo.ErrNotFound
	}
	return c, nil
}

// ListOptions narrows a page listing.
type ListOptions struct {
	Status         string
	Phase          string
	JobNumber      string
	Query          string
	UpdatedFrom    string
	UpdatedTo      string
	IncludeDeleted bool
	Limit          int
	Cursor         repo.PageCursor
}

// Page is one keyset page of cases.
type Page struct {
	Cases      []domain.Case
	Total      int
	NextCursor string
}

// ListPage returns one newest-first page of cases visible to the actor.
func (e Engine) ListPage(ctx context.Context, teamID string, opts ListOptions, actor domain.Actor) (Page, error) {
	f := repo.CaseFilters{
		Status:         opts.Status,
		Phase:          opts.Phase,
		JobNumber:      opts.JobNumber,
		Query:          opts.Query,
		UpdatedFrom:    opts.UpdatedFrom,
		UpdatedTo:      opts.UpdatedTo,
		Viewer:         actor.Sub,
		Privileged:     actor.Role.Privileged(),
		IncludeDeleted: opts.IncludeDeleted && actor.Role.Privileged(),
		Limit:          opts.Limit + 1,
		Cursor:         opts.Cursor,
	}
	cases, total, err := e.Repo.ListCasePage(ctx, teamID, f)
	if err != nil {
		return Page{}, fault.StoreError{Op: "list cases", Err: err}
	}
	page := Page{Cases: cases, Total: total}
	if len(cases) > opts.Limit {
		page.Cases = cases[:opts.Limit]
		last := page.Cases[len(page.Cases)-1]
		page.NextCursor = repo.EncodeCursor(repo.PageCursor{
			LastUpdatedAt: last.LastUpdatedAt,
			UpdatedAt:     last.UpdatedAt,
			CreatedAt:     last.CreatedAt,
			CaseID:        last.CaseID,
		})
	}
	return page, nil
}

// Delta is the incremental sync answer: changed cases the actor may
// see, ids gone from their view, and the new high-water mark.
type Delta struct {
	Cases        []domain.Case
	DeletedIDs   []string
	MaxUpdatedAt string
	MaxID        string
	HasMore      bool
}

// ListDelta returns every change strictly after the (since, sinceID)
// watermark. Rows the actor lost sight of, whether tombstoned or a
// draft that was never theirs, surface as deleted ids.
func (e Engine) ListDelta(ctx context.Context, teamID, since, sinceID string, limit int, actor domain.Actor) (Delta, error) {
	rows, err := e.Repo.ListCaseDelta(ctx, teamID, since, sinceID, limit+1)
	if err != nil {
		return Delta{}, fault.StoreError{Op: "list delta", Err: err}
	}
	var d Delta
	if len(rows) > limit {
		rows = rows[:limit]
		d.HasMore = true
	}
	d.MaxUpdatedAt = since
	d.MaxID = sinceID
	for _, c := range rows {
		if c.Deleted() || (!actor.Role.Privileged() && c.Status.IsDraft() && c.CreatedBy != actor.Sub) {
			d.DeletedIDs = append(d.DeletedIDs, c.CaseID)
		} else {
			d.Cases = append(d.Cases, c)
		}
		d.MaxUpdatedAt = c.LastUpdatedAt
		d.MaxID = c.CaseID
	}
	return d, nil
}

// AuditTrail exposes the team ledger, newest first.
func (e Engine) AuditTrail(ctx context.Context, teamID, caseID string, limit int) ([]domain.AuditEntry, error) {
	entries, err := e.Repo.ListAuditEntries(ctx, teamID, caseID, limit)
	if err != nil {
		return nil, fault.StoreError{Op: "list audit", Err: err}
	}
	return entries, nil
}
