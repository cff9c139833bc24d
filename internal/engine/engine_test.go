package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"slipsync/internal/config"
	"slipsync/internal/db"
	"slipsync/internal/domain"
	"slipsync/internal/engine"
	"slipsync/internal/fault"
	"slipsync/internal/migrate"
	"slipsync/internal/repo"
)

const teamID = "team-1"

var (
	alice  = domain.Actor{Sub: "alice", Email: "alice@example.com", Name: "Alice", TeamID: teamID, Role: domain.RoleMember}
	bob    = domain.Actor{Sub: "bob", TeamID: teamID, Role: domain.RoleMember}
	olivia = domain.Actor{Sub: "olivia", TeamID: teamID, Role: domain.RoleOwner}
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

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
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := eng.Repo.EnsureTeam(ctx, teamID, "Test Team", domain.FormatTime(eng.Now())); err != nil {
		t.Fatalf("ensure team: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func exportMontage(t *testing.T, env testEnv, actor domain.Actor, job string) domain.Case {
	t.Helper()
	c, err := env.Engine.ExportCase(env.Ctx, engine.ExportOptions{
		TeamID:     teamID,
		JobNumber:  job,
		CaseKind:   "montagezettel",
		System:     "layher",
		SheetPhase: domain.SheetPhaseMontage,
		Totals:     domain.Totals{Materials: 100, Montage: 40, Total: 140, Hours: 8},
		Actor:      actor,
	})
	if err != nil {
		t.Fatalf("export montage %s: %v", job, err)
	}
	return c
}

func TestExportCreatesDraftCase(t *testing.T) {
	env := newTestEnv(t)
	c := exportMontage(t, env, alice, "JOB-100")
	if c.Status != domain.StatusDraft || c.Phase != domain.PhaseDraft {
		t.Fatalf("got (%s,%s), want (draft,draft)", c.Status, c.Phase)
	}
	if c.CaseID == "" || c.CreatedBy != "alice" || c.CreatedByEmail != "alice@example.com" {
		t.Fatalf("creator columns: %+v", c)
	}
	if c.Attachments.Montage == nil || c.Attachments.Montage.Totals.Total != 140 {
		t.Fatalf("montage snapshot missing: %+v", c.Attachments)
	}
	if c.LastUpdatedAt == "" || c.LastUpdatedAt != c.UpdatedAt {
		t.Fatalf("revision columns: %+v", c)
	}
	entries, err := env.Engine.AuditTrail(env.Ctx, teamID, c.CaseID, 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("audit entries = %d (%v), want 1", len(entries), err)
	}
	if entries[0].Action != string(domain.ActionExportMontage) || entries[0].Actor != "alice" {
		t.Fatalf("audit entry: %+v", entries[0])
	}
}

func TestExportReplayKeepsOneCase(t *testing.T) {
	env := newTestEnv(t)
	first := exportMontage(t, env, alice, "JOB-101")
	second := exportMontage(t, env, alice, "JOB-101")
	if first.CaseID != second.CaseID {
		t.Fatalf("replay minted a second case: %s vs %s", first.CaseID, second.CaseID)
	}
	if second.Status != domain.StatusDraft {
		t.Fatalf("replay status = %s", second.Status)
	}
	if !(second.LastUpdatedAt > first.LastUpdatedAt) {
		t.Fatalf("revision did not advance: %s -> %s", first.LastUpdatedAt, second.LastUpdatedAt)
	}
	entries, _ := env.Engine.AuditTrail(env.Ctx, teamID, first.CaseID, 10)
	if len(entries) != 2 {
		t.Fatalf("audit entries = %d, want 2 (one per accepted replay)", len(entries))
	}
}

func TestMontageExportByNonCreatorForbidden(t *testing.T) {
	env := newTestEnv(t)
	exportMontage(t, env, alice, "JOB-102")
	_, err := env.Engine.ExportCase(env.Ctx, engine.ExportOptions{
		TeamID:     teamID,
		JobNumber:  "JOB-102",
		CaseKind:   "montagezettel",
		SheetPhase: domain.SheetPhaseMontage,
		Actor:      bob,
	})
	var fe fault.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("want forbidden, got %v", err)
	}
	entries, _ := env.Engine.AuditTrail(env.Ctx, teamID, "", 10)
	if len(entries) != 1 {
		t.Fatalf("rejected mutation wrote audit: %d entries", len(entries))
	}
}

func TestDemontageExportCompletesCase(t *testing.T) {
	env := newTestEnv(t)
	c := exportMontage(t, env, alice, "JOB-103")
	c, err := env.Engine.Approve(env.Ctx, teamID, c.CaseID, domain.SheetPhaseMontage, nil, alice)
	if err != nil || c.Status != domain.StatusApproved {
		t.Fatalf("approve: (%v, %v)", c.Status, err)
	}
	done, err := env.Engine.ExportCase(env.Ctx, engine.ExportOptions{
		CaseID:     c.CaseID,
		TeamID:     teamID,
		JobNumber:  "JOB-103",
		CaseKind:   "montagezettel",
		SheetPhase: domain.SheetPhaseDemontage,
		Totals:     domain.Totals{Materials: 20, Demontage: 30, Total: 50, Hours: 4},
		Actor:      bob,
	})
	if err != nil {
		t.Fatalf("export demontage: %v", err)
	}
	if done.Status != domain.StatusDone || done.Phase != domain.PhaseCompleted {
		t.Fatalf("got (%s,%s), want (done,completed)", done.Status, done.Phase)
	}
	r := done.Attachments.Receipt
	if r == nil {
		t.Fatal("receipt missing")
	}
	want := domain.Totals{Materials: 120, Montage: 40, Demontage: 30, Total: 190, Hours: 12}
	if r.Totals != want {
		t.Fatalf("receipt totals = %+v, want %+v", r.Totals, want)
	}
	if done.Totals != want {
		t.Fatalf("case totals not overwritten by receipt: %+v", done.Totals)
	}
}

func TestDemontageExportOnDoneConflicts(t *testing.T) {
	env := newTestEnv(t)
	c := exportMontage(t, env, alice, "JOB-104")
	if _, err := env.Engine.Approve(env.Ctx, teamID, c.CaseID, domain.SheetPhaseMontage, nil, alice); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetStatus(env.Ctx, teamID, c.CaseID, domain.StatusDone, nil, alice); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.ExportCase(env.Ctx, engine.ExportOptions{
		TeamID:     teamID,
		JobNumber:  "JOB-104",
		CaseKind:   "montagezettel",
		SheetPhase: domain.SheetPhaseDemontage,
		Actor:      alice,
	})
	var ce fault.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("want conflict, got %v", err)
	}
}

func TestStaleIfMatchConflictCarriesCurrent(t *testing.T) {
	env := newTestEnv(t)
	first := exportMontage(t, env, alice, "JOB-105")
	second := exportMontage(t, env, alice, "JOB-105")

	stale := first.LastUpdatedAt
	_, err := env.Engine.Approve(env.Ctx, teamID, first.CaseID, domain.SheetPhaseMontage, &stale, alice)
	var ce fault.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("want conflict, got %v", err)
	}
	if ce.Current == nil || ce.Current.LastUpdatedAt != second.LastUpdatedAt {
		t.Fatalf("conflict does not carry the current case: %+v", ce.Current)
	}

	// With the right revision the same call succeeds.
	fresh := second.LastUpdatedAt
	if _, err := env.Engine.Approve(env.Ctx, teamID, first.CaseID, domain.SheetPhaseMontage, &fresh, alice); err != nil {
		t.Fatalf("approve with fresh revision: %v", err)
	}
}

func TestStatusFlow(t *testing.T) {
	env := newTestEnv(t)
	c := exportMontage(t, env, alice, "JOB-106")
	c, err := env.Engine.Approve(env.Ctx, teamID, c.CaseID, domain.SheetPhaseMontage, nil, alice)
	if err != nil {
		t.Fatal(err)
	}
	c, err = env.Engine.SetStatus(env.Ctx, teamID, c.CaseID, domain.StatusDemontageInProgress, nil, bob)
	if err != nil || c.Status != domain.StatusDemontageInProgress || c.Phase != domain.PhaseReadyForDemontage {
		t.Fatalf("set in progress: (%s,%s,%v)", c.Status, c.Phase, err)
	}
	c, err = env.Engine.SetStatus(env.Ctx, teamID, c.CaseID, domain.StatusDone, nil, bob)
	if err != nil || c.Status != domain.StatusDone {
		t.Fatalf("set done: (%s,%v)", c.Status, err)
	}
	if c.Attachments.Receipt == nil {
		t.Fatal("receipt missing after done")
	}
	// Setting done again is a no-op success.
	again, err := env.Engine.SetStatus(env.Ctx, teamID, c.CaseID, domain.StatusDone, nil, bob)
	if err != nil || again.Status != domain.StatusDone {
		t.Fatalf("repeat set done: (%s,%v)", again.Status, err)
	}
	// Direct jumps to other statuses are rejected.
	_, err = env.Engine.SetStatus(env.Ctx, teamID, c.CaseID, domain.StatusApproved, nil, bob)
	var ve fault.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("want validation error, got %v", err)
	}
}

func TestDraftVisibility(t *testing.T) {
	env := newTestEnv(t)
	c := exportMontage(t, env, alice, "JOB-107")

	if _, err := env.Engine.GetCase(env.Ctx, teamID, c.CaseID, false, bob); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("bob sees alice's draft: %v", err)
	}
	if _, err := env.Engine.GetCase(env.Ctx, teamID, c.CaseID, false, olivia); err != nil {
		t.Fatalf("owner blocked from draft: %v", err)
	}

	pageBob, err := env.Engine.ListPage(env.Ctx, teamID, engine.ListOptions{Limit: 10}, bob)
	if err != nil || len(pageBob.Cases) != 0 {
		t.Fatalf("bob's page = %d cases (%v), want 0", len(pageBob.Cases), err)
	}
	pageOwner, err := env.Engine.ListPage(env.Ctx, teamID, engine.ListOptions{Limit: 10}, olivia)
	if err != nil || len(pageOwner.Cases) != 1 {
		t.Fatalf("owner's page = %d cases (%v), want 1", len(pageOwner.Cases), err)
	}

	// After approval the whole team sees it.
	if _, err := env.Engine.Approve(env.Ctx, teamID, c.CaseID, domain.SheetPhaseMontage, nil, alice); err != nil {
		t.Fatal(err)
	}
	pageBob, _ = env.Engine.ListPage(env.Ctx, teamID, engine.ListOptions{Limit: 10}, bob)
	if len(pageBob.Cases) != 1 {
		t.Fatalf("bob's page after approval = %d cases, want 1", len(pageBob.Cases))
	}
}

func TestSoftDeleteAndRevive(t *testing.T) {
	env := newTestEnv(t)
	c := exportMontage(t, env, alice, "JOB-108")
	deleted, err := env.Engine.SoftDelete(env.Ctx, teamID, c.CaseID, alice)
	if err != nil || !deleted.Deleted() || deleted.Status != domain.StatusDeleted {
		t.Fatalf("soft delete: (%+v, %v)", deleted, err)
	}
	if _, err := env.Engine.GetCase(env.Ctx, teamID, c.CaseID, false, alice); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("deleted case still visible: %v", err)
	}
	// Owners asking for tombstones get the row back.
	got, err := env.Engine.GetCase(env.Ctx, teamID, c.CaseID, true, olivia)
	if err != nil || !got.Deleted() {
		t.Fatalf("owner tombstone read: (%+v, %v)", got, err)
	}
	// Deleting again is a no-op success.
	if _, err := env.Engine.SoftDelete(env.Ctx, teamID, c.CaseID, alice); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}

	// A new export for the same job revives the case.
	revived := exportMontage(t, env, alice, "JOB-108")
	if revived.CaseID != c.CaseID {
		t.Fatalf("revive minted new case: %s vs %s", revived.CaseID, c.CaseID)
	}
	if revived.Deleted() || revived.Status != domain.StatusDraft {
		t.Fatalf("revived case: %+v", revived)
	}
}

func TestDeleteRequiresCreatorOrPrivileged(t *testing.T) {
	env := newTestEnv(t)
	c := exportMontage(t, env, alice, "JOB-109")
	if _, err := env.Engine.Approve(env.Ctx, teamID, c.CaseID, domain.SheetPhaseMontage, nil, alice); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.SoftDelete(env.Ctx, teamID, c.CaseID, bob)
	var fe fault.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("want forbidden, got %v", err)
	}
	if _, err := env.Engine.SoftDelete(env.Ctx, teamID, c.CaseID, olivia); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
}

func TestDeltaWatermarkAndTombstones(t *testing.T) {
	env := newTestEnv(t)
	a := exportMontage(t, env, alice, "JOB-110")
	if _, err := env.Engine.Approve(env.Ctx, teamID, a.CaseID, domain.SheetPhaseMontage, nil, alice); err != nil {
		t.Fatal(err)
	}
	b := exportMontage(t, env, bob, "JOB-111")

	// Full history for the owner.
	d, err := env.Engine.ListDelta(env.Ctx, teamID, "", "", 100, olivia)
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Cases) != 2 || len(d.DeletedIDs) != 0 {
		t.Fatalf("owner delta: %d cases, %d deleted", len(d.Cases), len(d.DeletedIDs))
	}
	if d.MaxUpdatedAt == "" || d.MaxUpdatedAt < d.Cases[0].LastUpdatedAt {
		t.Fatalf("watermark not advanced: %q", d.MaxUpdatedAt)
	}

	// Alice sees bob's draft as gone from her view.
	d, err = env.Engine.ListDelta(env.Ctx, teamID, "", "", 100, alice)
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Cases) != 1 || len(d.DeletedIDs) != 1 || d.DeletedIDs[0] != b.CaseID {
		t.Fatalf("alice delta: cases=%d deleted=%v", len(d.Cases), d.DeletedIDs)
	}

	// Polling from the watermark yields nothing new.
	d2, err := env.Engine.ListDelta(env.Ctx, teamID, d.MaxUpdatedAt, d.MaxID, 100, alice)
	if err != nil || len(d2.Cases) != 0 || len(d2.DeletedIDs) != 0 {
		t.Fatalf("idle poll: %+v (%v)", d2, err)
	}

	// A deletion after the watermark surfaces as a tombstone.
	if _, err := env.Engine.SoftDelete(env.Ctx, teamID, a.CaseID, alice); err != nil {
		t.Fatal(err)
	}
	d3, err := env.Engine.ListDelta(env.Ctx, teamID, d.MaxUpdatedAt, d.MaxID, 100, alice)
	if err != nil || len(d3.DeletedIDs) != 1 || d3.DeletedIDs[0] != a.CaseID {
		t.Fatalf("post-delete poll: %+v (%v)", d3, err)
	}
}

func TestDeltaSinceOnlyIsStrictlyGreater(t *testing.T) {
	env := newTestEnv(t)
	c := exportMontage(t, env, alice, "JOB-112")

	// Pollers that only carry the timestamp watermark must not get the
	// rows at exactly that revision again.
	d, err := env.Engine.ListDelta(env.Ctx, teamID, c.LastUpdatedAt, "", 100, alice)
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Cases) != 0 || len(d.DeletedIDs) != 0 {
		t.Fatalf("rows at exactly since re-delivered: cases=%d deleted=%d", len(d.Cases), len(d.DeletedIDs))
	}

	// A later mutation does come through.
	updated, err := env.Engine.Approve(env.Ctx, teamID, c.CaseID, domain.SheetPhaseMontage, nil, alice)
	if err != nil {
		t.Fatal(err)
	}
	d, err = env.Engine.ListDelta(env.Ctx, teamID, c.LastUpdatedAt, "", 100, alice)
	if err != nil || len(d.Cases) != 1 || d.Cases[0].LastUpdatedAt != updated.LastUpdatedAt {
		t.Fatalf("since-only poll after approve: %+v (%v)", d, err)
	}
}

func TestReplayKeepsParentLink(t *testing.T) {
	env := newTestEnv(t)
	parent := exportMontage(t, env, alice, "JOB-113")
	child, err := env.Engine.ExportCase(env.Ctx, engine.ExportOptions{
		TeamID:       teamID,
		ParentCaseID: &parent.CaseID,
		JobNumber:    "JOB-114",
		CaseKind:     "montagezettel",
		SheetPhase:   domain.SheetPhaseMontage,
		Actor:        alice,
	})
	if err != nil || child.ParentCaseID == nil || *child.ParentCaseID != parent.CaseID {
		t.Fatalf("child parent link: (%+v, %v)", child.ParentCaseID, err)
	}

	// A replay without the field leaves the stored link alone.
	replay := exportMontage(t, env, alice, "JOB-114")
	if replay.ParentCaseID == nil || *replay.ParentCaseID != parent.CaseID {
		t.Fatalf("replay cleared parent link: %+v", replay.ParentCaseID)
	}
}

func TestListPagePagination(t *testing.T) {
	env := newTestEnv(t)
	jobs := []string{"JOB-120", "JOB-121", "JOB-122", "JOB-123", "JOB-124"}
	for _, j := range jobs {
		exportMontage(t, env, olivia, j)
	}
	seen := map[string]bool{}
	cursor := repo.PageCursor{}
	for i := 0; i < 3; i++ {
		page, err := env.Engine.ListPage(env.Ctx, teamID, engine.ListOptions{Limit: 2, Cursor: cursor}, olivia)
		if err != nil {
			t.Fatal(err)
		}
		if page.Total != len(jobs) {
			t.Fatalf("total = %d, want %d", page.Total, len(jobs))
		}
		for _, c := range page.Cases {
			if seen[c.CaseID] {
				t.Fatalf("case %s repeated across pages", c.CaseID)
			}
			seen[c.CaseID] = true
		}
		if page.NextCursor == "" {
			break
		}
		cursor = repo.DecodeCursor(page.NextCursor)
	}
	if len(seen) != len(jobs) {
		t.Fatalf("walked %d cases, want %d", len(seen), len(jobs))
	}
}
