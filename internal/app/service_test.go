package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"cuesheet/internal/approval"
	"cuesheet/internal/config"
	"cuesheet/internal/history"
	"cuesheet/internal/logger"
	"cuesheet/internal/metrics"
	"cuesheet/internal/presence"
	"cuesheet/internal/rbac"
	"cuesheet/internal/rundown"
	"cuesheet/internal/session"
	"cuesheet/internal/syncer"
	"cuesheet/internal/undo"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func seedState() rundown.State {
	return rundown.State{
		Segments: []rundown.Segment{
			{ID: "open", Name: "Opening", Type: rundown.TypeLive, DurationSeconds: rundown.Seconds(60), EquipmentIDs: []string{"cam1"}},
			{ID: "vt", Name: "VT", Type: rundown.TypeVideo, DurationSeconds: rundown.Seconds(30), EquipmentIDs: []string{"cam1"}},
			{ID: "close", Name: "Close", Type: rundown.TypeStatic, DurationSeconds: rundown.Seconds(15)},
		},
		Groups: []rundown.Group{},
	}
}

func testConfig() config.Config {
	return config.Config{
		KeyPrefix:      "test:",
		DefaultRundown: "main",
		Heartbeat:      time.Hour,
		PresenceWindow: 2 * time.Minute,
		SessionTTL:     time.Hour,
		UndoCapacity:   25,
		HistoryLimit:   100,
	}
}

type testEnv struct {
	mr     *miniredis.Miniredis
	client *redis.Client
	svc    *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	svc := New(testConfig(), Deps{
		Redis:   client,
		Metrics: metrics.New(),
		Logger:  logger.Discard(),
		Seed:    func() (rundown.State, error) { return seedState(), nil },
	})
	t.Cleanup(func() { svc.Shutdown(context.Background()) })
	return &testEnv{mr: mr, client: client, svc: svc}
}

func (e *testEnv) join(t *testing.T, name, role string) *Workspace {
	t.Helper()
	sess, _, err := e.svc.Join(context.Background(), JoinInput{DisplayName: name, Role: role})
	if err != nil {
		t.Fatalf("join %s: %v", name, err)
	}
	ws, err := e.svc.Workspace(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("workspace %s: %v", name, err)
	}
	return ws
}

func segmentIDs(view View) []string {
	ids := make([]string, 0, len(view.Segments))
	for _, seg := range view.Segments {
		ids = append(ids, seg.ID)
	}
	return ids
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestJoinSeedsEmptyRundown(t *testing.T) {
	env := newTestEnv(t)
	ws := env.join(t, "Ana", "producer")

	view := ws.View()
	if got := segmentIDs(view); !equalIDs(got, []string{"open", "vt", "close"}) {
		t.Fatalf("expected seeded segments, got %v", got)
	}
	if view.Status != rundown.StatusDraft {
		t.Fatalf("expected draft status, got %s", view.Status)
	}
	if len(view.StartTimes) != 3 || view.StartTimes[1] != 60 || view.StartTimes[2] != 90 {
		t.Fatalf("unexpected start times %v", view.StartTimes)
	}
	if view.TotalSeconds != 105 {
		t.Fatalf("expected total 105, got %d", view.TotalSeconds)
	}
	if !view.Permissions["edit"].Allowed || !view.Permissions["lock"].Allowed {
		t.Fatalf("producer should edit and lock in draft: %+v", view.Permissions)
	}
}

func TestJoinValidatesInput(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name  string
		input JoinInput
	}{
		{name: "missing name", input: JoinInput{Role: "editor"}},
		{name: "bad rundown id", input: JoinInput{DisplayName: "Ana", RundownID: "../etc"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := env.svc.Join(context.Background(), tc.input)
			var domainErr *DomainError
			if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestUnknownRoleJoinsAsViewer(t *testing.T) {
	env := newTestEnv(t)
	ws := env.join(t, "Ana", "director")
	if ws.Session().Role != string(rbac.RoleViewer) {
		t.Fatalf("expected viewer, got %s", ws.Session().Role)
	}
	_, err := ws.AddSegment(context.Background(), SegmentInput{Segment: rundown.Segment{Name: "X", Type: rundown.TypeLive}})
	if !errors.Is(err, rbac.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestAddSegmentPublishesAndReachesPeers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.join(t, "Ana", "editor")
	b := env.join(t, "Ben", "viewer")

	index := 1
	seg, err := a.AddSegment(ctx, SegmentInput{
		Segment: rundown.Segment{Name: "Interview", Type: rundown.TypeLive, DurationSeconds: rundown.Seconds(30), Locked: true},
		Index:   &index,
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if seg.ID == "" || seg.Locked {
		t.Fatalf("expected new unlocked segment with id, got %+v", seg)
	}
	want := []string{"open", seg.ID, "vt", "close"}
	if got := segmentIDs(a.View()); !equalIDs(got, want) {
		t.Fatalf("local order %v, want %v", got, want)
	}
	eventually(t, func() bool { return equalIDs(segmentIDs(b.View()), want) })

	entries, err := a.History(ctx, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != "Add segment" || entries[0].Actor != "Ana" {
		t.Fatalf("unexpected history %+v", entries)
	}
	if entries[0].Snapshot == nil || len(entries[0].Snapshot.State.Segments) != 3 {
		t.Fatalf("history entry should carry the pre-change state")
	}
}

func TestLockedSegmentRejectsMutation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ws := env.join(t, "Pat", "producer")

	if err := ws.SetSegmentLocked(ctx, "vt", true); err != nil {
		t.Fatalf("lock: %v", err)
	}
	before := segmentIDs(ws.View())
	if err := ws.MoveSegment(ctx, "vt", 0); !errors.Is(err, rundown.ErrSegmentLocked) {
		t.Fatalf("expected locked error on move, got %v", err)
	}
	name := "Renamed"
	if _, err := ws.UpdateSegment(ctx, "vt", rundown.Patch{Name: &name}); !errors.Is(err, rundown.ErrSegmentLocked) {
		t.Fatalf("expected locked error on update, got %v", err)
	}
	if got := segmentIDs(ws.View()); !equalIDs(got, before) {
		t.Fatalf("rejected move changed order: %v", got)
	}
	if err := ws.SetSegmentLocked(ctx, "vt", false); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := ws.MoveSegment(ctx, "vt", 0); err != nil {
		t.Fatalf("move after unlock: %v", err)
	}
}

func TestEditorCannotLockSegment(t *testing.T) {
	env := newTestEnv(t)
	ws := env.join(t, "Eve", "editor")
	err := ws.SetSegmentLocked(context.Background(), "vt", true)
	if !errors.Is(err, rbac.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestBulkDeleteReportsLockedSkips(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ws := env.join(t, "Pat", "producer")
	for _, name := range []string{"a", "b"} {
		if _, err := ws.AddSegment(ctx, SegmentInput{Segment: rundown.Segment{ID: name, Name: name, Type: rundown.TypeHold}}); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}
	for _, id := range []string{"open", "a"} {
		if err := ws.SetSegmentLocked(ctx, id, true); err != nil {
			t.Fatalf("lock %s: %v", id, err)
		}
	}

	result, err := ws.Bulk(ctx, BulkInput{Op: "delete", IDs: []string{"open", "vt", "close", "a", "b"}})
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	if len(result.Applied) != 3 || len(result.SkippedLocked) != 2 {
		t.Fatalf("unexpected result %+v", result)
	}
	if got := result.Summary(); got != "3 deleted, 2 locked skipped" {
		t.Fatalf("unexpected summary %q", got)
	}
	if got := segmentIDs(ws.View()); !equalIDs(got, []string{"open", "a"}) {
		t.Fatalf("unexpected remaining segments %v", got)
	}
}

func TestBulkRejectsUnknownOp(t *testing.T) {
	env := newTestEnv(t)
	ws := env.join(t, "Pat", "producer")
	_, err := ws.Bulk(context.Background(), BulkInput{Op: "explode", IDs: []string{"vt"}})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestConflictsRecomputedAfterEdit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ws := env.join(t, "Pat", "producer")
	if n := len(ws.View().EquipmentConflicts); n != 0 {
		t.Fatalf("back-to-back segments should not conflict, got %d", n)
	}

	// An untimed segment does not push the next one back but still occupies
	// the default window, so open and vt now share cam1 from t=0.
	if _, err := ws.UpdateSegment(ctx, "open", rundown.Patch{ClearDuration: true}); err != nil {
		t.Fatalf("update: %v", err)
	}
	view := ws.View()
	if len(view.EquipmentConflicts) != 1 {
		t.Fatalf("expected one conflict, got %+v", view.EquipmentConflicts)
	}
	c := view.EquipmentConflicts[0]
	if c.ResourceID != "cam1" || c.Segment1 != "open" || c.Segment2 != "vt" {
		t.Fatalf("unexpected conflict %+v", c)
	}
	if view.StartTimes[1] != 0 {
		t.Fatalf("untimed segment should not advance start times: %v", view.StartTimes)
	}
}

func TestUndoRedoRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ws := env.join(t, "Eve", "editor")
	original := ws.View()

	if err := ws.MoveSegment(ctx, "close", 0); err != nil {
		t.Fatalf("move: %v", err)
	}
	if err := ws.DeleteSegment(ctx, "vt"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	moved := []string{"close", "open"}
	if got := segmentIDs(ws.View()); !equalIDs(got, moved) {
		t.Fatalf("unexpected order %v", got)
	}
	if next := ws.View().Undo.NextUndo; next != "Delete segment" {
		t.Fatalf("expected next undo 'Delete segment', got %q", next)
	}

	for i := 0; i < 2; i++ {
		if err := ws.Undo(ctx); err != nil {
			t.Fatalf("undo %d: %v", i, err)
		}
	}
	if got := segmentIDs(ws.View()); !equalIDs(got, segmentIDs(original)) {
		t.Fatalf("undo did not restore original: %v", got)
	}
	if err := ws.Undo(ctx); !errors.Is(err, undo.ErrNothingToUndo) {
		t.Fatalf("expected nothing to undo, got %v", err)
	}

	if err := ws.Redo(ctx); err != nil {
		t.Fatalf("redo: %v", err)
	}
	if got := segmentIDs(ws.View()); !equalIDs(got, []string{"close", "open", "vt"}) {
		t.Fatalf("redo restored %v", got)
	}
	view := ws.View()
	if !view.Undo.CanUndo || !view.Undo.CanRedo {
		t.Fatalf("expected both stacks non-empty: %+v", view.Undo)
	}
}

func TestViewerCannotUndo(t *testing.T) {
	env := newTestEnv(t)
	ws := env.join(t, "Vic", "viewer")
	if err := ws.Undo(context.Background()); !errors.Is(err, rbac.ErrPermissionDenied) {
		t.Fatalf("expected permission denied before empty-stack check, got %v", err)
	}
}

func TestApprovalWorkflowEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner := env.join(t, "Olga", "owner")
	editor := env.join(t, "Eve", "editor")

	steps := []TransitionInput{
		{Event: "submit"},
		{Event: "approve"},
		{Event: "lock"},
		{Event: "unlock", Confirmed: true},
	}
	for _, step := range steps {
		if _, err := owner.Transition(ctx, step); err != nil {
			t.Fatalf("%s: %v", step.Event, err)
		}
		if step.Event == "lock" {
			eventually(t, func() bool { return editor.View().Status == rundown.StatusLocked })
			_, err := editor.AddSegment(ctx, SegmentInput{Segment: rundown.Segment{Name: "Late", Type: rundown.TypeHold}})
			if !errors.Is(err, rbac.ErrPermissionDenied) {
				t.Fatalf("edit on locked rundown should be denied, got %v", err)
			}
		}
	}
	if owner.View().Status != rundown.StatusDraft {
		t.Fatalf("expected draft after unlock, got %s", owner.View().Status)
	}

	entries, err := owner.History(ctx, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 4 || entries[0].Action != "Unlock rundown" || entries[3].Action != "Submit for review" {
		t.Fatalf("unexpected transition history %+v", entries)
	}
	if entries[0].Details["previousStatus"] != "locked" || entries[0].Details["newStatus"] != "draft" {
		t.Fatalf("unexpected details %+v", entries[0].Details)
	}
}

func TestTransitionErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	producer := env.join(t, "Pat", "producer")
	editor := env.join(t, "Eve", "editor")

	if _, err := editor.Transition(ctx, TransitionInput{Event: "lock"}); !errors.Is(err, rbac.ErrPermissionDenied) {
		t.Fatalf("editor lock: expected permission denied, got %v", err)
	}
	if _, err := producer.Transition(ctx, TransitionInput{Event: "approve"}); !errors.Is(err, approval.ErrInvalidTransition) {
		t.Fatalf("approve from draft: expected invalid transition, got %v", err)
	}
	if _, err := producer.Transition(ctx, TransitionInput{Event: "submit"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := editor.Transition(ctx, TransitionInput{Event: "submit"}); !errors.Is(err, approval.ErrInvalidTransition) {
		t.Fatalf("editor submit from in-review: expected invalid transition, got %v", err)
	}
	if _, err := producer.Transition(ctx, TransitionInput{Event: "reject"}); !errors.Is(err, approval.ErrReasonRequired) {
		t.Fatalf("reject without reason: expected reason required, got %v", err)
	}
	if _, err := producer.Transition(ctx, TransitionInput{Event: "reject", Reason: "timing"}); err != nil {
		t.Fatalf("reject: %v", err)
	}
}

func TestRestoreHistory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ws := env.join(t, "Eve", "editor")

	if err := ws.DeleteSegment(ctx, "vt"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := ws.DeleteSegment(ctx, "close"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	entries, err := ws.History(ctx, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	// Oldest entry: before vt was deleted.
	target := entries[len(entries)-1]

	restored, err := ws.RestoreHistory(ctx, target.ID)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.Action != history.RestoreAction || restored.Snapshot != nil {
		t.Fatalf("restore entry should carry no snapshot: %+v", restored)
	}
	if got := segmentIDs(ws.View()); !equalIDs(got, []string{"open", "vt", "close"}) {
		t.Fatalf("restore produced %v", got)
	}
	after, _ := ws.History(ctx, 10)
	if len(after) != len(entries)+1 {
		t.Fatalf("expected exactly one new entry, got %d -> %d", len(entries), len(after))
	}
	if err := ws.Undo(ctx); err != nil {
		t.Fatalf("undo restore: %v", err)
	}
	if got := segmentIDs(ws.View()); !equalIDs(got, []string{"open"}) {
		t.Fatalf("undo of restore produced %v", got)
	}
}

func TestRestoreHistoryErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	editor := env.join(t, "Eve", "editor")
	viewer := env.join(t, "Vic", "viewer")

	if _, err := editor.RestoreHistory(ctx, "hist_missing"); !errors.Is(err, history.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := viewer.RestoreHistory(ctx, "hist_missing"); !errors.Is(err, rbac.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if _, err := editor.Transition(ctx, TransitionInput{Event: "submit"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	entries, _ := editor.History(ctx, 1)
	if _, err := editor.RestoreHistory(ctx, entries[0].ID); err == nil {
		t.Fatalf("editor may not restore while in review")
	}
}

func TestGroupsLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ws := env.join(t, "Pat", "producer")

	if err := ws.SetSegmentLocked(ctx, "close", true); err != nil {
		t.Fatalf("lock: %v", err)
	}
	group, err := ws.AddGroup(ctx, GroupInput{Name: "Act 1", ColorID: "blue", SegmentIDs: []string{"open", "vt", "close"}})
	if err != nil {
		t.Fatalf("add group: %v", err)
	}
	grouped := 0
	for _, seg := range ws.View().Segments {
		if seg.GroupID == group.ID {
			grouped++
		}
	}
	if grouped != 2 {
		t.Fatalf("expected locked segment to be skipped, %d grouped", grouped)
	}
	collapsed, err := ws.ToggleGroup(ctx, group.ID)
	if err != nil || !collapsed {
		t.Fatalf("toggle: %v %v", collapsed, err)
	}
	name := "Act One"
	if err := ws.UpdateGroup(ctx, group.ID, &name, nil); err != nil {
		t.Fatalf("update group: %v", err)
	}
	ungrouped, err := ws.RemoveGroup(ctx, group.ID)
	if err != nil || ungrouped != 2 {
		t.Fatalf("remove group: %d %v", ungrouped, err)
	}
	for _, seg := range ws.View().Segments {
		if seg.GroupID != "" {
			t.Fatalf("segment %s still grouped", seg.ID)
		}
	}
}

func TestDuplicateAndTemplate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ws := env.join(t, "Pat", "producer")

	if err := ws.SetSegmentLocked(ctx, "vt", true); err != nil {
		t.Fatalf("lock: %v", err)
	}
	dup, err := ws.DuplicateSegment(ctx, "vt")
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if dup.Locked || dup.Name != "VT (copy)" {
		t.Fatalf("unexpected duplicate %+v", dup)
	}
	if got := segmentIDs(ws.View()); got[2] != dup.ID {
		t.Fatalf("duplicate should follow its source: %v", got)
	}

	zero := 0
	inserted, err := ws.InstantiateTemplate(ctx, "interview", &zero)
	if err != nil {
		t.Fatalf("template: %v", err)
	}
	if len(inserted) == 0 || ws.View().Segments[0].ID != inserted[0].ID {
		t.Fatalf("template segments should be inserted at the top")
	}
	if _, err := ws.InstantiateTemplate(ctx, "missing", nil); !errors.Is(err, rundown.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRemotePushReplacesLocalState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.join(t, "Ana", "editor")
	b := env.join(t, "Ben", "editor")

	if err := a.DeleteSegment(ctx, "open"); err != nil {
		t.Fatalf("a delete: %v", err)
	}
	eventually(t, func() bool { return equalIDs(segmentIDs(b.View()), []string{"vt", "close"}) })
	if err := b.MoveSegment(ctx, "close", 0); err != nil {
		t.Fatalf("b move: %v", err)
	}
	eventually(t, func() bool { return equalIDs(segmentIDs(a.View()), []string{"close", "vt"}) })
}

func TestSyncFailureKeepsLocalState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ws := env.join(t, "Eve", "editor")
	events, cancel := ws.Watch()
	defer cancel()
	<-events

	env.mr.SetError("READONLY replica")
	err := ws.DeleteSegment(ctx, "vt")
	env.mr.SetError("")
	if !errors.Is(err, syncer.ErrSyncFailure) {
		t.Fatalf("expected sync failure, got %v", err)
	}
	if got := segmentIDs(ws.View()); !equalIDs(got, []string{"open", "close"}) {
		t.Fatalf("local state should be kept, got %v", got)
	}

	sawNotice := false
	for !sawNotice {
		select {
		case ev := <-events:
			sawNotice = ev.Type == "notice"
		case <-time.After(time.Second):
			t.Fatal("no sync notice delivered")
		}
	}
}

func TestPresenceAcrossSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.join(t, "Ana", "editor")
	b := env.join(t, "Ben", "viewer")

	if err := a.Announce(ctx, presence.Selection{Single: "vt"}); err != nil {
		t.Fatalf("announce: %v", err)
	}
	peers, err := b.Presence(ctx)
	if err != nil {
		t.Fatalf("presence: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("expected two peers, got %+v", peers)
	}
	if peers[0].DisplayName != "Ana" || peers[0].Selection.Single != "vt" {
		t.Fatalf("unexpected first peer %+v", peers[0])
	}

	if err := env.svc.Leave(ctx, a.Session().ID); err != nil {
		t.Fatalf("leave: %v", err)
	}
	peers, err = b.Presence(ctx)
	if err != nil {
		t.Fatalf("presence after leave: %v", err)
	}
	if len(peers) != 1 || peers[0].DisplayName != "Ben" {
		t.Fatalf("departed session still present: %+v", peers)
	}
	if _, err := env.svc.Workspace(ctx, a.Session().ID); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected revoked session, got %v", err)
	}
}

func TestReattachAfterLeaveIsRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.join(t, "Ana", "editor")
	b := env.join(t, "Ben", "viewer")
	sess := a.Session()

	if err := env.svc.Leave(ctx, sess.ID); err != nil {
		t.Fatalf("leave: %v", err)
	}
	// A reconnect that read the session before it was revoked.
	if _, err := env.svc.attach(ctx, sess); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("attach after leave: expected not found, got %v", err)
	}
	if got := env.svc.Sessions(); len(got) != 1 || got[0].ID != b.Session().ID {
		t.Fatalf("unexpected attached sessions %+v", got)
	}
	peers, err := b.Presence(ctx)
	if err != nil {
		t.Fatalf("presence: %v", err)
	}
	if len(peers) != 1 || peers[0].DisplayName != "Ben" {
		t.Fatalf("departed session republished presence: %+v", peers)
	}
}

func TestSessionRevokedByAnotherProcessIsDetached(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.join(t, "Ana", "editor")
	b := env.join(t, "Ben", "viewer")
	id := a.Session().ID

	other := New(testConfig(), Deps{Redis: env.client, Logger: logger.Discard()})
	defer other.Shutdown(ctx)
	if err := other.Leave(ctx, id); err != nil {
		t.Fatalf("leave elsewhere: %v", err)
	}

	if _, err := env.svc.Workspace(ctx, id); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected revoked session to be rejected, got %v", err)
	}
	if got := env.svc.Sessions(); len(got) != 1 {
		t.Fatalf("revoked workspace still attached: %+v", got)
	}
	peers, err := b.Presence(ctx)
	if err != nil {
		t.Fatalf("presence: %v", err)
	}
	if len(peers) != 1 || peers[0].DisplayName != "Ben" {
		t.Fatalf("revoked session still present: %+v", peers)
	}
}

func TestWorkspaceResumesAfterShutdown(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ws := env.join(t, "Ana", "editor")
	id := ws.Session().ID

	env.svc.Shutdown(ctx)
	other := New(testConfig(), Deps{Redis: env.client, Logger: logger.Discard()})
	defer other.Shutdown(ctx)

	resumed, err := other.Workspace(ctx, id)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Session().DisplayName != "Ana" {
		t.Fatalf("unexpected session %+v", resumed.Session())
	}
	if got := segmentIDs(resumed.View()); !equalIDs(got, []string{"open", "vt", "close"}) {
		t.Fatalf("resumed workspace should load remote state, got %v", got)
	}
}
