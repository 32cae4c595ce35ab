package sync

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/nhle/mailsync/internal/mailstore"
	"github.com/nhle/mailsync/internal/model"
)

func TestRefreshFetchesNewMessages(t *testing.T) {
	srv := newFakeServer(10, msgRange(1, 4)...)
	h := newHarness(t, srv, 100)

	out := h.refresh(t)
	if out.err != nil {
		t.Fatalf("refresh failed: %v", out.err)
	}
	if out.summary.Fetched != 4 {
		t.Errorf("Fetched = %d, want 4", out.summary.Fetched)
	}

	if ids := h.cache.ids(t); !slices.Equal(ids, []string{"m1", "m2", "m3", "m4"}) {
		t.Errorf("cache = %v", ids)
	}
	cached, _ := h.cache.get(t, "m2")
	if cached.Envelope.Subject != "message 2" {
		t.Errorf("headers not stored: %+v", cached)
	}
	if ids := h.events.availableIDs(0); !slices.Equal(ids, []string{"m1", "m2", "m3", "m4"}) {
		t.Errorf("available = %v", ids)
	}

	status, err := h.engine.Status(context.Background(), testFolder)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.MessageCount != 4 || status.UnseenCount != 4 {
		t.Errorf("status = %+v", status)
	}
}

func TestFirstRefreshLoadsCachedMessages(t *testing.T) {
	srv := newFakeServer(10, msgRange(1, 3)...)
	h := newHarness(t, srv, 100)
	h.cache.seed(t, msgRange(1, 3)...)

	h.refresh(t)
	h.refresh(t)

	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	if len(h.events.available) != 1 || len(h.events.available[0]) != 3 {
		t.Fatalf("expected one load of 3 cached messages, got %v", h.events.available)
	}
}

// panickyListener panics on the first MessagesAvailable call only.
type panickyListener struct {
	NopListener
	panicked bool
}

func (l *panickyListener) MessagesAvailable(string, []model.FolderMessage) {
	if !l.panicked {
		l.panicked = true
		panic("listener bug")
	}
}

func TestListenerPanicOnCachedLoadFailsRefresh(t *testing.T) {
	srv := newFakeServer(10, msgRange(1, 3)...)
	h := newHarness(t, srv, 100)
	h.cache.seed(t, msgRange(1, 3)...)
	h.engine.AddListener(&panickyListener{})

	first := h.refresh(t)
	if first.err == nil {
		t.Fatalf("refresh with a panicking listener should fail, got %+v", first.summary)
	}

	busy, err := h.engine.InProgress(context.Background(), testFolder)
	if err != nil {
		t.Fatalf("InProgress: %v", err)
	}
	if busy {
		t.Fatal("refresh still marked in progress after failure")
	}
	if n := h.cache.mutations(); n != 0 {
		t.Errorf("failed refresh mutated the cache %d times", n)
	}

	second := h.refresh(t)
	if second.err != nil {
		t.Fatalf("second refresh: %v", second.err)
	}
	if second.summary.Confirmed != 3 {
		t.Errorf("second refresh confirmed %d, want 3", second.summary.Confirmed)
	}
}

func TestRefreshIsIdempotent(t *testing.T) {
	srv := newFakeServer(2, msgRange(1, 6)...)
	srv.set(msg(2, model.FlagSeen))
	h := newHarness(t, srv, 100)
	h.cache.seed(t, msgRange(1, 4)...)

	first := h.refresh(t)
	if first.err != nil {
		t.Fatalf("first refresh: %v", first.err)
	}
	if first.summary.FlagsUpdated != 1 || first.summary.Fetched != 2 {
		t.Fatalf("first summary = %+v", first.summary)
	}

	h.cache.resetCounts()

	second := h.refresh(t)
	if second.err != nil {
		t.Fatalf("second refresh: %v", second.err)
	}
	if n := h.cache.mutations(); n != 0 {
		t.Errorf("second refresh mutated the cache %d times", n)
	}
	if second.summary.Evicted != 0 || second.summary.Fetched != 0 || second.summary.FlagsUpdated != 0 {
		t.Errorf("second summary = %+v", second.summary)
	}
}

func TestRecentFailureKeepsPartialUpdates(t *testing.T) {
	srv := newFakeServer(2, msgRange(1, 5)...)
	srv.set(msg(4, model.FlagSeen))
	srv.set(msg(5, model.FlagSeen|model.FlagFlagged))
	srv.recentErr = errors.New("connection reset")
	h := newHarness(t, srv, 100)
	h.cache.seed(t, msgRange(1, 5)...)

	out := h.refresh(t)
	if out.err == nil {
		t.Fatalf("expected refresh failure")
	}

	for _, id := range []string{"m4", "m5"} {
		m, ok := h.cache.get(t, id)
		if !ok || !m.Seen() {
			t.Errorf("%s: flags not applied: %+v", id, m)
		}
	}
	if n := h.cache.evictions.Load(); n != 0 {
		t.Errorf("evictions = %d, want 0", n)
	}
	if n := h.cache.inserts.Load(); n != 0 {
		t.Errorf("inserts = %d, want 0", n)
	}
	if len(h.cache.ids(t)) != 5 {
		t.Errorf("cache = %v", h.cache.ids(t))
	}

	running, err := h.engine.InProgress(context.Background(), testFolder)
	if err != nil || running {
		t.Fatalf("InProgress = %v, %v; want false", running, err)
	}

	srv.mu.Lock()
	srv.recentErr = nil
	srv.mu.Unlock()

	if out := h.refresh(t); out.err != nil {
		t.Fatalf("refresh after failure: %v", out.err)
	}
}

func TestVerifyFailureEvictsNothing(t *testing.T) {
	srv := newFakeServer(2, msgRange(1, 5)...)
	srv.remove("m3")
	srv.set(msg(1, model.FlagSeen))
	srv.flagsErr = errors.New("timeout")
	h := newHarness(t, srv, 100)
	h.cache.seed(t, msgRange(1, 5)...)

	out := h.refresh(t)
	if out.err == nil {
		t.Fatalf("expected refresh failure")
	}

	if m, _ := h.cache.get(t, "m1"); !m.Seen() {
		t.Errorf("partial verification flags not applied")
	}
	if _, ok := h.cache.get(t, "m3"); !ok {
		t.Errorf("m3 evicted on incomplete information")
	}
	if n := h.cache.evictions.Load(); n != 0 {
		t.Errorf("evictions = %d, want 0", n)
	}
}

func TestRetentionPrunesOldestVerified(t *testing.T) {
	srv := newFakeServer(3, msgRange(1, 8)...)
	h := newHarness(t, srv, 5)
	h.cache.seed(t, msgRange(1, 5)...)

	out := h.refresh(t)
	if out.err != nil {
		t.Fatalf("refresh: %v", out.err)
	}

	// 6..8 confirmed by the recent window, 1..5 by verification; the
	// three oldest do not fit.
	if ids := h.cache.ids(t); !slices.Equal(ids, []string{"m4", "m5", "m6", "m7", "m8"}) {
		t.Errorf("cache = %v", ids)
	}
	if out.summary.Pruned != 3 {
		t.Errorf("Pruned = %d, want 3", out.summary.Pruned)
	}
	if ids := h.events.availableIDs(1); !slices.Equal(ids, []string{"m6", "m7", "m8"}) {
		t.Errorf("available after load = %v", ids)
	}
	if ids := h.events.evictedIDs(); !slices.Equal(ids, []string{"m1", "m2", "m3"}) {
		t.Errorf("evicted = %v", ids)
	}
}

func TestRetentionPrunesOldestRecent(t *testing.T) {
	srv := newFakeServer(8, msgRange(1, 8)...)
	h := newHarness(t, srv, 5)

	out := h.refresh(t)
	if out.err != nil {
		t.Fatalf("refresh: %v", out.err)
	}

	want := []string{"m4", "m5", "m6", "m7", "m8"}
	if ids := h.cache.ids(t); !slices.Equal(ids, want) {
		t.Errorf("cache = %v", ids)
	}
	if ids := h.events.availableIDs(0); !slices.Equal(ids, want) {
		t.Errorf("available = %v", ids)
	}
}

func TestRetentionExhaustedSkipsVerification(t *testing.T) {
	srv := newFakeServer(3, msgRange(1, 6)...)
	h := newHarness(t, srv, 3)
	h.cache.seed(t, msgRange(1, 6)...)

	if out := h.refresh(t); out.err != nil {
		t.Fatalf("refresh: %v", out.err)
	}

	srv.mu.Lock()
	verifications := len(srv.flagRequests)
	srv.mu.Unlock()
	if verifications != 0 {
		t.Errorf("verification issued with no retention left")
	}
	if ids := h.cache.ids(t); !slices.Equal(ids, []string{"m4", "m5", "m6"}) {
		t.Errorf("cache = %v", ids)
	}
}

func TestOrphansEvictedOnce(t *testing.T) {
	srv := newFakeServer(2, msgRange(1, 6)...)
	srv.remove("m3")
	h := newHarness(t, srv, 100)
	h.cache.seed(t, msgRange(1, 6)...)

	if out := h.refresh(t); out.err != nil {
		t.Fatalf("refresh: %v", out.err)
	}
	if out := h.refresh(t); out.err != nil {
		t.Fatalf("second refresh: %v", out.err)
	}

	if ids := h.events.evictedIDs(); !slices.Equal(ids, []string{"m3"}) {
		t.Errorf("evicted = %v, want [m3]", ids)
	}
	if n := h.cache.evictions.Load(); n != 1 {
		t.Errorf("Evict called %d times, want 1", n)
	}
	if ids := h.cache.ids(t); !slices.Equal(ids, []string{"m1", "m2", "m4", "m5", "m6"}) {
		t.Errorf("cache = %v", ids)
	}
}

func TestEmptyServerFolderEvictsEverything(t *testing.T) {
	srv := newFakeServer(5)
	h := newHarness(t, srv, 100)
	h.cache.seed(t, msgRange(1, 3)...)

	out := h.refresh(t)
	if out.err != nil {
		t.Fatalf("refresh: %v", out.err)
	}
	if out.summary.Evicted != 3 || len(h.cache.ids(t)) != 0 {
		t.Errorf("summary = %+v, cache = %v", out.summary, h.cache.ids(t))
	}
}

func TestMalformedMessagesAreNeitherUpdatedNorEvicted(t *testing.T) {
	srv := newFakeServer(2, msgRange(1, 5)...)
	srv.set(msg(5, model.FlagSeen))
	srv.malformed["m5"] = true
	h := newHarness(t, srv, 100)
	h.cache.seed(t, msgRange(1, 5)...)

	out := h.refresh(t)
	if out.err != nil {
		t.Fatalf("refresh: %v", out.err)
	}
	if out.summary.Malformed != 1 {
		t.Errorf("Malformed = %d, want 1", out.summary.Malformed)
	}
	m, ok := h.cache.get(t, "m5")
	if !ok {
		t.Fatalf("malformed message evicted")
	}
	if m.Seen() {
		t.Errorf("malformed message updated")
	}
}

func TestCoalescedRequestRunsOneCheckAllCycle(t *testing.T) {
	srv := newFakeServer(3, msgRange(1, 10)...)
	srv.skipRecent["m9"] = true
	gate := make(chan struct{})
	srv.gate = gate
	h := newHarness(t, srv, 100)
	h.cache.seed(t, msgRange(1, 10)...)

	if err := h.engine.RequestRefresh(testFolder); err != nil {
		t.Fatalf("RequestRefresh: %v", err)
	}
	select {
	case <-srv.recentStarted:
	case <-time.After(5 * time.Second):
		t.Fatalf("first cycle never started")
	}

	if err := h.engine.RequestRefresh(testFolder); err != nil {
		t.Fatalf("RequestRefresh: %v", err)
	}
	running, err := h.engine.InProgress(context.Background(), testFolder)
	if err != nil || !running {
		t.Fatalf("InProgress = %v, %v; want true", running, err)
	}
	close(gate)

	first := h.events.wait(t)
	second := h.events.wait(t)
	if first.err != nil || second.err != nil {
		t.Fatalf("refresh failed: %v / %v", first.err, second.err)
	}
	if !second.summary.CheckAll {
		t.Errorf("coalesced cycle did not check all tokens")
	}
	if first.summary.CycleID == second.summary.CycleID {
		t.Errorf("expected two distinct cycles")
	}

	select {
	case o := <-h.events.outcomes:
		t.Fatalf("unexpected third cycle: %+v", o)
	case <-time.After(100 * time.Millisecond):
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.recentCalls != 2 {
		t.Errorf("recent fetches = %d, want 2", srv.recentCalls)
	}
	if len(srv.flagRequests) != 2 {
		t.Fatalf("verifications = %d, want 2", len(srv.flagRequests))
	}
	last := srv.flagRequests[1]
	if !slices.ContainsFunc(last, func(tok model.MessageToken) bool { return tok.ID == "m9" }) {
		t.Errorf("check-all cycle did not verify m9: %v", last)
	}
	if len(last) != 8 {
		t.Errorf("check-all cycle verified %d tokens, want 8", len(last))
	}
	if _, ok := h.cache.get(t, "m9"); !ok {
		t.Errorf("m9 evicted although present on the server")
	}
}

func TestMissingFolderReportsStatus(t *testing.T) {
	srv := newFakeServer(5, msgRange(1, 3)...)
	srv.missing = true
	h := newHarness(t, srv, 100)
	h.cache.seed(t, msgRange(1, 3)...)

	out := h.refresh(t)
	if !errors.Is(out.err, mailstore.ErrFolderNotFound) {
		t.Fatalf("err = %v, want ErrFolderNotFound", out.err)
	}

	h.events.mu.Lock()
	statuses := slices.Clone(h.events.statuses)
	h.events.mu.Unlock()
	if len(statuses) != 1 || !statuses[0].Missing {
		t.Errorf("statuses = %+v", statuses)
	}
	if len(h.cache.ids(t)) != 3 {
		t.Errorf("cache changed for missing folder")
	}
}

func TestMarkSeenBeforeDate(t *testing.T) {
	for _, roundtrip := range []bool{false, true} {
		srv := newFakeServer(10, msgRange(1, 3)...)
		h := newHarness(t, srv, 100)
		h.cache.seed(t, msgRange(1, 3)...)

		// Between the dates of m1 and m2.
		cutoff := msg(1, 0).Envelope.Date.Add(12 * time.Hour)

		done := make(chan MarkSeenResult, 1)
		err := h.engine.MarkSeenBefore(testFolder, cutoff, roundtrip, func(res MarkSeenResult, err error) {
			if err != nil {
				t.Errorf("MarkSeenBefore: %v", err)
			}
			done <- res
		})
		if err != nil {
			t.Fatalf("MarkSeenBefore: %v", err)
		}

		var res MarkSeenResult
		select {
		case res = <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("mark-seen never completed")
		}

		if len(res.Marked) != 1 || res.Marked[0].ID != "m1" {
			t.Errorf("roundtrip=%v: marked = %v", roundtrip, res.Marked)
		}

		srv.mu.Lock()
		calls := slices.Clone(srv.changeCalls)
		srv.mu.Unlock()
		if len(calls) != 1 || len(calls[0].tokens) != 1 || calls[0].flags != model.FlagSeen {
			t.Fatalf("roundtrip=%v: change calls = %+v", roundtrip, calls)
		}

		if m, _ := h.cache.get(t, "m1"); !m.Seen() {
			t.Errorf("roundtrip=%v: m1 not marked seen in cache", roundtrip)
		}
		if m, _ := h.cache.get(t, "m2"); m.Seen() {
			t.Errorf("roundtrip=%v: m2 marked seen", roundtrip)
		}
	}
}

func TestMarkSeenBeforeSkipsSeenMessages(t *testing.T) {
	srv := newFakeServer(10)
	h := newHarness(t, srv, 100)
	h.cache.seed(t, msg(1, model.FlagSeen), msg(2, 0))

	done := make(chan MarkSeenResult, 1)
	cutoff := baseDate.Add(36 * time.Hour)
	err := h.engine.MarkSeenBefore(testFolder, cutoff, false, func(res MarkSeenResult, _ error) {
		done <- res
	})
	if err != nil {
		t.Fatalf("MarkSeenBefore: %v", err)
	}

	if res := <-done; len(res.Marked) != 0 {
		t.Errorf("marked = %v, want none", res.Marked)
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.changeCalls) != 0 {
		t.Errorf("flag change issued for nothing")
	}
}

func TestRequestFolderTreeAndStatus(t *testing.T) {
	srv := newFakeServer(10, msg(1, model.FlagSeen), msg(2, 0))
	h := newHarness(t, srv, 100)

	if err := h.engine.RequestFolderTree(nil); err != nil {
		t.Fatalf("RequestFolderTree: %v", err)
	}
	if err := h.engine.RequestStatus(testFolder); err != nil {
		t.Fatalf("RequestStatus: %v", err)
	}

	status, err := waitStatus(t, h.engine)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.MessageCount != 2 || status.UnseenCount != 1 {
		t.Errorf("status = %+v", status)
	}

	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	if len(h.events.trees) != 1 || h.events.trees[0].Find(testFolder) == nil {
		t.Errorf("trees = %v", h.events.trees)
	}
}

func TestRequestFolderTreeReportsOutcome(t *testing.T) {
	srv := newFakeServer(10)
	h := newHarness(t, srv, 100)

	type result struct {
		root *model.Folder
		err  error
	}
	results := make(chan result, 2)
	done := func(root *model.Folder, err error) { results <- result{root, err} }

	if err := h.engine.RequestFolderTree(done); err != nil {
		t.Fatalf("RequestFolderTree: %v", err)
	}
	r := <-results
	if r.err != nil || r.root.Find(testFolder) == nil {
		t.Fatalf("first listing = %+v", r)
	}

	listErr := errors.New("connection reset")
	srv.mu.Lock()
	srv.treeErr = listErr
	srv.mu.Unlock()

	if err := h.engine.RequestFolderTree(done); err != nil {
		t.Fatalf("RequestFolderTree: %v", err)
	}
	r = <-results
	if !errors.Is(r.err, listErr) || r.root != nil {
		t.Errorf("failed listing = %+v", r)
	}

	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	if len(h.events.trees) != 1 {
		t.Errorf("FolderTreeChanged fired %d times, want 1", len(h.events.trees))
	}
}

// waitStatus polls until the folder has a known status.
func waitStatus(t *testing.T, e *Engine) (model.FolderStatus, error) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		status, err := e.Status(context.Background(), testFolder)
		if !errors.Is(err, ErrUnknownFolder) || time.Now().After(deadline) {
			return status, err
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestUnseenBefore(t *testing.T) {
	cached := []model.FolderMessage{
		msg(1, 0),
		msg(2, model.FlagSeen),
		msg(3, 0),
		{Token: model.MessageToken{ID: "nodate", Key: 4}},
	}
	got := unseenBefore(cached, msg(3, 0).Envelope.Date)
	if len(got) != 1 || got[0].ID() != "m1" {
		t.Errorf("unseenBefore = %v", got)
	}
}
