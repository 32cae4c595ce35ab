package sync

import (
	"context"
	"fmt"
	"slices"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/dispatch"
	"github.com/nhle/mailsync/internal/mailstore"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

const testFolder = "INBOX"

var baseDate = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// msg builds a message with key n dated n days after baseDate.
func msg(n uint64, flags model.Flags) model.FolderMessage {
	return model.FolderMessage{
		Token: model.MessageToken{ID: fmt.Sprintf("m%d", n), Key: n},
		Envelope: model.Envelope{
			Subject: fmt.Sprintf("message %d", n),
			Date:    baseDate.AddDate(0, 0, int(n)),
		},
		Flags: flags,
		Size:  int64(100 * n),
	}
}

func msgRange(from, to uint64) []model.FolderMessage {
	var out []model.FolderMessage
	for n := from; n <= to; n++ {
		out = append(out, msg(n, 0))
	}
	return out
}

// fakeServer is an in-memory mail store for one folder.
type fakeServer struct {
	mu gosync.Mutex

	msgs   map[string]model.FolderMessage
	recent int

	// skipRecent hides messages from the recent-flags window.
	skipRecent map[string]bool
	malformed  map[string]bool
	missing    bool

	recentErr error
	flagsErr  error
	treeErr   error

	// gate, when set, blocks FetchRecentFlags until closed.
	gate          chan struct{}
	recentStarted chan struct{}

	recentCalls  int
	flagRequests [][]model.MessageToken
	headerCalls  int
	changeCalls  []changeCall
}

type changeCall struct {
	tokens    []model.MessageToken
	flags     model.Flags
	roundtrip bool
}

func newFakeServer(recent int, initial ...model.FolderMessage) *fakeServer {
	s := &fakeServer{
		msgs:          make(map[string]model.FolderMessage),
		recent:        recent,
		skipRecent:    make(map[string]bool),
		malformed:     make(map[string]bool),
		recentStarted: make(chan struct{}, 1),
	}
	for _, m := range initial {
		s.msgs[m.ID()] = m
	}
	return s
}

func (s *fakeServer) sorted() []model.FolderMessage {
	out := make([]model.FolderMessage, 0, len(s.msgs))
	for _, m := range s.msgs {
		out = append(out, m)
	}
	slices.SortFunc(out, model.CompareMessages)
	return out
}

func flagsOnly(m model.FolderMessage) model.FolderMessage {
	return model.FolderMessage{Token: m.Token, Flags: m.Flags}
}

func (s *fakeServer) FolderTree(context.Context) (*model.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.treeErr != nil {
		return nil, s.treeErr
	}
	return &model.Folder{Children: []*model.Folder{
		{Path: testFolder, Name: testFolder, Selectable: true},
	}}, nil
}

func (s *fakeServer) FolderStatus(context.Context, string) (model.FolderStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.missing {
		return model.FolderStatus{}, mailstore.ErrFolderNotFound
	}
	status := model.FolderStatus{MessageCount: len(s.msgs)}
	for _, m := range s.msgs {
		if !m.Seen() {
			status.UnseenCount++
		}
	}
	return status, nil
}

func (s *fakeServer) FetchRecentFlags(ctx context.Context, folder string) (mailstore.Batch, error) {
	select {
	case s.recentStarted <- struct{}{}:
	default:
	}
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return mailstore.Batch{}, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.recentCalls++

	if s.missing {
		return mailstore.Batch{}, fmt.Errorf("%s: %w", folder, mailstore.ErrFolderNotFound)
	}

	all := s.sorted()
	if len(all) > s.recent {
		all = all[len(all)-s.recent:]
	}

	var batch mailstore.Batch
	for _, m := range all {
		switch {
		case s.skipRecent[m.ID()]:
		case s.malformed[m.ID()]:
			batch.Malformed = append(batch.Malformed, m.Token)
		default:
			batch.Messages = append(batch.Messages, flagsOnly(m))
		}
	}
	return batch, s.recentErr
}

func (s *fakeServer) FetchFlags(
	_ context.Context,
	_ string,
	tokens []model.MessageToken,
) (mailstore.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flagRequests = append(s.flagRequests, slices.Clone(tokens))

	var batch mailstore.Batch
	for _, t := range tokens {
		m, ok := s.msgs[t.ID]
		switch {
		case !ok:
		case s.malformed[t.ID]:
			batch.Malformed = append(batch.Malformed, t)
		default:
			batch.Messages = append(batch.Messages, flagsOnly(m))
		}
	}
	return batch, s.flagsErr
}

func (s *fakeServer) FetchHeaders(
	_ context.Context,
	_ string,
	tokens []model.MessageToken,
) (mailstore.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headerCalls++

	var batch mailstore.Batch
	for _, t := range tokens {
		if m, ok := s.msgs[t.ID]; ok {
			batch.Messages = append(batch.Messages, m)
		}
	}
	return batch, nil
}

func (s *fakeServer) ChangeFlags(
	_ context.Context,
	_ string,
	tokens []model.MessageToken,
	flags model.Flags,
	roundtrip bool,
) (mailstore.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changeCalls = append(s.changeCalls, changeCall{
		tokens:    slices.Clone(tokens),
		flags:     flags,
		roundtrip: roundtrip,
	})

	var batch mailstore.Batch
	for _, t := range tokens {
		m, ok := s.msgs[t.ID]
		if !ok {
			continue
		}
		m.Flags = m.Flags.With(flags)
		s.msgs[t.ID] = m
		if roundtrip {
			batch.Messages = append(batch.Messages, flagsOnly(m))
		}
	}
	return batch, nil
}

func (s *fakeServer) Close() error { return nil }

func (s *fakeServer) set(m model.FolderMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[m.ID()] = m
}

func (s *fakeServer) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.msgs, id)
}

// countingCache counts cache mutations.
type countingCache struct {
	*store.MemoryStore

	inserts     atomic.Int64
	flagUpdates atomic.Int64
	evictions   atomic.Int64
}

func (c *countingCache) UpdateOrInsert(ctx context.Context, folder string, m model.FolderMessage) (bool, error) {
	c.inserts.Add(1)
	return c.MemoryStore.UpdateOrInsert(ctx, folder, m)
}

func (c *countingCache) UpdateFlags(ctx context.Context, folder string, m model.FolderMessage) (bool, error) {
	c.flagUpdates.Add(1)
	return c.MemoryStore.UpdateFlags(ctx, folder, m)
}

func (c *countingCache) Evict(ctx context.Context, folder string, id string) error {
	c.evictions.Add(1)
	return c.MemoryStore.Evict(ctx, folder, id)
}

func (c *countingCache) mutations() int64 {
	return c.inserts.Load() + c.flagUpdates.Load() + c.evictions.Load()
}

func (c *countingCache) resetCounts() {
	c.inserts.Store(0)
	c.flagUpdates.Store(0)
	c.evictions.Store(0)
}

// seed stores msgs without counting.
func (c *countingCache) seed(t *testing.T, msgs ...model.FolderMessage) {
	t.Helper()
	for _, m := range msgs {
		if _, err := c.MemoryStore.UpdateOrInsert(context.Background(), folderKey, m); err != nil {
			t.Fatalf("seeding cache: %v", err)
		}
	}
}

func (c *countingCache) ids(t *testing.T) []string {
	t.Helper()
	all, err := c.MemoryStore.AllMessages(context.Background(), folderKey)
	if err != nil {
		t.Fatalf("AllMessages: %v", err)
	}
	ids := make([]string, len(all))
	for i, m := range all {
		ids[i] = m.ID()
	}
	return ids
}

func (c *countingCache) get(t *testing.T, id string) (model.FolderMessage, bool) {
	t.Helper()
	all, err := c.MemoryStore.AllMessages(context.Background(), folderKey)
	if err != nil {
		t.Fatalf("AllMessages: %v", err)
	}
	for _, m := range all {
		if m.ID() == id {
			return m, true
		}
	}
	return model.FolderMessage{}, false
}

const testAccount = "acct"

var folderKey = store.FolderKey(testAccount, testFolder)

// outcome is the end of one refresh cycle.
type outcome struct {
	folder  string
	summary RefreshSummary
	err     error
}

// recorder collects listener events.
type recorder struct {
	mu        gosync.Mutex
	available [][]model.FolderMessage
	evicted   []string
	changed   []model.FolderMessage
	statuses  []model.FolderStatus
	trees     []*model.Folder

	outcomes chan outcome
}

func newRecorder() *recorder {
	return &recorder{outcomes: make(chan outcome, 16)}
}

func (r *recorder) MessagesAvailable(_ string, msgs []model.FolderMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.available = append(r.available, slices.Clone(msgs))
}

func (r *recorder) MessagesEvicted(_ string, ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evicted = append(r.evicted, ids...)
}

func (r *recorder) MessageFlagsChanged(_ string, msgs []model.FolderMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changed = append(r.changed, msgs...)
}

func (r *recorder) FolderStatusChanged(_ string, status model.FolderStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *recorder) FolderTreeChanged(root *model.Folder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trees = append(r.trees, root)
}

func (r *recorder) RefreshFailed(folder string, err error) {
	r.outcomes <- outcome{folder: folder, err: err}
}

func (r *recorder) RefreshCompleted(folder string, summary RefreshSummary) {
	r.outcomes <- outcome{folder: folder, summary: summary}
}

func (r *recorder) wait(t *testing.T) outcome {
	t.Helper()
	select {
	case o := <-r.outcomes:
		return o
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for refresh outcome")
		return outcome{}
	}
}

func (r *recorder) availableIDs(skip int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, batch := range r.available[min(skip, len(r.available)):] {
		for _, m := range batch {
			ids = append(ids, m.ID())
		}
	}
	return ids
}

func (r *recorder) evictedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.evicted)
}

type harness struct {
	engine *Engine
	server *fakeServer
	cache  *countingCache
	events *recorder
}

func newHarness(t *testing.T, server *fakeServer, retention int) *harness {
	t.Helper()

	loop := dispatch.New(zerolog.Nop(), dispatch.WithOperationTimeout(5*time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = loop.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	cache := &countingCache{MemoryStore: store.NewMemoryStore()}
	account := model.AccountConfig{ID: testAccount, MaxFolderMessages: retention}
	engine := NewEngine(account, loop, server, cache, zerolog.Nop())

	events := newRecorder()
	engine.AddListener(events)

	return &harness{engine: engine, server: server, cache: cache, events: events}
}

func (h *harness) refresh(t *testing.T) outcome {
	t.Helper()
	if err := h.engine.RequestRefresh(testFolder); err != nil {
		t.Fatalf("RequestRefresh: %v", err)
	}
	return h.events.wait(t)
}
