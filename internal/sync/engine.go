// Package sync keeps the local message cache of each folder consistent
// with the mail server.
//
// An Engine serves one account over one mail-store connection. All of its
// state is owned by a dispatch.Loop: public methods only enqueue tasks,
// and every phase of a refresh cycle runs as a task or as the completion
// of a mail-store operation.
package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/dispatch"
	"github.com/nhle/mailsync/internal/mailstore"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

// ErrUnknownFolder is reported for operations on a folder the engine has
// never refreshed when a refreshed folder is required.
var ErrUnknownFolder = errors.New("unknown folder")

// folderState is the per-folder control state. Only touched from tasks.
type folderState struct {
	path string

	inProgress bool

	// checkAllTokens is set by a request that arrived while a cycle was
	// running. It widens orphan verification to every cached message.
	checkAllTokens bool

	// rerun schedules one more cycle after the running one succeeds.
	rerun bool

	initialRefreshComplete bool
	cachedLoaded           bool

	cycle  *refreshCycle
	status model.FolderStatus
}

// Engine runs folder refresh cycles for one account.
type Engine struct {
	accountID string
	retention int
	loop      *dispatch.Loop
	client    mailstore.Client
	cache     store.FolderMessageCache
	log       zerolog.Logger

	folders map[string]*folderState

	mu        gosync.Mutex
	listeners []Listener
}

// NewEngine creates an engine for account. The caller runs loop; client
// is only ever called from the loop's I/O goroutine.
func NewEngine(
	account model.AccountConfig,
	loop *dispatch.Loop,
	client mailstore.Client,
	cache store.FolderMessageCache,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		accountID: account.ID,
		retention: account.MaxFolderMessages,
		loop:      loop,
		client:    client,
		cache:     cache,
		log:       log.With().Str("component", "sync").Str("account", account.ID).Logger(),
		folders:   make(map[string]*folderState),
	}
}

// AddListener registers l for engine events.
func (e *Engine) AddListener(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// RemoveListener unregisters l.
func (e *Engine) RemoveListener(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, existing := range e.listeners {
		if existing == l {
			e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
			return
		}
	}
}

func (e *Engine) notify(fn func(Listener)) {
	e.mu.Lock()
	listeners := make([]Listener, len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.Unlock()

	for _, l := range listeners {
		fn(l)
	}
}

// notifyRecovered is notify for callers outside an operation completion,
// where a panicking listener would otherwise escape the cycle.
func (e *Engine) notifyRecovered(fn func(Listener)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panicked: %v", r)
		}
	}()
	e.notify(fn)
	return nil
}

// RequestRefresh schedules a refresh of folder. A request for a folder
// whose refresh is already running is coalesced into exactly one more
// cycle that reverifies every cached message.
func (e *Engine) RequestRefresh(folder string) error {
	return e.loop.Enqueue(func(ctx context.Context) {
		st := e.state(folder)
		if st.inProgress {
			e.log.Debug().Str("folder", folder).Msg("Coalescing refresh request")
			st.checkAllTokens = true
			st.rerun = true
			return
		}
		e.startCycle(ctx, st, st.checkAllTokens)
	})
}

// RequestFolderTree lists the account's folders and reports the result
// through FolderTreeChanged. done, if not nil, is called on the dispatch
// goroutine after listeners were notified.
func (e *Engine) RequestFolderTree(done func(*model.Folder, error)) error {
	if done == nil {
		done = func(*model.Folder, error) {}
	}

	return dispatch.Submit(e.loop,
		func(ctx context.Context) (*model.Folder, error) {
			return e.client.FolderTree(ctx)
		},
		func(_ context.Context, root *model.Folder) {
			e.notify(func(l Listener) { l.FolderTreeChanged(root) })
			done(root, nil)
		},
		func(_ context.Context, _ *model.Folder, err error) {
			e.log.Warn().Err(err).Msg("Listing folders failed")
			done(nil, err)
		},
	)
}

// RequestStatus asks the server for the counters of folder and reports
// them through FolderStatusChanged.
func (e *Engine) RequestStatus(folder string) error {
	return dispatch.Submit(e.loop,
		func(ctx context.Context) (model.FolderStatus, error) {
			return e.client.FolderStatus(ctx, folder)
		},
		func(_ context.Context, status model.FolderStatus) {
			e.setStatus(e.state(folder), status)
		},
		func(_ context.Context, _ model.FolderStatus, err error) {
			if errors.Is(err, mailstore.ErrFolderNotFound) {
				e.setStatus(e.state(folder), model.FolderStatus{Missing: true})
				return
			}
			e.log.Warn().Err(err).Str("folder", folder).Msg("Folder status failed")
		},
	)
}

// MarkSeenResult is passed to the MarkSeenBefore callback.
type MarkSeenResult struct {
	// Marked lists the messages included in the flag change.
	Marked []model.MessageToken
}

// MarkSeenBefore marks every cached, unseen message of folder dated
// strictly before cutoff as seen, using a single flag change request.
// With roundtrip set the flags the server reports back are stored;
// otherwise the cache is updated locally once the request succeeds.
// done, if not nil, is called on the dispatch goroutine.
func (e *Engine) MarkSeenBefore(
	folder string,
	cutoff time.Time,
	roundtrip bool,
	done func(MarkSeenResult, error),
) error {
	if done == nil {
		done = func(MarkSeenResult, error) {}
	}

	return e.loop.Enqueue(func(ctx context.Context) {
		key := store.FolderKey(e.accountID, folder)
		log := e.log.With().Str("folder", folder).Logger()

		cached, err := e.cache.AllMessages(ctx, key)
		if err != nil {
			done(MarkSeenResult{}, fmt.Errorf("loading cached messages: %w", err))
			return
		}

		targets := unseenBefore(cached, cutoff)
		result := MarkSeenResult{Marked: model.Tokens(targets)}
		if len(targets) == 0 {
			done(result, nil)
			return
		}

		log.Debug().Int("count", len(targets)).Time("cutoff", cutoff).Msg("Marking messages seen")

		err = dispatch.Submit(e.loop,
			func(ctx context.Context) (mailstore.Batch, error) {
				return e.client.ChangeFlags(ctx, folder, result.Marked, model.FlagSeen, roundtrip)
			},
			func(ctx context.Context, batch mailstore.Batch) {
				updated := batch.Messages
				if !roundtrip {
					updated = make([]model.FolderMessage, len(targets))
					for i, m := range targets {
						m.Flags = m.Flags.With(model.FlagSeen)
						updated[i] = m
					}
				}

				changed, err := e.storeFlags(ctx, key, cached, updated)
				if len(changed) > 0 {
					e.notify(func(l Listener) { l.MessageFlagsChanged(folder, changed) })
				}
				done(result, err)
			},
			func(_ context.Context, _ mailstore.Batch, err error) {
				log.Warn().Err(err).Msg("Marking messages seen failed")
				done(result, err)
			},
		)
		if err != nil {
			done(result, err)
		}
	})
}

// unseenBefore returns cached messages that are unseen and dated strictly
// before cutoff. Messages without a date are skipped.
func unseenBefore(cached []model.FolderMessage, cutoff time.Time) []model.FolderMessage {
	var out []model.FolderMessage
	for _, m := range cached {
		if m.Seen() || m.Envelope.Date.IsZero() {
			continue
		}
		if m.Envelope.Date.Before(cutoff) {
			out = append(out, m)
		}
	}
	return out
}

// storeFlags writes the flags of msgs to cached records whose flags
// differ, returning the changed records.
func (e *Engine) storeFlags(
	ctx context.Context,
	key string,
	cached []model.FolderMessage,
	msgs []model.FolderMessage,
) ([]model.FolderMessage, error) {
	index := make(map[string]model.FolderMessage, len(cached))
	for _, m := range cached {
		index[m.ID()] = m
	}

	var changed []model.FolderMessage
	for _, m := range msgs {
		existing, ok := index[m.ID()]
		if !ok || existing.Flags == m.Flags {
			continue
		}
		existing.Flags = m.Flags
		if _, err := e.cache.UpdateFlags(ctx, key, existing); err != nil {
			return changed, err
		}
		changed = append(changed, existing)
	}
	return changed, nil
}

// InProgress reports whether a refresh of folder is running. It must not
// be called from a Listener.
func (e *Engine) InProgress(ctx context.Context, folder string) (bool, error) {
	var running bool
	err := e.loop.Do(ctx, func(context.Context) {
		if st, ok := e.folders[folder]; ok {
			running = st.inProgress
		}
	})
	return running, err
}

// Status returns the last known counters of folder. It must not be
// called from a Listener.
func (e *Engine) Status(ctx context.Context, folder string) (model.FolderStatus, error) {
	var (
		status model.FolderStatus
		known  bool
	)
	err := e.loop.Do(ctx, func(context.Context) {
		if st, ok := e.folders[folder]; ok {
			status, known = st.status, true
		}
	})
	if err != nil {
		return status, err
	}
	if !known {
		return status, fmt.Errorf("%s: %w", folder, ErrUnknownFolder)
	}
	return status, nil
}

func (e *Engine) state(folder string) *folderState {
	st, ok := e.folders[folder]
	if !ok {
		st = &folderState{path: folder}
		e.folders[folder] = st
	}
	return st
}

func (e *Engine) setStatus(st *folderState, status model.FolderStatus) {
	st.status = status
	e.notify(func(l Listener) { l.FolderStatusChanged(st.path, status) })
}
