package sync

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/dispatch"
	"github.com/nhle/mailsync/internal/mailstore"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

// Phase is the position of a refresh cycle in its state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseFetchRecent
	PhaseVerifyOrphans
	PhaseEvict
	PhaseFetchBodies
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseFetchRecent:
		return "fetch-recent"
	case PhaseVerifyOrphans:
		return "verify-orphans"
	case PhaseEvict:
		return "evict"
	case PhaseFetchBodies:
		return "fetch-bodies"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// refreshCycle holds the working sets of one refresh of one folder.
type refreshCycle struct {
	id      string
	key     string
	phase   Phase
	started time.Time
	log     zerolog.Logger

	checkAll bool

	// retention is the number of messages the cycle may still keep.
	retention int

	// cached is the cache contents at cycle start.
	cached map[string]model.FolderMessage

	// orphans are cached messages not yet reconfirmed this cycle. Only
	// ever shrinks.
	orphans map[string]model.FolderMessage

	// toFetch are confirmed messages missing from the cache.
	toFetch map[string]model.MessageToken

	// candidates are the orphans sent for verification.
	candidates []model.MessageToken

	summary RefreshSummary
}

// startCycle seeds a new cycle from the cache and issues the first
// fetch.
func (e *Engine) startCycle(ctx context.Context, st *folderState, checkAll bool) {
	key := store.FolderKey(e.accountID, st.path)

	cached, err := e.cache.AllMessages(ctx, key)
	if err != nil {
		err = fmt.Errorf("loading cached messages: %w", err)
		e.log.Error().Err(err).Str("folder", st.path).Msg("Refresh not started")
		e.notify(func(l Listener) { l.RefreshFailed(st.path, err) })
		return
	}

	id := uuid.NewString()
	c := &refreshCycle{
		id:        id,
		key:       key,
		started:   time.Now(),
		log:       e.log.With().Str("folder", st.path).Str("cycle", id).Logger(),
		checkAll:  checkAll,
		retention: e.retention,
		cached:    make(map[string]model.FolderMessage, len(cached)),
		toFetch:   make(map[string]model.MessageToken),
	}
	for _, m := range cached {
		c.cached[m.ID()] = m
	}
	c.orphans = maps.Clone(c.cached)
	c.summary.CycleID = id

	st.inProgress = true
	st.cycle = c

	if !st.cachedLoaded {
		st.cachedLoaded = true
		if len(cached) > 0 {
			err := e.notifyRecovered(func(l Listener) { l.MessagesAvailable(st.path, cached) })
			if err != nil {
				e.fail(ctx, st, c, err, mailstore.Batch{})
				return
			}
		}
	}

	c.log.Debug().Int("cached", len(cached)).Bool("check_all", checkAll).Msg("Refresh started")

	c.phase = PhaseFetchRecent
	e.advance(ctx, st)
}

// advance runs the current phase of the folder's cycle.
func (e *Engine) advance(ctx context.Context, st *folderState) {
	c := st.cycle
	if c == nil {
		return
	}

	var err error
	switch c.phase {
	case PhaseFetchRecent:
		err = e.submit(st, c, func(ctx context.Context) (mailstore.Batch, error) {
			return e.client.FetchRecentFlags(ctx, st.path)
		}, e.onRecentFlags)

	case PhaseVerifyOrphans:
		candidates := c.candidates
		err = e.submit(st, c, func(ctx context.Context) (mailstore.Batch, error) {
			return e.client.FetchFlags(ctx, st.path, candidates)
		}, e.onVerifiedFlags)

	case PhaseEvict:
		if err := e.evictOrphans(ctx, st, c); err != nil {
			e.fail(ctx, st, c, err, mailstore.Batch{})
			return
		}
		c.phase = PhaseFetchBodies
		e.advance(ctx, st)

	case PhaseFetchBodies:
		if len(c.toFetch) == 0 {
			e.finish(ctx, st, c)
			return
		}
		tokens := slices.SortedFunc(maps.Values(c.toFetch), model.CompareTokens)
		err = e.submit(st, c, func(ctx context.Context) (mailstore.Batch, error) {
			return e.client.FetchHeaders(ctx, st.path, tokens)
		}, e.onHeaders)

	default:
		e.finish(ctx, st, c)
	}

	if err != nil {
		// The loop is shutting down; nothing else will run.
		c.log.Debug().Err(err).Stringer("phase", c.phase).Msg("Refresh abandoned")
		st.inProgress = false
		st.cycle = nil
	}
}

// submit issues a mail-store operation whose completion continues the
// cycle in next and whose failure goes to fail.
func (e *Engine) submit(
	st *folderState,
	c *refreshCycle,
	op func(ctx context.Context) (mailstore.Batch, error),
	next func(ctx context.Context, st *folderState, c *refreshCycle, batch mailstore.Batch) error,
) error {
	phase := c.phase
	return dispatch.Submit(e.loop, op,
		func(ctx context.Context, batch mailstore.Batch) {
			if st.cycle != c || c.phase != phase {
				return
			}
			if err := next(ctx, st, c, batch); err != nil {
				e.fail(ctx, st, c, err, mailstore.Batch{})
				return
			}
			e.advance(ctx, st)
		},
		func(ctx context.Context, partial mailstore.Batch, err error) {
			if st.cycle != c {
				return
			}
			e.fail(ctx, st, c, err, partial)
		},
	)
}

// onRecentFlags reconciles the newest messages reported by the server
// and decides whether older orphans need verification.
func (e *Engine) onRecentFlags(
	ctx context.Context,
	st *folderState,
	c *refreshCycle,
	batch mailstore.Batch,
) error {
	kept := e.keepNewest(c, batch)
	if err := e.confirm(ctx, st, c, kept); err != nil {
		return err
	}

	if st.checkAllTokens {
		c.checkAll = true
	}

	var candidates []model.MessageToken
	oldest, haveOldest := model.OldestToken(model.Tokens(kept))
	for _, m := range c.orphans {
		if c.checkAll || !haveOldest || model.CompareTokens(m.Token, oldest) < 0 {
			candidates = append(candidates, m.Token)
		}
	}
	slices.SortFunc(candidates, model.CompareTokens)
	c.candidates = candidates

	c.log.Debug().
		Int("reported", batch.Len()).
		Int("confirmed", len(kept)).
		Int("candidates", len(candidates)).
		Int("retention", c.retention).
		Msg("Recent flags reconciled")

	if len(candidates) > 0 && c.retention > 0 {
		c.phase = PhaseVerifyOrphans
	} else {
		c.phase = PhaseEvict
	}
	return nil
}

// onVerifiedFlags reconciles the verified orphans.
func (e *Engine) onVerifiedFlags(
	ctx context.Context,
	st *folderState,
	c *refreshCycle,
	batch mailstore.Batch,
) error {
	kept := e.keepNewest(c, batch)
	if err := e.confirm(ctx, st, c, kept); err != nil {
		return err
	}

	c.log.Debug().
		Int("reported", batch.Len()).
		Int("confirmed", len(kept)).
		Int("orphans", len(c.orphans)).
		Msg("Orphans verified")

	c.phase = PhaseEvict
	return nil
}

// keepNewest drops malformed entries from eviction and returns the
// messages of batch that fit into the remaining retention, newest kept.
// Messages that do not fit stay orphaned when cached and are never
// fetched otherwise.
func (e *Engine) keepNewest(c *refreshCycle, batch mailstore.Batch) []model.FolderMessage {
	for _, t := range batch.Malformed {
		delete(c.orphans, t.ID)
		delete(c.toFetch, t.ID)
		c.summary.Malformed++
	}

	msgs := slices.Clone(batch.Messages)
	slices.SortFunc(msgs, model.CompareMessages)
	msgs = slices.CompactFunc(msgs, func(a, b model.FolderMessage) bool {
		return a.Token.Equal(b.Token)
	})

	c.summary.Confirmed += len(msgs)
	if excess := len(msgs) - max(c.retention, 0); excess > 0 {
		c.log.Debug().Int("excess", excess).Msg("Pruning oldest confirmed messages")
		c.summary.Pruned += excess
		msgs = msgs[excess:]
	}
	c.retention -= len(msgs)
	return msgs
}

// confirm removes msgs from the orphan set, updates changed flags of
// cached messages and queues uncached ones for a header fetch.
func (e *Engine) confirm(
	ctx context.Context,
	st *folderState,
	c *refreshCycle,
	msgs []model.FolderMessage,
) error {
	var changed []model.FolderMessage
	defer func() {
		if len(changed) > 0 {
			e.notify(func(l Listener) { l.MessageFlagsChanged(st.path, changed) })
		}
	}()

	for _, m := range msgs {
		delete(c.orphans, m.ID())

		cached, ok := c.cached[m.ID()]
		if !ok {
			c.toFetch[m.ID()] = m.Token
			continue
		}
		if cached.Flags == m.Flags {
			continue
		}

		cached.Flags = m.Flags
		found, err := e.cache.UpdateFlags(ctx, c.key, cached)
		if err != nil {
			return fmt.Errorf("updating flags of %s: %w", m.ID(), err)
		}
		if !found {
			// Evicted behind our back; treat as new.
			delete(c.cached, m.ID())
			c.toFetch[m.ID()] = m.Token
			continue
		}
		c.cached[m.ID()] = cached
		c.summary.FlagsUpdated++
		changed = append(changed, cached)
	}
	return nil
}

// evictOrphans removes every remaining orphan from the cache.
func (e *Engine) evictOrphans(ctx context.Context, st *folderState, c *refreshCycle) error {
	if len(c.orphans) == 0 {
		return nil
	}

	ids := slices.Sorted(maps.Keys(c.orphans))
	var evicted []string
	defer func() {
		if len(evicted) > 0 {
			e.notify(func(l Listener) { l.MessagesEvicted(st.path, evicted) })
		}
	}()

	for _, id := range ids {
		if err := e.cache.Evict(ctx, c.key, id); err != nil {
			return fmt.Errorf("evicting %s: %w", id, err)
		}
		delete(c.orphans, id)
		delete(c.cached, id)
		evicted = append(evicted, id)
		c.summary.Evicted++
	}

	c.log.Debug().Int("evicted", len(evicted)).Msg("Orphans evicted")
	return nil
}

// onHeaders stores freshly fetched messages.
func (e *Engine) onHeaders(
	ctx context.Context,
	st *folderState,
	c *refreshCycle,
	batch mailstore.Batch,
) error {
	c.summary.Malformed += len(batch.Malformed)
	if err := e.storeFetched(ctx, st, c, batch.Messages); err != nil {
		return err
	}
	c.phase = PhaseIdle
	return nil
}

// storeFetched inserts fetched messages that were requested by the
// cycle and reports them as available.
func (e *Engine) storeFetched(
	ctx context.Context,
	st *folderState,
	c *refreshCycle,
	msgs []model.FolderMessage,
) error {
	var stored []model.FolderMessage
	defer func() {
		if len(stored) > 0 {
			e.notify(func(l Listener) { l.MessagesAvailable(st.path, stored) })
		}
	}()

	for _, m := range msgs {
		if _, ok := c.toFetch[m.ID()]; !ok {
			continue
		}
		if _, err := e.cache.UpdateOrInsert(ctx, c.key, m); err != nil {
			return fmt.Errorf("storing %s: %w", m.ID(), err)
		}
		delete(c.toFetch, m.ID())
		c.cached[m.ID()] = m
		c.summary.Fetched++
		stored = append(stored, m)
	}
	return nil
}

// finish ends a successful cycle and starts a coalesced one if needed.
func (e *Engine) finish(ctx context.Context, st *folderState, c *refreshCycle) {
	c.phase = PhaseIdle
	c.summary.CheckAll = c.checkAll
	c.summary.Duration = time.Since(c.started)

	st.inProgress = false
	st.cycle = nil
	st.initialRefreshComplete = true
	st.checkAllTokens = false

	status := model.FolderStatus{MessageCount: len(c.cached)}
	for _, m := range c.cached {
		if !m.Seen() {
			status.UnseenCount++
		}
	}
	e.setStatus(st, status)

	c.log.Info().
		Int("confirmed", c.summary.Confirmed).
		Int("fetched", c.summary.Fetched).
		Int("evicted", c.summary.Evicted).
		Dur("duration", c.summary.Duration).
		Msg("Refresh completed")

	summary := c.summary
	e.notify(func(l Listener) { l.RefreshCompleted(st.path, summary) })

	if st.rerun {
		st.rerun = false
		e.startCycle(ctx, st, true)
	}
}

// fail ends a cycle after an error. Flag updates carried by partial are
// applied (and fetched headers stored) but no orphan is evicted.
func (e *Engine) fail(
	ctx context.Context,
	st *folderState,
	c *refreshCycle,
	err error,
	partial mailstore.Batch,
) {
	switch c.phase {
	case PhaseFetchRecent, PhaseVerifyOrphans:
		msgs := slices.Clone(partial.Messages)
		for _, t := range partial.Malformed {
			delete(c.orphans, t.ID)
		}
		slices.SortFunc(msgs, model.CompareMessages)
		if cerr := e.confirm(ctx, st, c, msgs); cerr != nil {
			c.log.Warn().Err(cerr).Msg("Applying partial flags failed")
		}
	case PhaseFetchBodies:
		if serr := e.storeFetched(ctx, st, c, partial.Messages); serr != nil {
			c.log.Warn().Err(serr).Msg("Storing partial headers failed")
		}
	}

	clear(c.orphans)
	st.inProgress = false
	st.cycle = nil
	st.rerun = false

	c.log.Warn().Err(err).Stringer("phase", c.phase).Msg("Refresh failed")

	if errors.Is(err, mailstore.ErrFolderNotFound) {
		e.setStatus(st, model.FolderStatus{Missing: true})
	}
	e.notify(func(l Listener) { l.RefreshFailed(st.path, err) })
}
