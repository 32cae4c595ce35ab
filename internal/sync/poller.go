package sync

import (
	"context"
	"slices"
	"strings"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/mailstore"
	"github.com/nhle/mailsync/internal/model"
)

// SyncState represents the current state of a folder's refresh.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncRunning
	SyncError
)

func (s SyncState) String() string {
	switch s {
	case SyncRunning:
		return "running"
	case SyncError:
		return "error"
	default:
		return "idle"
	}
}

// SyncStatus holds the refresh state of a single folder.
type SyncStatus struct {
	Folder   string
	State    SyncState
	LastSync time.Time
	Error    error
	Summary  RefreshSummary
}

// SyncResult is published when a refresh cycle ends.
type SyncResult struct {
	AccountID string
	Folder    string
	Summary   RefreshSummary
	Error     error

	// AuthError is set when the server rejected the credentials.
	AuthError bool
}

// FolderSource lists the folders a Poller refreshes.
type FolderSource interface {
	SelectableFolders() []string
}

// defaultPollInterval is used when the account has no interval set.
const defaultPollInterval = 120 * time.Second

// Poller periodically refreshes every selectable folder of one account.
// Retrying failed refreshes is left to the next tick.
type Poller struct {
	NopListener

	accountID string
	engine    *Engine
	folders   FolderSource
	interval  time.Duration
	log       zerolog.Logger

	resultCh  chan SyncResult
	triggerCh chan string

	mu       gosync.Mutex
	statuses map[string]*SyncStatus
}

// NewPoller creates a poller and registers it with engine.
func NewPoller(
	account model.AccountConfig,
	engine *Engine,
	folders FolderSource,
	log zerolog.Logger,
) *Poller {
	interval := time.Duration(account.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = defaultPollInterval
	}

	p := &Poller{
		accountID: account.ID,
		engine:    engine,
		folders:   folders,
		interval:  interval,
		log:       log.With().Str("component", "poller").Str("account", account.ID).Logger(),
		resultCh:  make(chan SyncResult, 64),
		triggerCh: make(chan string, 16),
		statuses:  make(map[string]*SyncStatus),
	}
	engine.AddListener(p)
	return p
}

// Results returns the channel on which refresh outcomes are published.
// Results are dropped when the channel is full.
func (p *Poller) Results() <-chan SyncResult {
	return p.resultCh
}

// Run polls until ctx is cancelled. The folder tree is listed and every
// folder refreshed immediately, then once per interval.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.pollAll()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.pollAll()
		case folder := <-p.triggerCh:
			p.poll(folder)
		}
	}
}

// RefreshFolder triggers an immediate refresh of one folder.
func (p *Poller) RefreshFolder(folder string) {
	select {
	case p.triggerCh <- folder:
	default:
		// Channel full; the next tick covers it.
	}
}

// Statuses returns the refresh state of every polled folder, sorted by
// folder path.
func (p *Poller) Statuses() []SyncStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	statuses := make([]SyncStatus, 0, len(p.statuses))
	for _, s := range p.statuses {
		statuses = append(statuses, *s)
	}
	slices.SortFunc(statuses, func(a, b SyncStatus) int {
		return strings.Compare(a.Folder, b.Folder)
	})
	return statuses
}

// pollAll lists the folder tree and then refreshes every selectable
// folder. A failed listing still refreshes the folders already known.
func (p *Poller) pollAll() {
	err := p.engine.RequestFolderTree(func(_ *model.Folder, err error) {
		if err != nil {
			p.log.Warn().Err(err).Msg("Listing folders failed; refreshing known folders")
		}
		for _, folder := range p.folders.SelectableFolders() {
			p.poll(folder)
		}
	})
	if err != nil {
		p.log.Debug().Err(err).Msg("Folder listing not scheduled")
	}
}

func (p *Poller) poll(folder string) {
	p.setStatus(folder, func(s *SyncStatus) {
		s.State = SyncRunning
	})
	if err := p.engine.RequestRefresh(folder); err != nil {
		p.log.Warn().Err(err).Str("folder", folder).Msg("Refresh not scheduled")
		p.setStatus(folder, func(s *SyncStatus) {
			s.State = SyncError
			s.Error = err
		})
	}
}

// RefreshCompleted implements Listener.
func (p *Poller) RefreshCompleted(folder string, summary RefreshSummary) {
	p.setStatus(folder, func(s *SyncStatus) {
		s.State = SyncIdle
		s.Error = nil
		s.LastSync = time.Now()
		s.Summary = summary
	})
	p.sendResult(SyncResult{AccountID: p.accountID, Folder: folder, Summary: summary})
}

// RefreshFailed implements Listener.
func (p *Poller) RefreshFailed(folder string, err error) {
	p.setStatus(folder, func(s *SyncStatus) {
		s.State = SyncError
		s.Error = err
	})
	p.sendResult(SyncResult{
		AccountID: p.accountID,
		Folder:    folder,
		Error:     err,
		AuthError: mailstore.IsAuthError(err),
	})
}

func (p *Poller) setStatus(folder string, update func(*SyncStatus)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	status, ok := p.statuses[folder]
	if !ok {
		status = &SyncStatus{Folder: folder}
		p.statuses[folder] = status
	}
	update(status)
}

// sendResult publishes without blocking the dispatch goroutine.
func (p *Poller) sendResult(result SyncResult) {
	select {
	case p.resultCh <- result:
	default:
		p.log.Debug().Str("folder", result.Folder).Msg("Dropping sync result")
	}
}
