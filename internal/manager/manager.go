// Package manager owns the persisted download queue and the
// concurrency gate over active transfers. It performs no I/O of its
// own; starting an actual transfer is delegated to a registered
// start-callback.
package manager

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"vidfarm/internal/errdefs"
	"vidfarm/internal/storage"
)

const (
	// MinConcurrent and MaxConcurrentLimit bound the concurrency gate.
	MinConcurrent      = 1
	MaxConcurrentLimit = 5

	// progressWriteRate throttles how often per-item progress updates
	// reach the store. Extractors report progress far faster than a
	// queue listing needs.
	progressWriteRate  = rate.Limit(5)
	progressWriteBurst = 5
)

// partialSuffixes are the artifact suffixes an interrupted transfer
// leaves next to the output path.
var partialSuffixes = []string{".part", ".ytdl"}

// StartFunc is invoked when the gate opens and a pending item may
// begin. The callback decides whether to actually call StartDownload;
// the manager only signals eligibility.
type StartFunc func(item storage.QueueItem)

// Manager is the synchronous queue service. Every public method
// performs one persisted mutation and returns; it never blocks on
// network or disk transfers.
type Manager struct {
	store *storage.Storage
	log   *slog.Logger

	mu            sync.Mutex
	active        map[string]struct{}
	maxConcurrent int
	onStart       StartFunc
	progressGates map[string]*rate.Limiter
}

// New builds a Manager. maxConcurrent is clamped to [1,5].
func New(store *storage.Storage, log *slog.Logger, maxConcurrent int) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:         store,
		log:           log,
		active:        make(map[string]struct{}),
		maxConcurrent: clampConcurrent(maxConcurrent),
		progressGates: make(map[string]*rate.Limiter),
	}
}

func clampConcurrent(n int) int {
	if n < MinConcurrent {
		return MinConcurrent
	}
	if n > MaxConcurrentLimit {
		return MaxConcurrentLimit
	}
	return n
}

// SetStartCallback registers the dispatcher notified when a pending
// item becomes eligible to start.
func (m *Manager) SetStartCallback(fn StartFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStart = fn
}

// MaxConcurrent returns the current gate size.
func (m *Manager) MaxConcurrent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxConcurrent
}

// SetMaxConcurrent resizes the gate, clamping to [1,5]. Shrinking the
// gate never interrupts transfers already active.
func (m *Manager) SetMaxConcurrent(n int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxConcurrent = clampConcurrent(n)
	return m.maxConcurrent
}

// ActiveCount returns the size of the in-memory active set. Advisory
// bookkeeping; the persisted status is authoritative for recovery.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// CanStartDownload reports whether the gate currently has room.
func (m *Manager) CanStartDownload() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active) < m.maxConcurrent
}

// AddToQueue appends a new pending item at the tail of the queue.
func (m *Manager) AddToQueue(url, outputPath, formatID, title string) (storage.QueueItem, error) {
	if strings.TrimSpace(url) == "" {
		return storage.QueueItem{}, errdefs.Validationf("url must not be empty")
	}

	item := storage.QueueItem{
		ID:         uuid.New().String(),
		URL:        url,
		Title:      title,
		FormatID:   formatID,
		OutputPath: outputPath,
		Status:     storage.StatusPending,
	}

	err := m.store.Transaction(func(tx *storage.Storage) error {
		pos, err := tx.NextPosition()
		if err != nil {
			return err
		}
		item.Position = pos
		return tx.CreateQueueItem(&item)
	})
	if err != nil {
		return storage.QueueItem{}, errdefs.Queue("add", err)
	}

	m.log.Info("queued download", "id", item.ID, "url", url, "position", item.Position)
	return item, nil
}

// GetQueue lists the queue ordered by position. Completed and
// cancelled items are excluded unless includeCompleted is set.
func (m *Manager) GetQueue(includeCompleted bool) ([]storage.QueueItem, error) {
	items, err := m.store.ListQueue(includeCompleted)
	if err != nil {
		return nil, errdefs.Queue("list", err)
	}
	return items, nil
}

// GetItem fetches one queue item. ok is false when it does not exist.
func (m *Manager) GetItem(id string) (storage.QueueItem, bool, error) {
	item, err := m.store.GetQueueItem(id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.QueueItem{}, false, nil
	}
	if err != nil {
		return storage.QueueItem{}, false, errdefs.Queue("get", err)
	}
	return item, true, nil
}

// transition applies one state machine edge, returning false when the
// item is missing or the edge is not allowed. mutate runs on the item
// before it is saved.
func (m *Manager) transition(op, id string, next storage.Status, mutate func(*storage.QueueItem)) (bool, error) {
	var ok bool
	err := m.store.Transaction(func(tx *storage.Storage) error {
		item, err := tx.GetQueueItem(id)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !item.Status.CanTransitionTo(next) {
			return nil
		}
		item.Status = next
		if mutate != nil {
			mutate(&item)
		}
		if err := tx.SaveQueueItem(&item); err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return false, errdefs.Queue(op, err)
	}
	return ok, nil
}

// StartDownload moves a pending or paused item into Downloading,
// provided the concurrency gate has room. Returns false without
// mutating anything when the gate is full or the transition is
// invalid.
func (m *Manager) StartDownload(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.active) >= m.maxConcurrent {
		return false, nil
	}

	ok, err := m.transition("start", id, storage.StatusDownloading, func(item *storage.QueueItem) {
		item.ErrorMessage = ""
	})
	if err != nil || !ok {
		return ok, err
	}

	m.active[id] = struct{}{}
	m.progressGates[id] = rate.NewLimiter(progressWriteRate, progressWriteBurst)
	m.log.Info("download started", "id", id, "active", len(m.active), "max", m.maxConcurrent)
	return true, nil
}

// PauseDownload suspends an in-flight item.
func (m *Manager) PauseDownload(id string) (bool, error) {
	ok, err := m.transition("pause", id, storage.StatusPaused, nil)
	if ok {
		m.release(id)
		m.log.Info("download paused", "id", id)
	}
	return ok, err
}

// ResumeDownload moves a paused item back into Downloading. The gate
// applies just as for a fresh start.
func (m *Manager) ResumeDownload(id string) (bool, error) {
	return m.StartDownload(id)
}

// CancelDownload cancels an item in any non-terminal state. With
// cleanup set, partial artifacts next to the output path are removed
// best-effort.
func (m *Manager) CancelDownload(id string, cleanup bool) (bool, error) {
	var outputPath string
	ok, err := m.transition("cancel", id, storage.StatusCancelled, func(item *storage.QueueItem) {
		outputPath = item.OutputPath
	})
	if err != nil || !ok {
		return ok, err
	}

	m.release(id)
	if cleanup && outputPath != "" {
		m.cleanupPartials(id, outputPath)
	}
	m.log.Info("download cancelled", "id", id, "cleanup", cleanup)
	return true, nil
}

// cleanupPartials deletes leftover transfer artifacts. Failures are
// logged, never propagated.
func (m *Manager) cleanupPartials(id, outputPath string) {
	for _, suffix := range partialSuffixes {
		path := outputPath + suffix
		err := os.Remove(path)
		if err == nil {
			m.log.Debug("removed partial file", "id", id, "path", path)
		} else if !os.IsNotExist(err) {
			m.log.Warn("failed to remove partial file", "id", id, "path", path, "error", err)
		}
	}
}

// CompleteDownload finishes an item: status Completed, progress 100,
// and a history row written in the same transaction. Afterwards the
// next eligible pending item is offered to the start-callback.
func (m *Manager) CompleteDownload(id, filePath string, fileSize int64) (bool, error) {
	var ok bool
	err := m.store.Transaction(func(tx *storage.Storage) error {
		item, err := tx.GetQueueItem(id)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !item.Status.CanTransitionTo(storage.StatusCompleted) {
			return nil
		}

		item.Status = storage.StatusCompleted
		item.Progress = 100
		item.ErrorMessage = ""
		if err := tx.SaveQueueItem(&item); err != nil {
			return err
		}

		entry := storage.HistoryEntry{
			ID:           uuid.New().String(),
			URL:          item.URL,
			Title:        item.Title,
			FilePath:     filePath,
			FileSize:     fileSize,
			FormatID:     item.FormatID,
			DownloadedAt: time.Now().UTC(),
			Status:       "completed",
		}
		if err := tx.CreateHistoryEntry(&entry); err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return false, errdefs.Queue("complete", err)
	}
	if !ok {
		return false, nil
	}

	m.release(id)
	m.log.Info("download completed", "id", id, "path", filePath)
	m.autoStartNext()
	return true, nil
}

// FailDownload marks an in-flight item Failed and records the error
// message, then offers the next pending item to the start-callback.
func (m *Manager) FailDownload(id, errorMessage string) (bool, error) {
	ok, err := m.transition("fail", id, storage.StatusFailed, func(item *storage.QueueItem) {
		item.ErrorMessage = errorMessage
	})
	if err != nil || !ok {
		return ok, err
	}

	m.release(id)
	m.log.Warn("download failed", "id", id, "error", errorMessage)
	m.autoStartNext()
	return true, nil
}

// RetryFailed resets a failed item to Pending with cleared progress.
// It does not start the download; the item waits its turn like any
// other pending item.
func (m *Manager) RetryFailed(id string) (bool, error) {
	ok, err := m.transition("retry", id, storage.StatusPending, func(item *storage.QueueItem) {
		item.Progress = 0
		item.ErrorMessage = ""
	})
	if ok {
		m.log.Info("download requeued", "id", id)
	}
	return ok, err
}

// UpdateProgress records transfer progress, clamped to [0,100]. Writes
// are throttled per item; a throttled update still reports true.
func (m *Manager) UpdateProgress(id string, percent float64) (bool, error) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	m.mu.Lock()
	gate := m.progressGates[id]
	m.mu.Unlock()
	if gate != nil && percent < 100 && !gate.Allow() {
		return true, nil
	}

	var ok bool
	err := m.store.Transaction(func(tx *storage.Storage) error {
		item, err := tx.GetQueueItem(id)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		item.Progress = percent
		if err := tx.SaveQueueItem(&item); err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return false, errdefs.Queue("progress", err)
	}
	return ok, nil
}

// ReorderQueue moves an item to newPosition among the active items,
// shifting the items in between by one. Positions out of range are
// clamped; a move to the current position is a successful no-op.
func (m *Manager) ReorderQueue(id string, newPosition int) (bool, error) {
	if newPosition < 0 {
		return false, errdefs.Validationf("position must not be negative, got %d", newPosition)
	}

	var ok bool
	err := m.store.Transaction(func(tx *storage.Storage) error {
		item, err := tx.GetQueueItem(id)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if item.Status.IsTerminal() {
			return nil
		}

		count, err := tx.CountActive()
		if err != nil {
			return err
		}
		target := newPosition
		if target < 1 {
			target = 1
		}
		if target > int(count) {
			target = int(count)
		}

		if target == item.Position {
			ok = true
			return nil
		}

		if target < item.Position {
			err = tx.ShiftPositionRange(target, item.Position-1, +1)
		} else {
			err = tx.ShiftPositionRange(item.Position+1, target, -1)
		}
		if err != nil {
			return err
		}

		item.Position = target
		if err := tx.SaveQueueItem(&item); err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return false, errdefs.Queue("reorder", err)
	}
	return ok, nil
}

// RemoveFromQueue deletes an item and closes the position gap it
// leaves among active items.
func (m *Manager) RemoveFromQueue(id string) (bool, error) {
	var ok bool
	err := m.store.Transaction(func(tx *storage.Storage) error {
		item, err := tx.GetQueueItem(id)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.DeleteQueueItem(id); err != nil {
			return err
		}
		if !item.Status.IsTerminal() {
			if err := tx.ShiftPositionsAfter(item.Position); err != nil {
				return err
			}
		}
		ok = true
		return nil
	})
	if err != nil {
		return false, errdefs.Queue("remove", err)
	}
	if ok {
		m.release(id)
		m.log.Info("removed from queue", "id", id)
	}
	return ok, nil
}

// ClearCompleted bulk-deletes completed and cancelled rows.
func (m *Manager) ClearCompleted() (int64, error) {
	n, err := m.store.DeleteTerminalItems()
	if err != nil {
		return 0, errdefs.Queue("clear completed", err)
	}
	if n > 0 {
		m.log.Info("cleared finished items", "count", n)
	}
	return n, nil
}

// RestoreQueue performs startup crash recovery: every item persisted
// as Downloading was interrupted and is reset to Pending. Must run
// before any StartDownload call. Returns the active queue.
func (m *Manager) RestoreQueue() ([]storage.QueueItem, error) {
	var items []storage.QueueItem
	err := m.store.Transaction(func(tx *storage.Storage) error {
		var err error
		items, err = tx.ListQueue(false)
		if err != nil {
			return err
		}
		for i := range items {
			if items[i].Status != storage.StatusDownloading {
				continue
			}
			items[i].Status = storage.StatusPending
			if err := tx.SaveQueueItem(&items[i]); err != nil {
				return err
			}
			m.log.Info("recovered interrupted download", "id", items[i].ID, "url", items[i].URL)
		}
		return nil
	})
	if err != nil {
		return nil, errdefs.Queue("restore", err)
	}

	m.mu.Lock()
	m.active = make(map[string]struct{})
	m.progressGates = make(map[string]*rate.Limiter)
	m.mu.Unlock()
	return items, nil
}

// QueueState returns the number of items per status.
func (m *Manager) QueueState() (map[storage.Status]int64, error) {
	counts, err := m.store.CountByStatus()
	if err != nil {
		return nil, errdefs.Queue("state", err)
	}
	return counts, nil
}

// release drops an item from the active set and its progress gate.
func (m *Manager) release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, id)
	delete(m.progressGates, id)
}

// autoStartNext offers the lowest-position pending item to the
// start-callback when the gate has room. The callback runs outside the
// manager lock so it may call StartDownload directly.
func (m *Manager) autoStartNext() {
	m.mu.Lock()
	onStart := m.onStart
	hasRoom := len(m.active) < m.maxConcurrent
	m.mu.Unlock()

	if onStart == nil || !hasRoom {
		return
	}

	next, err := m.store.FirstPending()
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return
	}
	if err != nil {
		m.log.Error("failed to look up next pending item", "error", err)
		return
	}
	m.log.Debug("offering next pending item", "id", next.ID, "position", next.Position)
	onStart(next)
}

// ============= History =============

// AddToHistory records a finished download. Missing ID, timestamp and
// status fields are defaulted.
func (m *Manager) AddToHistory(entry storage.HistoryEntry) (storage.HistoryEntry, error) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.DownloadedAt.IsZero() {
		entry.DownloadedAt = time.Now().UTC()
	}
	if entry.Status == "" {
		entry.Status = "completed"
	}
	if err := m.store.CreateHistoryEntry(&entry); err != nil {
		return storage.HistoryEntry{}, errdefs.Queue("add history", err)
	}
	return entry, nil
}

// CheckDuplicate returns the most recent history row for url, if any.
func (m *Manager) CheckDuplicate(url string) (storage.HistoryEntry, bool, error) {
	entry, err := m.store.LatestHistoryByURL(url)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.HistoryEntry{}, false, nil
	}
	if err != nil {
		return storage.HistoryEntry{}, false, errdefs.Queue("check duplicate", err)
	}
	entry.CheckFileExists()
	return entry, true, nil
}

// GetHistory lists history entries newest first. search matches title,
// url or uploader case-insensitively; empty search matches everything.
func (m *Manager) GetHistory(search string, limit, offset int) ([]storage.HistoryEntry, error) {
	entries, err := m.store.SearchHistory(search, limit, offset)
	if err != nil {
		return nil, errdefs.Queue("history", err)
	}
	return entries, nil
}

// GetHistoryCount counts history entries matching search.
func (m *Manager) GetHistoryCount(search string) (int64, error) {
	n, err := m.store.CountHistory(search)
	if err != nil {
		return 0, errdefs.Queue("history count", err)
	}
	return n, nil
}

// RemoveFromHistory deletes one history entry, reporting whether it
// existed.
func (m *Manager) RemoveFromHistory(id string) (bool, error) {
	ok, err := m.store.DeleteHistoryEntry(id)
	if err != nil {
		return false, errdefs.Queue("remove history", err)
	}
	return ok, nil
}

// ClearHistory deletes all history entries.
func (m *Manager) ClearHistory() (int64, error) {
	n, err := m.store.ClearHistory()
	if err != nil {
		return 0, errdefs.Queue("clear history", err)
	}
	return n, nil
}

// String describes the gate for logs.
func (m *Manager) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("manager(active=%d max=%d)", len(m.active), m.maxConcurrent)
}
