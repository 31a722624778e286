package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = gorm.ErrRecordNotFound

// Storage handles all database operations using SQLite
type Storage struct {
	DB *gorm.DB
}

// Open initializes the SQLite database at path, creating parent
// directories as needed.
func Open(path string) (*Storage, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create db dir: %w", err)
		}
	}
	return open(path)
}

// OpenInMemory opens a throwaway in-memory database, used in tests.
func OpenInMemory() (*Storage, error) {
	return open(":memory:")
}

func open(dsn string) (*Storage, error) {
	// Glebarez driver: pure Go, no CGO.
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for better concurrency
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA cache_size=10000;")

	err = db.AutoMigrate(
		&QueueItem{},
		&HistoryEntry{},
		&Preference{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{DB: db}, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Checkpoint forces a WAL checkpoint to ensure durability
func (s *Storage) Checkpoint() error {
	return s.DB.Exec("PRAGMA wal_checkpoint(TRUNCATE);").Error
}

// Transaction runs fn atomically. Multi-row mutations (removal plus
// renumbering, completion plus history insert) go through here so no
// observer ever sees a half-applied queue.
func (s *Storage) Transaction(fn func(tx *Storage) error) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		return fn(&Storage{DB: tx})
	})
}

// ============= Queue =============

// CreateQueueItem inserts a new queue row.
func (s *Storage) CreateQueueItem(item *QueueItem) error {
	if !item.Status.Valid() {
		return fmt.Errorf("invalid status %q", item.Status)
	}
	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now
	return s.DB.Create(item).Error
}

// GetQueueItem retrieves a queue item by ID.
func (s *Storage) GetQueueItem(id string) (QueueItem, error) {
	var item QueueItem
	err := s.DB.First(&item, "id = ?", id).Error
	if err != nil {
		return QueueItem{}, err
	}
	if _, err := ParseStatus(string(item.Status)); err != nil {
		return QueueItem{}, err
	}
	return item, nil
}

// ListQueue returns queue items ordered by position ascending. Terminal
// items (completed, cancelled) are excluded unless includeTerminal is
// set. A corrupted status value in the store fails the whole read.
func (s *Storage) ListQueue(includeTerminal bool) ([]QueueItem, error) {
	var items []QueueItem
	query := s.DB.Order("position asc")
	if !includeTerminal {
		query = query.Where("status IN ?", activeStatuses())
	}
	if err := query.Find(&items).Error; err != nil {
		return nil, err
	}
	for i := range items {
		if _, err := ParseStatus(string(items[i].Status)); err != nil {
			return nil, err
		}
	}
	return items, nil
}

// NextPosition returns max(position)+1 across all rows, 1 for an empty
// queue.
func (s *Storage) NextPosition() (int, error) {
	var max *int
	err := s.DB.Model(&QueueItem{}).Select("MAX(position)").Row().Scan(&max)
	if err != nil {
		return 0, err
	}
	if max == nil {
		return 1, nil
	}
	return *max + 1, nil
}

// SaveQueueItem persists a mutated queue row, refreshing UpdatedAt.
func (s *Storage) SaveQueueItem(item *QueueItem) error {
	if !item.Status.Valid() {
		return fmt.Errorf("invalid status %q", item.Status)
	}
	item.UpdatedAt = time.Now().UTC()
	return s.DB.Save(item).Error
}

// DeleteQueueItem removes a queue row.
func (s *Storage) DeleteQueueItem(id string) error {
	return s.DB.Delete(&QueueItem{}, "id = ?", id).Error
}

// ShiftPositionsAfter decrements the position of every active item
// whose position is greater than pos, keeping positions contiguous
// after a removal.
func (s *Storage) ShiftPositionsAfter(pos int) error {
	return s.DB.Model(&QueueItem{}).
		Where("position > ? AND status IN ?", pos, activeStatuses()).
		Updates(map[string]interface{}{
			"position":   gorm.Expr("position - 1"),
			"updated_at": time.Now().UTC(),
		}).Error
}

// ShiftPositionRange moves active items inside [from, to] by delta
// positions. Used by reorder to open or close the gap the moved item
// leaves behind.
func (s *Storage) ShiftPositionRange(from, to, delta int) error {
	return s.DB.Model(&QueueItem{}).
		Where("position >= ? AND position <= ? AND status IN ?", from, to, activeStatuses()).
		Updates(map[string]interface{}{
			"position":   gorm.Expr("position + ?", delta),
			"updated_at": time.Now().UTC(),
		}).Error
}

// CountActive returns the number of non-terminal queue items.
func (s *Storage) CountActive() (int64, error) {
	var n int64
	err := s.DB.Model(&QueueItem{}).Where("status IN ?", activeStatuses()).Count(&n).Error
	return n, err
}

// FirstPending returns the lowest-position pending item.
func (s *Storage) FirstPending() (QueueItem, error) {
	var item QueueItem
	err := s.DB.Where("status = ?", StatusPending).Order("position asc").First(&item).Error
	return item, err
}

// DeleteTerminalItems bulk-deletes completed and cancelled rows,
// returning the number removed.
func (s *Storage) DeleteTerminalItems() (int64, error) {
	res := s.DB.Where("status IN ?", []Status{StatusCompleted, StatusCancelled}).Delete(&QueueItem{})
	return res.RowsAffected, res.Error
}

// CountByStatus returns the number of queue items per status.
func (s *Storage) CountByStatus() (map[Status]int64, error) {
	type row struct {
		Status Status
		N      int64
	}
	var rows []row
	err := s.DB.Model(&QueueItem{}).Select("status, COUNT(*) as n").Group("status").Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[Status]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

// ============= History =============

// CreateHistoryEntry inserts a history row.
func (s *Storage) CreateHistoryEntry(entry *HistoryEntry) error {
	now := time.Now().UTC()
	entry.CreatedAt = now
	entry.UpdatedAt = now
	return s.DB.Create(entry).Error
}

// LatestHistoryByURL returns the most recent history row for url.
func (s *Storage) LatestHistoryByURL(url string) (HistoryEntry, error) {
	var entry HistoryEntry
	err := s.DB.Where("url = ?", url).Order("downloaded_at desc").First(&entry).Error
	return entry, err
}

func historySearchScope(db *gorm.DB, search string) *gorm.DB {
	if search == "" {
		return db
	}
	pattern := "%" + strings.ToLower(search) + "%"
	return db.Where(
		"LOWER(title) LIKE ? OR LOWER(url) LIKE ? OR LOWER(uploader) LIKE ?",
		pattern, pattern, pattern,
	)
}

// SearchHistory returns history entries matching search (title, url or
// uploader, case-insensitive), newest first, paginated.
func (s *Storage) SearchHistory(search string, limit, offset int) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	query := historySearchScope(s.DB.Model(&HistoryEntry{}), search).
		Order("downloaded_at desc").
		Offset(offset)
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&entries).Error; err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].CheckFileExists()
	}
	return entries, nil
}

// CountHistory returns the number of history entries matching search.
func (s *Storage) CountHistory(search string) (int64, error) {
	var n int64
	err := historySearchScope(s.DB.Model(&HistoryEntry{}), search).Count(&n).Error
	return n, err
}

// DeleteHistoryEntry removes one history row, reporting whether it
// existed.
func (s *Storage) DeleteHistoryEntry(id string) (bool, error) {
	res := s.DB.Delete(&HistoryEntry{}, "id = ?", id)
	return res.RowsAffected > 0, res.Error
}

// ClearHistory deletes all history rows, returning the count.
func (s *Storage) ClearHistory() (int64, error) {
	res := s.DB.Where("1 = 1").Delete(&HistoryEntry{})
	return res.RowsAffected, res.Error
}

// DailyStat aggregates one day of download history.
type DailyStat struct {
	Date  string `json:"date"` // YYYY-MM-DD
	Files int64  `json:"files"`
	Bytes int64  `json:"bytes"`
}

// HistoryTotals returns the lifetime download count and byte total.
func (s *Storage) HistoryTotals() (files, bytes int64, err error) {
	row := s.DB.Model(&HistoryEntry{}).
		Select("COUNT(*), COALESCE(SUM(file_size), 0)").
		Row()
	err = row.Scan(&files, &bytes)
	return files, bytes, err
}

// DailyHistoryStats aggregates the last `days` days of history by
// calendar date, oldest first.
func (s *Storage) DailyHistoryStats(days int) ([]DailyStat, error) {
	if days < 1 {
		days = 1
	}
	since := time.Now().UTC().AddDate(0, 0, -days)
	var stats []DailyStat
	err := s.DB.Model(&HistoryEntry{}).
		Select("DATE(downloaded_at) as date, COUNT(*) as files, COALESCE(SUM(file_size), 0) as bytes").
		Where("downloaded_at >= ?", since).
		Group("DATE(downloaded_at)").
		Order("date asc").
		Scan(&stats).Error
	return stats, err
}

// ============= Preferences =============

// GetPreference retrieves a preference value by key, "" when unset.
func (s *Storage) GetPreference(key string) (string, error) {
	var pref Preference
	err := s.DB.First(&pref, "key = ?", key).Error
	if err == gorm.ErrRecordNotFound {
		return "", nil
	}
	return pref.Value, err
}

// SetPreference stores a preference value (upsert).
func (s *Storage) SetPreference(key, value string) error {
	return s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&Preference{Key: key, Value: value}).Error
}
