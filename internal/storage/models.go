package storage

import (
	"os"
	"time"
)

// QueueItem is one pending or in-flight download request.
type QueueItem struct {
	ID           string    `gorm:"primaryKey" json:"id"`
	URL          string    `json:"url"`
	Title        string    `json:"title"`                             // empty until metadata is known
	FormatID     string    `gorm:"column:format_id" json:"format_id"` // empty means "best available"
	OutputPath   string    `json:"output_path"`
	Status       Status    `gorm:"index;index:idx_status_position,priority:1" json:"status"`
	Progress     float64   `json:"progress"` // 0-100
	Position     int       `gorm:"index;index:idx_status_position,priority:2" json:"position"`
	ErrorMessage string    `json:"error_message"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName specifies the table name for QueueItem
func (QueueItem) TableName() string {
	return "download_queue"
}

// HistoryEntry is an immutable record of a finished download. Rows are
// only ever inserted and deleted, never updated.
type HistoryEntry struct {
	ID           string    `gorm:"primaryKey" json:"id"`
	URL          string    `gorm:"index" json:"url"`
	Title        string    `gorm:"index" json:"title"`
	FilePath     string    `json:"file_path"`
	FileSize     int64     `json:"file_size"` // bytes, 0 when unknown
	FormatID     string    `gorm:"column:format_id" json:"format_id"`
	Duration     int       `json:"duration"` // seconds, 0 when unknown
	Uploader     string    `json:"uploader"`
	DownloadedAt time.Time `gorm:"index" json:"downloaded_at"`
	Status       string    `gorm:"index" json:"status"` // free-form, default "completed"
	FileExists   bool      `gorm:"-" json:"file_exists"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName specifies the table name for HistoryEntry
func (HistoryEntry) TableName() string {
	return "download_history"
}

// CheckFileExists refreshes the derived FileExists flag against disk.
func (h *HistoryEntry) CheckFileExists() {
	if h.FilePath == "" {
		h.FileExists = false
		return
	}
	_, err := os.Stat(h.FilePath)
	h.FileExists = err == nil
}

// Preference stores a key-value application setting.
type Preference struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

// TableName specifies the table name for Preference
func (Preference) TableName() string {
	return "preferences"
}
