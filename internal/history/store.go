// Package history persists a record of every generation run.
package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	StateSuccess = "success"
	StateFailure = "failure"

	DefaultListLimit = 50
	MemoryPath       = ":memory:"
)

// ErrNoScript is returned when no recorded run carries a script.
var ErrNoScript = errors.New("no script recorded yet")

// Record is one generation run.
type Record struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	RunID       string    `gorm:"size:64;uniqueIndex" json:"run_id"`
	Prompt      string    `gorm:"type:text" json:"prompt"`
	Provider    string    `gorm:"size:64;index" json:"provider"`
	Model       string    `gorm:"size:128" json:"model,omitempty"`
	State       string    `gorm:"size:16;index" json:"state"`
	ErrorKind   string    `gorm:"size:64" json:"error_kind,omitempty"`
	Message     string    `gorm:"type:text" json:"message,omitempty"`
	Collection  string    `gorm:"size:128" json:"collection,omitempty"`
	ObjectCount int       `json:"object_count"`
	Script      string    `gorm:"type:text" json:"script,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
	CreatedAt   time.Time `gorm:"index" json:"created_at"`
}

func (Record) TableName() string {
	return "sg_generation_history"
}

// Store reads and writes history records.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open opens (or creates) the SQLite database at path. MemoryPath keeps
// the history for the lifetime of the process only.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if path == "" {
		path = MemoryPath
	}
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	// Each connection to :memory: is a separate database.
	sqlDB.SetMaxOpenConns(1)
	return New(db, logger)
}

// New wraps an open database and migrates the schema.
func New(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}
	return &Store{db: db, logger: logger.With(zap.String("component", "history"))}, nil
}

// Save inserts rec. CreatedAt is filled in when zero.
func (s *Store) Save(ctx context.Context, rec *Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("save history record %s: %w", rec.RunID, err)
	}
	s.logger.Debug("history recorded", zap.String("run_id", rec.RunID), zap.String("state", rec.State))
	return nil
}

// List returns up to limit records, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var out []Record
	err := s.db.WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return out, nil
}

// LastScript returns the newest record that carries a script, successful
// or not.
func (s *Store) LastScript(ctx context.Context) (Record, error) {
	var rec Record
	err := s.db.WithContext(ctx).
		Where("script <> ?", "").
		Order("id DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrNoScript
	}
	if err != nil {
		return Record{}, fmt.Errorf("load last script: %w", err)
	}
	return rec, nil
}

// ExportLastScript writes the newest script to path.
func (s *Store) ExportLastScript(ctx context.Context, path string) (Record, error) {
	rec, err := s.LastScript(ctx)
	if err != nil {
		return Record{}, err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Record{}, fmt.Errorf("create export directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(rec.Script), 0o644); err != nil {
		return Record{}, fmt.Errorf("export script: %w", err)
	}
	s.logger.Info("script exported", zap.String("run_id", rec.RunID), zap.String("path", path))
	return rec, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
