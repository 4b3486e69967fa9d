package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// snapshotRowID is the fixed primary key of the single ledger document row.
const snapshotRowID = 1

var errMissingStoreDatabase = errors.New("ledger: database handle is required")

// Snapshot is the durable form of the ledger: one row holding a JSON
// document with the four named sections.
type Snapshot struct {
	ID               int64  `gorm:"column:id;primaryKey"`
	DocumentJSON     string `gorm:"column:document_json;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName exposes the table backing ledger snapshots.
func (Snapshot) TableName() string {
	return "ledger_snapshots"
}

// document is the wire layout of the snapshot JSON. A missing section is an
// empty table, not an error.
type document struct {
	Warnings   map[string][]Warning     `json:"warnings"`
	Levels     map[string]LevelProgress `json:"levels"`
	Economy    map[string]Wallet        `json:"economy"`
	Reputation map[string]Reputation    `json:"reputation"`
}

// StoreConfig describes the dependencies of the persistent ledger store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store reads and writes the ledger document. It is the only component
// performing durable I/O for the ledger tables.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs the persistent ledger store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingStoreDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Load reconstructs the four ledger tables from durable storage. A missing
// row yields empty tables with a notice; a corrupt document yields empty
// tables with an error log. Load never fails the caller for either case.
func (s *Store) Load() (Tables, error) {
	var row Snapshot
	err := s.db.Where("id = ?", snapshotRowID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.Info("ledger snapshot absent, starting with empty tables")
		return NewTables(), nil
	}
	if err != nil {
		return NewTables(), err
	}

	var doc document
	if err := json.Unmarshal([]byte(row.DocumentJSON), &doc); err != nil {
		s.logger.Error("ledger snapshot corrupt, starting with empty tables", zap.Error(err))
		return NewTables(), nil
	}

	tables := NewTables()
	if doc.Warnings != nil {
		tables.Warnings = doc.Warnings
	}
	if doc.Levels != nil {
		tables.Levels = doc.Levels
	}
	if doc.Economy != nil {
		tables.Economy = doc.Economy
	}
	if doc.Reputation != nil {
		tables.Reputation = doc.Reputation
	}
	return tables, nil
}

// Flush serializes all four tables into the snapshot row, replacing prior
// content.
func (s *Store) Flush(tables Tables) error {
	encoded, err := json.Marshal(document{
		Warnings:   tables.Warnings,
		Levels:     tables.Levels,
		Economy:    tables.Economy,
		Reputation: tables.Reputation,
	})
	if err != nil {
		return fmt.Errorf("ledger: encode snapshot: %w", err)
	}

	row := Snapshot{
		ID:               snapshotRowID,
		DocumentJSON:     string(encoded),
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"document_json", "updated_at_s"}),
	}).Create(&row).Error
}
