// Package store keeps an append-only log of settlement attempts in SQLite.
// The log is for operators and receipts lookups; replay protection belongs
// to the ledger and never reads from here.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Status of a logged settlement attempt
type Status string

const (
	StatusSettled Status = "settled"
	StatusFailed  Status = "failed"
)

// ErrNotFound is returned when no record matches
var ErrNotFound = errors.New("settlement record not found")

// SettlementRecord is one settlement attempt as seen by the facilitator
type SettlementRecord struct {
	ID        string
	RequestID string
	TxHash    string
	Network   string
	Scheme    string
	Payer     string
	PayTo     string
	Amount    string
	Asset     string
	Status    Status
	Error     string
	Duration  time.Duration
	CreatedAt time.Time
}

// SQLStore writes settlement records to a SQL database
type SQLStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates a SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func Open(path string) (*SQLStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := New(db)
	if err := s.createSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s.logger.Info("settlement store initialized", "path", path)
	return s, nil
}

// New wraps an open database. The schema must already exist.
func New(db *sql.DB) *SQLStore {
	return &SQLStore{
		db:     db,
		logger: slog.Default().With("component", "store"),
	}
}

// Close closes the database
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) createSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS settlements (
			id          TEXT PRIMARY KEY,
			request_id  TEXT NOT NULL,
			tx_hash     TEXT NOT NULL DEFAULT '',
			network     TEXT NOT NULL,
			scheme      TEXT NOT NULL,
			payer       TEXT NOT NULL DEFAULT '',
			pay_to      TEXT NOT NULL,
			amount      TEXT NOT NULL,
			asset       TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL,
			error       TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL,
			created_at  TEXT NOT NULL,

			CHECK (status IN ('settled', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_settlements_payer ON settlements(payer, created_at);
		CREATE INDEX IF NOT EXISTS idx_settlements_tx_hash ON settlements(tx_hash);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const insertSettlement = `INSERT INTO settlements
	(id, request_id, tx_hash, network, scheme, payer, pay_to, amount, asset, status, error, duration_ms, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Record appends a settlement record, filling ID and CreatedAt when empty
func (s *SQLStore) Record(ctx context.Context, rec *SettlementRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, insertSettlement,
		rec.ID,
		rec.RequestID,
		rec.TxHash,
		rec.Network,
		rec.Scheme,
		rec.Payer,
		rec.PayTo,
		rec.Amount,
		rec.Asset,
		string(rec.Status),
		rec.Error,
		rec.Duration.Milliseconds(),
		rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting settlement: %w", err)
	}
	return nil
}

const selectSettlement = `SELECT id, request_id, tx_hash, network, scheme, payer, pay_to, amount, asset, status, error, duration_ms, created_at FROM settlements`

// GetByTxHash returns the record of a settled transaction
func (s *SQLStore) GetByTxHash(ctx context.Context, txHash string) (*SettlementRecord, error) {
	row := s.db.QueryRowContext(ctx, selectSettlement+` WHERE tx_hash = ? ORDER BY created_at DESC LIMIT 1`, txHash)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListByPayer returns the newest records of payer first
func (s *SQLStore) ListByPayer(ctx context.Context, payer string, limit int) ([]*SettlementRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, selectSettlement+` WHERE payer = ? ORDER BY created_at DESC LIMIT ?`, payer, limit)
	if err != nil {
		return nil, fmt.Errorf("querying settlements: %w", err)
	}
	defer rows.Close()

	var records []*SettlementRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountByStatus counts records per status
func (s *SQLStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM settlements GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting settlements: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning count: %w", err)
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*SettlementRecord, error) {
	var (
		rec        SettlementRecord
		status     string
		durationMs int64
		createdAt  string
	)
	err := row.Scan(
		&rec.ID,
		&rec.RequestID,
		&rec.TxHash,
		&rec.Network,
		&rec.Scheme,
		&rec.Payer,
		&rec.PayTo,
		&rec.Amount,
		&rec.Asset,
		&status,
		&rec.Error,
		&durationMs,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning settlement: %w", err)
	}

	rec.Status = Status(status)
	rec.Duration = time.Duration(durationMs) * time.Millisecond
	rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &rec, nil
}
