// Package sqlite keeps the proof-of-reserves trail in a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/example/tiered-ledger/internal/errs"
	"github.com/example/tiered-ledger/internal/reconciliation"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const snapshotColumns = `chain_index, id, exchange_id, asset, exchange_balance, internal_total, difference,
	status, snapshot_at, window_start, sequence, previous_hash, hash, signature, key_id`

// SnapshotStore implements reconciliation.SnapshotRepository.
type SnapshotStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies migrations.
// Use ":memory:" for a throwaway database.
func Open(path string) (*SnapshotStore, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}
	// One connection keeps :memory: databases alive and serializes writers.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SnapshotStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to initialise migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

func (s *SnapshotStore) Close() error {
	return s.db.Close()
}

func (s *SnapshotStore) AppendSnapshot(ctx context.Context, snap *reconciliation.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO reconciliation_snapshots (`+snapshotColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ChainIndex, snap.ID, snap.ExchangeID, snap.Asset,
		snap.ExchangeBalance.String(), snap.InternalTotal.String(), snap.Difference.String(),
		string(snap.Status), formatTime(snap.SnapshotAt), formatTime(snap.WindowStart), snap.Sequence,
		snap.PreviousHash, snap.Hash, snap.Signature, snap.KeyID)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: snapshot %s: %v", errs.ErrConflict, snap.ID, err)
		}
		return fmt.Errorf("failed to insert snapshot %s: %w", snap.ID, err)
	}
	return nil
}

func (s *SnapshotStore) LatestSnapshot(ctx context.Context) (*reconciliation.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM reconciliation_snapshots
		ORDER BY chain_index DESC LIMIT 1`)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no snapshots", errs.ErrNotFound)
	}
	return snap, err
}

func (s *SnapshotStore) ListSnapshots(ctx context.Context, filter reconciliation.SnapshotFilter) ([]*reconciliation.Snapshot, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.ExchangeID != "" {
		where = append(where, "exchange_id = ?")
		args = append(args, filter.ExchangeID)
	}
	if filter.Asset != "" {
		where = append(where, "asset = ?")
		args = append(args, filter.Asset)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + snapshotColumns + ` FROM reconciliation_snapshots`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY chain_index`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	// Time bounds are applied after decoding; stored timestamps are text.
	out := make([]*reconciliation.Snapshot, 0)
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		if !filter.Match(snap) {
			continue
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return filter.Newest(out), nil
}

func (s *SnapshotStore) CountInWindow(ctx context.Context, exchangeID, asset string, windowStart time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reconciliation_snapshots
		WHERE exchange_id = ? AND asset = ? AND window_start = ?`,
		exchangeID, asset, formatTime(windowStart)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count snapshots: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(row scanner) (*reconciliation.Snapshot, error) {
	var (
		snap                         reconciliation.Snapshot
		balance, internal, diff      string
		status, snapshotAt, windowAt string
	)
	if err := row.Scan(&snap.ChainIndex, &snap.ID, &snap.ExchangeID, &snap.Asset, &balance, &internal, &diff,
		&status, &snapshotAt, &windowAt, &snap.Sequence, &snap.PreviousHash, &snap.Hash, &snap.Signature, &snap.KeyID); err != nil {
		return nil, err
	}
	snap.Status = reconciliation.Status(status)

	var err error
	if snap.ExchangeBalance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("invalid exchange balance in snapshot %s: %w", snap.ID, err)
	}
	if snap.InternalTotal, err = decimal.NewFromString(internal); err != nil {
		return nil, fmt.Errorf("invalid internal total in snapshot %s: %w", snap.ID, err)
	}
	if snap.Difference, err = decimal.NewFromString(diff); err != nil {
		return nil, fmt.Errorf("invalid difference in snapshot %s: %w", snap.ID, err)
	}
	if snap.SnapshotAt, err = time.Parse(time.RFC3339Nano, snapshotAt); err != nil {
		return nil, fmt.Errorf("invalid snapshot time in %s: %w", snap.ID, err)
	}
	if snap.WindowStart, err = time.Parse(time.RFC3339Nano, windowAt); err != nil {
		return nil, fmt.Errorf("invalid window start in %s: %w", snap.ID, err)
	}
	return &snap, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

var _ reconciliation.SnapshotRepository = (*SnapshotStore)(nil)
