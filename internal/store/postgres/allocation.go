package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/example/tiered-ledger/internal/allocation"
	"github.com/example/tiered-ledger/internal/errs"
)

const allocationColumns = `id, exchange_id, asset, total_platform_balance::text, available_for_allocation::text,
	broker_allocations, customer_allocations, pool_funded, version, last_updated`

// AllocationStore implements allocation.Repository with an optimistic version column.
type AllocationStore struct {
	pool *pgxpool.Pool
}

func (s *Store) Allocations() *AllocationStore {
	return &AllocationStore{pool: s.pool}
}

func scanAllocation(row pgx.Row) (*allocation.PlatformAllocation, error) {
	var (
		a                allocation.PlatformAllocation
		total, available string
		brokers          []byte
		customers        []byte
		pooled           []byte
	)
	if err := row.Scan(&a.ID, &a.ExchangeID, &a.Asset, &total, &available, &brokers, &customers, &pooled,
		&a.Version, &a.LastUpdated); err != nil {
		return nil, err
	}
	var err error
	if a.TotalPlatformBalance, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("invalid total for %s: %w", a.Key(), err)
	}
	if a.AvailableForAllocation, err = decimal.NewFromString(available); err != nil {
		return nil, fmt.Errorf("invalid available for %s: %w", a.Key(), err)
	}
	if err := json.Unmarshal(brokers, &a.BrokerAllocations); err != nil {
		return nil, fmt.Errorf("invalid broker allocations for %s: %w", a.Key(), err)
	}
	if err := json.Unmarshal(customers, &a.CustomerAllocations); err != nil {
		return nil, fmt.Errorf("invalid customer allocations for %s: %w", a.Key(), err)
	}
	if err := json.Unmarshal(pooled, &a.PoolFunded); err != nil {
		return nil, fmt.Errorf("invalid pool-funded allocations for %s: %w", a.Key(), err)
	}
	if a.BrokerAllocations == nil {
		a.BrokerAllocations = make(map[string]decimal.Decimal)
	}
	if a.CustomerAllocations == nil {
		a.CustomerAllocations = make(map[string]map[string]decimal.Decimal)
	}
	return &a, nil
}

func (s *AllocationStore) GetAllocation(ctx context.Context, exchangeID, asset string) (*allocation.PlatformAllocation, error) {
	a, err := scanAllocation(s.pool.QueryRow(ctx, `
		SELECT `+allocationColumns+` FROM platform_allocations WHERE exchange_id = $1 AND asset = $2`,
		exchangeID, asset))
	if err != nil {
		return nil, translate(err, "allocation "+allocation.Key(exchangeID, asset))
	}
	return a, nil
}

func (s *AllocationStore) ListAllocations(ctx context.Context) ([]*allocation.PlatformAllocation, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+allocationColumns+` FROM platform_allocations ORDER BY exchange_id, asset`)
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}
	defer rows.Close()

	out := make([]*allocation.PlatformAllocation, 0)
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *AllocationStore) SaveAllocation(ctx context.Context, a *allocation.PlatformAllocation, expectedVersion int64) error {
	brokers, err := json.Marshal(a.BrokerAllocations)
	if err != nil {
		return err
	}
	customers, err := json.Marshal(a.CustomerAllocations)
	if err != nil {
		return err
	}
	pooled, err := json.Marshal(a.PoolFunded)
	if err != nil {
		return err
	}
	if a.PoolFunded == nil {
		pooled = []byte("{}")
	}

	if expectedVersion == 0 {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO platform_allocations (exchange_id, asset, id, total_platform_balance, available_for_allocation,
				broker_allocations, customer_allocations, pool_funded, version, last_updated)
			VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7, $8, $9, $10)
			ON CONFLICT (exchange_id, asset) DO NOTHING`,
			a.ExchangeID, a.Asset, a.ID, a.TotalPlatformBalance.String(), a.AvailableForAllocation.String(),
			brokers, customers, pooled, a.Version, a.LastUpdated)
		if err != nil {
			return translate(err, "allocation "+a.Key())
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: allocation %s already exists", errs.ErrConflict, a.Key())
		}
		return nil
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE platform_allocations SET total_platform_balance = $3::numeric, available_for_allocation = $4::numeric,
			broker_allocations = $5, customer_allocations = $6, pool_funded = $7, version = $8, last_updated = $9
		WHERE exchange_id = $1 AND asset = $2 AND version = $10`,
		a.ExchangeID, a.Asset, a.TotalPlatformBalance.String(), a.AvailableForAllocation.String(),
		brokers, customers, pooled, a.Version, a.LastUpdated, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update allocation %s: %w", a.Key(), err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetAllocation(ctx, a.ExchangeID, a.Asset); errors.Is(err, errs.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: allocation %s is no longer at version %d", errs.ErrConflict, a.Key(), expectedVersion)
}

var _ allocation.Repository = (*AllocationStore)(nil)
