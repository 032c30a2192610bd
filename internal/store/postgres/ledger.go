package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/example/tiered-ledger/internal/errs"
	"github.com/example/tiered-ledger/internal/ledger"
)

const accountColumns = `id, tenant_id, account_type, account_level, parent_account_id, owner_id, name,
	currency, status, balance::text, bank_account, created_at, updated_at`

const transactionColumns = `id, tenant_id, from_account_id, to_account_id, amount::text, currency, status,
	transaction_type, description, reference, metadata, failure_reason, sequence, created_at, updated_at`

const segregationColumns = `id, tenant_id, account_id, segregation_type, amount::text, currency, status,
	reason, created_at, updated_at`

func (s *Store) scanAccount(ctx context.Context, row pgx.Row) (*ledger.Account, error) {
	var (
		a       ledger.Account
		parent  *string
		balance string
		bank    []byte
	)
	if err := row.Scan(&a.ID, &a.TenantID, &a.AccountType, &a.AccountLevel, &parent, &a.OwnerID, &a.Name,
		&a.Currency, &a.Status, &balance, &bank, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.ParentAccountID = deref(parent)
	var err error
	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("invalid balance %q for account %s: %w", balance, a.ID, err)
	}
	if len(bank) > 0 {
		if bank, err = s.openBankAccount(ctx, a.ID, bank); err != nil {
			return nil, err
		}
		a.BankAccount = &ledger.BankAccount{}
		if err := json.Unmarshal(bank, a.BankAccount); err != nil {
			return nil, fmt.Errorf("invalid bank account for %s: %w", a.ID, err)
		}
	}
	return &a, nil
}

func scanTransaction(row pgx.Row) (*ledger.Transaction, error) {
	var (
		t        ledger.Transaction
		from, to *string
		amount   string
		metadata []byte
	)
	if err := row.Scan(&t.ID, &t.TenantID, &from, &to, &amount, &t.Currency, &t.Status, &t.TransactionType,
		&t.Description, &t.Reference, &metadata, &t.FailureReason, &t.Sequence, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.FromAccountID = deref(from)
	t.ToAccountID = deref(to)
	var err error
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("invalid amount %q for transaction %s: %w", amount, t.ID, err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("invalid metadata for transaction %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

func scanSegregation(row pgx.Row) (*ledger.FundSegregation, error) {
	var (
		s      ledger.FundSegregation
		amount string
	)
	if err := row.Scan(&s.ID, &s.TenantID, &s.AccountID, &s.SegregationType, &amount, &s.Currency, &s.Status,
		&s.Reason, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if s.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("invalid amount %q for segregation %s: %w", amount, s.ID, err)
	}
	return &s, nil
}

func marshalNullable(v interface{}, empty bool) ([]byte, error) {
	if empty {
		return nil, nil
	}
	return json.Marshal(v)
}

func (s *Store) CreateAccount(ctx context.Context, a *ledger.Account) error {
	bank, err := s.sealBankAccount(ctx, a)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO accounts (id, tenant_id, account_type, account_level, parent_account_id, owner_id, name,
			currency, status, balance, bank_account, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::numeric, $11, $12, $13)`,
		a.ID, a.TenantID, a.AccountType, a.AccountLevel, nullable(a.ParentAccountID), a.OwnerID, a.Name,
		a.Currency, a.Status, a.Balance.String(), bank, a.CreatedAt, a.UpdatedAt)
	return translate(err, "account "+a.ID)
}

func (s *Store) GetAccount(ctx context.Context, id string) (*ledger.Account, error) {
	a, err := s.scanAccount(ctx, s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if err != nil {
		return nil, translate(err, "account "+id)
	}
	return a, nil
}

func (s *Store) ListAccounts(ctx context.Context, tenantID string, filter ledger.AccountFilter) ([]*ledger.Account, error) {
	where := []string{"tenant_id = $1"}
	args := []interface{}{tenantID}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.AccountType != "" {
		add("account_type = $%d", filter.AccountType)
	}
	if filter.ParentAccountID != "" {
		add("parent_account_id = $%d", filter.ParentAccountID)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.Currency != "" {
		add("currency = $%d", filter.Currency)
	}

	rows, err := s.pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE `+
		strings.Join(where, " AND ")+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	out := make([]*ledger.Account, 0)
	for rows.Next() {
		a, err := s.scanAccount(ctx, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) UpdateAccount(ctx context.Context, a *ledger.Account) error {
	bank, err := s.sealBankAccount(ctx, a)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE accounts SET name = $2, status = $3, bank_account = $4, updated_at = $5
		WHERE id = $1`, a.ID, a.Name, a.Status, bank, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update account %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: account %s", errs.ErrNotFound, a.ID)
	}
	return nil
}

func (s *Store) ApplyTransfer(ctx context.Context, t *ledger.Transaction, prior ledger.TransactionStatus) error {
	var sequence int64
	err := s.inTx(ctx, "apply transfer", func(tx pgx.Tx) error {
		ids := make([]string, 0, 2)
		for _, id := range []string{t.FromAccountID, t.ToAccountID} {
			if id != "" {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)

		balances := make(map[string]decimal.Decimal, len(ids))
		rows, err := tx.Query(ctx, `SELECT id, balance::text FROM accounts WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
		if err != nil {
			return fmt.Errorf("failed to lock accounts: %w", err)
		}
		for rows.Next() {
			var id, raw string
			if err := rows.Scan(&id, &raw); err != nil {
				rows.Close()
				return err
			}
			b, err := decimal.NewFromString(raw)
			if err != nil {
				rows.Close()
				return fmt.Errorf("invalid balance %q for account %s: %w", raw, id, err)
			}
			balances[id] = b
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, id := range ids {
			if _, ok := balances[id]; !ok {
				return fmt.Errorf("%w: account %s", errs.ErrNotFound, id)
			}
		}

		if prior != "" {
			var current ledger.TransactionStatus
			err := tx.QueryRow(ctx, `SELECT status FROM transactions WHERE id = $1 FOR UPDATE`, t.ID).Scan(&current)
			if err != nil {
				return translate(err, "transaction "+t.ID)
			}
			if current != prior {
				return fmt.Errorf("%w: transaction %s is %s", errs.ErrConflict, t.ID, current)
			}
		}

		if t.FromAccountID != "" {
			var raw string
			if err := tx.QueryRow(ctx, `
				SELECT COALESCE(SUM(amount), 0)::text FROM fund_segregations
				WHERE account_id = $1 AND status = 'ACTIVE'`, t.FromAccountID).Scan(&raw); err != nil {
				return fmt.Errorf("failed to sum segregations: %w", err)
			}
			reserved, err := decimal.NewFromString(raw)
			if err != nil {
				return err
			}
			if balances[t.FromAccountID].Sub(t.Amount).LessThan(reserved) {
				return fmt.Errorf("%w: account %s", errs.ErrInsufficientBalance, t.FromAccountID)
			}
			if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance - $2::numeric, updated_at = $3 WHERE id = $1`,
				t.FromAccountID, t.Amount.String(), t.UpdatedAt); err != nil {
				return fmt.Errorf("failed to debit %s: %w", t.FromAccountID, err)
			}
		}
		if t.ToAccountID != "" {
			if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance + $2::numeric, updated_at = $3 WHERE id = $1`,
				t.ToAccountID, t.Amount.String(), t.UpdatedAt); err != nil {
				return fmt.Errorf("failed to credit %s: %w", t.ToAccountID, err)
			}
		}

		metadata, err := marshalNullable(t.Metadata, len(t.Metadata) == 0)
		if err != nil {
			return err
		}
		if prior == "" {
			err = tx.QueryRow(ctx, `
				INSERT INTO transactions (id, tenant_id, from_account_id, to_account_id, amount, currency, status,
					transaction_type, description, reference, metadata, failure_reason, sequence, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11, $12, nextval('transaction_sequence'), $13, $14)
				RETURNING sequence`,
				t.ID, t.TenantID, nullable(t.FromAccountID), nullable(t.ToAccountID), t.Amount.String(), t.Currency,
				t.Status, t.TransactionType, t.Description, t.Reference, metadata, t.FailureReason, t.CreatedAt, t.UpdatedAt,
			).Scan(&sequence)
		} else {
			err = tx.QueryRow(ctx, `
				UPDATE transactions SET status = $2, metadata = $3, failure_reason = $4, updated_at = $5,
					sequence = nextval('transaction_sequence')
				WHERE id = $1 RETURNING sequence`,
				t.ID, t.Status, metadata, t.FailureReason, t.UpdatedAt,
			).Scan(&sequence)
		}
		return translate(err, "transaction "+t.ID)
	})
	if err != nil {
		return err
	}
	t.Sequence = sequence
	return nil
}

func (s *Store) SaveTransaction(ctx context.Context, t *ledger.Transaction) error {
	metadata, err := marshalNullable(t.Metadata, len(t.Metadata) == 0)
	if err != nil {
		return err
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO transactions (id, tenant_id, from_account_id, to_account_id, amount, currency, status,
			transaction_type, description, reference, metadata, failure_reason, sequence, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11, $12, nextval('transaction_sequence'), $13, $14)
		RETURNING sequence`,
		t.ID, t.TenantID, nullable(t.FromAccountID), nullable(t.ToAccountID), t.Amount.String(), t.Currency,
		t.Status, t.TransactionType, t.Description, t.Reference, metadata, t.FailureReason, t.CreatedAt, t.UpdatedAt,
	).Scan(&t.Sequence)
	return translate(err, "transaction "+t.ID)
}

func (s *Store) UpdateTransactionStatus(ctx context.Context, id string, from, to ledger.TransactionStatus, reason string, at time.Time) (*ledger.Transaction, error) {
	t, err := scanTransaction(s.pool.QueryRow(ctx, `
		UPDATE transactions SET status = $3, failure_reason = $4, updated_at = $5
		WHERE id = $1 AND status = $2
		RETURNING `+transactionColumns, id, from, to, reason, at))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, translate(err, "transaction "+id)
	}
	current, gerr := s.GetTransaction(ctx, id)
	if gerr != nil {
		return nil, gerr
	}
	return nil, fmt.Errorf("%w: transaction %s is %s", errs.ErrConflict, id, current.Status)
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*ledger.Transaction, error) {
	t, err := scanTransaction(s.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	if err != nil {
		return nil, translate(err, "transaction "+id)
	}
	return t, nil
}

func (s *Store) FindTransactionByReference(ctx context.Context, accountID, reference string) (*ledger.Transaction, error) {
	t, err := scanTransaction(s.pool.QueryRow(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE COALESCE(from_account_id, to_account_id) = $1 AND reference = $2
			AND status IN ('COMPLETED', 'REQUIRES_APPROVAL')`, accountID, reference))
	if err != nil {
		return nil, translate(err, "reference "+reference)
	}
	return t, nil
}

func (s *Store) ListTransactions(ctx context.Context, accountID string, filter ledger.TransferFilter) ([]*ledger.Transaction, int, error) {
	where := []string{"(from_account_id = $1 OR to_account_id = $1)"}
	args := []interface{}{accountID}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.FromDate != nil {
		add("created_at >= $%d", *filter.FromDate)
	}
	if filter.ToDate != nil {
		add("created_at <= $%d", *filter.ToDate)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.TransactionType != "" {
		add("transaction_type = $%d", filter.TransactionType)
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM transactions WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE ` + cond + ` ORDER BY sequence DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	out := make([]*ledger.Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

func (s *Store) CreateSegregation(ctx context.Context, seg *ledger.FundSegregation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fund_segregations (id, tenant_id, account_id, segregation_type, amount, currency, status,
			reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10)`,
		seg.ID, seg.TenantID, seg.AccountID, seg.SegregationType, seg.Amount.String(), seg.Currency, seg.Status,
		seg.Reason, seg.CreatedAt, seg.UpdatedAt)
	return translate(err, "segregation "+seg.ID)
}

func (s *Store) GetSegregation(ctx context.Context, id string) (*ledger.FundSegregation, error) {
	seg, err := scanSegregation(s.pool.QueryRow(ctx, `SELECT `+segregationColumns+` FROM fund_segregations WHERE id = $1`, id))
	if err != nil {
		return nil, translate(err, "segregation "+id)
	}
	return seg, nil
}

func (s *Store) ListSegregations(ctx context.Context, tenantID string, filter ledger.SegregationFilter) ([]*ledger.FundSegregation, error) {
	where := []string{"tenant_id = $1"}
	args := []interface{}{tenantID}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.AccountID != "" {
		add("account_id = $%d", filter.AccountID)
	}
	if filter.SegregationType != "" {
		add("segregation_type = $%d", filter.SegregationType)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.Currency != "" {
		add("currency = $%d", filter.Currency)
	}

	rows, err := s.pool.Query(ctx, `SELECT `+segregationColumns+` FROM fund_segregations WHERE `+
		strings.Join(where, " AND ")+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list segregations: %w", err)
	}
	defer rows.Close()

	out := make([]*ledger.FundSegregation, 0)
	for rows.Next() {
		seg, err := scanSegregation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

func (s *Store) UpdateSegregationStatus(ctx context.Context, id string, from, to ledger.SegregationStatus, at time.Time) (*ledger.FundSegregation, error) {
	seg, err := scanSegregation(s.pool.QueryRow(ctx, `
		UPDATE fund_segregations SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
		RETURNING `+segregationColumns, id, from, to, at))
	if err == nil {
		return seg, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, translate(err, "segregation "+id)
	}
	current, gerr := s.GetSegregation(ctx, id)
	if gerr != nil {
		return nil, gerr
	}
	return nil, fmt.Errorf("%w: segregation %s is %s", errs.ErrConflict, id, current.Status)
}

func (s *Store) SumActiveSegregations(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var raw string
	if err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::text FROM fund_segregations
		WHERE account_id = $1 AND status = 'ACTIVE'`, accountID).Scan(&raw); err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum segregations: %w", err)
	}
	return decimal.NewFromString(raw)
}

var _ ledger.Store = (*Store)(nil)
