package tally

import (
	"context"
	"fmt"
)

// BankAccountRepo stores bank accounts. At most one account is primary.
type BankAccountRepo struct {
	*table[BankAccount, *BankAccount]
}

func newBankAccountRepo(s *Store) *BankAccountRepo {
	return &BankAccountRepo{&table[BankAccount, *BankAccount]{
		s:    s,
		name: "bank_accounts",
		columns: []string{
			"bank_name", "account_number", "ifsc_code", "account_holder_name", "upi_id", "is_primary", "created_by",
		},
		values: func(a *BankAccount) []any {
			return []any{a.BankName, a.AccountNumber, a.IFSCCode, a.AccountHolderName, a.UPIID, boolInt(a.Primary), a.CreatedBy}
		},
		dests: func(a *BankAccount) []any {
			return []any{text(&a.BankName), text(&a.AccountNumber), text(&a.IFSCCode), text(&a.AccountHolderName), text(&a.UPIID), flag(&a.Primary), text(&a.CreatedBy)}
		},
		order: "is_primary DESC, updated_at DESC",
	}}
}

type BankAccountPatch struct {
	BankName          *string
	AccountNumber     *string
	IFSCCode          *string
	AccountHolderName *string
	UPIID             *string
}

func (r *BankAccountRepo) MarkPendingUpdate(ctx context.Context, id string, p BankAccountPatch) error {
	var sets []assign
	sets = set(sets, "bank_name", p.BankName)
	sets = set(sets, "account_number", p.AccountNumber)
	sets = set(sets, "ifsc_code", p.IFSCCode)
	sets = set(sets, "account_holder_name", p.AccountHolderName)
	sets = set(sets, "upi_id", p.UPIID)
	return r.markPendingUpdate(ctx, id, sets)
}

// MarkPendingSetPrimary makes the account the only primary one locally and
// records a pending set-primary. The other accounts are demoted by the
// remote service, so only this account becomes pending. A placeholder keeps
// its pending create and a pending update stays an update.
func (r *BankAccountRepo) MarkPendingSetPrimary(ctx context.Context, id string) error {
	return r.s.withTx(ctx, func(q querier) error {
		res, err := q.ExecContext(ctx, `UPDATE bank_accounts
			SET is_primary = 1, updated_at = ?, pending_sync = 1,
				sync_op = CASE
					WHEN is_placeholder = 1 THEN 'create'
					WHEN pending_sync = 1 AND sync_op = 'update' THEN 'update'
					ELSE 'set_primary' END,
				sync_error = NULL, sync_attempts = 0, sync_parked = 0
			WHERE (id = ? OR client_id = ?) AND deleted = 0`, r.s.stamp(), id, id)
		if err != nil {
			return fmt.Errorf("store: set primary bank account: %w", err)
		}
		if err := requireRow(res); err != nil {
			return err
		}
		_, err = q.ExecContext(ctx, `UPDATE bank_accounts SET is_primary = 0 WHERE id != ? AND client_id != ?`, id, id)
		if err != nil {
			return fmt.Errorf("store: demote bank accounts: %w", err)
		}
		return nil
	})
}

// Primary returns the primary account.
func (r *BankAccountRepo) Primary(ctx context.Context) (*BankAccount, error) {
	var a *BankAccount
	err := r.s.read(func(q querier) error {
		var err error
		a, err = r.queryOne(ctx, q, "WHERE is_primary = 1 AND deleted = 0 ORDER BY updated_at DESC LIMIT 1")
		return err
	})
	return a, err
}
