package state

import (
	"context"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"dealescrow/core/types"
	"dealescrow/native/deal"
	"dealescrow/storage"
)

// putRecord RLP encodes value into b under key.
func putRecord(b *storage.Batch, key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	b.Put(key, encoded)
	return nil
}

// Apply commits every write of ch in a single database batch: the id counter
// for a new deal, the deal record, its escrow balance, the custody totals and
// any treasury movements staged by Collect or Pay. Either all of them land or
// none do. It implements deal.Applier.
func (m *Manager) Apply(ch *deal.Change) (uint64, error) {
	if ch == nil {
		return 0, fmt.Errorf("state: nil change")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	batch := storage.NewBatch()
	id := ch.ID
	if ch.Create {
		current, err := m.loadBigInt(dealCounterKey)
		if err != nil {
			return 0, err
		}
		if !current.IsUint64() || current.Uint64() == math.MaxUint64 {
			return 0, deal.ErrCounterOverflow
		}
		id = current.Uint64() + 1
		if err := putRecord(batch, dealCounterKey, new(big.Int).SetUint64(id)); err != nil {
			return 0, err
		}
	}
	if ch.Deal != nil {
		record := ch.Deal.Clone()
		record.ID = id
		sanitized, err := deal.SanitizeDeal(record)
		if err != nil {
			return 0, err
		}
		if err := putRecord(batch, dealStorageKey(id), newStoredDeal(sanitized)); err != nil {
			return 0, err
		}
	}
	if ch.Escrow != nil {
		if ch.Escrow.Sign() < 0 {
			return 0, errNegativeBalance
		}
		if err := putRecord(batch, escrowBalanceKey(id), ch.Escrow); err != nil {
			return 0, err
		}
	}
	if ch.Deposited != nil || ch.Paid != nil {
		if err := m.stageTotals(batch, ch.Deposited, ch.Paid); err != nil {
			return 0, err
		}
	}
	if err := m.stageTransfers(batch, ch.Debits, ch.Credits); err != nil {
		return 0, err
	}
	if batch.Len() == 0 {
		return id, nil
	}
	if err := m.db.Write(batch); err != nil {
		return 0, fmt.Errorf("state: commit change: %w", err)
	}
	if ch.Create {
		ch.ID = id
	}
	return id, nil
}

func (m *Manager) stageTotals(batch *storage.Batch, deposited, paid *big.Int) error {
	curDeposited, curPaid, err := m.loadTotals()
	if err != nil {
		return err
	}
	if deposited != nil {
		if curDeposited, err = addChecked(curDeposited, deposited); err != nil {
			return err
		}
	}
	if paid != nil {
		if curPaid, err = addChecked(curPaid, paid); err != nil {
			return err
		}
	}
	if curDeposited.Sign() < 0 || curPaid.Sign() < 0 {
		return errNegativeBalance
	}
	return putRecord(batch, escrowTotalsKey, &storedTotals{Deposited: curDeposited, Paid: curPaid})
}

func (m *Manager) stageTransfers(batch *storage.Batch, debits, credits []deal.Transfer) error {
	if len(debits) == 0 && len(credits) == 0 {
		return nil
	}
	accounts := make(map[[20]byte]*types.Account)
	order := make([][20]byte, 0, len(debits)+len(credits))
	load := func(addr [20]byte) (*types.Account, error) {
		if account, ok := accounts[addr]; ok {
			return account, nil
		}
		account, err := m.loadAccount(addr)
		if err != nil {
			return nil, err
		}
		accounts[addr] = account
		order = append(order, addr)
		return account, nil
	}
	// Credits first so addChecked only sees non-negative balances.
	for _, t := range credits {
		account, err := load(t.Account)
		if err != nil {
			return err
		}
		updated, err := addChecked(account.Balance, t.Amount)
		if err != nil {
			return err
		}
		account.Balance = updated
		account.Payouts++
	}
	for _, t := range debits {
		account, err := load(t.Account)
		if err != nil {
			return err
		}
		account.Balance = new(big.Int).Sub(account.Balance, t.Amount)
		account.Deposits++
	}
	for _, addr := range order {
		account := accounts[addr]
		if account.Balance.Sign() < 0 {
			return deal.ErrInsufficientFunds
		}
		if err := putRecord(batch, accountStorageKey(addr), &storedAccount{
			Balance:  account.Balance,
			Deposits: account.Deposits,
			Payouts:  account.Payouts,
		}); err != nil {
			return err
		}
	}
	return nil
}

// stagedFor returns the change in ctx this manager will commit, if any.
func (m *Manager) stagedFor(ctx context.Context) *deal.Change {
	if ch := deal.PendingChange(ctx); ch.AppliedBy(m) {
		return ch
	}
	return nil
}
