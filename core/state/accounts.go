package state

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"dealescrow/core/types"
	"dealescrow/native/deal"
)

var (
	errNegativeBalance = errors.New("state: negative balance")
	// ErrBalanceOverflow is returned when a credit would exceed 256 bits.
	ErrBalanceOverflow = errors.New("state: balance overflow")
)

type storedAccount struct {
	Balance  *big.Int
	Deposits uint64
	Payouts  uint64
}

func accountStorageKey(addr [20]byte) []byte {
	return prefixedKey(accountPrefix, addr[:])
}

func (m *Manager) loadAccount(addr [20]byte) (*types.Account, error) {
	stored := new(storedAccount)
	ok, err := m.readRecord(accountStorageKey(addr), stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &types.Account{Balance: big.NewInt(0)}, nil
	}
	account := &types.Account{Balance: big.NewInt(0), Deposits: stored.Deposits, Payouts: stored.Payouts}
	if stored.Balance != nil {
		account.Balance.Set(stored.Balance)
	}
	return account, nil
}

func (m *Manager) storeAccount(addr [20]byte, account *types.Account) error {
	if account.Balance == nil || account.Balance.Sign() < 0 {
		return errNegativeBalance
	}
	return m.writeRecord(accountStorageKey(addr), &storedAccount{
		Balance:  new(big.Int).Set(account.Balance),
		Deposits: account.Deposits,
		Payouts:  account.Payouts,
	})
}

// addChecked returns a+b, failing when the sum does not fit in 256 bits.
func addChecked(a, b *big.Int) (*big.Int, error) {
	x, overflow := uint256.FromBig(a)
	if overflow {
		return nil, ErrBalanceOverflow
	}
	y, overflow := uint256.FromBig(b)
	if overflow {
		return nil, ErrBalanceOverflow
	}
	sum, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrBalanceOverflow
	}
	return sum.ToBig(), nil
}

// GetAccount returns a copy of the account tracked for addr. Unknown accounts
// have a zero balance.
func (m *Manager) GetAccount(addr [20]byte) (*types.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadAccount(addr)
}

// Balance returns the spendable balance tracked for addr.
func (m *Manager) Balance(addr [20]byte) (*big.Int, error) {
	account, err := m.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	return account.Balance, nil
}

// Credit adds amount to addr without counting it as a payout. It seeds
// genesis balances.
func (m *Manager) Credit(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: invalid credit amount")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	account, err := m.loadAccount(addr)
	if err != nil {
		return err
	}
	updated, err := addChecked(account.Balance, amount)
	if err != nil {
		return err
	}
	account.Balance = updated
	return m.storeAccount(addr, account)
}

// Collect debits amount from a depositor's balance. It implements the
// deal.Treasury contract. Inside an operation this manager commits, the debit
// is staged in the operation's change rather than written.
func (m *Manager) Collect(ctx context.Context, from [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return deal.ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	account, err := m.loadAccount(from)
	if err != nil {
		return err
	}
	ch := m.stagedFor(ctx)
	available := new(big.Int).Set(account.Balance)
	if ch != nil {
		available.Add(available, ch.Pending(from))
	}
	if available.Cmp(amount) < 0 {
		return deal.ErrInsufficientFunds
	}
	if ch != nil {
		ch.Debit(from, amount)
		return nil
	}
	account.Balance = new(big.Int).Sub(account.Balance, amount)
	account.Deposits++
	return m.storeAccount(from, account)
}

// Pay credits amount to a payout recipient. It implements the deal.Treasury
// contract and stages the credit the same way Collect stages a debit.
func (m *Manager) Pay(ctx context.Context, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return deal.ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	account, err := m.loadAccount(to)
	if err != nil {
		return err
	}
	ch := m.stagedFor(ctx)
	current := account.Balance
	if ch != nil {
		current = new(big.Int).Add(current, ch.Pending(to))
	}
	updated, err := addChecked(current, amount)
	if err != nil {
		return err
	}
	if ch != nil {
		ch.Credit(to, amount)
		return nil
	}
	account.Balance = updated
	account.Payouts++
	return m.storeAccount(to, account)
}
