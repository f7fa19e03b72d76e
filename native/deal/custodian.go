package deal

import (
	"context"
	"errors"
	"fmt"
	"math/big"
)

var (
	errNilVault    = errors.New("deal custodian: vault not configured")
	errNilTreasury = errors.New("deal custodian: treasury not configured")
)

// Vault reads escrowed balances and custody totals. Writes reach it only
// through Apply.
type Vault interface {
	Applier
	EscrowBalance(id uint64) (*big.Int, error)
	EscrowTotals() (deposited, paid *big.Int, err error)
}

// Treasury moves funds between the ledger and externally tracked accounts.
// Collect debits a party when funds enter escrow; Pay credits the recipient
// of a payout. Pay is the only externally observable interaction of a payout
// and may call back into the engine. A treasury whose accounts live in the
// deal store stages both movements in the PendingChange of ctx so they
// commit with the operation.
type Treasury interface {
	Collect(ctx context.Context, from [20]byte, amount *big.Int) error
	Pay(ctx context.Context, to [20]byte, amount *big.Int) error
}

// Custodian tracks the balance escrowed for each deal. A payout zeroes the
// balance in the operation's change before the treasury transfer runs, so a
// re-entrant payout for the same id observes zero and fails, and concurrent
// payouts for one id are serialised.
type Custodian struct {
	vault    Vault
	treasury Treasury
	locks    *dealLocks
}

// NewCustodian wires a custodian to its vault and treasury.
func NewCustodian(vault Vault, treasury Treasury) *Custodian {
	return &Custodian{vault: vault, treasury: treasury, locks: newDealLocks()}
}

func (c *Custodian) ready() error {
	if c == nil || c.vault == nil {
		return errNilVault
	}
	if c.treasury == nil {
		return errNilTreasury
	}
	return nil
}

// balance returns the amount held for id as seen from ctx, including writes
// staged by an enclosing operation.
func (c *Custodian) balance(ctx context.Context, id uint64) (*big.Int, error) {
	for ch := PendingChange(ctx); ch != nil; ch = ch.parent {
		if ch.ID == id && ch.Escrow != nil && ch.AppliedBy(c.vault) {
			return new(big.Int).Set(ch.Escrow), nil
		}
	}
	amount, err := c.vault.EscrowBalance(id)
	if err != nil {
		return nil, fmt.Errorf("deal custodian: load balance: %w", err)
	}
	return amount, nil
}

// commit applies ch unless it belongs to an enclosing operation, which
// commits it itself.
func (c *Custodian) commit(ch *Change, standalone bool) error {
	if !standalone {
		return nil
	}
	if _, err := c.vault.Apply(ch); err != nil {
		return fmt.Errorf("deal custodian: commit: %w", err)
	}
	return nil
}

// change returns the pending change for id in ctx, or a fresh one to be
// committed by the custodian.
func (c *Custodian) change(ctx context.Context, id uint64) (context.Context, *Change, bool) {
	if ch := stagedChange(ctx, id, c.vault); ch != nil {
		return ctx, ch, false
	}
	ch := NewChange(c.vault, id)
	return withChange(ctx, ch), ch, true
}

// Hold records amount as escrowed against id. Holding on top of a non-zero
// balance is rejected.
func (c *Custodian) Hold(ctx context.Context, id uint64, amount *big.Int) error {
	if err := c.ready(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	ctx, release := c.locks.acquire(ctx, id)
	defer release()
	current, err := c.balance(ctx, id)
	if err != nil {
		return err
	}
	if current.Sign() != 0 {
		return ErrEscrowAlreadyHeld
	}
	_, ch, standalone := c.change(ctx, id)
	stageHold(ch, amount)
	return c.commit(ch, standalone)
}

// stageHold escrows amount in ch. The deal a Create change targets has no
// balance yet, so the zero check is skipped.
func stageHold(ch *Change, amount *big.Int) {
	ch.Escrow = new(big.Int).Set(amount)
	ch.addDeposited(amount)
}

// Payout zeroes the balance held for id and transfers it to recipient. It
// fails with ErrInsufficientEscrow when nothing is held. If the transfer
// fails nothing is written and the transfer error is returned.
func (c *Custodian) Payout(ctx context.Context, id uint64, recipient [20]byte) (*big.Int, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	ctx, release := c.locks.acquire(ctx, id)
	defer release()
	amount, err := c.balance(ctx, id)
	if err != nil {
		return nil, err
	}
	if amount.Sign() <= 0 {
		return nil, ErrInsufficientEscrow
	}
	ctx, ch, standalone := c.change(ctx, id)
	prevEscrow, prevPaid := ch.Escrow, ch.Paid
	prevCredits := len(ch.Credits)
	ch.Escrow = big.NewInt(0)
	ch.addPaid(amount)

	if err := c.treasury.Pay(ctx, recipient, new(big.Int).Set(amount)); err != nil {
		ch.Escrow, ch.Paid = prevEscrow, prevPaid
		ch.Credits = ch.Credits[:prevCredits]
		return nil, fmt.Errorf("deal custodian: transfer: %w", err)
	}
	if err := c.commit(ch, standalone); err != nil {
		return nil, err
	}
	return amount, nil
}

// Balance returns the amount currently escrowed for id.
func (c *Custodian) Balance(id uint64) (*big.Int, error) {
	return c.BalanceContext(context.Background(), id)
}

// BalanceContext is Balance as seen from inside an operation: writes staged
// in ctx count.
func (c *Custodian) BalanceContext(ctx context.Context, id uint64) (*big.Int, error) {
	if c == nil || c.vault == nil {
		return nil, errNilVault
	}
	return c.balance(ctx, id)
}

// Totals returns the cumulative deposited and paid-out amounts. Their
// difference is the amount currently held across all deals.
func (c *Custodian) Totals() (deposited, paid *big.Int, err error) {
	if c == nil || c.vault == nil {
		return nil, nil, errNilVault
	}
	return c.vault.EscrowTotals()
}
