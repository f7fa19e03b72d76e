package deal

import (
	"context"
	"math/big"
)

// Applier commits a Change in one atomic write and returns the id of the deal
// it targeted.
type Applier interface {
	Apply(*Change) (uint64, error)
}

// Transfer is a treasury movement carried by a Change.
type Transfer struct {
	Account [20]byte
	Amount  *big.Int
}

// Change collects every write of one engine operation. Nothing in it is
// visible to other callers until an Applier commits it; an abandoned change
// leaves the ledger untouched.
type Change struct {
	// ID is the deal the change targets. With Create set the store assigns
	// the next id from its counter in the same write and fills ID in.
	ID     uint64
	Create bool
	// Deal, when set, replaces the stored record.
	Deal *Deal
	// Escrow, when set, replaces the balance held for the deal.
	Escrow *big.Int
	// Deposited and Paid are added to the custody totals.
	Deposited *big.Int
	Paid      *big.Int
	// Debits and Credits are account movements of a treasury that keeps its
	// balances in the same store.
	Debits  []Transfer
	Credits []Transfer

	applier Applier
	parent  *Change
}

// NewChange starts a change for deal id that applier will commit.
func NewChange(applier Applier, id uint64) *Change {
	return &Change{ID: id, applier: applier}
}

// AppliedBy reports whether a commits c. Treasuries use it to decide whether
// to stage a movement in c or apply it on their own.
func (c *Change) AppliedBy(a Applier) bool {
	return c != nil && a != nil && c.applier == a
}

// Debit stages a withdrawal from account.
func (c *Change) Debit(account [20]byte, amount *big.Int) {
	c.Debits = append(c.Debits, Transfer{Account: account, Amount: new(big.Int).Set(amount)})
}

// Credit stages a deposit into account.
func (c *Change) Credit(account [20]byte, amount *big.Int) {
	c.Credits = append(c.Credits, Transfer{Account: account, Amount: new(big.Int).Set(amount)})
}

// Pending sums the staged movements for account across c and the changes it
// is nested in. Debits count negative.
func (c *Change) Pending(account [20]byte) *big.Int {
	total := big.NewInt(0)
	for ch := c; ch != nil; ch = ch.parent {
		for _, t := range ch.Credits {
			if t.Account == account {
				total.Add(total, t.Amount)
			}
		}
		for _, t := range ch.Debits {
			if t.Account == account {
				total.Sub(total, t.Amount)
			}
		}
	}
	return total
}

func (c *Change) addDeposited(amount *big.Int) {
	if c.Deposited == nil {
		c.Deposited = big.NewInt(0)
	}
	c.Deposited = new(big.Int).Add(c.Deposited, amount)
}

func (c *Change) addPaid(amount *big.Int) {
	if c.Paid == nil {
		c.Paid = big.NewInt(0)
	}
	c.Paid = new(big.Int).Add(c.Paid, amount)
}

type changeKey struct{}

// withChange returns a context carrying c on top of any change already in
// ctx, so calls made from inside the operation see its staged writes.
func withChange(ctx context.Context, c *Change) context.Context {
	c.parent = PendingChange(ctx)
	return context.WithValue(ctx, changeKey{}, c)
}

// PendingChange returns the innermost change being assembled for ctx, or nil.
func PendingChange(ctx context.Context) *Change {
	if ctx == nil {
		return nil
	}
	c, _ := ctx.Value(changeKey{}).(*Change)
	return c
}

// stagedDeal returns the record a pending change in ctx holds for id.
func stagedDeal(ctx context.Context, id uint64) (*Deal, bool) {
	for c := PendingChange(ctx); c != nil; c = c.parent {
		if c.ID == id && c.Deal != nil {
			return c.Deal.Clone(), true
		}
	}
	return nil, false
}

// stagedChange returns the innermost pending change for id committed by a.
func stagedChange(ctx context.Context, id uint64, a Applier) *Change {
	for c := PendingChange(ctx); c != nil; c = c.parent {
		if c.ID == id && c.AppliedBy(a) {
			return c
		}
	}
	return nil
}
