package types

import "math/big"

// Account is the externally tracked balance of a party. Deposits debit it and
// payouts credit it; escrowed funds live with the custodian in between.
type Account struct {
	Balance  *big.Int `json:"balance"`
	Deposits uint64   `json:"deposits"`
	Payouts  uint64   `json:"payouts"`
}

// Copy returns a deep copy with a non-nil balance.
func (a *Account) Copy() *Account {
	if a == nil {
		return &Account{Balance: big.NewInt(0)}
	}
	out := *a
	if a.Balance != nil {
		out.Balance = new(big.Int).Set(a.Balance)
	} else {
		out.Balance = big.NewInt(0)
	}
	return &out
}
