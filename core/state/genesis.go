package state

import (
	"fmt"
	"math/big"

	"dealescrow/storage"
)

// ApplyGenesis seeds treasury balances the first time a ledger is opened. It
// reports false without touching balances when genesis was already applied.
func (m *Manager) ApplyGenesis(balances map[[20]byte]*big.Int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var seeded uint64
	applied, err := m.readRecord(genesisMarkerKey, &seeded)
	if err != nil {
		return false, err
	}
	if applied {
		return false, nil
	}
	batch := storage.NewBatch()
	for addr, amount := range balances {
		if amount == nil || amount.Sign() < 0 {
			return false, fmt.Errorf("state: invalid genesis balance for %x", addr)
		}
		account, err := m.loadAccount(addr)
		if err != nil {
			return false, err
		}
		updated, err := addChecked(account.Balance, amount)
		if err != nil {
			return false, err
		}
		if err := putRecord(batch, accountStorageKey(addr), &storedAccount{
			Balance:  updated,
			Deposits: account.Deposits,
			Payouts:  account.Payouts,
		}); err != nil {
			return false, err
		}
	}
	if err := putRecord(batch, genesisMarkerKey, uint64(len(balances))); err != nil {
		return false, err
	}
	if err := m.db.Write(batch); err != nil {
		return false, err
	}
	return true, nil
}
