package state

import (
	"encoding/binary"
	"math/big"
)

func escrowBalanceKey(id uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return prefixedKey(escrowBalancePrefix, buf[:])
}

type storedTotals struct {
	Deposited *big.Int
	Paid      *big.Int
}

// EscrowBalance returns the amount held for a deal; unknown ids hold zero.
func (m *Manager) EscrowBalance(id uint64) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadBigInt(escrowBalanceKey(id))
}

// EscrowTotals returns the cumulative deposited and paid amounts.
func (m *Manager) EscrowTotals() (*big.Int, *big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadTotals()
}

func (m *Manager) loadTotals() (*big.Int, *big.Int, error) {
	stored := new(storedTotals)
	ok, err := m.readRecord(escrowTotalsKey, stored)
	if err != nil {
		return nil, nil, err
	}
	deposited, paid := big.NewInt(0), big.NewInt(0)
	if ok {
		if stored.Deposited != nil {
			deposited.Set(stored.Deposited)
		}
		if stored.Paid != nil {
			paid.Set(stored.Paid)
		}
	}
	return deposited, paid, nil
}
