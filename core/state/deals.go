package state

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"dealescrow/native/deal"
)

func dealStorageKey(id uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return prefixedKey(dealRecordPrefix, buf[:])
}

type storedDeal struct {
	ID                uint64
	Buyer             [20]byte
	Seller            [20]byte
	Amount            *big.Int
	BuyerProductID    uint64
	SellerProductID   uint64
	State             uint8
	DeliveryConfirmed bool
	CreatedAt         uint64
	UpdatedAt         uint64
}

func newStoredDeal(d *deal.Deal) *storedDeal {
	amount := big.NewInt(0)
	if d.Amount != nil {
		amount = new(big.Int).Set(d.Amount)
	}
	return &storedDeal{
		ID:                d.ID,
		Buyer:             d.Buyer,
		Seller:            d.Seller,
		Amount:            amount,
		BuyerProductID:    d.BuyerProductID,
		SellerProductID:   d.SellerProductID,
		State:             uint8(d.State),
		DeliveryConfirmed: d.DeliveryConfirmed,
		CreatedAt:         uint64(d.CreatedAt),
		UpdatedAt:         uint64(d.UpdatedAt),
	}
}

func (s *storedDeal) toDeal() (*deal.Deal, error) {
	out := &deal.Deal{
		ID:                s.ID,
		Buyer:             s.Buyer,
		Seller:            s.Seller,
		Amount:            big.NewInt(0),
		BuyerProductID:    s.BuyerProductID,
		SellerProductID:   s.SellerProductID,
		State:             deal.State(s.State),
		DeliveryConfirmed: s.DeliveryConfirmed,
		CreatedAt:         int64(s.CreatedAt),
		UpdatedAt:         int64(s.UpdatedAt),
	}
	if s.Amount != nil {
		out.Amount = new(big.Int).Set(s.Amount)
	}
	if !out.State.Valid() {
		return nil, fmt.Errorf("deal %d: invalid stored state %d", s.ID, s.State)
	}
	return out, nil
}

// DealAllocate reserves the next deal id. Ids start at 1 and are never
// reused. Deposits allocate through Apply so the id and the record land
// together.
func (m *Manager) DealAllocate() (uint64, error) {
	return m.Apply(&deal.Change{Create: true})
}

// DealCount returns the number of ids allocated so far.
func (m *Manager) DealCount() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	current, err := m.loadBigInt(dealCounterKey)
	if err != nil {
		return 0, err
	}
	if !current.IsUint64() {
		return 0, deal.ErrCounterOverflow
	}
	return current.Uint64(), nil
}

// DealPut overwrites the record stored for d.ID.
func (m *Manager) DealPut(d *deal.Deal) error {
	if d == nil {
		return fmt.Errorf("state: nil deal")
	}
	_, err := m.Apply(&deal.Change{ID: d.ID, Deal: d})
	return err
}

// DealGet returns a decoded copy of the deal stored under id.
func (m *Manager) DealGet(id uint64) (*deal.Deal, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored := new(storedDeal)
	ok, err := m.readRecord(dealStorageKey(id), stored)
	if err != nil || !ok {
		return nil, false, err
	}
	record, err := stored.toDeal()
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}
