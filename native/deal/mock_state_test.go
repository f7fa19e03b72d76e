package deal

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sync"

	"dealescrow/core/events"
)

type mockState struct {
	mu        sync.Mutex
	deals     map[uint64]*Deal
	allocated uint64
	escrow    map[uint64]*big.Int
	deposited *big.Int
	paid      *big.Int
	accounts  map[[20]byte]*big.Int

	// payHook runs before Pay credits the recipient. A non-nil error aborts
	// the transfer.
	payHook func(ctx context.Context, to [20]byte, amount *big.Int) error
	putErr  error
}

func newMockState() *mockState {
	return &mockState{
		deals:     make(map[uint64]*Deal),
		escrow:    make(map[uint64]*big.Int),
		deposited: big.NewInt(0),
		paid:      big.NewInt(0),
		accounts:  make(map[[20]byte]*big.Int),
	}
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func (m *mockState) fund(addr [20]byte, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[addr] = big.NewInt(amount)
}

func (m *mockState) balanceOf(addr [20]byte) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bal, ok := m.accounts[addr]; ok {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

func (m *mockState) DealGet(id uint64) (*Deal, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deals[id]
	if !ok {
		return nil, false, nil
	}
	return d.Clone(), true, nil
}

func (m *mockState) DealCount() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocated, nil
}

// Apply validates the whole change before touching any map, so a rejected
// change leaves every record as it was.
func (m *mockState) Apply(ch *Change) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return 0, m.putErr
	}
	id := ch.ID
	if ch.Create {
		id = m.allocated + 1
	}
	var record *Deal
	if ch.Deal != nil {
		d := ch.Deal.Clone()
		d.ID = id
		sanitized, err := SanitizeDeal(d)
		if err != nil {
			return 0, err
		}
		record = sanitized
	}
	balances := make(map[[20]byte]*big.Int)
	balance := func(addr [20]byte) *big.Int {
		if bal, ok := balances[addr]; ok {
			return bal
		}
		bal := big.NewInt(0)
		if cur, ok := m.accounts[addr]; ok {
			bal.Set(cur)
		}
		balances[addr] = bal
		return bal
	}
	for _, t := range ch.Debits {
		bal := balance(t.Account)
		if bal.Sub(bal, t.Amount).Sign() < 0 {
			return 0, ErrInsufficientFunds
		}
	}
	for _, t := range ch.Credits {
		bal := balance(t.Account)
		bal.Add(bal, t.Amount)
	}

	if ch.Create {
		m.allocated = id
	}
	if record != nil {
		m.deals[id] = record
	}
	if ch.Escrow != nil {
		m.escrow[id] = new(big.Int).Set(ch.Escrow)
	}
	if ch.Deposited != nil {
		m.deposited = new(big.Int).Add(m.deposited, ch.Deposited)
	}
	if ch.Paid != nil {
		m.paid = new(big.Int).Add(m.paid, ch.Paid)
	}
	for addr, bal := range balances {
		m.accounts[addr] = bal
	}
	if ch.Create {
		ch.ID = id
	}
	return id, nil
}

func (m *mockState) EscrowBalance(id uint64) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bal, ok := m.escrow[id]; ok {
		return new(big.Int).Set(bal), nil
	}
	return big.NewInt(0), nil
}

func (m *mockState) EscrowTotals() (*big.Int, *big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.deposited), new(big.Int).Set(m.paid), nil
}

// available returns the committed balance of addr plus whatever ch already
// stages for it.
func (m *mockState) available(ch *Change, addr [20]byte) *big.Int {
	bal := big.NewInt(0)
	if cur, ok := m.accounts[addr]; ok {
		bal.Set(cur)
	}
	if ch != nil {
		bal.Add(bal, ch.Pending(addr))
	}
	return bal
}

func (m *mockState) Collect(ctx context.Context, from [20]byte, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := PendingChange(ctx)
	if !ch.AppliedBy(m) {
		ch = nil
	}
	bal := m.available(ch, from)
	if bal.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	if ch != nil {
		ch.Debit(from, amount)
		return nil
	}
	m.accounts[from] = bal.Sub(bal, amount)
	return nil
}

func (m *mockState) Pay(ctx context.Context, to [20]byte, amount *big.Int) error {
	if m.payHook != nil {
		if err := m.payHook(ctx, to, amount); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch := PendingChange(ctx); ch.AppliedBy(m) {
		ch.Credit(to, amount)
		return nil
	}
	bal := m.available(nil, to)
	m.accounts[to] = bal.Add(bal, amount)
	return nil
}

// heldTotal sums the amount field over every stored deal.
func (m *mockState) heldTotal() *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := big.NewInt(0)
	for _, d := range m.deals {
		total.Add(total, d.Amount)
	}
	return total
}

type testHarness struct {
	state    *mockState
	engine   *Engine
	recorder *events.Recorder
	buyer    [20]byte
	seller   [20]byte
	stranger [20]byte
}

func newTestHarness() *testHarness {
	st := newMockState()
	custodian := NewCustodian(st, st)
	engine := NewEngine(st, custodian, st)
	recorder := &events.Recorder{}
	engine.SetEmitter(recorder)
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	h := &testHarness{
		state:    st,
		engine:   engine,
		recorder: recorder,
		buyer:    newTestAddress(0x11),
		seller:   newTestAddress(0x22),
		stranger: newTestAddress(0x33),
	}
	st.fund(h.buyer, 1_000_000)
	return h
}

func (h *testHarness) deposit(productID uint64, amount int64) uint64 {
	id, err := h.engine.Deposit(context.Background(), h.buyer, h.seller, productID, big.NewInt(amount))
	if err != nil {
		panic(fmt.Sprintf("deposit: %v", err))
	}
	return id
}

func eventTypes(rec *events.Recorder) []string {
	out := make([]string, 0)
	for _, evt := range rec.Events() {
		out = append(out, evt.EventType())
	}
	return out
}
