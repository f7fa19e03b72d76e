package deal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dealescrow/core/events"
	"dealescrow/core/types"
)

var (
	errNilStore     = errors.New("deal engine: store not configured")
	errNilCustodian = errors.New("deal engine: custodian not configured")
)

// Store is the durable keyed record store for deals. It owns id allocation
// and performs no business validation. Every write goes through Apply, one
// atomic write per operation.
type Store interface {
	Applier
	DealGet(id uint64) (*Deal, bool, error)
	DealCount() (uint64, error)
}

// Observer receives operation outcomes for metrics.
type Observer interface {
	ObserveOperation(op, outcome string, elapsed time.Duration)
	ObservePayout(kind string, amount *big.Int)
}

type noopObserver struct{}

func (noopObserver) ObserveOperation(string, string, time.Duration) {}
func (noopObserver) ObservePayout(string, *big.Int)                 {}

const (
	opDeposit         = "deposit"
	opConfirmDelivery = "confirm_delivery"
	opConfirmReceipt  = "confirm_receipt"
	opRefund          = "refund"
	opWithdraw        = "withdraw"
)

// Engine validates and applies every state-changing deal operation. It is the
// only component that mutates Deal.State.
type Engine struct {
	store     Store
	custodian *Custodian
	treasury  Treasury
	emitter   events.Emitter
	observer  Observer
	logger    *slog.Logger
	tracer    trace.Tracer
	locks     *dealLocks
	nowFn     func() int64
}

// NewEngine creates a deal engine with a no-op emitter. Callers can override
// the emitter via SetEmitter.
func NewEngine(store Store, custodian *Custodian, treasury Treasury) *Engine {
	return &Engine{
		store:     store,
		custodian: custodian,
		treasury:  treasury,
		emitter:   events.NoopEmitter{},
		observer:  noopObserver{},
		logger:    slog.Default(),
		tracer:    otel.Tracer("dealescrow/native/deal"),
		locks:     newDealLocks(),
		nowFn:     func() int64 { return time.Now().Unix() },
	}
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetObserver configures the metrics observer. Passing nil disables metrics.
func (e *Engine) SetObserver(observer Observer) {
	if observer == nil {
		e.observer = noopObserver{}
		return
	}
	e.observer = observer
}

// SetLogger overrides the structured logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// Custodian exposes the funds custodian wired into the engine.
func (e *Engine) Custodian() *Custodian { return e.custodian }

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(dealEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) ready() error {
	if e == nil || e.store == nil {
		return errNilStore
	}
	if e.custodian == nil || e.treasury == nil {
		return errNilCustodian
	}
	return nil
}

// begin opens a span and returns the finish func that records the outcome.
func (e *Engine) begin(ctx context.Context, op string, id uint64) (context.Context, func(*error)) {
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	ctx, span := e.tracer.Start(ctx, "deal."+op, trace.WithAttributes(attribute.String("deal.op", op)))
	if id != 0 {
		span.SetAttributes(attribute.Int64("deal.id", int64(id)))
	}
	return ctx, func(errp *error) {
		outcome := "success"
		if errp != nil && *errp != nil {
			outcome = KindOf(*errp).String()
			span.RecordError(*errp)
			span.SetStatus(codes.Error, (*errp).Error())
		}
		e.observer.ObserveOperation(op, outcome, time.Since(started))
		span.End()
	}
}

// loadDeal reads id as seen from ctx: a call made from inside an operation's
// payout sees that operation's staged record.
func (e *Engine) loadDeal(ctx context.Context, id uint64) (*Deal, error) {
	if id == 0 {
		return nil, ErrNotFound
	}
	if d, ok := stagedDeal(ctx, id); ok {
		return d, nil
	}
	d, ok, err := e.store.DealGet(id)
	if err != nil {
		return nil, fmt.Errorf("deal: load %d: %w", id, err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

func (e *Engine) commit(ch *Change) (uint64, error) {
	id, err := e.store.Apply(ch)
	if err != nil {
		return 0, fmt.Errorf("deal: store %d: %w", ch.ID, err)
	}
	return id, nil
}

func (e *Engine) storeDeal(d *Deal) error {
	ch := NewChange(e.store, d.ID)
	ch.Deal = d
	_, err := e.commit(ch)
	return err
}

// Deposit escrows amount from the buyer against seller for buyerProductID and
// returns the new deal id.
func (e *Engine) Deposit(ctx context.Context, buyer, seller [20]byte, buyerProductID uint64, amount *big.Int) (id uint64, err error) {
	ctx, finish := e.begin(ctx, opDeposit, 0)
	defer func() { finish(&err) }()
	if err := e.ready(); err != nil {
		return 0, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}
	if buyerProductID == 0 {
		return 0, ErrInvalidProductID
	}
	if buyer == ([20]byte{}) || seller == ([20]byte{}) {
		return 0, ErrInvalidAddress
	}
	if seller == buyer {
		return 0, ErrSelfDeal
	}
	value := new(big.Int).Set(amount)

	now := e.now()
	d := &Deal{
		Buyer:          buyer,
		Seller:         seller,
		Amount:         new(big.Int).Set(value),
		BuyerProductID: buyerProductID,
		State:          StateDeposited,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	ch := NewChange(e.store, 0)
	ch.Create = true
	ch.Deal = d
	opCtx := withChange(ctx, ch)
	if err := e.treasury.Collect(opCtx, buyer, value); err != nil {
		return 0, fmt.Errorf("deal: collect deposit: %w", err)
	}
	stageHold(ch, value)

	id, err = e.commit(ch)
	if err != nil {
		// A treasury that staged the debit in ch lost nothing; any other
		// already moved the funds and gets them back.
		if len(ch.Debits) == 0 {
			e.returnDeposit(ctx, buyer, value)
		}
		return 0, err
	}
	d.ID = id
	e.logger.Info("deal deposited", "id", id, "amount", value.String(), "buyerProductId", buyerProductID)
	e.emit(NewDepositEvent(d))
	return id, nil
}

func (e *Engine) returnDeposit(ctx context.Context, buyer [20]byte, amount *big.Int) {
	if err := e.treasury.Pay(ctx, buyer, amount); err != nil {
		e.logger.Error("deal deposit return failed", "amount", amount.String(), "error", err)
	}
}

// ConfirmDelivery records the product the seller shipped.
func (e *Engine) ConfirmDelivery(ctx context.Context, caller [20]byte, id uint64, sellerProductID uint64) (err error) {
	ctx, finish := e.begin(ctx, opConfirmDelivery, id)
	defer func() { finish(&err) }()
	if err := e.ready(); err != nil {
		return err
	}
	ctx, release := e.locks.acquire(ctx, id)
	defer release()

	d, err := e.loadDeal(ctx, id)
	if err != nil {
		return err
	}
	if caller != d.Seller {
		return ErrNotSeller
	}
	if d.State != StateDeposited {
		return ErrInvalidState
	}
	if sellerProductID == 0 {
		return ErrInvalidProductID
	}
	d.SellerProductID = sellerProductID
	d.State = StateDelivered
	d.UpdatedAt = e.now()
	if err := e.storeDeal(d); err != nil {
		return err
	}
	e.logger.Info("deal delivered", "id", id, "sellerProductId", sellerProductID)
	e.emit(NewDeliveryEvent(d))
	return nil
}

// ConfirmReceipt settles a delivered deal. Matching product ids confirm the
// deal for withdrawal; a mismatch refunds the buyer immediately. The returned
// state is the deal's new state.
func (e *Engine) ConfirmReceipt(ctx context.Context, caller [20]byte, id uint64) (state State, err error) {
	ctx, finish := e.begin(ctx, opConfirmReceipt, id)
	defer func() { finish(&err) }()
	if err := e.ready(); err != nil {
		return 0, err
	}
	ctx, release := e.locks.acquire(ctx, id)
	defer release()

	d, err := e.loadDeal(ctx, id)
	if err != nil {
		return 0, err
	}
	if caller != d.Buyer {
		return 0, ErrNotBuyer
	}
	if d.State != StateDelivered {
		return 0, ErrInvalidState
	}
	if d.BuyerProductID == d.SellerProductID {
		d.State = StateConfirmed
		d.DeliveryConfirmed = true
		d.UpdatedAt = e.now()
		if err := e.storeDeal(d); err != nil {
			return 0, err
		}
		e.logger.Info("deal confirmed", "id", id)
		e.emit(NewConfirmationEvent(d))
		return StateConfirmed, nil
	}
	e.logger.Info("deal product mismatch, refunding buyer", "id", id,
		"buyerProductId", d.BuyerProductID, "sellerProductId", d.SellerProductID)
	if err := e.settle(ctx, d, StateRefunded, d.Buyer); err != nil {
		return 0, err
	}
	return StateRefunded, nil
}

// Refund returns the escrowed funds to the buyer while the deal is still
// Deposited or Delivered.
func (e *Engine) Refund(ctx context.Context, caller [20]byte, id uint64) (err error) {
	ctx, finish := e.begin(ctx, opRefund, id)
	defer func() { finish(&err) }()
	if err := e.ready(); err != nil {
		return err
	}
	ctx, release := e.locks.acquire(ctx, id)
	defer release()

	d, err := e.loadDeal(ctx, id)
	if err != nil {
		return err
	}
	if caller != d.Buyer {
		return ErrNotBuyer
	}
	if d.State != StateDeposited && d.State != StateDelivered {
		return ErrInvalidStateForRefund
	}
	return e.settle(ctx, d, StateRefunded, d.Buyer)
}

// Withdraw releases the escrowed funds of a confirmed deal to the seller.
func (e *Engine) Withdraw(ctx context.Context, caller [20]byte, id uint64) (err error) {
	ctx, finish := e.begin(ctx, opWithdraw, id)
	defer func() { finish(&err) }()
	if err := e.ready(); err != nil {
		return err
	}
	ctx, release := e.locks.acquire(ctx, id)
	defer release()

	d, err := e.loadDeal(ctx, id)
	if err != nil {
		return err
	}
	if caller != d.Seller {
		return ErrNotSeller
	}
	if d.State != StateConfirmed {
		return ErrInvalidState
	}
	return e.settle(ctx, d, StateWithdrawn, d.Seller)
}

// settle moves d to a terminal state and pays its escrow to recipient. The
// terminal record with a zero amount is staged before the custodian
// transfers, so a re-entrant call made from inside the transfer observes the
// terminal state. Record, escrow, totals and a store-backed treasury credit
// then commit in one write. Readers outside the operation keep seeing the
// previous record until that write lands; a failed transfer writes nothing
// and emits nothing.
func (e *Engine) settle(ctx context.Context, d *Deal, next State, recipient [20]byte) error {
	if !CanTransition(d.State, next) {
		return ErrInvalidState
	}
	final := d.Clone()
	final.Amount = big.NewInt(0)
	final.State = next
	final.UpdatedAt = e.now()
	ch := NewChange(e.store, d.ID)
	ch.Deal = final
	opCtx := withChange(ctx, ch)

	paid, err := e.custodian.Payout(opCtx, d.ID, recipient)
	if err != nil {
		e.logger.Warn("deal payout abandoned", "id", d.ID, "to", next.String(), "error", err)
		return err
	}
	if _, err := e.commit(ch); err != nil {
		if len(ch.Credits) == 0 {
			e.logger.Error("deal payout sent but ledger write failed", "id", d.ID, "amount", paid.String(), "error", err)
		}
		return err
	}

	var evt *types.Event
	kind := "refund"
	if next == StateWithdrawn {
		kind = "withdrawal"
		evt = NewWithdrawalEvent(d.ID, paid)
	} else {
		evt = NewRefundEvent(d.ID, paid)
	}
	e.observer.ObservePayout(kind, paid)
	e.logger.Info("deal settled", "id", d.ID, "state", next.String(), "amount", paid.String())
	e.emit(evt)
	return nil
}

// GetDeal returns a copy of the committed deal stored under id. An operation
// in flight on id is not visible until it commits.
func (e *Engine) GetDeal(id uint64) (*Deal, error) {
	return e.GetDealContext(context.Background(), id)
}

// GetDealContext is GetDeal for calls made from inside an operation, such as
// a treasury transfer: the operation's staged record is returned.
func (e *Engine) GetDealContext(ctx context.Context, id uint64) (*Deal, error) {
	if e == nil || e.store == nil {
		return nil, errNilStore
	}
	return e.loadDeal(ctx, id)
}

// DealCount returns the number of ids allocated so far.
func (e *Engine) DealCount() (uint64, error) {
	if e == nil || e.store == nil {
		return 0, errNilStore
	}
	return e.store.DealCount()
}

// NextDealID returns the id the next successful deposit will receive, which
// is one past the highest allocated id.
func (e *Engine) NextDealID() (uint64, error) {
	count, err := e.DealCount()
	if err != nil {
		return 0, err
	}
	return count + 1, nil
}

// ListDeals returns the deals in which party occupies role, in id order,
// skipping offset matches and returning at most limit (zero means no limit).
// A zero party matches every deal.
func (e *Engine) ListDeals(party [20]byte, role Role, offset, limit int) ([]*Deal, error) {
	count, err := e.DealCount()
	if err != nil {
		return nil, err
	}
	out := make([]*Deal, 0)
	skipped := 0
	for id := uint64(1); id <= count; id++ {
		d, ok, err := e.store.DealGet(id)
		if err != nil {
			return nil, fmt.Errorf("deal: load %d: %w", id, err)
		}
		if !ok {
			continue
		}
		if party != ([20]byte{}) && !d.Involves(party, role) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, d)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Stats reports custody totals across the ledger.
func (e *Engine) Stats() (*Stats, error) {
	count, err := e.DealCount()
	if err != nil {
		return nil, err
	}
	if e.custodian == nil {
		return nil, errNilCustodian
	}
	deposited, paid, err := e.custodian.Totals()
	if err != nil {
		return nil, err
	}
	return &Stats{
		Deals:     count,
		Deposited: deposited,
		Paid:      paid,
		Held:      new(big.Int).Sub(deposited, paid),
	}, nil
}
