package deal

import (
	"context"
	"errors"
	"math/big"
	"reflect"
	"testing"
	"time"

	"dealescrow/core/events"
)

func TestDepositCreatesDeal(t *testing.T) {
	h := newTestHarness()
	id, err := h.engine.Deposit(context.Background(), h.buyer, h.seller, 123, big.NewInt(500))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if id != 1 {
		t.Fatalf("expected first id 1, got %d", id)
	}
	d, err := h.engine.GetDeal(id)
	if err != nil {
		t.Fatalf("get deal: %v", err)
	}
	if d.Buyer != h.buyer || d.Seller != h.seller {
		t.Fatalf("unexpected parties: %+v", d)
	}
	if d.Amount.Cmp(big.NewInt(500)) != 0 || d.BuyerProductID != 123 || d.SellerProductID != 0 {
		t.Fatalf("unexpected deal fields: %+v", d)
	}
	if d.State != StateDeposited || d.DeliveryConfirmed {
		t.Fatalf("unexpected initial state %s", d.State)
	}
	if d.CreatedAt != 1_700_000_000 || d.UpdatedAt != d.CreatedAt {
		t.Fatalf("unexpected timestamps: %d/%d", d.CreatedAt, d.UpdatedAt)
	}
	if got := h.state.balanceOf(h.buyer); got.Cmp(big.NewInt(999_500)) != 0 {
		t.Fatalf("buyer not debited: %s", got)
	}
	held, err := h.engine.Custodian().Balance(id)
	if err != nil || held.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("unexpected escrow balance %v (%v)", held, err)
	}

	evts := h.recorder.Events()
	if len(evts) != 1 {
		t.Fatalf("expected one event, got %d", len(evts))
	}
	rendered := events.Render(evts[0])
	if rendered.Type != EventTypeDeposit {
		t.Fatalf("unexpected event type %s", rendered.Type)
	}
	if rendered.Attributes["id"] != "1" || rendered.Attributes["amount"] != "500" || rendered.Attributes["buyerProductId"] != "123" {
		t.Fatalf("unexpected deposit attributes: %v", rendered.Attributes)
	}
}

func TestDepositValidation(t *testing.T) {
	cases := []struct {
		name    string
		seller  func(h *testHarness) [20]byte
		product uint64
		amount  *big.Int
		want    error
	}{
		{"zero amount", func(h *testHarness) [20]byte { return h.seller }, 1, big.NewInt(0), ErrInvalidAmount},
		{"negative amount", func(h *testHarness) [20]byte { return h.seller }, 1, big.NewInt(-5), ErrInvalidAmount},
		{"nil amount", func(h *testHarness) [20]byte { return h.seller }, 1, nil, ErrInvalidAmount},
		{"zero product", func(h *testHarness) [20]byte { return h.seller }, 0, big.NewInt(10), ErrInvalidProductID},
		{"self deal", func(h *testHarness) [20]byte { return h.buyer }, 1, big.NewInt(10), ErrSelfDeal},
		{"zero seller", func(h *testHarness) [20]byte { return [20]byte{} }, 1, big.NewInt(10), ErrInvalidAddress},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHarness()
			_, err := h.engine.Deposit(context.Background(), h.buyer, tc.seller(h), tc.product, tc.amount)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if KindOf(err) != KindValidation {
				t.Fatalf("expected validation kind, got %s", KindOf(err))
			}
			count, _ := h.engine.DealCount()
			if count != 0 {
				t.Fatalf("failed deposit must not allocate, count=%d", count)
			}
			if len(h.recorder.Events()) != 0 {
				t.Fatalf("failed deposit emitted events")
			}
			if got := h.state.balanceOf(h.buyer); got.Cmp(big.NewInt(1_000_000)) != 0 {
				t.Fatalf("failed deposit moved funds: %s", got)
			}
		})
	}
}

func TestDepositReasonStrings(t *testing.T) {
	want := map[error]string{
		ErrInvalidAmount:         "Amount must be > 0",
		ErrInvalidProductID:      "Product ID must be > 0",
		ErrSelfDeal:              "Seller cannot be buyer",
		ErrNotSeller:             "Only seller can call this",
		ErrNotBuyer:              "Only buyer can call this",
		ErrInvalidState:          "Invalid deal state",
		ErrInvalidStateForRefund: "Invalid state for refund",
	}
	for err, reason := range want {
		if err.Error() != reason {
			t.Fatalf("unexpected reason %q, want %q", err.Error(), reason)
		}
	}
}

func TestDepositInsufficientFunds(t *testing.T) {
	h := newTestHarness()
	_, err := h.engine.Deposit(context.Background(), h.stranger, h.seller, 1, big.NewInt(10))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if count, _ := h.engine.DealCount(); count != 0 {
		t.Fatalf("unfunded deposit allocated an id")
	}
}

func TestDepositStoreFailureReturnsFunds(t *testing.T) {
	h := newTestHarness()
	h.state.putErr = errors.New("disk full")
	if _, err := h.engine.Deposit(context.Background(), h.buyer, h.seller, 1, big.NewInt(250)); err == nil {
		t.Fatalf("expected store failure")
	}
	if got := h.state.balanceOf(h.buyer); got.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("buyer funds not returned: %s", got)
	}
	deposited, paid, _ := h.engine.Custodian().Totals()
	if deposited.Sign() != 0 || paid.Sign() != 0 {
		t.Fatalf("custody totals not unwound: %s/%s", deposited, paid)
	}
	if len(h.recorder.Events()) != 0 {
		t.Fatalf("failed deposit emitted events")
	}
	if count, _ := h.engine.DealCount(); count != 0 {
		t.Fatalf("failed deposit consumed an id, count=%d", count)
	}

	h.state.putErr = nil
	if id := h.deposit(1, 250); id != 1 {
		t.Fatalf("expected id 1 after failed deposit, got %d", id)
	}
}

func TestSequentialIDs(t *testing.T) {
	h := newTestHarness()
	for i := 0; i < 5; i++ {
		before, err := h.engine.DealCount()
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		next, _ := h.engine.NextDealID()
		id := h.deposit(uint64(i+1), 10)
		if id != before+1 || id != next {
			t.Fatalf("id %d does not follow count %d / next %d", id, before, next)
		}
		after, _ := h.engine.DealCount()
		if after != before+1 {
			t.Fatalf("count advanced by %d", after-before)
		}
	}
	// Non-deposit operations leave the counter alone.
	if err := h.engine.Refund(context.Background(), h.buyer, 1); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if count, _ := h.engine.DealCount(); count != 5 {
		t.Fatalf("refund changed the count: %d", count)
	}
}

func TestMatchPathConfirmThenWithdraw(t *testing.T) {
	h := newTestHarness()
	ctx := context.Background()
	id := h.deposit(123, 1000)
	if err := h.engine.ConfirmDelivery(ctx, h.seller, id, 123); err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}
	state, err := h.engine.ConfirmReceipt(ctx, h.buyer, id)
	if err != nil {
		t.Fatalf("confirm receipt: %v", err)
	}
	if state != StateConfirmed {
		t.Fatalf("expected confirmed, got %s", state)
	}
	d, _ := h.engine.GetDeal(id)
	if d.State != StateConfirmed || !d.DeliveryConfirmed || d.Amount.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("unexpected confirmed deal: %+v", d)
	}

	if err := h.engine.Withdraw(ctx, h.seller, id); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	d, _ = h.engine.GetDeal(id)
	if d.State != StateWithdrawn || d.Amount.Sign() != 0 {
		t.Fatalf("unexpected withdrawn deal: %+v", d)
	}
	if got := h.state.balanceOf(h.seller); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("seller not paid: %s", got)
	}
	want := []string{EventTypeDeposit, EventTypeDelivery, EventTypeConfirmation, EventTypeWithdrawal}
	if got := eventTypes(h.recorder); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected events %v", got)
	}
	last := events.Render(h.recorder.Events()[3])
	if last.Attributes["amount"] != "1000" {
		t.Fatalf("withdrawal event amount %q", last.Attributes["amount"])
	}
}

func TestMismatchAutoRefund(t *testing.T) {
	h := newTestHarness()
	ctx := context.Background()
	id := h.deposit(999, 700)
	if err := h.engine.ConfirmDelivery(ctx, h.seller, id, 456); err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}
	h.recorder.Reset()
	state, err := h.engine.ConfirmReceipt(ctx, h.buyer, id)
	if err != nil {
		t.Fatalf("confirm receipt: %v", err)
	}
	if state != StateRefunded {
		t.Fatalf("expected refunded, got %s", state)
	}
	d, _ := h.engine.GetDeal(id)
	if d.State != StateRefunded || d.Amount.Sign() != 0 || d.DeliveryConfirmed {
		t.Fatalf("unexpected refunded deal: %+v", d)
	}
	if got := h.state.balanceOf(h.buyer); got.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("buyer not made whole: %s", got)
	}
	if got := eventTypes(h.recorder); !reflect.DeepEqual(got, []string{EventTypeRefund}) {
		t.Fatalf("expected a single refund event, got %v", got)
	}
	if amt := events.Render(h.recorder.Events()[0]).Attributes["amount"]; amt != "700" {
		t.Fatalf("refund event amount %q", amt)
	}
}

func TestEarlyRefund(t *testing.T) {
	h := newTestHarness()
	id := h.deposit(5, 1_000)
	before := h.state.balanceOf(h.buyer)
	if err := h.engine.Refund(context.Background(), h.buyer, id); err != nil {
		t.Fatalf("refund: %v", err)
	}
	d, _ := h.engine.GetDeal(id)
	if d.State != StateRefunded || d.Amount.Sign() != 0 {
		t.Fatalf("unexpected deal after refund: %+v", d)
	}
	after := h.state.balanceOf(h.buyer)
	if diff := new(big.Int).Sub(after, before); diff.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("buyer balance increased by %s", diff)
	}
}

func TestRefundAfterDelivery(t *testing.T) {
	h := newTestHarness()
	ctx := context.Background()
	id := h.deposit(5, 40)
	if err := h.engine.ConfirmDelivery(ctx, h.seller, id, 5); err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}
	if err := h.engine.Refund(ctx, h.buyer, id); err != nil {
		t.Fatalf("refund from delivered: %v", err)
	}
	if d, _ := h.engine.GetDeal(id); d.State != StateRefunded {
		t.Fatalf("expected refunded, got %s", d.State)
	}
}

func TestRefundWindowClosesAfterConfirmation(t *testing.T) {
	h := newTestHarness()
	ctx := context.Background()
	id := h.deposit(7, 90)
	if err := h.engine.ConfirmDelivery(ctx, h.seller, id, 7); err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}
	if _, err := h.engine.ConfirmReceipt(ctx, h.buyer, id); err != nil {
		t.Fatalf("confirm receipt: %v", err)
	}
	err := h.engine.Refund(ctx, h.buyer, id)
	if !errors.Is(err, ErrInvalidStateForRefund) || KindOf(err) != KindState {
		t.Fatalf("expected refund window error after confirmation, got %v", err)
	}
	if err := h.engine.Withdraw(ctx, h.seller, id); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if err := h.engine.Refund(ctx, h.buyer, id); !errors.Is(err, ErrInvalidStateForRefund) {
		t.Fatalf("expected refund window error after withdrawal, got %v", err)
	}
	if err := h.engine.Refund(ctx, h.buyer, h.deposit(8, 1)); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if err := h.engine.Refund(ctx, h.buyer, 2); !errors.Is(err, ErrInvalidStateForRefund) {
		t.Fatalf("expected second refund to fail, got %v", err)
	}
}

func TestWithdrawAtMostOnce(t *testing.T) {
	h := newTestHarness()
	ctx := context.Background()
	id := h.deposit(3, 300)
	_ = h.engine.ConfirmDelivery(ctx, h.seller, id, 3)
	_, _ = h.engine.ConfirmReceipt(ctx, h.buyer, id)
	if err := h.engine.Withdraw(ctx, h.seller, id); err != nil {
		t.Fatalf("first withdraw: %v", err)
	}
	err := h.engine.Withdraw(ctx, h.seller, id)
	if !errors.Is(err, ErrInvalidState) || KindOf(err) != KindState {
		t.Fatalf("expected state error on second withdraw, got %v", err)
	}
	if got := h.state.balanceOf(h.seller); got.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("seller paid %s", got)
	}
}

func TestRoleGating(t *testing.T) {
	h := newTestHarness()
	ctx := context.Background()
	deposited := h.deposit(10, 100)
	delivered := h.deposit(11, 100)
	if err := h.engine.ConfirmDelivery(ctx, h.seller, delivered, 11); err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}
	confirmed := h.deposit(12, 100)
	_ = h.engine.ConfirmDelivery(ctx, h.seller, confirmed, 12)
	if _, err := h.engine.ConfirmReceipt(ctx, h.buyer, confirmed); err != nil {
		t.Fatalf("confirm receipt: %v", err)
	}

	type attempt struct {
		name string
		id   uint64
		run  func(caller [20]byte, id uint64) error
		want error
	}
	attempts := []attempt{
		{"delivery by buyer", deposited, func(c [20]byte, id uint64) error { return h.engine.ConfirmDelivery(ctx, c, id, 10) }, ErrNotSeller},
		{"receipt by seller", delivered, func(c [20]byte, id uint64) error { _, err := h.engine.ConfirmReceipt(ctx, c, id); return err }, ErrNotBuyer},
		{"refund by seller", deposited, func(c [20]byte, id uint64) error { return h.engine.Refund(ctx, c, id) }, ErrNotBuyer},
		{"withdraw by buyer", confirmed, func(c [20]byte, id uint64) error { return h.engine.Withdraw(ctx, c, id) }, ErrNotSeller},
	}
	for _, a := range attempts {
		t.Run(a.name, func(t *testing.T) {
			before, _ := h.engine.GetDeal(a.id)
			caller := h.buyer
			if a.want == ErrNotBuyer {
				caller = h.seller
			}
			for _, c := range [][20]byte{caller, h.stranger} {
				err := a.run(c, a.id)
				if !errors.Is(err, a.want) || KindOf(err) != KindAuthorization {
					t.Fatalf("expected %v, got %v", a.want, err)
				}
			}
			after, _ := h.engine.GetDeal(a.id)
			if !reflect.DeepEqual(before, after) {
				t.Fatalf("deal mutated by unauthorised call")
			}
		})
	}
}

func TestConfirmDeliveryRules(t *testing.T) {
	h := newTestHarness()
	ctx := context.Background()
	id := h.deposit(10, 100)
	if err := h.engine.ConfirmDelivery(ctx, h.seller, id, 0); !errors.Is(err, ErrInvalidProductID) {
		t.Fatalf("expected invalid product id, got %v", err)
	}
	if err := h.engine.ConfirmDelivery(ctx, h.seller, id, 10); err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}
	if err := h.engine.ConfirmDelivery(ctx, h.seller, id, 11); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected second delivery to fail, got %v", err)
	}
	d, _ := h.engine.GetDeal(id)
	if d.SellerProductID != 10 {
		t.Fatalf("seller product id overwritten: %d", d.SellerProductID)
	}
	if _, err := h.engine.ConfirmReceipt(ctx, h.buyer, h.deposit(4, 1)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected receipt before delivery to fail, got %v", err)
	}
	if err := h.engine.Withdraw(ctx, h.seller, id); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected withdraw before confirmation to fail, got %v", err)
	}
}

func TestUnknownDeal(t *testing.T) {
	h := newTestHarness()
	ctx := context.Background()
	checks := []error{
		h.engine.ConfirmDelivery(ctx, h.seller, 42, 1),
		h.engine.Refund(ctx, h.buyer, 42),
		h.engine.Withdraw(ctx, h.seller, 0),
	}
	_, receiptErr := h.engine.ConfirmReceipt(ctx, h.buyer, 42)
	_, getErr := h.engine.GetDeal(42)
	checks = append(checks, receiptErr, getErr)
	for i, err := range checks {
		if !errors.Is(err, ErrNotFound) || KindOf(err) != KindNotFound {
			t.Fatalf("check %d: expected not found, got %v", i, err)
		}
	}
}

func TestFailedTransferRollsBack(t *testing.T) {
	h := newTestHarness()
	ctx := context.Background()
	id := h.deposit(1, 60)
	before, _ := h.engine.GetDeal(id)
	h.recorder.Reset()

	boom := errors.New("ledger offline")
	h.state.payHook = func(context.Context, [20]byte, *big.Int) error { return boom }
	if err := h.engine.Refund(ctx, h.buyer, id); !errors.Is(err, boom) {
		t.Fatalf("expected transfer error, got %v", err)
	}
	after, _ := h.engine.GetDeal(id)
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("deal not restored: before=%+v after=%+v", before, after)
	}
	held, _ := h.engine.Custodian().Balance(id)
	if held.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("escrow not restored: %s", held)
	}
	_, paid, _ := h.engine.Custodian().Totals()
	if paid.Sign() != 0 {
		t.Fatalf("paid total not restored: %s", paid)
	}
	if len(h.recorder.Events()) != 0 {
		t.Fatalf("failed refund emitted events")
	}

	h.state.payHook = nil
	if err := h.engine.Refund(ctx, h.buyer, id); err != nil {
		t.Fatalf("retry refund: %v", err)
	}
}

func TestReentrantPayoutCannotDoublePay(t *testing.T) {
	h := newTestHarness()
	ctx := context.Background()
	id := h.deposit(9, 500)
	_ = h.engine.ConfirmDelivery(ctx, h.seller, id, 9)
	_, _ = h.engine.ConfirmReceipt(ctx, h.buyer, id)

	var reentryErrs []error
	var seen, committed *Deal
	h.state.payHook = func(inner context.Context, to [20]byte, amount *big.Int) error {
		h.state.payHook = nil
		seen, _ = h.engine.GetDealContext(inner, id)
		committed, _ = h.engine.GetDeal(id)
		reentryErrs = append(reentryErrs,
			h.engine.Withdraw(inner, h.seller, id),
			h.engine.Refund(inner, h.buyer, id),
		)
		_, err := h.engine.Custodian().Payout(inner, id, h.seller)
		reentryErrs = append(reentryErrs, err)
		return nil
	}
	if err := h.engine.Withdraw(ctx, h.seller, id); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if seen == nil || seen.State != StateWithdrawn || seen.Amount.Sign() != 0 {
		t.Fatalf("deal not finalised before transfer: %+v", seen)
	}
	if committed == nil || committed.State != StateConfirmed || committed.Amount.Int64() != 500 {
		t.Fatalf("outside reader saw an uncommitted withdrawal: %+v", committed)
	}
	if !errors.Is(reentryErrs[0], ErrInvalidState) {
		t.Fatalf("re-entrant withdraw: %v", reentryErrs[0])
	}
	if !errors.Is(reentryErrs[1], ErrInvalidStateForRefund) {
		t.Fatalf("re-entrant refund: %v", reentryErrs[1])
	}
	if !errors.Is(reentryErrs[2], ErrInsufficientEscrow) || KindOf(reentryErrs[2]) != KindCustody {
		t.Fatalf("re-entrant payout: %v", reentryErrs[2])
	}
	if got := h.state.balanceOf(h.seller); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("seller paid %s", got)
	}
}

func TestReaderNeverSeesRevertedSettlement(t *testing.T) {
	h := newTestHarness()
	ctx := context.Background()
	id := h.deposit(6, 80)
	_ = h.engine.ConfirmDelivery(ctx, h.seller, id, 6)
	_, _ = h.engine.ConfirmReceipt(ctx, h.buyer, id)
	h.recorder.Reset()

	var seen *Deal
	boom := errors.New("bank rejected transfer")
	h.state.payHook = func(context.Context, [20]byte, *big.Int) error {
		done := make(chan struct{})
		go func() {
			defer close(done)
			seen, _ = h.engine.GetDeal(id)
		}()
		<-done
		return boom
	}
	if err := h.engine.Withdraw(ctx, h.seller, id); !errors.Is(err, boom) {
		t.Fatalf("expected transfer error, got %v", err)
	}
	if seen == nil || seen.State != StateConfirmed || seen.Amount.Int64() != 80 {
		t.Fatalf("reader saw state that was later reverted: %+v", seen)
	}
	if d, _ := h.engine.GetDeal(id); d.State != StateConfirmed {
		t.Fatalf("deal left in %s", d.State)
	}
	if len(h.recorder.Events()) != 0 {
		t.Fatalf("failed withdrawal emitted events")
	}

	seen = nil
	h.state.payHook = func(context.Context, [20]byte, *big.Int) error {
		done := make(chan struct{})
		go func() {
			defer close(done)
			seen, _ = h.engine.GetDeal(id)
		}()
		<-done
		return nil
	}
	if err := h.engine.Withdraw(ctx, h.seller, id); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if seen == nil || seen.State != StateConfirmed {
		t.Fatalf("reader saw uncommitted withdrawal: %+v", seen)
	}
	d, _ := h.engine.GetDeal(id)
	if d.State != StateWithdrawn || d.Amount.Sign() != 0 {
		t.Fatalf("withdrawal not committed: %+v", d)
	}
	if got := h.state.balanceOf(h.seller); got.Int64() != 80 {
		t.Fatalf("seller paid %s", got)
	}
}

func TestListDealsAndStats(t *testing.T) {
	h := newTestHarness()
	ctx := context.Background()
	other := newTestAddress(0x44)
	h.state.fund(other, 100)
	a := h.deposit(1, 10)
	b := h.deposit(2, 20)
	if _, err := h.engine.Deposit(ctx, other, h.buyer, 3, big.NewInt(30)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := h.engine.Refund(ctx, h.buyer, a); err != nil {
		t.Fatalf("refund: %v", err)
	}

	asBuyer, err := h.engine.ListDeals(h.buyer, RoleBuyer, 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(asBuyer) != 2 || asBuyer[0].ID != a || asBuyer[1].ID != b {
		t.Fatalf("unexpected buyer deals: %d", len(asBuyer))
	}
	asSeller, _ := h.engine.ListDeals(h.buyer, RoleSeller, 0, 0)
	if len(asSeller) != 1 || asSeller[0].ID != 3 {
		t.Fatalf("unexpected seller deals: %d", len(asSeller))
	}
	page, _ := h.engine.ListDeals([20]byte{}, RoleAny, 1, 1)
	if len(page) != 1 || page[0].ID != 2 {
		t.Fatalf("unexpected page")
	}

	stats, err := h.engine.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Deals != 3 || stats.Deposited.Int64() != 60 || stats.Paid.Int64() != 10 || stats.Held.Int64() != 50 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

type countingObserver struct {
	ops     map[string]int
	payouts map[string]int64
}

func (o *countingObserver) ObserveOperation(op, outcome string, _ time.Duration) {
	o.ops[op+"/"+outcome]++
}

func (o *countingObserver) ObservePayout(kind string, amount *big.Int) {
	o.payouts[kind] += amount.Int64()
}

func TestObserverSeesOutcomes(t *testing.T) {
	h := newTestHarness()
	obs := &countingObserver{ops: map[string]int{}, payouts: map[string]int64{}}
	h.engine.SetObserver(obs)
	id := h.deposit(1, 15)
	_ = h.engine.Withdraw(context.Background(), h.seller, id)
	_ = h.engine.Refund(context.Background(), h.buyer, id)
	if obs.ops["deposit/success"] != 1 || obs.ops["withdraw/state"] != 1 || obs.ops["refund/success"] != 1 {
		t.Fatalf("unexpected observations: %v", obs.ops)
	}
	if obs.payouts["refund"] != 15 {
		t.Fatalf("unexpected payouts: %v", obs.payouts)
	}
}
