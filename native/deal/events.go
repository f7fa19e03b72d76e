package deal

import (
	"math/big"
	"strconv"

	"dealescrow/core/types"
	"dealescrow/crypto"
)

const (
	EventTypeDeposit      = "deal.deposit"
	EventTypeDelivery     = "deal.delivery"
	EventTypeConfirmation = "deal.confirmation"
	EventTypeRefund       = "deal.refund"
	EventTypeWithdrawal   = "deal.withdrawal"
)

// NewDepositEvent returns the canonical payload for a newly escrowed deal.
func NewDepositEvent(d *Deal) *types.Event {
	evt := newDealEvent(EventTypeDeposit, d.ID)
	evt.Attributes["buyer"] = crypto.AddressFromArray(d.Buyer).String()
	evt.Attributes["seller"] = crypto.AddressFromArray(d.Seller).String()
	evt.Attributes["amount"] = amountString(d.Amount)
	evt.Attributes["buyerProductId"] = strconv.FormatUint(d.BuyerProductID, 10)
	return evt
}

// NewDeliveryEvent returns the payload emitted when the seller declares the
// shipped product.
func NewDeliveryEvent(d *Deal) *types.Event {
	evt := newDealEvent(EventTypeDelivery, d.ID)
	evt.Attributes["sellerProductId"] = strconv.FormatUint(d.SellerProductID, 10)
	return evt
}

// NewConfirmationEvent returns the payload emitted when the buyer confirms a
// delivery whose product ids match.
func NewConfirmationEvent(d *Deal) *types.Event {
	return newDealEvent(EventTypeConfirmation, d.ID)
}

// NewRefundEvent carries the amount returned to the buyer.
func NewRefundEvent(id uint64, amount *big.Int) *types.Event {
	evt := newDealEvent(EventTypeRefund, id)
	evt.Attributes["amount"] = amountString(amount)
	return evt
}

// NewWithdrawalEvent carries the amount released to the seller.
func NewWithdrawalEvent(id uint64, amount *big.Int) *types.Event {
	evt := newDealEvent(EventTypeWithdrawal, id)
	evt.Attributes["amount"] = amountString(amount)
	return evt
}

func newDealEvent(eventType string, id uint64) *types.Event {
	return &types.Event{
		Type:       eventType,
		Attributes: map[string]string{"id": strconv.FormatUint(id, 10)},
	}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

type dealEvent struct {
	evt *types.Event
}

func (e dealEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e dealEvent) Event() *types.Event { return e.evt }
