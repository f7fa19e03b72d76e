package deal

import "errors"

// Kind classifies a deal error for callers that map failures to transport
// status codes.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthorization
	KindState
	KindNotFound
	KindCustody
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindState:
		return "state"
	case KindNotFound:
		return "not_found"
	case KindCustody:
		return "custody"
	default:
		return "unknown"
	}
}

// Error is a sentinel deal failure. Reason is the stable, human-readable
// message surfaced to callers; Code is a short machine identifier.
type Error struct {
	Kind   Kind
	Code   string
	Reason string
}

func (e *Error) Error() string { return e.Reason }

func newError(kind Kind, code, reason string) *Error {
	return &Error{Kind: kind, Code: code, Reason: reason}
}

var (
	ErrInvalidAmount    = newError(KindValidation, "invalid_amount", "Amount must be > 0")
	ErrInvalidProductID = newError(KindValidation, "invalid_product_id", "Product ID must be > 0")
	ErrSelfDeal         = newError(KindValidation, "self_deal", "Seller cannot be buyer")
	ErrInvalidAddress   = newError(KindValidation, "invalid_address", "Address must be non-zero")

	ErrNotSeller = newError(KindAuthorization, "not_seller", "Only seller can call this")
	ErrNotBuyer  = newError(KindAuthorization, "not_buyer", "Only buyer can call this")

	ErrInvalidState          = newError(KindState, "invalid_state", "Invalid deal state")
	ErrInvalidStateForRefund = newError(KindState, "invalid_state_for_refund", "Invalid state for refund")

	ErrNotFound = newError(KindNotFound, "not_found", "Deal not found")

	ErrInsufficientEscrow = newError(KindCustody, "insufficient_escrow", "Insufficient escrow")
	ErrEscrowAlreadyHeld  = newError(KindCustody, "escrow_already_held", "Escrow already held")
	ErrInsufficientFunds  = newError(KindCustody, "insufficient_funds", "Insufficient funds")
)

// ErrCounterOverflow is returned by a store when the id space is exhausted.
var ErrCounterOverflow = errors.New("deal: id counter overflow")

// KindOf returns the kind of the first deal error in err's chain, or
// KindUnknown for infrastructure failures.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}
