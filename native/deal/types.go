package deal

import (
	"fmt"
	"math/big"
	"strings"
)

// State represents the lifecycle states of a deal. The numeric values are
// persisted and must not be reordered.
type State uint8

const (
	StateDeposited State = iota
	StateDelivered
	StateConfirmed
	StateWithdrawn
	StateRefunded
)

// Valid reports whether the state value is within the supported range.
func (s State) Valid() bool {
	switch s {
	case StateDeposited, StateDelivered, StateConfirmed, StateWithdrawn, StateRefunded:
		return true
	default:
		return false
	}
}

// Terminal reports whether no transition leaves the state.
func (s State) Terminal() bool {
	return s == StateWithdrawn || s == StateRefunded
}

func (s State) String() string {
	switch s {
	case StateDeposited:
		return "deposited"
	case StateDelivered:
		return "delivered"
	case StateConfirmed:
		return "confirmed"
	case StateWithdrawn:
		return "withdrawn"
	case StateRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// ParseState resolves the lowercase name produced by String.
func ParseState(name string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "deposited":
		return StateDeposited, nil
	case "delivered":
		return StateDelivered, nil
	case "confirmed":
		return StateConfirmed, nil
	case "withdrawn":
		return StateWithdrawn, nil
	case "refunded":
		return StateRefunded, nil
	default:
		return 0, fmt.Errorf("deal: unknown state %q", name)
	}
}

// allowedTransitions lists every edge of the deal state machine. Terminal
// states have no outgoing edges and no state is revisited.
var allowedTransitions = map[State][]State{
	StateDeposited: {StateDelivered, StateRefunded},
	StateDelivered: {StateConfirmed, StateRefunded},
	StateConfirmed: {StateWithdrawn},
	StateWithdrawn: {},
	StateRefunded:  {},
}

// CanTransition checks if a transition from one state to another is allowed.
func CanTransition(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Deal is the escrow agreement between one buyer and one seller.
type Deal struct {
	ID                uint64
	Buyer             [20]byte
	Seller            [20]byte
	Amount            *big.Int
	BuyerProductID    uint64
	SellerProductID   uint64
	State             State
	DeliveryConfirmed bool
	CreatedAt         int64
	UpdatedAt         int64
}

// Clone returns a deep copy of the deal so callers can safely mutate the copy
// without affecting the stored instance.
func (d *Deal) Clone() *Deal {
	if d == nil {
		return nil
	}
	clone := *d
	if d.Amount != nil {
		clone.Amount = new(big.Int).Set(d.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// Role selects which side of a deal a party occupies.
type Role string

const (
	RoleAny    Role = ""
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// ParseRole normalises a role filter. Empty and "any" select both sides.
func ParseRole(value string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "any":
		return RoleAny, nil
	case "buyer":
		return RoleBuyer, nil
	case "seller":
		return RoleSeller, nil
	default:
		return RoleAny, fmt.Errorf("deal: unknown role %q", value)
	}
}

// Involves reports whether party occupies role on the deal.
func (d *Deal) Involves(party [20]byte, role Role) bool {
	if d == nil {
		return false
	}
	switch role {
	case RoleBuyer:
		return d.Buyer == party
	case RoleSeller:
		return d.Seller == party
	default:
		return d.Buyer == party || d.Seller == party
	}
}

// SanitizeDeal validates a deal record before it is persisted and returns a
// normalised clone. It checks structural invariants only; business rules are
// enforced by the engine.
func SanitizeDeal(d *Deal) (*Deal, error) {
	if d == nil {
		return nil, fmt.Errorf("nil deal")
	}
	clone := d.Clone()
	if clone.ID == 0 {
		return nil, fmt.Errorf("deal id must be positive")
	}
	if clone.Amount.Sign() < 0 {
		return nil, fmt.Errorf("deal amount must be non-negative")
	}
	if !clone.State.Valid() {
		return nil, fmt.Errorf("invalid deal state: %d", clone.State)
	}
	if clone.State.Terminal() && clone.Amount.Sign() != 0 {
		return nil, fmt.Errorf("terminal deal %d holds a non-zero amount", clone.ID)
	}
	if clone.DeliveryConfirmed && clone.State != StateConfirmed && clone.State != StateWithdrawn {
		return nil, fmt.Errorf("deal %d delivery flag set in state %s", clone.ID, clone.State)
	}
	return clone, nil
}

// Stats summarises custody across the ledger.
type Stats struct {
	Deals     uint64
	Deposited *big.Int
	Paid      *big.Int
	Held      *big.Int
}
