package swap

import (
	"sync"
	"time"

	"varswap/internal/fixedpoint"
	"varswap/internal/orderbook"
)

// State is the lifecycle of a trading round.
type State int

const (
	StateOpen    State = iota // roundStart <= now < roundEnd
	StateExpired              // now >= roundEnd, not yet settled
	StateSettled              // terminal
	StatePending              // now < roundStart
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateOpen:
		return "OPEN"
	case StateExpired:
		return "EXPIRED"
	case StateSettled:
		return "SETTLED"
	default:
		return "UNKNOWN"
	}
}

// PayoffFunc maps a strike and the realized index value to a currency payout
// per unit of exposure. Implementations must be pure, return values in
// [0, collateralPerUnit], and be monotonic in (finalIndex - strike).
type PayoffFunc func(strike int64, finalIndex fixedpoint.Value) (int64, error)

// CappedLinearPayoff pays scale currency units per index point above the
// strike, clamped to [0, cap]. This is the default payoff; the cap matches the
// book's per-unit collateral so settlement is always fully funded.
func CappedLinearPayoff(scale, cap int64) PayoffFunc {
	return func(strike int64, finalIndex fixedpoint.Value) (int64, error) {
		diff, err := finalIndex.Sub(fixedpoint.FromInt(strike))
		if err != nil {
			return 0, err
		}
		if diff.Sign() <= 0 {
			return 0, nil
		}
		scaled, err := diff.MulInt(scale)
		if err != nil {
			return 0, err
		}
		payoff, err := scaled.Int64()
		if err != nil {
			return 0, err
		}
		if payoff > cap {
			payoff = cap
		}
		return payoff, nil
	}
}

// Book is one trading round: an order book plus round parameters, the settled
// flag, and the per-user staging areas for sale proceeds and settlement
// payouts. All access goes through the controller, which holds mu around
// every mutating operation so each operation is a single serialized unit.
type Book struct {
	mu sync.Mutex

	name              string
	oracle            Oracle
	roundStart        time.Time
	roundEnd          time.Time
	initialIndexValue fixedpoint.Value
	collateralPerUnit int64
	payoff            PayoffFunc
	settled           bool

	orders *orderbook.Book

	// Staged credits, redeemed by the owning user after settlement.
	pendingSale       map[string]int64
	pendingSettlement map[string]int64
}

func (b *Book) state(now time.Time) State {
	switch {
	case b.settled:
		return StateSettled
	case !now.Before(b.roundEnd):
		return StateExpired
	case now.Before(b.roundStart):
		return StatePending
	default:
		return StateOpen
	}
}

// BookInfo is the typed read record for one book.
type BookInfo struct {
	Name              string           `json:"name"`
	Oracle            string           `json:"oracle"`
	RoundStart        time.Time        `json:"round_start"`
	RoundEnd          time.Time        `json:"round_end"`
	InitialIndexValue fixedpoint.Value `json:"initial_index_value"`
	CollateralPerUnit int64            `json:"collateral_per_unit"`
	State             string           `json:"state"`
	Settled           bool             `json:"settled"`
}

func (b *Book) info(now time.Time) BookInfo {
	return BookInfo{
		Name:              b.name,
		Oracle:            b.oracle.Name(),
		RoundStart:        b.roundStart,
		RoundEnd:          b.roundEnd,
		InitialIndexValue: b.initialIndexValue,
		CollateralPerUnit: b.collateralPerUnit,
		State:             b.state(now).String(),
		Settled:           b.settled,
	}
}
