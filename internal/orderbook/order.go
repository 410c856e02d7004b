package orderbook

import (
	"time"

	"varswap/internal/fixedpoint"
)

// Order is one outstanding (possibly partially filled) sell order at a single
// strike. IDs are sequence numbers, unique and monotonically increasing within
// a book, and stay valid for lookup after the order fills.
type Order struct {
	ID             int64            `json:"id"`
	Seller         string           `json:"seller"`
	Strike         int64            `json:"strike"` // index level, scaled by 1e8
	RemainingUnits fixedpoint.Value `json:"remaining_units"`
	RemainingAsk   int64            `json:"remaining_ask"` // currency minor units
	TotalUnits     fixedpoint.Value `json:"total_units"`
	TotalAsk       int64            `json:"total_ask"`
	Filled         bool             `json:"filled"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Position is a user's aggregate exposure at one strike. Writing units
// increases Long and Short together; a buy moves the matched quantity from the
// writer's Short to the buyer's Long. Written and Locked record, for
// settlement, how much the user originated at this strike and how much
// collateral was escrowed for it.
type Position struct {
	User    string           `json:"user"`
	Strike  int64            `json:"strike"`
	Long    fixedpoint.Value `json:"long"`
	Short   fixedpoint.Value `json:"short"`
	Written fixedpoint.Value `json:"written"`
	Locked  int64            `json:"locked"` // currency minor units held in escrow
}

// Quote is the read-only result of walking a strike's queue for a desired
// quantity. PartialUnits is how much of the last matched order would be
// consumed; UnmatchedUnits is the portion of the request the book cannot fill.
type Quote struct {
	Strike         int64            `json:"strike"`
	MatchedUnits   fixedpoint.Value `json:"matched_units"`
	UnmatchedUnits fixedpoint.Value `json:"unmatched_units"`
	PartialUnits   fixedpoint.Value `json:"partial_units"`
	TotalCost      int64            `json:"total_cost"`
	OrderIDs       []int64          `json:"order_ids"`
}

// FillLeg is one consumed order within a fill.
type FillLeg struct {
	OrderID int64            `json:"order_id"`
	Seller  string           `json:"seller"`
	Units   fixedpoint.Value `json:"units"`
	Cost    int64            `json:"cost"`
}

// Fill is the mutating counterpart of a Quote.
type Fill struct {
	Buyer          string           `json:"buyer"`
	Strike         int64            `json:"strike"`
	FilledUnits    fixedpoint.Value `json:"filled_units"`
	RemainderUnits fixedpoint.Value `json:"remainder_units"`
	TotalCost      int64            `json:"total_cost"`
	Legs           []FillLeg        `json:"legs"`
}

// StrikeDepth summarizes open interest at one strike for book snapshots.
type StrikeDepth struct {
	Strike    int64            `json:"strike"`
	OpenUnits fixedpoint.Value `json:"open_units"`
	Orders    int              `json:"orders"`
}
