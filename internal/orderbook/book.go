package orderbook

import (
	"errors"
	"sync"
	"time"

	"github.com/google/btree"

	"varswap/internal/fixedpoint"
)

var (
	ErrOrderNotFound   = errors.New("orderbook: order not found")
	ErrIndexOutOfRange = errors.New("orderbook: index out of range")
	ErrInvalidUnits    = errors.New("orderbook: units must be positive")
	ErrInvalidAsk      = errors.New("orderbook: ask price must be non-negative")
)

// strikeLevel holds the FIFO queue of open sell orders at one strike.
// Filled orders are removed from the queue but stay in the id index.
type strikeLevel struct {
	strike int64
	queue  []*Order
}

func (l *strikeLevel) Less(than btree.Item) bool {
	return l.strike < than.(*strikeLevel).strike
}

// Book is the per-round order book: strike-keyed FIFO queues of sell orders
// plus the position ledger and active-address index for everyone who has
// traded in the round. Each strike is an independent matching pool; within a
// strike, matching is strictly order-of-submission with no price reordering.
//
// A Book performs no temporal or funds checks; the owning controller
// serializes access per round and handles collateral.
type Book struct {
	mu        sync.RWMutex
	strikes   *btree.BTree
	orders    map[int64]*Order
	nextID    int64
	positions map[string][]*Position
	addresses []string
	seen      map[string]bool
}

func New() *Book {
	return &Book{
		strikes:   btree.New(32),
		orders:    make(map[int64]*Order),
		nextID:    1,
		positions: make(map[string][]*Position),
		seen:      make(map[string]bool),
	}
}

func (b *Book) level(strike int64, create bool) *strikeLevel {
	probe := &strikeLevel{strike: strike}
	if item := b.strikes.Get(probe); item != nil {
		return item.(*strikeLevel)
	}
	if !create {
		return nil
	}
	b.strikes.ReplaceOrInsert(probe)
	return probe
}

func (b *Book) position(user string, strike int64, create bool) *Position {
	for _, p := range b.positions[user] {
		if p.Strike == strike {
			return p
		}
	}
	if !create {
		return nil
	}
	p := &Position{User: user, Strike: strike}
	b.positions[user] = append(b.positions[user], p)
	if !b.seen[user] {
		b.seen[user] = true
		b.addresses = append(b.addresses, user)
	}
	return p
}

// SellOrder appends a new order to the tail of the strike's queue and updates
// the seller's position: writing units increases Long and Short together.
// lockedCollateral is the escrow amount the controller locked for this order;
// the position accumulates it for settlement accounting.
func (b *Book) SellOrder(seller string, strike, askPrice int64, units fixedpoint.Value, lockedCollateral int64) (Order, error) {
	if units.Sign() <= 0 {
		return Order{}, ErrInvalidUnits
	}
	if askPrice < 0 {
		return Order{}, ErrInvalidAsk
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Validate position arithmetic before touching any state.
	pos := b.position(seller, strike, false)
	var long, short, written fixedpoint.Value
	if pos != nil {
		long, short, written = pos.Long, pos.Short, pos.Written
	}
	newLong, err := long.Add(units)
	if err != nil {
		return Order{}, err
	}
	newShort, err := short.Add(units)
	if err != nil {
		return Order{}, err
	}
	newWritten, err := written.Add(units)
	if err != nil {
		return Order{}, err
	}

	order := &Order{
		ID:             b.nextID,
		Seller:         seller,
		Strike:         strike,
		RemainingUnits: units,
		RemainingAsk:   askPrice,
		TotalUnits:     units,
		TotalAsk:       askPrice,
		CreatedAt:      time.Now(),
	}
	b.nextID++
	b.orders[order.ID] = order

	lvl := b.level(strike, true)
	lvl.queue = append(lvl.queue, order)

	pos = b.position(seller, strike, true)
	pos.Long = newLong
	pos.Short = newShort
	pos.Written = newWritten
	pos.Locked += lockedCollateral

	return *order, nil
}

// planLeg is one consumed order in a prepared fill, with every mutated value
// precomputed so applying the plan cannot fail partway.
type planLeg struct {
	order        *Order
	units        fixedpoint.Value
	newRemaining fixedpoint.Value
	cost         int64
	full         bool
}

// chunkCost prices take units of an order at its implied per-unit price
// (remainingAsk / remainingUnits), truncating toward zero so the book never
// owes fractional dust. A full consumption costs exactly the remaining ask.
func chunkCost(o *Order, take fixedpoint.Value) (int64, error) {
	if take.Cmp(o.RemainingUnits) == 0 {
		return o.RemainingAsk, nil
	}
	perUnit, err := fixedpoint.FromInt(o.RemainingAsk).Div(o.RemainingUnits)
	if err != nil {
		return 0, err
	}
	cost, err := perUnit.Mul(take)
	if err != nil {
		return 0, err
	}
	return cost.Int64()
}

// buildPlan walks the strike queue head to tail accumulating up to desired
// units. It is pure: both quoting and filling run the same walk.
func (b *Book) buildPlan(strike int64, desired fixedpoint.Value) ([]planLeg, error) {
	lvl := b.level(strike, false)
	if lvl == nil {
		return nil, nil
	}

	var legs []planLeg
	remaining := desired
	for _, o := range lvl.queue {
		if remaining.Sign() <= 0 {
			break
		}
		take := fixedpoint.Min(remaining, o.RemainingUnits)
		cost, err := chunkCost(o, take)
		if err != nil {
			return nil, err
		}
		newRemaining, err := o.RemainingUnits.Sub(take)
		if err != nil {
			return nil, err
		}
		legs = append(legs, planLeg{
			order:        o,
			units:        take,
			newRemaining: newRemaining,
			cost:         cost,
			full:         newRemaining.IsZero(),
		})
		remaining, err = remaining.Sub(take)
		if err != nil {
			return nil, err
		}
	}
	return legs, nil
}

// BuyQuote walks the strike's queue without mutating anything and reports how
// much of desired can be matched, at what total cost, against which orders.
func (b *Book) BuyQuote(strike int64, desired fixedpoint.Value) (Quote, error) {
	if desired.Sign() <= 0 {
		return Quote{}, ErrInvalidUnits
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.quoteLocked(strike, desired)
}

func (b *Book) quoteLocked(strike int64, desired fixedpoint.Value) (Quote, error) {
	legs, err := b.buildPlan(strike, desired)
	if err != nil {
		return Quote{}, err
	}

	q := Quote{Strike: strike}
	for _, leg := range legs {
		q.MatchedUnits, err = q.MatchedUnits.Add(leg.units)
		if err != nil {
			return Quote{}, err
		}
		q.TotalCost += leg.cost
		q.OrderIDs = append(q.OrderIDs, leg.order.ID)
		if !leg.full {
			q.PartialUnits = leg.units
		}
	}
	q.UnmatchedUnits, err = desired.Sub(q.MatchedUnits)
	if err != nil {
		return Quote{}, err
	}
	return q, nil
}

// UnitsForSpend reports how many units a buyer can afford at this strike with
// the given budget, walking the queue in FIFO order at each order's implied
// price. Partial affordability of an order ends the walk: FIFO matching never
// skips ahead to a cheaper resting order.
func (b *Book) UnitsForSpend(strike, budget int64) (fixedpoint.Value, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	lvl := b.level(strike, false)
	if lvl == nil {
		return fixedpoint.Zero(), nil
	}

	var total fixedpoint.Value
	var err error
	for _, o := range lvl.queue {
		if budget <= 0 {
			break
		}
		if o.RemainingAsk <= budget {
			total, err = total.Add(o.RemainingUnits)
			if err != nil {
				return fixedpoint.Zero(), err
			}
			budget -= o.RemainingAsk
			continue
		}
		perUnit, err := fixedpoint.FromInt(o.RemainingAsk).Div(o.RemainingUnits)
		if err != nil {
			return fixedpoint.Zero(), err
		}
		if perUnit.IsZero() {
			break
		}
		affordable, err := fixedpoint.FromInt(budget).Div(perUnit)
		if err != nil {
			return fixedpoint.Zero(), err
		}
		if affordable.Sign() > 0 {
			total, err = total.Add(fixedpoint.Min(affordable, o.RemainingUnits))
			if err != nil {
				return fixedpoint.Zero(), err
			}
		}
		break
	}
	return total, nil
}

// FillBuy re-runs the quote walk and commits it: consumed orders shed
// remaining units and ask proportionally, fully consumed orders are marked
// filled and leave the queue, and the matched quantity moves from each
// seller's Short to the buyer's Long. The plan is validated in full before any
// mutation, so a failure leaves the book untouched.
func (b *Book) FillBuy(buyer string, strike int64, desired fixedpoint.Value) (Fill, error) {
	if desired.Sign() <= 0 {
		return Fill{}, ErrInvalidUnits
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	legs, err := b.buildPlan(strike, desired)
	if err != nil {
		return Fill{}, err
	}

	fill := Fill{Buyer: buyer, Strike: strike}
	for _, leg := range legs {
		fill.FilledUnits, err = fill.FilledUnits.Add(leg.units)
		if err != nil {
			return Fill{}, err
		}
		fill.TotalCost += leg.cost
	}
	fill.RemainderUnits, err = desired.Sub(fill.FilledUnits)
	if err != nil {
		return Fill{}, err
	}
	if fill.FilledUnits.IsZero() {
		return fill, nil
	}

	// Validate the buyer's new long before committing.
	var buyerLong fixedpoint.Value
	if pos := b.position(buyer, strike, false); pos != nil {
		buyerLong = pos.Long
	}
	newBuyerLong, err := buyerLong.Add(fill.FilledUnits)
	if err != nil {
		return Fill{}, err
	}

	lvl := b.level(strike, false)
	for _, leg := range legs {
		o := leg.order
		o.RemainingUnits = leg.newRemaining
		o.RemainingAsk -= leg.cost
		if leg.full {
			o.Filled = true
			o.RemainingAsk = 0
			lvl.queue = lvl.queue[1:]
		}

		sellerPos := b.position(o.Seller, o.Strike, true)
		// Short never underflows: the queue's remaining units are a lower
		// bound on the seller's short at this strike.
		sellerPos.Short, _ = sellerPos.Short.Sub(leg.units)

		fill.Legs = append(fill.Legs, FillLeg{
			OrderID: o.ID,
			Seller:  o.Seller,
			Units:   leg.units,
			Cost:    leg.cost,
		})
	}

	buyerPos := b.position(buyer, strike, true)
	buyerPos.Long = newBuyerLong

	return fill, nil
}

// GetOrder looks up an order by id; filled orders remain visible for audit.
func (b *Book) GetOrder(id int64) (Order, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.orders[id]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return *o, nil
}

// GetPosition returns the user's position at a strike, or an empty position
// if the user has never traded there.
func (b *Book) GetPosition(user string, strike int64) Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if p := b.position(user, strike, false); p != nil {
		return *p
	}
	return Position{User: user, Strike: strike}
}

// UserPositions returns copies of all of a user's positions in creation order.
func (b *Book) UserPositions(user string) []Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Position, 0, len(b.positions[user]))
	for _, p := range b.positions[user] {
		out = append(out, *p)
	}
	return out
}

func (b *Book) NumUserPositions(user string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.positions[user])
}

func (b *Book) UserPositionByIndex(user string, i int) (Position, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ps := b.positions[user]
	if i < 0 || i >= len(ps) {
		return Position{}, ErrIndexOutOfRange
	}
	return *ps[i], nil
}

// AddressByIndex enumerates the append-only active-address index.
func (b *Book) AddressByIndex(i int) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if i < 0 || i >= len(b.addresses) {
		return "", ErrIndexOutOfRange
	}
	return b.addresses[i], nil
}

func (b *Book) NumActiveAddresses() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.addresses)
}

// Addresses returns a copy of the active-address index.
func (b *Book) Addresses() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, len(b.addresses))
	copy(out, b.addresses)
	return out
}

// OpenUnits sums remaining units over the strike's open orders.
func (b *Book) OpenUnits(strike int64) fixedpoint.Value {
	b.mu.RLock()
	defer b.mu.RUnlock()
	lvl := b.level(strike, false)
	if lvl == nil {
		return fixedpoint.Zero()
	}
	var total fixedpoint.Value
	for _, o := range lvl.queue {
		total, _ = total.Add(o.RemainingUnits)
	}
	return total
}

// Depth walks strikes in ascending order and reports open interest per strike.
func (b *Book) Depth() []StrikeDepth {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []StrikeDepth
	b.strikes.Ascend(func(item btree.Item) bool {
		lvl := item.(*strikeLevel)
		if len(lvl.queue) == 0 {
			return true
		}
		var total fixedpoint.Value
		for _, o := range lvl.queue {
			total, _ = total.Add(o.RemainingUnits)
		}
		out = append(out, StrikeDepth{
			Strike:    lvl.strike,
			OpenUnits: total,
			Orders:    len(lvl.queue),
		})
		return true
	})
	return out
}
