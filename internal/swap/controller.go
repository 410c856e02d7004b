package swap

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"varswap/internal/fixedpoint"
	"varswap/internal/orderbook"
)

// Ledger is the external collateral custody service. Amounts are non-negative
// integers in the settlement currency's minor unit. Lock moves available
// funds into escrow, Release moves escrowed funds back, DebitLocked consumes
// escrowed funds at settlement, Credit and Debit act on the available side.
type Ledger interface {
	Lock(user string, amount int64) error
	Release(user string, amount int64) error
	Credit(user string, amount int64) error
	Debit(user string, amount int64) error
	DebitLocked(user string, amount int64) error
	AvailableBalance(user string) (int64, error)
	LockedBalance(user string) (int64, error)
}

// Oracle provides the realized-variance index value. It is read exactly twice
// per book: at creation and at settlement.
type Oracle interface {
	Name() string
	LatestIndexValue() (fixedpoint.Value, error)
}

// BookConfig describes a round to create.
type BookConfig struct {
	Oracle            Oracle
	RoundStart        time.Time
	RoundEnd          time.Time
	CollateralPerUnit int64 // escrow per swap unit written, currency minor units

	// Payoff overrides the settlement function. Nil selects
	// CappedLinearPayoff(1, CollateralPerUnit).
	Payoff PayoffFunc
}

// Controller orchestrates the books of all trading rounds: it enforces
// authorization and round state, converts between currency and swap units,
// locks and releases collateral through the ledger, and drives settlement.
type Controller struct {
	mu     sync.RWMutex
	ledger Ledger
	books  map[string]*Book
	names  []string // creation order
	now    func() time.Time

	onOrder  func(book string, order orderbook.Order)
	onFill   func(book string, fill orderbook.Fill)
	onSettle func(report SettlementReport)
}

func NewController(ledger Ledger) *Controller {
	return &Controller{
		ledger: ledger,
		books:  make(map[string]*Book),
		now:    time.Now,
	}
}

// SetClock overrides the controller's time source. Test hook.
func (c *Controller) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// OnOrder registers a callback invoked after each accepted sell order.
func (c *Controller) OnOrder(fn func(book string, order orderbook.Order)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOrder = fn
}

// OnFill registers a callback invoked after each buy that matched units.
func (c *Controller) OnFill(fn func(book string, fill orderbook.Fill)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFill = fn
}

// OnSettle registers a callback invoked after a book settles.
func (c *Controller) OnSettle(fn func(report SettlementReport)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSettle = fn
}

// deriveBookName builds the unique registry name from the round parameters.
func deriveBookName(oracle string, initial fixedpoint.Value, start, end time.Time) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%d", oracle, initial.ToDecimal(), start.Unix(), end.Unix())))
	return "book-" + hex.EncodeToString(h[:8])
}

// CreateBook snapshots the oracle's current index value, derives the book
// name from the round parameters, and registers a fresh order book.
func (c *Controller) CreateBook(cfg BookConfig) (BookInfo, error) {
	if cfg.Oracle == nil {
		return BookInfo{}, fmt.Errorf("swap: oracle required")
	}
	if !cfg.RoundEnd.After(cfg.RoundStart) {
		return BookInfo{}, ErrInvalidRound
	}
	if cfg.CollateralPerUnit <= 0 {
		return BookInfo{}, ErrInvalidAmount
	}

	initial, err := cfg.Oracle.LatestIndexValue()
	if err != nil {
		return BookInfo{}, fmt.Errorf("swap: read oracle: %w", err)
	}

	payoff := cfg.Payoff
	if payoff == nil {
		payoff = CappedLinearPayoff(1, cfg.CollateralPerUnit)
	}

	book := &Book{
		name:              deriveBookName(cfg.Oracle.Name(), initial, cfg.RoundStart, cfg.RoundEnd),
		oracle:            cfg.Oracle,
		roundStart:        cfg.RoundStart,
		roundEnd:          cfg.RoundEnd,
		initialIndexValue: initial,
		collateralPerUnit: cfg.CollateralPerUnit,
		payoff:            payoff,
		orders:            orderbook.New(),
		pendingSale:       make(map[string]int64),
		pendingSettlement: make(map[string]int64),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.books[book.name]; exists {
		return BookInfo{}, ErrBookExists
	}
	c.books[book.name] = book
	c.names = append(c.names, book.name)
	return book.info(c.now()), nil
}

func (c *Controller) book(name string) (*Book, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.books[name]
	if !ok {
		return nil, ErrUnknownBook
	}
	return b, nil
}

// requireOpen checks the round is currently trading.
func (b *Book) requireOpen(now time.Time) error {
	switch b.state(now) {
	case StatePending:
		return ErrTooEarly
	case StateExpired:
		return ErrRoundEnded
	case StateSettled:
		return ErrAlreadySettled
	default:
		return nil
	}
}

// SellSwapPosition writes new variance exposure: it locks units worth of
// collateral at the book's per-unit requirement, then posts the sell order.
// The two steps are all-or-nothing; a rejected order releases the lock.
func (c *Controller) SellSwapPosition(caller, bookName, seller string, strike, askPrice int64, units fixedpoint.Value) (orderbook.Order, error) {
	if caller != seller {
		return orderbook.Order{}, ErrUnauthorized
	}
	if units.Sign() <= 0 {
		return orderbook.Order{}, ErrInvalidAmount
	}

	b, err := c.book(bookName)
	if err != nil {
		return orderbook.Order{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.requireOpen(c.now()); err != nil {
		return orderbook.Order{}, err
	}

	required, err := collateralFor(units, b.collateralPerUnit)
	if err != nil {
		return orderbook.Order{}, err
	}

	available, err := c.ledger.AvailableBalance(seller)
	if err != nil {
		return orderbook.Order{}, fmt.Errorf("swap: read balance: %w", err)
	}
	if available < required {
		return orderbook.Order{}, ErrInsufficientFunds
	}
	if err := c.ledger.Lock(seller, required); err != nil {
		return orderbook.Order{}, fmt.Errorf("swap: lock collateral: %w", err)
	}

	order, err := b.orders.SellOrder(seller, strike, askPrice, units, required)
	if err != nil {
		// Undo the escrow; the book was not touched.
		if relErr := c.ledger.Release(seller, required); relErr != nil {
			return orderbook.Order{}, fmt.Errorf("swap: release after rejected order: %w", relErr)
		}
		return orderbook.Order{}, err
	}

	if c.onOrder != nil {
		c.onOrder(bookName, order)
	}
	return order, nil
}

// collateralFor converts a unit quantity to the currency escrow requirement,
// truncating toward zero.
func collateralFor(units fixedpoint.Value, perUnit int64) (int64, error) {
	v, err := units.MulInt(perUnit)
	if err != nil {
		return 0, err
	}
	return v.Int64()
}

// BuySwapPosition converts maxSpend into a unit quantity via an affordability
// walk of the strike's queue, debits the buyer exactly the matched cost, and
// stages each consumed order's proceeds for its seller. The buyer is never
// charged more than maxSpend; unspent budget simply stays available.
func (c *Controller) BuySwapPosition(caller, bookName, buyer string, strike, maxSpend int64) (orderbook.Fill, error) {
	if caller != buyer {
		return orderbook.Fill{}, ErrUnauthorized
	}
	if maxSpend <= 0 {
		return orderbook.Fill{}, ErrInvalidAmount
	}

	b, err := c.book(bookName)
	if err != nil {
		return orderbook.Fill{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.requireOpen(c.now()); err != nil {
		return orderbook.Fill{}, err
	}

	available, err := c.ledger.AvailableBalance(buyer)
	if err != nil {
		return orderbook.Fill{}, fmt.Errorf("swap: read balance: %w", err)
	}
	if available < maxSpend {
		return orderbook.Fill{}, ErrInsufficientFunds
	}

	desired, err := b.orders.UnitsForSpend(strike, maxSpend)
	if err != nil {
		return orderbook.Fill{}, err
	}
	if desired.Sign() <= 0 {
		// Nothing affordable on the book; not an error.
		return orderbook.Fill{Buyer: buyer, Strike: strike}, nil
	}

	// Price the walk first so the debit happens before the book mutates;
	// the book mutex guarantees the fill below matches the quote.
	quote, err := b.orders.BuyQuote(strike, desired)
	if err != nil {
		return orderbook.Fill{}, err
	}
	if quote.TotalCost > 0 {
		if err := c.ledger.Debit(buyer, quote.TotalCost); err != nil {
			return orderbook.Fill{}, fmt.Errorf("swap: debit buyer: %w", err)
		}
	}

	fill, err := b.orders.FillBuy(buyer, strike, desired)
	if err != nil {
		if quote.TotalCost > 0 {
			if credErr := c.ledger.Credit(buyer, quote.TotalCost); credErr != nil {
				return orderbook.Fill{}, fmt.Errorf("swap: refund after rejected fill: %w", credErr)
			}
		}
		return orderbook.Fill{}, err
	}

	for _, leg := range fill.Legs {
		b.pendingSale[leg.Seller] += leg.Cost
	}

	if c.onFill != nil && !fill.FilledUnits.IsZero() {
		c.onFill(bookName, fill)
	}
	return fill, nil
}

// GetQuoteForPosition is the read-only passthrough to the book's quote walk,
// priced in currency terms.
func (c *Controller) GetQuoteForPosition(bookName string, strike int64, units fixedpoint.Value) (orderbook.Quote, error) {
	b, err := c.book(bookName)
	if err != nil {
		return orderbook.Quote{}, err
	}
	return b.orders.BuyQuote(strike, units)
}

// SetRoundEnd force-expires (or extends) a round. Permitted any time before
// settlement.
func (c *Controller) SetRoundEnd(bookName string, newEnd time.Time) error {
	b, err := c.book(bookName)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.settled {
		return ErrAlreadySettled
	}
	b.roundEnd = newEnd
	return nil
}

// GetOrder reads one order from a book.
func (c *Controller) GetOrder(bookName string, id int64) (orderbook.Order, error) {
	b, err := c.book(bookName)
	if err != nil {
		return orderbook.Order{}, err
	}
	return b.orders.GetOrder(id)
}

// GetPosition reads a user's position at a strike.
func (c *Controller) GetPosition(bookName, user string, strike int64) (orderbook.Position, error) {
	b, err := c.book(bookName)
	if err != nil {
		return orderbook.Position{}, err
	}
	return b.orders.GetPosition(user, strike), nil
}

// UserPositions lists a user's positions in a book.
func (c *Controller) UserPositions(bookName, user string) ([]orderbook.Position, error) {
	b, err := c.book(bookName)
	if err != nil {
		return nil, err
	}
	return b.orders.UserPositions(user), nil
}

// Depth reports open interest per strike for a book.
func (c *Controller) Depth(bookName string) ([]orderbook.StrikeDepth, error) {
	b, err := c.book(bookName)
	if err != nil {
		return nil, err
	}
	return b.orders.Depth(), nil
}

// Books lists all registered books in creation order.
func (c *Controller) Books() []BookInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.now()
	out := make([]BookInfo, 0, len(c.names))
	for _, name := range c.names {
		b := c.books[name]
		b.mu.Lock()
		out = append(out, b.info(now))
		b.mu.Unlock()
	}
	return out
}

// BookInfo returns the typed record for one book.
func (c *Controller) BookInfo(name string) (BookInfo, error) {
	b, err := c.book(name)
	if err != nil {
		return BookInfo{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.info(c.now()), nil
}

// BookInfoByIndex returns the typed record for the i-th created book.
func (c *Controller) BookInfoByIndex(i int) (BookInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i < 0 || i >= len(c.names) {
		return BookInfo{}, ErrUnknownBook
	}
	b := c.books[c.names[i]]
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.info(c.now()), nil
}
