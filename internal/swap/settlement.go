package swap

import (
	"fmt"

	"varswap/internal/fixedpoint"
)

// SettlementEntry is one user's outcome in a settled book.
type SettlementEntry struct {
	User               string `json:"user"`
	PayoffOwed         int64  `json:"payoff_owed"`         // consumed from escrow
	CollateralReleased int64  `json:"collateral_released"` // returned to available
	CreditStaged       int64  `json:"credit_staged"`       // long claims, redeemable
}

// SettlementReport summarizes one settlement pass.
type SettlementReport struct {
	Book            string            `json:"book"`
	FinalIndexValue fixedpoint.Value  `json:"final_index_value"`
	Entries         []SettlementEntry `json:"entries"`
}

// SettleSwapBook closes an expired round: it reads the final index value from
// the oracle, computes every participant's payout, consumes and releases the
// escrowed collateral accordingly, and stages long claims for redemption.
// Runs at most once per book; any later call fails fast with
// ErrAlreadySettled before touching the ledger.
//
// Per position at strike K with written w, long l, short s and escrow e, and
// per-unit payoff p = payoff(K, finalIndex):
//
//	owed     = trunc(w * p), capped at e
//	released = e - owed
//	credit   = trunc((l - w + s) * p)
//
// l - w + s is the position's live long claim: purchased units plus the still
// unsold written pairs. Written units sold to a counterparty surrender their
// long claim with the short they transferred, which is what makes the pass
// zero-sum: summed over the book, staged credits never exceed consumed escrow
// (truncation dust stays in escrow, never goes negative).
func (c *Controller) SettleSwapBook(bookName string) (SettlementReport, error) {
	b, err := c.book(bookName)
	if err != nil {
		return SettlementReport{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.settled {
		return SettlementReport{}, ErrAlreadySettled
	}
	if c.now().Before(b.roundEnd) {
		return SettlementReport{}, ErrTooEarly
	}

	final, err := b.oracle.LatestIndexValue()
	if err != nil {
		return SettlementReport{}, fmt.Errorf("swap: read oracle: %w", err)
	}

	// Compute the whole pass before applying any of it.
	report := SettlementReport{Book: bookName, FinalIndexValue: final}
	for _, user := range b.orders.Addresses() {
		entry := SettlementEntry{User: user}
		for _, pos := range b.orders.UserPositions(user) {
			payoff, err := b.payoff(pos.Strike, final)
			if err != nil {
				return SettlementReport{}, fmt.Errorf("swap: payoff at strike %d: %w", pos.Strike, err)
			}
			if payoff < 0 || payoff > b.collateralPerUnit {
				return SettlementReport{}, fmt.Errorf("swap: payoff %d outside [0, %d] at strike %d", payoff, b.collateralPerUnit, pos.Strike)
			}

			owed, err := truncProduct(pos.Written, payoff)
			if err != nil {
				return SettlementReport{}, err
			}
			if owed > pos.Locked {
				owed = pos.Locked
			}

			claim, err := longClaim(pos.Long, pos.Written, pos.Short)
			if err != nil {
				return SettlementReport{}, err
			}
			credit, err := truncProduct(claim, payoff)
			if err != nil {
				return SettlementReport{}, err
			}

			entry.PayoffOwed += owed
			entry.CollateralReleased += pos.Locked - owed
			entry.CreditStaged += credit
		}
		report.Entries = append(report.Entries, entry)
	}

	// Mark settled before applying. If the ledger diverges part way through,
	// the error surfaces but a retry must not re-release escrow already
	// returned in this pass.
	b.settled = true

	for _, entry := range report.Entries {
		if entry.PayoffOwed > 0 {
			if err := c.ledger.DebitLocked(entry.User, entry.PayoffOwed); err != nil {
				return SettlementReport{}, fmt.Errorf("swap: consume escrow for %s: %w", entry.User, err)
			}
		}
		if entry.CollateralReleased > 0 {
			if err := c.ledger.Release(entry.User, entry.CollateralReleased); err != nil {
				return SettlementReport{}, fmt.Errorf("swap: release escrow for %s: %w", entry.User, err)
			}
		}
	}
	for _, entry := range report.Entries {
		if entry.CreditStaged > 0 {
			b.pendingSettlement[entry.User] += entry.CreditStaged
		}
	}

	if c.onSettle != nil {
		c.onSettle(report)
	}
	return report, nil
}

func truncProduct(units fixedpoint.Value, price int64) (int64, error) {
	v, err := units.MulInt(price)
	if err != nil {
		return 0, err
	}
	return v.Int64()
}

// longClaim computes long - written + short, the position's payable long
// exposure.
func longClaim(long, written, short fixedpoint.Value) (fixedpoint.Value, error) {
	v, err := long.Sub(written)
	if err != nil {
		return fixedpoint.Value{}, err
	}
	return v.Add(short)
}

// RedeemSwapPositions moves a user's staged settlement payout into their
// available ledger balance. Returns the redeemed amount; zero (not an error)
// when nothing is pending, since polling this is a common no-op pattern.
func (c *Controller) RedeemSwapPositions(caller, bookName, user string) (int64, error) {
	return c.redeem(caller, bookName, user, func(b *Book) map[string]int64 { return b.pendingSettlement })
}

// RedeemOrderPayments moves a user's staged sale proceeds into their
// available ledger balance.
func (c *Controller) RedeemOrderPayments(caller, bookName, user string) (int64, error) {
	return c.redeem(caller, bookName, user, func(b *Book) map[string]int64 { return b.pendingSale })
}

func (c *Controller) redeem(caller, bookName, user string, staged func(*Book) map[string]int64) (int64, error) {
	if caller != user {
		return 0, ErrUnauthorized
	}

	b, err := c.book(bookName)
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.settled {
		return 0, ErrTooEarly
	}

	pool := staged(b)
	amount := pool[user]
	if amount == 0 {
		return 0, nil
	}
	if err := c.ledger.Credit(user, amount); err != nil {
		return 0, fmt.Errorf("swap: credit redemption: %w", err)
	}
	pool[user] = 0
	return amount, nil
}

// PendingCredits reports a user's staged but unredeemed amounts in a book.
func (c *Controller) PendingCredits(bookName, user string) (sale, settlement int64, err error) {
	b, err := c.book(bookName)
	if err != nil {
		return 0, 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pendingSale[user], b.pendingSettlement[user], nil
}
