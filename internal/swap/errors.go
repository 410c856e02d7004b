package swap

import "errors"

var (
	// ErrUnauthorized is returned when the caller is not the subject of the
	// operation (selling for someone else, redeeming another user's credits).
	ErrUnauthorized = errors.New("swap: caller is not the subject of this operation")

	// ErrUnknownBook is returned when no book is registered under the name.
	ErrUnknownBook = errors.New("swap: unknown book")

	// ErrBookExists is returned when a book with the derived name is already
	// registered.
	ErrBookExists = errors.New("swap: book already exists")

	// ErrRoundEnded rejects trading once the round has expired.
	ErrRoundEnded = errors.New("swap: round has ended")

	// ErrTooEarly rejects trading before the round opens, settlement before
	// the round ends, and redemption before settlement.
	ErrTooEarly = errors.New("swap: operation attempted too early")

	// ErrAlreadySettled rejects a second settlement of the same book.
	ErrAlreadySettled = errors.New("swap: book already settled")

	// ErrInsufficientFunds is returned when the collateral ledger cannot
	// cover the operation.
	ErrInsufficientFunds = errors.New("swap: insufficient funds")

	// ErrInvalidAmount rejects non-positive amounts and sizes.
	ErrInvalidAmount = errors.New("swap: amount must be positive")

	// ErrInvalidRound rejects book configurations whose round ends before it
	// starts.
	ErrInvalidRound = errors.New("swap: round end must be after round start")
)
