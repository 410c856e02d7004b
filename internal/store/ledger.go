package store

import (
	"database/sql"
	"errors"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid amount")
)

// Ledger exposes the custody balance operations the swap controller uses.
// All movements run inside SQL transactions with conditional updates so a
// balance can never go negative, even under concurrent handlers.

// AvailableBalance returns the spendable balance for a user.
func (s *Store) AvailableBalance(userID string) (int64, error) {
	var available int64
	err := s.db.QueryRow("SELECT available FROM accounts WHERE user_id = ?", userID).Scan(&available)
	if err == sql.ErrNoRows {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, err
	}
	return available, nil
}

// LockedBalance returns the collateral currently held in escrow for a user.
func (s *Store) LockedBalance(userID string) (int64, error) {
	var locked int64
	err := s.db.QueryRow("SELECT locked FROM accounts WHERE user_id = ?", userID).Scan(&locked)
	if err == sql.ErrNoRows {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, err
	}
	return locked, nil
}

// Deposit adds funds to a user's available balance.
func (s *Store) Deposit(userID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	res, err := s.db.Exec(
		"UPDATE accounts SET available = available + ? WHERE user_id = ?",
		amount, userID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Withdraw removes funds from a user's available balance.
func (s *Store) Withdraw(userID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return s.Debit(userID, amount)
}

// Lock moves amount from available into escrow.
func (s *Store) Lock(userID string, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	if amount == 0 {
		return nil
	}
	return s.move(userID, amount,
		`UPDATE accounts SET available = available - ?, locked = locked + ?
		 WHERE user_id = ? AND available >= ?`)
}

// Release moves amount from escrow back to available.
func (s *Store) Release(userID string, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	if amount == 0 {
		return nil
	}
	return s.move(userID, amount,
		`UPDATE accounts SET locked = locked - ?, available = available + ?
		 WHERE user_id = ? AND locked >= ?`)
}

// Credit adds amount to a user's available balance.
func (s *Store) Credit(userID string, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	if amount == 0 {
		return nil
	}
	res, err := s.db.Exec(
		"UPDATE accounts SET available = available + ? WHERE user_id = ?",
		amount, userID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Debit removes amount from a user's available balance, failing with
// ErrInsufficientFunds if the balance does not cover it.
func (s *Store) Debit(userID string, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	if amount == 0 {
		return nil
	}
	res, err := s.db.Exec(
		"UPDATE accounts SET available = available - ? WHERE user_id = ? AND available >= ?",
		amount, userID, amount,
	)
	if err != nil {
		return err
	}
	return requireFunds(s, userID, res)
}

// DebitLocked removes amount directly from escrow. Used at settlement when
// collateral is paid out rather than returned.
func (s *Store) DebitLocked(userID string, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	if amount == 0 {
		return nil
	}
	res, err := s.db.Exec(
		"UPDATE accounts SET locked = locked - ? WHERE user_id = ? AND locked >= ?",
		amount, userID, amount,
	)
	if err != nil {
		return err
	}
	return requireFunds(s, userID, res)
}

// move runs a two-column conditional transfer between available and locked.
// The query takes (amount, amount, userID, amount) and must guard the
// decremented column with a >= check.
func (s *Store) move(userID string, amount int64, query string) error {
	res, err := s.db.Exec(query, amount, amount, userID, amount)
	if err != nil {
		return err
	}
	return requireFunds(s, userID, res)
}

// requireRow maps a zero-row update to a missing account.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// requireFunds distinguishes a missing account from a failed balance guard.
func requireFunds(s *Store, userID string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRow("SELECT EXISTS(SELECT 1 FROM accounts WHERE user_id = ?)", userID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrAccountNotFound
	}
	return ErrInsufficientFunds
}
