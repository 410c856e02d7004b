// Package rounds drives the swap book lifecycle: it watches for rounds that
// have passed their end time, settles them, and optionally rolls a successor
// round on the same oracle so trading never goes quiet.
package rounds

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"varswap/internal/swap"
)

// Scheduler periodically settles expired books and rolls new rounds.
type Scheduler struct {
	mu sync.Mutex

	controller *swap.Controller
	log        zerolog.Logger

	// Configuration
	interval          time.Duration
	roundDuration     time.Duration
	collateralPerUnit int64
	autoRoll          bool
	rollOracle        swap.Oracle

	// State
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Config configures the round scheduler.
type Config struct {
	// Interval between expiry scans.
	Interval time.Duration
	// RoundDuration is the length of auto-rolled rounds.
	RoundDuration time.Duration
	// CollateralPerUnit for auto-rolled rounds.
	CollateralPerUnit int64
	// RollOracle, when set, enables auto-rolling a new round on this feed
	// after every settlement scan that leaves no open book behind.
	RollOracle swap.Oracle
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:          5 * time.Second,
		RoundDuration:     time.Hour,
		CollateralPerUnit: 10000,
	}
}

// NewScheduler creates a scheduler over the given controller.
func NewScheduler(controller *swap.Controller, config Config, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		controller:        controller,
		log:               log,
		interval:          config.Interval,
		roundDuration:     config.RoundDuration,
		collateralPerUnit: config.CollateralPerUnit,
		autoRoll:          config.RollOracle != nil,
		rollOracle:        config.RollOracle,
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
	}
}

// Start launches the scan loop. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.run()
}

// Stop halts the scan loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	<-s.doneCh
}

func (s *Scheduler) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Scan()
		case <-s.stopCh:
			return
		}
	}
}

// Scan settles every expired book and rolls a successor round if auto-roll is
// enabled and no book remains open. It is exported so tests and admin
// endpoints can trigger a scan without waiting for the ticker.
func (s *Scheduler) Scan() {
	openBooks := 0
	for _, info := range s.controller.Books() {
		switch info.State {
		case "OPEN", "PENDING":
			openBooks++
		case "EXPIRED":
			report, err := s.controller.SettleSwapBook(info.Name)
			if err != nil {
				s.log.Error().Err(err).Str("book", info.Name).Msg("settlement failed")
				continue
			}
			s.log.Info().
				Str("book", info.Name).
				Str("final_index", report.FinalIndexValue.String()).
				Int("entries", len(report.Entries)).
				Msg("settled expired round")
		}
	}

	if s.autoRoll && openBooks == 0 {
		s.rollRound()
	}
}

func (s *Scheduler) rollRound() {
	start := time.Now()
	info, err := s.controller.CreateBook(swap.BookConfig{
		Oracle:            s.rollOracle,
		RoundStart:        start,
		RoundEnd:          start.Add(s.roundDuration),
		CollateralPerUnit: s.collateralPerUnit,
	})
	if err == swap.ErrBookExists {
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("failed to roll new round")
		return
	}
	s.log.Info().
		Str("book", info.Name).
		Time("round_end", info.RoundEnd).
		Msg("rolled new round")
}
