package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"varswap/internal/api"
	"varswap/internal/fixedpoint"
	"varswap/internal/logger"
	"varswap/internal/oracle"
	"varswap/internal/rounds"
	"varswap/internal/store"
	"varswap/internal/swap"
)

func main() {
	port := flag.String("port", "8090", "server port")
	dbPath := flag.String("db", "varswap.db", "SQLite database path")
	corsOrigins := flag.String("cors", "", "comma-separated allowed CORS origins (empty = allow all for dev)")
	roundMinutes := flag.Int("round", 60, "auto-rolled round duration in minutes")
	collateral := flag.Int64("collateral", 10000, "collateral per swap unit, in currency minor units")
	indexStart := flag.String("index", "100", "starting value for the simulated index feed")
	seed := flag.Int64("seed", time.Now().UnixNano(), "seed for the simulated index feed")
	autoRoll := flag.Bool("autoroll", true, "automatically open a new round when none is active")
	flag.Parse()

	log := logger.New("varswapd")

	st, err := store.New(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}

	start, err := fixedpoint.FromDecimal(*indexStart)
	if err != nil {
		log.Fatal().Err(err).Str("index", *indexStart).Msg("invalid index start value")
	}

	// Simulated feed: steps by at most 2% of the starting level per read.
	maxStep, _ := start.Div(fixedpoint.FromInt(50))
	floor, _ := start.Div(fixedpoint.FromInt(100))
	feed := oracle.NewRandomWalk("sim-index", start, maxStep, floor, *seed)

	controller := swap.NewController(st)

	schedConfig := rounds.DefaultConfig()
	schedConfig.RoundDuration = time.Duration(*roundMinutes) * time.Minute
	schedConfig.CollateralPerUnit = *collateral
	if *autoRoll {
		schedConfig.RollOracle = feed
	}
	scheduler := rounds.NewScheduler(controller, schedConfig, logger.New("rounds"))
	scheduler.Start()

	server := api.NewServer(controller, st, map[string]swap.Oracle{feed.Name(): feed}, logger.New("api"))

	if *corsOrigins != "" {
		origins := strings.Split(*corsOrigins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		server.SetCORSOrigins(origins)
		log.Info().Strs("origins", origins).Msg("CORS restricted")
	}

	addr := ":" + *port
	httpServer := &http.Server{
		Addr:    addr,
		Handler: server.Router(),
	}

	go func() {
		log.Info().
			Str("addr", addr).
			Str("db", *dbPath).
			Int("round_minutes", *roundMinutes).
			Int64("collateral_per_unit", *collateral).
			Msg("starting varswap server")

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	scheduler.Stop()
	server.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	if err := st.Close(); err != nil {
		log.Error().Err(err).Msg("database close error")
	}

	log.Info().Msg("shutdown complete")
}
