package main

import (
	"errors"
	"net/http"
	"os"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/joho/godotenv"

	"github.com/epilab/vaccgame/cmd/vaccgame/shared"
	"github.com/epilab/vaccgame/internal/config"
	"github.com/epilab/vaccgame/internal/game"
	"github.com/epilab/vaccgame/internal/server"
	"github.com/epilab/vaccgame/internal/store"
)

// ServerCmd runs the game server
type ServerCmd struct {
	Config  string `kong:"default='vaccgame.hcl',help='Path to HCL config file'"`
	Debug   bool   `kong:"help='Enable debug logging'"`
	JSON    bool   `kong:"help='Log as JSON instead of console output'"`
	Monitor bool   `kong:"help='Print per-round progress to stdout'"`
}

func (c *ServerCmd) Run() error {
	// A .env file is the common way to carry DATABASE_URL in deployments
	_ = godotenv.Load()

	var logger *log.Logger
	if c.JSON {
		logger = shared.SetupStructuredLogger(c.Debug)
	} else {
		logger = shared.SetupLogger(c.Debug)
	}

	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	model, err := cfg.BuildCostModel()
	if err != nil {
		return err
	}

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	var monitor server.RoundMonitor
	if c.Monitor || cfg.Server.Monitor {
		monitor = server.NewListMonitor(os.Stdout)
	}

	srv := server.NewServer(cfg.ListenAddress(), logger)
	svc := server.NewGameService(st, srv, server.RunnerConfig{
		Model:            model,
		StartingBalance:  cfg.Game.StartingBalance,
		ForfeitChoice:    forfeitChoice(cfg),
		DecisionDeadline: cfg.DecisionDeadline(),
		ReadyTimeout:     cfg.ReadyTimeout(),
	}, quartz.NewReal(), logger, monitor)
	srv.SetGameService(svc)
	srv.SetAdminToken(cfg.Server.AdminToken)

	logger.Info("Starting vaccination game server",
		"address", cfg.ListenAddress(),
		"cost_model", model.Name(),
		"group_size", cfg.Game.GroupSize,
		"rounds", cfg.Game.Rounds,
		"starting_balance", cfg.Game.StartingBalance,
		"decision_deadline", cfg.DecisionDeadline(),
		"ready_timeout", cfg.ReadyTimeout())

	ctx := shared.SetupSignalHandlerWithLogger(logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down server...")
		svc.Stop()
		return srv.Stop()
	case err := <-serverErr:
		return err
	}
}

// forfeitChoice returns the validated forfeit choice from config.
func forfeitChoice(cfg *config.Config) game.Choice {
	c, _ := game.ParseChoice(cfg.Game.ForfeitChoice)
	return c
}

// openStore selects the Postgres store when a DSN is configured and the
// in-memory store otherwise.
func openStore(cfg *config.Config, logger *log.Logger) (store.Store, error) {
	dsn := cfg.EffectiveDSN()
	if dsn == "" {
		logger.Warn("No database configured, using in-memory store")
		return store.NewMemoryStore(), nil
	}

	logger.Info("Connecting to database",
		"pool_size", cfg.Database.PoolSize,
		"max_overflow", cfg.Database.MaxOverflow)

	return store.OpenSQL(dsn, store.SQLConfig{
		PoolSize:        cfg.Database.PoolSize,
		MaxOverflow:     cfg.Database.MaxOverflow,
		ConnMaxLifetime: cfg.ConnMaxLifetime(),
		AcquireTimeout:  cfg.AcquireTimeout(),
	}, logger)
}
