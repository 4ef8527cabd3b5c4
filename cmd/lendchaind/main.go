package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/holiman/uint256"

	"lendchain/config"
	"lendchain/core/events"
	"lendchain/crypto"
	"lendchain/native/common"
	"lendchain/native/lending"
	"lendchain/native/session"
	"lendchain/native/token"
	"lendchain/observability/logging"
	"lendchain/observability/otel"
	"lendchain/rpc"
	"lendchain/storage"
)

const ownerPassEnv = "LEND_OWNER_PASS"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("LEND_ENV"))
	logger := logging.Setup("lendchaind", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry := func(context.Context) error { return nil }
	if cfg.Telemetry.Metrics || cfg.Telemetry.Traces {
		shutdownTelemetry, err = otel.Init(ctx, otel.Config{
			ServiceName: "lendchaind",
			Environment: env,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
		})
		if err != nil {
			logger.Error("Failed to initialise telemetry", slog.Any("error", err))
			os.Exit(1)
		}
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		logger.Error("Failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	ledger, err := lending.NewLedger(db)
	if err != nil {
		logger.Error("Failed to load ledger", slog.Any("error", err))
		os.Exit(1)
	}

	ownerKey, err := crypto.LoadFromKeystore(cfg.OwnerKeystorePath, os.Getenv(ownerPassEnv))
	if err != nil {
		logger.Error("Failed to load owner keystore", slog.Any("error", err))
		os.Exit(1)
	}
	owner := ownerKey.PubKey().Address()

	if !ledger.Initialized() {
		if err := seedLedger(ledger, owner, cfg); err != nil {
			logger.Error("Failed to initialise ledger", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("Ledger initialised", "owner", owner.String())
	}

	sessions, err := session.NewStore(filepath.Join(cfg.DataDir, "sessions.db"), nil)
	if err != nil {
		logger.Error("Failed to open session store", slog.Any("error", err))
		os.Exit(1)
	}
	defer sessions.Close()

	collateralClient, err := token.NewRPCClient(token.RPCConfig{
		BaseURL:     cfg.Lending.CollateralToken.RPCURL,
		BearerToken: cfg.Lending.CollateralToken.BearerToken,
	})
	if err != nil {
		logger.Error("Failed to build collateral token client", slog.Any("error", err))
		os.Exit(1)
	}
	debtClient, err := token.NewRPCClient(token.RPCConfig{
		BaseURL:     cfg.Lending.DebtToken.RPCURL,
		BearerToken: cfg.Lending.DebtToken.BearerToken,
	})
	if err != nil {
		logger.Error("Failed to build debt token client", slog.Any("error", err))
		os.Exit(1)
	}

	vault := owner
	if raw := strings.TrimSpace(cfg.Lending.VaultAddress); raw != "" {
		vault, err = crypto.DecodeAddress(raw)
		if err != nil {
			logger.Error("Invalid vault address", slog.Any("error", err))
			os.Exit(1)
		}
	}

	pauses := common.StaticPauses{}
	for _, module := range cfg.PausedModules {
		pauses[strings.TrimSpace(module)] = true
	}

	broker := events.NewBroker()

	engine := lending.NewEngine(ledger, vault)
	engine.SetTokenClients(collateralClient, debtClient)
	engine.SetSessions(sessions)
	engine.SetEmitter(broker)
	engine.SetPauses(pauses)

	server, err := rpc.NewServer(rpc.ServerConfig{
		Engine:               engine,
		Sessions:             sessions,
		Broker:               broker,
		AuthToken:            cfg.RPCAuthToken,
		MaxRequestsPerWindow: cfg.MaxRequestsPerWindow,
		Logger:               logger,
	})
	if err != nil {
		logger.Error("Failed to build RPC server", slog.Any("error", err))
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:              cfg.RPCAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting JSON-RPC server", "addr", cfg.RPCAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("RPC server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("RPC shutdown failed", slog.Any("error", err))
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Error("Telemetry shutdown failed", slog.Any("error", err))
	}
}

// seedLedger initialises a fresh ledger from the configured lending section.
// The keystore-derived owner becomes the contract owner.
func seedLedger(ledger *lending.Ledger, owner crypto.Address, cfg *config.Config) error {
	collateralToken, err := crypto.DecodeAddress(cfg.Lending.CollateralToken.Address)
	if err != nil {
		return err
	}
	debtToken, err := crypto.DecodeAddress(cfg.Lending.DebtToken.Address)
	if err != nil {
		return err
	}
	baseRate, err := uint256.FromDecimal(cfg.Lending.BaseRate)
	if err != nil {
		return err
	}
	minPrincipal, err := uint256.FromDecimal(cfg.Lending.MinPrincipal)
	if err != nil {
		return err
	}
	maxPrincipal, err := uint256.FromDecimal(cfg.Lending.MaxPrincipal)
	if err != nil {
		return err
	}
	return ledger.Initialize(owner, collateralToken, debtToken, baseRate, minPrincipal, maxPrincipal)
}
