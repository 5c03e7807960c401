package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xreflexivity/polyflux/params"
	"github.com/0xreflexivity/polyflux/pkg/api"
	"github.com/0xreflexivity/polyflux/pkg/app"
	"github.com/0xreflexivity/polyflux/pkg/app/engine"
	"github.com/0xreflexivity/polyflux/pkg/app/oracle"
	"github.com/0xreflexivity/polyflux/pkg/attest"
	"github.com/0xreflexivity/polyflux/pkg/crypto"
	"github.com/0xreflexivity/polyflux/pkg/storage"
	"github.com/0xreflexivity/polyflux/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	// Setup logging (write to both console and file)
	logFile := os.Getenv("LOG_FILE")
	if logFile == "" {
		logFile = filepath.Join(cfg.Node.DataDir, "node.log")
	}

	logger, err := util.NewLoggerWithFile(logFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", logFile)

	// ---- Owner identity ----
	// Emergency resolution and fee withdrawal are gated on this address.
	var owner common.Address
	if cfg.Node.OwnerKeyHex != "" {
		signer, err := crypto.FromPrivateKeyHex(cfg.Node.OwnerKeyHex)
		if err != nil {
			sugar.Fatalw("owner_key_invalid", "err", err)
		}
		owner = signer.Address()
	} else {
		signer, err := crypto.GenerateKey()
		if err != nil {
			sugar.Fatalw("owner_key_generation_failed", "err", err)
		}
		owner = signer.Address()
		sugar.Warnw("owner_key_generated", "address", owner.Hex(),
			"note", "set NODE_OWNER_KEY to keep a stable owner across restarts")
	}

	// ---- Storage ----
	store, err := storage.Open(filepath.Join(cfg.Node.DataDir, "ledger"))
	if err != nil {
		sugar.Fatalw("storage_open_failed", "err", err)
	}
	defer store.Close()

	// ---- Attestation quorum ----
	// Devnet: attester keys derive from a shared seed, so the keeper
	// binary with the same seed produces proofs this node accepts.
	signingSet := attest.NewSigningSet(cfg.Oracle.Attesters, []byte(cfg.Oracle.AttesterSeed))
	verifier := attest.NewQuorumVerifier(signingSet.Pubkeys(), logger)

	// ---- Oracle ----
	mktOracle := oracle.New(oracle.Config{
		ExpectedURLPrefix: cfg.Oracle.ExpectedURLPrefix,
		MinLiquidity:      cfg.Oracle.MinLiquidity,
		Owner:             owner,
	}, verifier, util.RealClock{}, store, logger)

	markets, err := store.LoadMarkets()
	if err != nil {
		sugar.Fatalw("market_restore_failed", "err", err)
	}
	mktOracle.Restore(markets)

	// ---- Engine ----
	dEngine := engine.New(engine.Params{
		MinCollateral:           cfg.Engine.MinCollateral,
		MinLeverage:             cfg.Engine.MinLeverageBps,
		MaxLeverage:             cfg.Engine.MaxLeverageBps,
		ProtocolFeeBps:          cfg.Engine.ProtocolFeeBps,
		LiquidationThresholdBps: cfg.Engine.LiquidationThresholdBps,
		LiquidationRewardBps:    cfg.Engine.LiquidationRewardBps,
		MaxPositionSize:         cfg.Engine.MaxPositionSize,
		MaxOracleStaleness:      cfg.Engine.MaxOracleStaleness,
	}, mktOracle, util.RealClock{}, store, owner, logger)

	positions, err := store.LoadPositions()
	if err != nil {
		sugar.Fatalw("position_restore_failed", "err", err)
	}
	balances, err := store.LoadBalances()
	if err != nil {
		sugar.Fatalw("balance_restore_failed", "err", err)
	}
	meta, err := store.LoadEngineMeta()
	if err != nil {
		sugar.Fatalw("meta_restore_failed", "err", err)
	}
	dEngine.Restore(positions, balances, meta)

	sugar.Infow("state_restored",
		"markets", mktOracle.MarketCount(),
		"positions", dEngine.PositionCount(),
		"custody", dEngine.Custody(),
	)

	// ---- App + API ----
	// The hub doubles as the app's event sink so every committed
	// transaction fans out to WebSocket subscribers.
	hub := api.NewHub()
	ledger := app.New(mktOracle, dEngine, util.RealClock{}, hub, logger)
	apiServer := api.NewServer(ledger, hub)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		sugar.Infow("api_server_starting", "addr", cfg.Node.APIAddr)
		if err := apiServer.Start(cfg.Node.APIAddr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	sugar.Infow("node_started",
		"owner", owner.Hex(),
		"attesters", cfg.Oracle.Attesters,
		"url_prefix", cfg.Oracle.ExpectedURLPrefix,
	)

	<-ctx.Done()
	sugar.Infow("node_shutting_down")
}
