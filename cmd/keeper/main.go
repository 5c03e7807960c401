package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/0xreflexivity/polyflux/params"
	"github.com/0xreflexivity/polyflux/pkg/attest"
	"github.com/0xreflexivity/polyflux/pkg/crypto"
	"github.com/0xreflexivity/polyflux/pkg/keeper"
	"github.com/0xreflexivity/polyflux/pkg/util"
)

func main() {
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLogger()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	if len(cfg.Keeper.Markets) == 0 {
		sugar.Fatalw("no_markets_configured",
			"hint", "set KEEPER_MARKETS to a comma-separated list of market ids")
	}

	// Submitter identity is provenance only; any key works.
	signer, err := crypto.GenerateKey()
	if err != nil {
		sugar.Fatalw("submitter_key_generation_failed", "err", err)
	}

	// Attester keys must match the node's: same count, same seed.
	signingSet := attest.NewSigningSet(cfg.Oracle.Attesters, []byte(cfg.Oracle.AttesterSeed))

	// The source root is the configured URL prefix without its
	// trailing slash, so attested request URLs stay inside the prefix
	// the node pins.
	sourceURL := strings.TrimSuffix(cfg.Oracle.ExpectedURLPrefix, "/")

	k := keeper.New(keeper.Config{
		SourceURL: sourceURL,
		NodeURL:   cfg.Keeper.NodeURL,
		Markets:   cfg.Keeper.Markets,
		Interval:  cfg.Keeper.Interval,
		Submitter: signer.Address(),
	}, signingSet, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := k.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		sugar.Fatalw("keeper_failed", "err", err)
	}
}
