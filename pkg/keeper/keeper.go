package keeper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/0xreflexivity/polyflux/pkg/attest"
)

// TransformName identifies the normalization applied to upstream
// responses. It travels inside every proof's request record.
const TransformName = "polymarket_market_v1"

const (
	submitAttempts = 3
	submitBackoff  = 500 * time.Millisecond

	// resolutionBps: a side at or above this is submitted through the
	// resolution endpoint instead of the routine update endpoint.
	resolutionBps = 9_900
)

// Keeper polls configured markets on an interval, attests each snapshot
// and submits the resulting proof to the node. One bad market never
// stalls the rest of the cycle.
type Keeper struct {
	source    *SourceClient
	signers   *attest.SigningSet
	submitter common.Address

	nodeURL  string
	markets  []string
	interval time.Duration

	httpClient *http.Client
	logger     *zap.SugaredLogger
}

type Config struct {
	SourceURL string
	NodeURL   string
	Markets   []string
	Interval  time.Duration
	Submitter common.Address
}

func New(cfg Config, signers *attest.SigningSet, logger *zap.Logger) *Keeper {
	return &Keeper{
		source:    NewSourceClient(cfg.SourceURL),
		signers:   signers,
		submitter: cfg.Submitter,
		nodeURL:   cfg.NodeURL,
		markets:   cfg.Markets,
		interval:  cfg.Interval,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger.Sugar(),
	}
}

// Run executes keeper cycles until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	k.logger.Infow("keeper_started",
		"markets", len(k.markets),
		"interval", k.interval,
		"node", k.nodeURL,
	)

	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	// Immediate first cycle; the ticker paces the rest.
	k.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			k.logger.Infow("keeper_stopped")
			return ctx.Err()
		case <-ticker.C:
			k.runCycle(ctx)
		}
	}
}

// runCycle fetches, attests and submits every configured market.
// Per-market failures are logged and skipped.
func (k *Keeper) runCycle(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, marketID := range k.markets {
		marketID := marketID
		g.Go(func() error {
			if err := k.processMarket(ctx, marketID); err != nil {
				k.logger.Warnw("market_cycle_failed",
					"market_id", marketID,
					"error", err,
				)
			}
			return nil
		})
	}

	g.Wait()
}

func (k *Keeper) processMarket(ctx context.Context, marketID string) error {
	snap, err := k.source.FetchMarket(ctx, marketID)
	if err != nil {
		return err
	}

	proof := k.signers.Attest(
		attest.Request{URL: snap.URL, Transform: TransformName},
		attest.Payload{
			MarketID:  snap.MarketID,
			Question:  snap.Question,
			YesPrice:  snap.YesPrice,
			NoPrice:   snap.NoPrice,
			Volume:    snap.Volume,
			Liquidity: snap.Liquidity,
		},
		time.Now().Unix(),
		k.submitter,
	)

	endpoint := "/api/v1/proofs"
	if snap.Closed || snap.YesPrice >= resolutionBps || snap.NoPrice >= resolutionBps {
		endpoint = "/api/v1/proofs/resolve"
	}

	if err := k.submitProof(ctx, endpoint, proof); err != nil {
		return err
	}

	k.logger.Infow("proof_submitted",
		"market_id", marketID,
		"round_id", proof.RoundID,
		"yes_price", snap.YesPrice,
		"no_price", snap.NoPrice,
		"endpoint", endpoint,
	)
	return nil
}

// submitProof posts the proof to the node, retrying transient failures
// with linear backoff. 4xx responses are terminal: resubmitting an
// invalid proof cannot succeed.
func (k *Keeper) submitProof(ctx context.Context, endpoint string, proof *attest.Proof) error {
	body, err := json.Marshal(proof)
	if err != nil {
		return fmt.Errorf("marshal proof: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < submitAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * submitBackoff):
			}
		}

		lastErr = k.postOnce(ctx, endpoint, body)
		if lastErr == nil {
			return nil
		}
		var termErr *terminalError
		if errors.As(lastErr, &termErr) {
			return lastErr
		}
	}
	return fmt.Errorf("submit proof after %d attempts: %w", submitAttempts, lastErr)
}

func (k *Keeper) postOnce(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.nodeURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post proof: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(resp.Body)
	err = fmt.Errorf("node rejected proof: status %d: %s", resp.StatusCode, truncateBody(respBody))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return &terminalError{err: err}
	}
	return err
}

// terminalError marks submission failures that retrying cannot fix.
type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }
