package keeper

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0xreflexivity/polyflux/pkg/attest"
)

func fakeSource(t *testing.T, closed bool, yes, no string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		body, _ := json.Marshal(map[string]interface{}{
			"id":            "mkt-1",
			"question":      "Will it happen?",
			"outcomePrices": `["` + yes + `", "` + no + `"]`,
			"volume":        "1000000",
			"liquidity":     "75000",
			"closed":        closed,
		})
		w.Write(body)
	}))
}

type proofCapture struct {
	mu     sync.Mutex
	byPath map[string][]*attest.Proof
}

func fakeNode(t *testing.T) (*httptest.Server, *proofCapture) {
	t.Helper()
	captured := &proofCapture{byPath: make(map[string][]*attest.Proof)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p attest.Proof
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		captured.mu.Lock()
		captured.byPath[r.URL.Path] = append(captured.byPath[r.URL.Path], &p)
		captured.mu.Unlock()
		w.Write([]byte(`{"status":"accepted"}`))
	}))
	return srv, captured
}

func (c *proofCapture) proofs(path string) []*attest.Proof {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byPath[path]
}

func newTestKeeper(sourceURL, nodeURL string, signers *attest.SigningSet) *Keeper {
	return New(Config{
		SourceURL: sourceURL,
		NodeURL:   nodeURL,
		Markets:   []string{"mkt-1"},
		Interval:  time.Hour, // only the immediate cycle runs in tests
		Submitter: common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"),
	}, signers, zap.NewNop())
}

func TestCycleSubmitsVerifiableProof(t *testing.T) {
	source := fakeSource(t, false, "0.72", "0.28")
	defer source.Close()
	node, captured := fakeNode(t)
	defer node.Close()

	signers := attest.NewSigningSet(4, []byte("keeper-test-seed"))
	k := newTestKeeper(source.URL, node.URL, signers)

	k.runCycle(context.Background())

	proofs := captured.proofs("/api/v1/proofs")
	if len(proofs) != 1 {
		t.Fatalf("captured %d proofs, want 1", len(proofs))
	}
	p := proofs[0]
	if p.Payload.MarketID != "mkt-1" || p.Payload.YesPrice != 7_200 {
		t.Errorf("payload = %+v", p.Payload)
	}
	if p.Request.Transform != TransformName {
		t.Errorf("transform = %q", p.Request.Transform)
	}

	// The submitted proof must satisfy the same quorum the node runs.
	v := attest.NewQuorumVerifier(signers.Pubkeys(), zap.NewNop())
	if err := v.Verify(p); err != nil {
		t.Errorf("submitted proof fails verification: %v", err)
	}
}

func TestCycleRoutesResolutionProofs(t *testing.T) {
	// A side at 99 cents goes through the resolution endpoint.
	source := fakeSource(t, false, "0.99", "0.01")
	defer source.Close()
	node, captured := fakeNode(t)
	defer node.Close()

	signers := attest.NewSigningSet(4, []byte("keeper-test-seed"))
	k := newTestKeeper(source.URL, node.URL, signers)

	k.runCycle(context.Background())

	if n := len(captured.proofs("/api/v1/proofs")); n != 0 {
		t.Errorf("routine endpoint got %d proofs, want 0", n)
	}
	if n := len(captured.proofs("/api/v1/proofs/resolve")); n != 1 {
		t.Errorf("resolve endpoint got %d proofs, want 1", n)
	}
}

func TestSubmitDoesNotRetryRejections(t *testing.T) {
	source := fakeSource(t, false, "0.72", "0.28")
	defer source.Close()

	var calls int
	var mu sync.Mutex
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		http.Error(w, `{"error":"rejected"}`, http.StatusUnprocessableEntity)
	}))
	defer node.Close()

	signers := attest.NewSigningSet(4, []byte("keeper-test-seed"))
	k := newTestKeeper(source.URL, node.URL, signers)

	k.runCycle(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("node called %d times, want 1 (4xx is terminal)", calls)
	}
}
