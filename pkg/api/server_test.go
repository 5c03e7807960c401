package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0xreflexivity/polyflux/pkg/app"
	"github.com/0xreflexivity/polyflux/pkg/app/engine"
	"github.com/0xreflexivity/polyflux/pkg/app/oracle"
	"github.com/0xreflexivity/polyflux/pkg/attest"
	"github.com/0xreflexivity/polyflux/pkg/util"
)

const testURLPrefix = "https://gamma-api.polymarket.com/"

var (
	apiOwner  = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	apiTrader = common.HexToAddress("0x1111111111111111111111111111111111111111")
	apiKeeper = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
)

type serverFixture struct {
	server  *Server
	app     *app.App
	signers *attest.SigningSet
	clock   *util.ManualClock
}

func newTestServer(t *testing.T) *serverFixture {
	t.Helper()

	signers := attest.NewSigningSet(4, []byte("api-test-seed"))
	clock := util.NewManualClock(time.Unix(1_700_000_000, 0))
	logger := zap.NewNop()

	o := oracle.New(oracle.Config{
		ExpectedURLPrefix: testURLPrefix,
		Owner:             apiOwner,
	}, attest.NewQuorumVerifier(signers.Pubkeys(), logger), clock, nil, logger)
	e := engine.New(engine.DefaultParams(), o, clock, nil, apiOwner, logger)

	hub := NewHub()
	a := app.New(o, e, clock, hub, logger)
	return &serverFixture{
		server:  NewServer(a, hub),
		app:     a,
		signers: signers,
		clock:   clock,
	}
}

func (f *serverFixture) seedMarket(t *testing.T, marketID string, yes, no int64) {
	t.Helper()
	p := f.signers.Attest(
		attest.Request{URL: testURLPrefix + "markets/" + marketID},
		attest.Payload{
			MarketID:  marketID,
			Question:  "Will it happen?",
			YesPrice:  yes,
			NoPrice:   no,
			Liquidity: oracle.DefaultMinLiquidity,
		},
		f.clock.Now().Unix(),
		apiKeeper,
	)
	if _, err := f.app.UpdateMarketData(p); err != nil {
		t.Fatalf("seed market: %v", err)
	}
}

func (f *serverFixture) post(t *testing.T, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	rr := httptest.NewRecorder()
	f.server.router.ServeHTTP(rr, req)
	return rr
}

func TestSettlePositionEndpoint(t *testing.T) {
	f := newTestServer(t)
	f.seedMarket(t, "mkt-1", 5_000, 5_000)

	if err := f.app.Deposit(apiTrader, 200_000_000); err != nil {
		t.Fatal(err)
	}
	id, err := f.app.OpenPosition(apiTrader, "mkt-1", engine.LongNo, 100_000_000, 10_000)
	if err != nil {
		t.Fatal(err)
	}

	// Settling before resolution is rejected with the domain error.
	rr := f.post(t, "/api/v1/positions/settle", PositionActionRequest{PositionID: id})
	if rr.Code == http.StatusOK {
		t.Fatalf("settle before resolution returned %d", rr.Code)
	}

	if _, err := f.app.EmergencyResolve(apiOwner, "mkt-1", true); err != nil {
		t.Fatal(err)
	}

	rr = f.post(t, "/api/v1/positions/settle", PositionActionRequest{PositionID: id})
	if rr.Code != http.StatusOK {
		t.Fatalf("settle returned %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "settled" {
		t.Errorf("status = %v, want settled", resp["status"])
	}

	p, err := f.app.Engine.GetPosition(id)
	if err != nil {
		t.Fatal(err)
	}
	if !p.Settled || p.IsOpen {
		t.Errorf("position state open=%v settled=%v, want closed and settled", p.IsOpen, p.Settled)
	}

	// A settled position cannot settle twice.
	rr = f.post(t, "/api/v1/positions/settle", PositionActionRequest{PositionID: id})
	if rr.Code == http.StatusOK {
		t.Error("double settle returned 200")
	}
}
