package api

// All prices are basis points (10000 = $1.00); USD amounts use 1e6 scale.

// MarketInfo is the REST view of an oracle market record.
type MarketInfo struct {
	MarketID         string `json:"marketId"`
	Question         string `json:"question"`
	YesPrice         int64  `json:"yesPrice"`
	NoPrice          int64  `json:"noPrice"`
	Volume           int64  `json:"volume"`
	Liquidity        int64  `json:"liquidity"`
	LastUpdated      int64  `json:"lastUpdated"`
	Fresh            bool   `json:"fresh"`
	Resolved         bool   `json:"resolved"`
	OutcomeYes       bool   `json:"outcomeYes,omitempty"`
	Submitter        string `json:"submitter"`
	AttestationRound string `json:"attestationRound"`
}

// PositionInfo is the REST view of an engine position.
type PositionInfo struct {
	ID            uint64 `json:"id"`
	Owner         string `json:"owner"`
	MarketID      string `json:"marketId"`
	Direction     string `json:"direction"`
	Collateral    int64  `json:"collateral"`
	Leverage      int64  `json:"leverage"`
	Size          int64  `json:"size"`
	EntryPrice    int64  `json:"entryPrice"`
	OpenTimestamp int64  `json:"openTimestamp"`
	IsOpen        bool   `json:"isOpen"`
	Settled       bool   `json:"settled"`
	UnrealizedPnL int64  `json:"unrealizedPnl"`
	Liquidatable  bool   `json:"liquidatable"`
}

// AccountInfo reports a trader's vault standing.
type AccountInfo struct {
	Address       string `json:"address"`
	Balance       int64  `json:"balance"`
	OpenPositions int    `json:"openPositions"`
}

// SubmitProofResponse acknowledges an accepted attestation proof.
type SubmitProofResponse struct {
	Status   string `json:"status"`
	MarketID string `json:"marketId"`
	Round    string `json:"round"`
}

// VaultRequest funds or drains a trader's vault balance.
type VaultRequest struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
}

// OpenPositionRequest opens a leveraged position.
type OpenPositionRequest struct {
	Address    string `json:"address"`
	MarketID   string `json:"marketId"`
	Direction  string `json:"direction"`
	Collateral int64  `json:"collateral"`
	Leverage   int64  `json:"leverage"`
}

// PositionActionRequest targets an existing position
// (close/liquidate/settle; settle ignores the address).
type PositionActionRequest struct {
	Address    string `json:"address"`
	PositionID uint64 `json:"positionId"`
}

// SettleMarketRequest settles up to MaxPositions of a resolved market.
type SettleMarketRequest struct {
	MarketID     string `json:"marketId"`
	MaxPositions int    `json:"maxPositions"`
}

// NodeStatus is the health/status snapshot.
type NodeStatus struct {
	Sequence  int64  `json:"sequence"`
	Markets   int    `json:"markets"`
	Positions int    `json:"positions"`
	Custody   int64  `json:"custody"`
	Fees      int64  `json:"feesAccrued"`
	StateHash string `json:"stateHash"`
}

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WSSubscribeRequest is the client->server subscription message.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" | "unsubscribe"
	Channels []string `json:"channels"`
}

// WSEvent is the server->client event envelope.
type WSEvent struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}
