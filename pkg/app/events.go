package app

// Event types broadcast after each committed transaction.
const (
	EventMarketUpdated      = "market_updated"
	EventMarketResolved     = "market_resolved"
	EventPositionOpened     = "position_opened"
	EventPositionClosed     = "position_closed"
	EventPositionLiquidated = "position_liquidated"
	EventPositionSettled    = "position_settled"
	EventFeesWithdrawn      = "fees_withdrawn"
)

// EventSink receives committed-transaction events. The API layer's
// websocket hub implements it; a nil sink drops events.
type EventSink interface {
	Publish(eventType string, data interface{})
}
