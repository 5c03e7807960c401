package engine

import "errors"

// Sentinel errors for every failure mode. Entrypoints validate fully
// before mutating, so any error below means no state changed.
var (
	// Staleness gates opening only; closing, liquidating and settling
	// run against whatever price is on the ledger.
	ErrOracleStale = errors.New("oracle data too stale to open against")

	ErrMarketResolved     = errors.New("market already resolved")
	ErrInvalidDirection   = errors.New("invalid position direction")
	ErrCollateralTooSmall = errors.New("collateral below minimum")
	ErrLeverageTooLow     = errors.New("leverage below minimum")
	ErrLeverageTooHigh    = errors.New("leverage above maximum")
	ErrPositionTooLarge   = errors.New("position size exceeds cap")
	ErrInvalidOraclePrice = errors.New("oracle price is zero")

	ErrPositionNotFound = errors.New("position not found")
	ErrPositionClosed   = errors.New("position is not open")
	ErrNotPositionOwner = errors.New("caller does not own position")
	ErrNotLiquidatable  = errors.New("position is not liquidatable")
	ErrNotSettleable    = errors.New("market not resolved, cannot settle")

	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnauthorized        = errors.New("caller is not the engine owner")
	ErrReentrancy          = errors.New("reentrant call")
)
