package oracle

import "errors"

// Every write entrypoint fails with exactly one of these and leaves
// state untouched. Callers match with errors.Is.
var (
	ErrInvalidProof          = errors.New("attestation proof rejected")
	ErrInvalidURL            = errors.New("attested URL outside expected source")
	ErrInvalidPrices         = errors.New("prices out of bounds")
	ErrInsufficientLiquidity = errors.New("liquidity below floor")
	ErrMarketNotFound        = errors.New("market not found")
	ErrMarketAlreadyResolved = errors.New("market already resolved")
	ErrMarketNotResolved     = errors.New("market not resolved")
	ErrNotOwner              = errors.New("caller is not the oracle owner")
)
