package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrRateLimited      = errors.New("rate limited")
	ErrWSDisconnect     = errors.New("websocket disconnected")
	ErrContextDone      = errors.New("context cancelled")
	ErrLockHeld         = errors.New("lock already held")
	ErrInvalidLiquidity = errors.New("liquidity parameter must be positive and finite")
	ErrInvalidOutcome   = errors.New("invalid outcome")
	ErrInvalidPrice     = errors.New("invalid price")
	ErrUnknownAsset     = errors.New("unknown asset")
	ErrContractMissing  = errors.New("required contract has no deployed code")
	ErrShuttingDown     = errors.New("engine shutting down")
	ErrVenueUnavailable = errors.New("execution venue unavailable")
)
