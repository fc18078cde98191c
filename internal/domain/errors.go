package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidSignal     = errors.New("invalid signal")
	ErrDuplicatePosition = errors.New("active position already exists for symbol")
	ErrInvariant         = errors.New("ledger invariant violation")
	ErrPositionClosed    = errors.New("position already closed")
	ErrPriceUnavailable  = errors.New("price unavailable")
	ErrOrderRejected     = errors.New("order rejected by exchange")
	ErrAdvisorRejected   = errors.New("signal rejected by advisor")
	ErrContextDone       = errors.New("context cancelled")
)
