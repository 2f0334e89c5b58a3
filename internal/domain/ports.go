package domain

import "context"

// PriceFeed is a feed adapter. Run pushes ticks into out until ctx is done.
// Disconnects show up as gaps in the stream, never as a returned error,
// unless the feed cannot be started at all.
type PriceFeed interface {
	Name() string
	Run(ctx context.Context, out chan<- PriceUpdate) error
}

// Executor is the execution port. Submit must not block on the venue; the
// outcome arrives later on Reports.
type Executor interface {
	Submit(ctx context.Context, intent TradeIntent) error
	Reports() <-chan ExecutionReport
}

// ContractValidator checks on-chain prerequisites once at startup.
type ContractValidator interface {
	Validate(ctx context.Context) error
}
