package models

import "time"

// CollectionStatus is the lifecycle state of one candle bucket.
type CollectionStatus string

const (
	// CollectionPending means the bucket has not been tried yet.
	CollectionPending CollectionStatus = "pending"
	// CollectionCollected means the bucket holds confirmed candle data.
	CollectionCollected CollectionStatus = "collected"
	// CollectionEmpty means the exchange confirmed zero trades for the
	// bucket. It is never inferred from an error or a missing response.
	CollectionEmpty CollectionStatus = "empty"
	// CollectionFailed means the last fetch attempt errored.
	CollectionFailed CollectionStatus = "failed"
)

// CollectionStatusRecord tracks collection state for one
// (symbol, timeframe, bucket) key.
type CollectionStatusRecord struct {
	Symbol       TradingSymbol    `json:"symbol"`
	Timeframe    Timeframe        `json:"timeframe"`
	BucketTime   time.Time        `json:"bucket_time"`
	Status       CollectionStatus `json:"status"`
	AttemptCount int              `json:"attempt_count"`
	UpdatedAt    time.Time        `json:"updated_at"`
}
