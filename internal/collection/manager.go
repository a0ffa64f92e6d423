package collection

import (
	"context"
	"fmt"
	"time"

	"marketrouter/config"
	"marketrouter/logger"
	"marketrouter/models"
)

// CandleSource is the routing surface the backfill needs.
type CandleSource interface {
	GetCandles(ctx context.Context, syms []models.TradingSymbol, interval models.Timeframe, count int, opts ...models.RequestOption) *models.UnifiedResponse
}

// Manager tracks which candle buckets have been collected and drives the
// backfill of gaps through the router. The empty status is only ever set
// from a successful exchange response that confirms zero trades for the
// bucket; errors and timeouts mark the bucket failed instead.
type Manager struct {
	config config.CollectionConfig
	repo   Repository
	source CandleSource
	now    func() time.Time
	log    *logger.Log
}

// NewManager wires the collection manager.
func NewManager(cfg config.CollectionConfig, repo Repository, source CandleSource) *Manager {
	return &Manager{
		config: cfg,
		repo:   repo,
		source: source,
		now:    func() time.Time { return time.Now().UTC() },
		log:    logger.GetLogger(),
	}
}

// MarkCollected records confirmed candle data for the bucket.
func (m *Manager) MarkCollected(ctx context.Context, sym models.TradingSymbol, tf models.Timeframe, bucket time.Time) error {
	return m.mark(ctx, sym, tf, bucket, models.CollectionCollected, false)
}

// MarkEmpty records an exchange-confirmed zero-trade bucket.
func (m *Manager) MarkEmpty(ctx context.Context, sym models.TradingSymbol, tf models.Timeframe, bucket time.Time) error {
	return m.mark(ctx, sym, tf, bucket, models.CollectionEmpty, false)
}

// MarkFailed records a failed fetch attempt and increments the attempt
// counter.
func (m *Manager) MarkFailed(ctx context.Context, sym models.TradingSymbol, tf models.Timeframe, bucket time.Time) error {
	return m.mark(ctx, sym, tf, bucket, models.CollectionFailed, true)
}

func (m *Manager) mark(ctx context.Context, sym models.TradingSymbol, tf models.Timeframe, bucket time.Time, status models.CollectionStatus, countAttempt bool) error {
	bucket = tf.BucketStart(bucket)

	prev, err := m.repo.Get(ctx, sym, tf, bucket)
	if err != nil {
		return err
	}
	rec := models.CollectionStatusRecord{
		Symbol:     sym,
		Timeframe:  tf,
		BucketTime: bucket,
		Status:     status,
		UpdatedAt:  m.now(),
	}
	if prev != nil {
		rec.AttemptCount = prev.AttemptCount
	}
	if countAttempt {
		rec.AttemptCount++
	}
	return m.repo.Upsert(ctx, rec)
}

// Status returns the record for one bucket, nil when never tried.
func (m *Manager) Status(ctx context.Context, sym models.TradingSymbol, tf models.Timeframe, bucket time.Time) (*models.CollectionStatusRecord, error) {
	return m.repo.Get(ctx, sym, tf, tf.BucketStart(bucket))
}

// MissingBuckets lists the buckets in [from, to) that still need a fetch:
// never tried, or failed with attempts left. Buckets that exhausted their
// attempts are abandoned and not reported.
func (m *Manager) MissingBuckets(ctx context.Context, sym models.TradingSymbol, tf models.Timeframe, from, to time.Time) ([]time.Time, error) {
	records, err := m.repo.ListRange(ctx, sym, tf, tf.BucketStart(from), to)
	if err != nil {
		return nil, err
	}
	byBucket := make(map[int64]models.CollectionStatusRecord, len(records))
	for _, rec := range records {
		byBucket[rec.BucketTime.UnixMilli()] = rec
	}

	var missing []time.Time
	step := tf.Duration()
	for bucket := tf.BucketStart(from); bucket.Before(to); bucket = bucket.Add(step) {
		rec, ok := byBucket[bucket.UnixMilli()]
		if !ok {
			missing = append(missing, bucket)
			continue
		}
		switch rec.Status {
		case models.CollectionCollected, models.CollectionEmpty:
		case models.CollectionFailed, models.CollectionPending:
			if rec.AttemptCount < m.config.MaxAttempts {
				missing = append(missing, bucket)
			}
		}
	}
	return missing, nil
}

// FillGaps synthesizes rows for confirmed-empty buckets at read time: a
// zero-volume candle carrying the previous close forward. Buckets that
// are merely uncollected stay absent; inventing data for them would be
// indistinguishable from real quiet markets.
func (m *Manager) FillGaps(ctx context.Context, sym models.TradingSymbol, tf models.Timeframe, from, to time.Time, candles []models.CandleData) ([]models.CandleData, error) {
	records, err := m.repo.ListRange(ctx, sym, tf, tf.BucketStart(from), to)
	if err != nil {
		return nil, err
	}
	emptyBuckets := make(map[int64]struct{})
	for _, rec := range records {
		if rec.Status == models.CollectionEmpty {
			emptyBuckets[rec.BucketTime.UnixMilli()] = struct{}{}
		}
	}

	byOpen := make(map[int64]models.CandleData, len(candles))
	for _, c := range candles {
		byOpen[c.OpenTimeMs] = c
	}

	var out []models.CandleData
	prevClose := 0.0
	step := tf.Duration()
	for bucket := tf.BucketStart(from); bucket.Before(to); bucket = bucket.Add(step) {
		ms := bucket.UnixMilli()
		if c, ok := byOpen[ms]; ok {
			out = append(out, c)
			prevClose = c.Close
			continue
		}
		if _, ok := emptyBuckets[ms]; !ok {
			continue
		}
		out = append(out, models.CandleData{
			Symbol:     sym,
			Interval:   tf,
			OpenTimeMs: ms,
			Open:       prevClose,
			High:       prevClose,
			Low:        prevClose,
			Close:      prevClose,
			Volume:     0,
			Closed:     true,
		})
	}
	return out, nil
}

// Backfill fetches the missing buckets of the range in batches through
// the router and records each bucket's outcome.
func (m *Manager) Backfill(ctx context.Context, sym models.TradingSymbol, tf models.Timeframe, from, to time.Time) error {
	// The in-progress bucket has no closed candle yet; never collect it.
	if cutoff := tf.BucketStart(m.now()); to.After(cutoff) {
		to = cutoff
	}

	missing, err := m.MissingBuckets(ctx, sym, tf, from, to)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return nil
	}

	log := m.log.WithComponent("collection").WithFields(logger.Fields{
		"symbol":    sym.Canonical(),
		"timeframe": tf,
		"missing":   len(missing),
	})
	log.Info("starting backfill")

	batchSize := m.config.BackfillBatch
	if batchSize > models.MaxCandlesCount {
		batchSize = models.MaxCandlesCount
	}

	step := tf.Duration()
	for start := 0; start < len(missing); {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Grow the batch while its buckets still fit one fetch window.
		// Missing buckets can be sparse, so the window spans more candles
		// than the batch holds.
		end := start + 1
		for end < len(missing) && end-start < batchSize {
			if int(missing[end].Sub(missing[start])/step)+1 > models.MaxCandlesCount {
				break
			}
			end++
		}
		batch := missing[start:end]

		if err := m.backfillBatch(ctx, sym, tf, batch, step); err != nil {
			return err
		}

		start = end
		if start < len(missing) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.config.BackfillPause):
			}
		}
	}

	log.Info("backfill finished")
	return nil
}

// backfillBatch fetches one contiguous run of buckets and records each
// bucket's outcome. A failed fetch marks every bucket in the batch
// failed; a successful fetch confirms absent buckets as empty.
func (m *Manager) backfillBatch(ctx context.Context, sym models.TradingSymbol, tf models.Timeframe, batch []time.Time, step time.Duration) error {
	batchEnd := batch[len(batch)-1].Add(step)
	count := int(batchEnd.Sub(batch[0]) / step)

	resp := m.source.GetCandles(ctx, []models.TradingSymbol{sym}, tf, count, models.WithTo(batchEnd))
	if !resp.Success {
		for _, bucket := range batch {
			if err := m.MarkFailed(ctx, sym, tf, bucket); err != nil {
				return err
			}
		}
		return fmt.Errorf("backfill batch failed: %s", resp.Error.Message)
	}

	returned := make(map[int64]struct{}, resp.Data.Len())
	for _, c := range resp.Data.Candles {
		returned[c.OpenTimeMs] = struct{}{}
	}

	for _, bucket := range batch {
		var err error
		if _, ok := returned[bucket.UnixMilli()]; ok {
			err = m.MarkCollected(ctx, sym, tf, bucket)
		} else {
			// The exchange answered for the window and had no row for
			// this bucket: confirmed zero trades.
			err = m.MarkEmpty(ctx, sym, tf, bucket)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
