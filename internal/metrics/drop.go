package metrics

import "marketrouter/logger"

// DropMetric identifies the metric name emitted when channel messages are dropped.
type DropMetric string

const (
	// DropMetricStreamRaw records stream frames dropped on a full buffer.
	DropMetricStreamRaw DropMetric = "stream_messages_dropped"
	// DropMetricMalformed records stream frames discarded during unification.
	DropMetricMalformed DropMetric = "malformed_messages_dropped"
)

// EmitDropMetric logs and emits a metric representing a dropped channel
// message. The metric value is always incremented by one so callers should
// invoke this helper for each dropped message. Optional metadata (exchange,
// symbol, stage) is added to the metric fields when provided which enables
// downstream aggregation per stream.
func EmitDropMetric(log *logger.Log, metric DropMetric, exchange, symbol, stage string) {
	fields := logger.Fields{}
	if exchange != "" {
		fields["exchange"] = exchange
	}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	if stage != "" {
		fields["stage"] = stage
	}

	EmitMetric(log, "channel_drops", string(metric), 1, "counter", fields)
}
