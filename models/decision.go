package models

// Channel is one of the two wire transports to the exchange.
type Channel string

const (
	ChannelREST      Channel = "rest"
	ChannelWebSocket Channel = "websocket"
)

func (c Channel) String() string {
	return string(c)
}

// ChannelDecision is the selector's verdict for one request. It is produced
// once per request and never mutated afterwards.
type ChannelDecision struct {
	Channel        Channel            `json:"channel"`
	Reason         string             `json:"reason"`
	Confidence     float64            `json:"confidence"`
	ScoreBreakdown map[string]float64 `json:"score_breakdown,omitempty"`
}

// RequestTrend classifies how a symbol's request rate is moving.
type RequestTrend string

const (
	TrendIncreasing RequestTrend = "increasing"
	TrendStable     RequestTrend = "stable"
	TrendDecreasing RequestTrend = "decreasing"
	TrendUnknown    RequestTrend = "unknown"
)

// RequestPattern is the analyzed request frequency for one
// (symbol, dataType) key.
type RequestPattern struct {
	RequestsPerMinute float64      `json:"requests_per_minute"`
	PeakPerMinute     float64      `json:"peak_per_minute"`
	ConsistencyScore  float64      `json:"consistency_score"`
	Trend             RequestTrend `json:"trend"`
	SampleCount       int          `json:"sample_count"`
}

// NeutralPattern is returned when fewer than three samples exist for a key.
// Selection must proceed on neutral inputs, never fail on missing history.
func NeutralPattern(samples int) RequestPattern {
	return RequestPattern{
		RequestsPerMinute: 0,
		PeakPerMinute:     0,
		ConsistencyScore:  1.0,
		Trend:             TrendUnknown,
		SampleCount:       samples,
	}
}
