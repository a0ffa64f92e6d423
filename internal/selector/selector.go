package selector

import (
	"math"

	"marketrouter/config"
	"marketrouter/logger"
	"marketrouter/models"
)

// Inputs is everything a selector may consult for one decision. The
// request itself carries the structural facts, the rest is observed
// runtime state.
type Inputs struct {
	Request       *models.DataRequest
	Pattern       models.RequestPattern
	StreamHealthy bool
	Subscribed    bool
	RESTUsage     float64
	WSUsage       float64
}

// Selector decides which channel serves one request.
type Selector interface {
	Select(in Inputs) models.ChannelDecision
}

// RuleSelector is the first-generation pinned decision table: a fixed
// channel preference per data type, overridden only by the structural
// REST rule and stream health.
type RuleSelector struct {
	log *logger.Log
}

func NewRuleSelector() *RuleSelector {
	return &RuleSelector{log: logger.GetLogger()}
}

// pinnedChannel is the static preference per data type. Tickers and
// books age in milliseconds and want the stream; trades and candles are
// append-only rows served fine by snapshots.
var pinnedChannel = map[models.DataType]models.Channel{
	models.DataTypeTicker:    models.ChannelWebSocket,
	models.DataTypeOrderbook: models.ChannelWebSocket,
	models.DataTypeTrades:    models.ChannelREST,
	models.DataTypeCandles:   models.ChannelREST,
}

func (s *RuleSelector) Select(in Inputs) models.ChannelDecision {
	if d, ok := structuralDecision(in); ok {
		return d
	}

	ch := pinnedChannel[in.Request.DataType()]
	if in.Request.RealtimePriority() {
		ch = models.ChannelWebSocket
	}
	if ch == models.ChannelWebSocket && !in.StreamHealthy {
		return models.ChannelDecision{
			Channel:    models.ChannelREST,
			Reason:     "stream unhealthy",
			Confidence: 0.9,
		}
	}
	return models.ChannelDecision{
		Channel:    ch,
		Reason:     "pinned per data type",
		Confidence: 0.8,
	}
}

// ScoringSelector is the second-generation selector: both channels are
// scored from weighted runtime factors and the stream must beat REST by
// the hysteresis margin to win, so borderline traffic does not flap.
type ScoringSelector struct {
	config config.SelectorConfig
	log    *logger.Log
}

func NewScoringSelector(cfg config.SelectorConfig) *ScoringSelector {
	return &ScoringSelector{config: cfg, log: logger.GetLogger()}
}

func (s *ScoringSelector) Select(in Inputs) models.ChannelDecision {
	if d, ok := structuralDecision(in); ok {
		return d
	}

	w := s.config
	var ws, rest float64
	breakdown := make(map[string]float64)

	if in.Request.RealtimePriority() {
		ws += w.WeightRealtime
		breakdown["realtime"] = w.WeightRealtime
	}

	freq := clamp01(in.Pattern.RequestsPerMinute / w.HighFrequencyPerMin)
	ws += w.WeightFrequency * freq
	breakdown["frequency"] = w.WeightFrequency * freq

	if in.StreamHealthy {
		ws += w.WeightHealth
		breakdown["health"] = w.WeightHealth
	} else {
		rest += w.WeightHealth
		breakdown["health"] = -w.WeightHealth
	}

	// Budget pressure pushes traffic toward the other channel.
	ws += w.WeightRateBudget * in.RESTUsage
	rest += w.WeightRateBudget * in.WSUsage
	breakdown["rate_budget"] = w.WeightRateBudget * (in.RESTUsage - in.WSUsage)

	volume := clamp01(in.Pattern.PeakPerMinute / (2 * w.HighFrequencyPerMin))
	ws += w.WeightVolume * volume * in.Pattern.ConsistencyScore
	breakdown["volume"] = w.WeightVolume * volume * in.Pattern.ConsistencyScore

	if len(in.Request.Symbols()) > 1 {
		rest += w.WeightBatch
		breakdown["batch"] = -w.WeightBatch
	}

	// An already-held subscription makes the stream free to use.
	if in.Subscribed {
		ws += w.WebSocketMargin
		breakdown["subscribed"] = w.WebSocketMargin
	}

	diff := ws - rest
	decision := models.ChannelDecision{
		ScoreBreakdown: breakdown,
		Confidence:     clamp01(0.5 + math.Abs(diff)),
	}
	if diff > w.WebSocketMargin {
		decision.Channel = models.ChannelWebSocket
		decision.Reason = "stream score ahead of rest"
	} else {
		decision.Channel = models.ChannelREST
		decision.Reason = "rest score ahead or within margin"
	}
	return decision
}

// structuralDecision applies the rule no selector may override: requests
// that reach into history cannot be served by a latest-value stream.
func structuralDecision(in Inputs) (models.ChannelDecision, bool) {
	if in.Request.IsHistorical() {
		return models.ChannelDecision{
			Channel:    models.ChannelREST,
			Reason:     "historical request",
			Confidence: 1.0,
		}, true
	}
	return models.ChannelDecision{}, false
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
