package meter

import (
	"go.uber.org/zap"

	"github.com/ineyio/chatquota"
)

// LogMeter logs quota and streaming events using zap.
type LogMeter struct {
	Logger *zap.Logger
}

var _ chatquota.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, a no-op logger is used.
func NewLogMeter(logger *zap.Logger) *LogMeter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnAdmission(e chatquota.AdmissionEvent) {
	fields := []zap.Field{
		zap.String("session", e.SessionID),
		zap.Bool("new_session", e.NewSession),
		zap.Int64("requested_tokens", e.Requested),
		zap.Int64("remaining_tokens", e.RemainingTokens),
		zap.Int64("remaining_messages", e.RemainingMessages),
	}
	if e.Allowed {
		m.Logger.Debug("admitted", fields...)
		return
	}
	m.Logger.Info("denied", append(fields, zap.String("limit", string(e.Limit)))...)
}

func (m *LogMeter) OnEviction(e chatquota.EvictionEvent) {
	m.Logger.Debug("evicted",
		zap.String("session", e.SessionID),
		zap.String("reason", string(e.Reason)),
		zap.Duration("idle_for", e.IdleFor),
	)
}

func (m *LogMeter) OnStream(e chatquota.StreamEvent) {
	fields := []zap.Field{
		zap.String("turn", e.TurnID),
		zap.String("state", string(e.State)),
		zap.Int("fragments", e.Fragments),
		zap.Int("bytes", e.Bytes),
		zap.Int64("duration_ms", e.Duration.Milliseconds()),
	}
	switch e.State {
	case chatquota.StateFailed:
		m.Logger.Warn("stream_failed", append(fields, zap.Error(e.Error))...)
	case chatquota.StateCancelled:
		if e.Error != nil {
			fields = append(fields, zap.Error(e.Error))
		}
		m.Logger.Info("stream_cancelled", fields...)
	default:
		m.Logger.Info("stream_completed", fields...)
	}
}

func (m *LogMeter) OnSettle(e chatquota.SettleEvent) {
	fields := []zap.Field{
		zap.String("session", e.SessionID),
		zap.Int64("reserved_tokens", e.Reserved),
		zap.Int64("actual_tokens", e.Actual),
		zap.Bool("rolled_back", e.RolledBack),
	}
	if e.Error != nil {
		m.Logger.Warn("settle_error", append(fields, zap.Error(e.Error))...)
		return
	}
	m.Logger.Debug("settled", fields...)
}
