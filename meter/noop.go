package meter

import "github.com/ineyio/chatquota"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ chatquota.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnAdmission(chatquota.AdmissionEvent) {}
func (m *NoopMeter) OnEviction(chatquota.EvictionEvent)   {}
func (m *NoopMeter) OnStream(chatquota.StreamEvent)       {}
func (m *NoopMeter) OnSettle(chatquota.SettleEvent)       {}
