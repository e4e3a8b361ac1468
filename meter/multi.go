package meter

import "github.com/ineyio/chatquota"

// Multi fans every event out to each meter in order.
type Multi []chatquota.Meter

var _ chatquota.Meter = Multi(nil)

func (m Multi) OnAdmission(e chatquota.AdmissionEvent) {
	for _, mt := range m {
		mt.OnAdmission(e)
	}
}

func (m Multi) OnEviction(e chatquota.EvictionEvent) {
	for _, mt := range m {
		mt.OnEviction(e)
	}
}

func (m Multi) OnStream(e chatquota.StreamEvent) {
	for _, mt := range m {
		mt.OnStream(e)
	}
}

func (m Multi) OnSettle(e chatquota.SettleEvent) {
	for _, mt := range m {
		mt.OnSettle(e)
	}
}
