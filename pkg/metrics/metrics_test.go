package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"avaneesh/ese-go/pkg/ese"
	"avaneesh/ese-go/pkg/t1"
)

type staticSource map[string]ese.DeviceStatistics

func (s staticSource) Devices() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	return ids
}

func (s staticSource) Statistics(id string) (ese.DeviceStatistics, bool) {
	stats, ok := s[id]
	return stats, ok
}

// TestCollector tests that every device yields its counters and gauges
func TestCollector(t *testing.T) {
	stats := ese.DeviceStatistics{ID: "ese0", RefCount: 2, Direct: true, ResponseSize: 9}
	stats.Session.TxIFrames = 7
	stats.Session.LRCErrors = 1
	stats.Transport.BytesSent = 42

	c := NewCollector(staticSource{"ese0": stats, "ese1": {ID: "ese1"}})
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	perDevice := len(c.counters) + 3
	if n := testutil.CollectAndCount(c); n != 2*perDevice {
		t.Errorf("collected %d metrics, want %d", n, 2*perDevice)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if m.GetLabel()[0].GetValue() != "ese0" {
				continue
			}
			switch {
			case m.GetCounter() != nil:
				values[mf.GetName()] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[mf.GetName()] = m.GetGauge().GetValue()
			}
		}
	}

	want := map[string]float64{
		"ese_t1_tx_iframes_total":          7,
		"ese_t1_lrc_errors_total":          1,
		"ese_transport_bytes_sent_total":   42,
		"ese_device_open_refs":             2,
		"ese_device_response_bytes":        9,
		"ese_device_direct_mode":           1,
		"ese_transport_write_errors_total": 0,
	}
	for name, v := range want {
		if got, ok := values[name]; !ok || got != v {
			t.Errorf("%s = %v (present %t), want %v", name, got, ok, v)
		}
	}
}

// TestRecordRPC tests the RPC counters
func TestRecordRPC(t *testing.T) {
	before := testutil.ToFloat64(rpcRequests.WithLabelValues("ESE.Write", "SUCCESS"))
	RecordRPC("ESE.Write", t1.StatusSuccess, 3*time.Millisecond)
	RecordRPC("ESE.Write", t1.StatusSuccess, time.Millisecond)

	if got := testutil.ToFloat64(rpcRequests.WithLabelValues("ESE.Write", "SUCCESS")); got != before+2 {
		t.Errorf("requests = %v, want %v", got, before+2)
	}
}
