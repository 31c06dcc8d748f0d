package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func histogramCount(hv *prometheus.HistogramVec, labels ...string) uint64 {
	m := &dto.Metric{}
	if c, ok := hv.WithLabelValues(labels...).(prometheus.Metric); ok {
		if err := c.Write(m); err != nil {
			return 0
		}
		return m.GetHistogram().GetSampleCount()
	}
	return 0
}

func TestRecordRequest(t *testing.T) {
	before := counterValue(RequestsTotal, "command", "auto_approved")
	RecordRequest("command", "auto_approved")
	RecordRequest("command", "auto_approved")
	RecordRequest("upload", "denied")

	if got := counterValue(RequestsTotal, "command", "auto_approved"); got != before+2 {
		t.Errorf("auto_approved count = %v, want %v", got, before+2)
	}
	if got := counterValue(RequestsTotal, "upload", "denied"); got < 1 {
		t.Errorf("denied upload count = %v, want >= 1", got)
	}
}

func TestRecordExecutionOutcomeLabel(t *testing.T) {
	okBefore := histogramCount(ExecutionSeconds, "ok")
	errBefore := histogramCount(ExecutionSeconds, "error")

	RecordExecution(2*time.Second, 0)
	RecordExecution(500*time.Millisecond, 254)

	if got := histogramCount(ExecutionSeconds, "ok"); got != okBefore+1 {
		t.Errorf("ok samples = %d, want %d", got, okBefore+1)
	}
	if got := histogramCount(ExecutionSeconds, "error"); got != errBefore+1 {
		t.Errorf("error samples = %d, want %d", got, errBefore+1)
	}
}

func TestPendingGauge(t *testing.T) {
	SetPendingApprovals(7)
	if got := gaugeValue(PendingApprovals); got != 7 {
		t.Errorf("pending = %v, want 7", got)
	}
	SetPendingApprovals(0)
	if got := gaugeValue(PendingApprovals); got != 0 {
		t.Errorf("pending = %v, want 0", got)
	}
}

func TestRecordReapedSkipsZero(t *testing.T) {
	before := counterValue(ReapedRowsTotal, "requests")
	RecordReaped("requests", 0)
	if got := counterValue(ReapedRowsTotal, "requests"); got != before {
		t.Errorf("zero reap moved the counter: %v -> %v", before, got)
	}
	RecordReaped("requests", 3)
	if got := counterValue(ReapedRowsTotal, "requests"); got != before+3 {
		t.Errorf("reaped = %v, want %v", got, before+3)
	}
}
