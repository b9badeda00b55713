package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestCounters はラベル付きカウンタが加算されることを検証する。
func TestCounters(t *testing.T) {
	t.Parallel()

	before := testutil.ToFloat64(Deliveries.WithLabelValues("email", "sent"))
	Deliveries.WithLabelValues("email", "sent").Inc()
	if got := testutil.ToFloat64(Deliveries.WithLabelValues("email", "sent")); got != before+1 {
		t.Errorf("Deliveries = %v, want %v", got, before+1)
	}

	ConsumerState.WithLabelValues("subscribed").Set(1)
	if got := testutil.ToFloat64(ConsumerState.WithLabelValues("subscribed")); got != 1 {
		t.Errorf("ConsumerState = %v, want 1", got)
	}
}
