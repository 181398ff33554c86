package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTerminalCountsOnlyIncrementsOnGrowth(t *testing.T) {
	tc := newTerminalCounts()
	counter := TasksTerminalTotal.WithLabelValues("collector_test_succeeded")

	before := testutil.ToFloat64(counter)
	tc.observe("collector_test_succeeded", 3)
	after := testutil.ToFloat64(counter)
	if after-before != 3 {
		t.Fatalf("expected counter to grow by 3, got delta %v", after-before)
	}

	tc.observe("collector_test_succeeded", 3)
	stillAfter := testutil.ToFloat64(counter)
	if stillAfter != after {
		t.Fatalf("expected no increment when count didn't grow, got %v -> %v", after, stillAfter)
	}

	tc.observe("collector_test_succeeded", 5)
	grown := testutil.ToFloat64(counter)
	if grown-after != 2 {
		t.Fatalf("expected counter to grow by 2, got delta %v", grown-after)
	}
}
