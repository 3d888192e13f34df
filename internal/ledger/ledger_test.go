package ledger

import (
	"testing"
	"time"
)

func TestPercentUsed(t *testing.T) {
	cases := []struct {
		consumed, total int64
		want            int
	}{
		{0, 50, 0},
		{25, 50, 50},
		{30, 25, 100}, // overspend clamps
		{1, 3, 33},
		{2, 3, 67},
		{0, 0, 0},   // no plan
		{10, 0, 0},  // no plan with stray consumption
		{10, -1, 0}, // unlimited sentinel
	}
	for _, tc := range cases {
		if got := PercentUsed(tc.consumed, tc.total); got != tc.want {
			t.Fatalf("PercentUsed(%d, %d) = %d, want %d", tc.consumed, tc.total, got, tc.want)
		}
	}
}

func TestCurrentPeriod(t *testing.T) {
	at := time.Date(2026, time.August, 31, 23, 59, 59, 0, time.UTC)
	if got := CurrentPeriod(at); got != "2026-08" {
		t.Fatalf("unexpected period: %s", got)
	}

	// The key is derived in UTC regardless of the wall clock zone, so
	// every instance agrees on the boundary.
	zone := time.FixedZone("UTC+10", 10*3600)
	local := time.Date(2026, time.September, 1, 5, 0, 0, 0, zone) // Aug 31 19:00 UTC
	if got := CurrentPeriod(local); got != "2026-08" {
		t.Fatalf("expected 2026-08 for %v, got %s", local, got)
	}
}
