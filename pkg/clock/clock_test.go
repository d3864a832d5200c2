package clock_test

import (
	"testing"
	"time"

	"github.com/pario-ai/metergate/pkg/clock"
)

func TestReal_NowIsUTC(t *testing.T) {
	if loc := (clock.Real{}).Now().Location(); loc != time.UTC {
		t.Errorf("expected UTC, got %v", loc)
	}
}

func TestFake_SetAndAdvance(t *testing.T) {
	initial := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c := clock.NewFake(initial)

	c.Advance(time.Hour)
	if got, want := c.Now(), initial.Add(time.Hour); !got.Equal(want) {
		t.Errorf("Now() = %v, want %v", got, want)
	}

	next := time.Date(2025, 12, 25, 10, 30, 0, 0, time.UTC)
	c.Set(next)
	if got := c.Now(); !got.Equal(next) {
		t.Errorf("Now() = %v, want %v", got, next)
	}
}

func TestMonthBounds(t *testing.T) {
	start, next := clock.MonthBounds(time.Date(2024, 2, 15, 8, 0, 0, 0, time.UTC))
	if !start.Equal(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("start = %v", start)
	}
	if !next.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("next = %v", next)
	}
}

func TestDaysInMonth(t *testing.T) {
	tests := []struct {
		t    time.Time
		want int
	}{
		{time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC), 29},
		{time.Date(2023, 2, 10, 0, 0, 0, 0, time.UTC), 28},
		{time.Date(2024, 4, 30, 23, 59, 0, 0, time.UTC), 30},
		{time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC), 31},
	}
	for _, tt := range tests {
		if got := clock.DaysInMonth(tt.t); got != tt.want {
			t.Errorf("DaysInMonth(%v) = %d, want %d", tt.t, got, tt.want)
		}
	}
}
