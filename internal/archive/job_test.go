package archive

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestScheduleNext(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 7, 30, 0, time.UTC) // Sunday
	tests := []struct {
		expr string
		want time.Time
	}{
		{"* * * * *", time.Date(2026, 3, 1, 10, 8, 0, 0, time.UTC)},
		{"15 0 * * *", time.Date(2026, 3, 2, 0, 15, 0, 0, time.UTC)},
		{"*/10 * * * *", time.Date(2026, 3, 1, 10, 10, 0, 0, time.UTC)},
		{"0 9-17 * * 1-5", time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		{"30 10,22 * * *", time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)},
		{"0 0 1 * *", time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			s, err := ParseCron(tt.expr)
			if err != nil {
				t.Fatalf("ParseCron: %v", err)
			}
			got, err := s.Next(base)
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("Next = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestParseCronInvalid(t *testing.T) {
	for _, expr := range []string{"", "* * * *", "60 * * * *", "*/0 * * * *", "a * * * *", "5-1 * * * *"} {
		t.Run(expr, func(t *testing.T) {
			if _, err := ParseCron(expr); err == nil {
				t.Errorf("ParseCron(%q) succeeded", expr)
			}
		})
	}
}

type fakeArchiver struct {
	liqDays  []string
	fundDays []string
	failDay  string
}

func (f *fakeArchiver) ExportLiquidations(_ context.Context, day time.Time) (int64, error) {
	d := day.Format(time.DateOnly)
	if d == f.failDay {
		return 0, errors.New("upload failed")
	}
	f.liqDays = append(f.liqDays, d)
	return 1, nil
}

func (f *fakeArchiver) ExportFundingUpdates(_ context.Context, day time.Time) (int64, error) {
	f.fundDays = append(f.fundDays, day.Format(time.DateOnly))
	return 1, nil
}

func TestRunOnceWalksFinishedDays(t *testing.T) {
	fa := &fakeArchiver{failDay: "2026-02-27"}
	j := NewJob(fa, 3, slog.New(slog.NewTextHandler(io.Discard, nil)))
	j.now = func() time.Time { return time.Date(2026, 3, 1, 0, 15, 0, 0, time.UTC) }

	err := j.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected error for failed day")
	}

	wantLiq := []string{"2026-02-26", "2026-02-28"}
	if len(fa.liqDays) != len(wantLiq) || fa.liqDays[0] != wantLiq[0] || fa.liqDays[1] != wantLiq[1] {
		t.Errorf("liquidation days = %v, want %v", fa.liqDays, wantLiq)
	}
	if len(fa.fundDays) != 3 {
		t.Errorf("funding days = %v, want 3 days", fa.fundDays)
	}
}
