package beat

import (
	"testing"
	"time"
	_ "time/tzdata"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "cron with seconds", raw: "30 0 9 * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, source: "cron"},
		{name: "every descriptor", raw: "@every 5m", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "every prefix", raw: "every:01:00", kind: SpecInterval, source: "hhmm", duration: time.Hour},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "cron:", "61 * * * *", "00:75", "500ms", "interval:-5m", "00:00"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", raw)
		}
	}
}

func TestIntervalScheduleNext(t *testing.T) {
	t.Parallel()
	spec, err := ParseSchedule("1m")
	if err != nil {
		t.Fatal(err)
	}
	sched, err := spec.Schedule(nil)
	if err != nil {
		t.Fatal(err)
	}
	from := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	if got, want := sched.Next(from), from.Add(time.Minute); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestCronScheduleUsesLocation(t *testing.T) {
	t.Parallel()
	tokyo, err := LoadLocation("Asia/Tokyo", nil)
	if err != nil {
		t.Fatal(err)
	}
	spec, err := ParseSchedule("0 9 * * *")
	if err != nil {
		t.Fatal(err)
	}
	sched, err := spec.Schedule(tokyo)
	if err != nil {
		t.Fatal(err)
	}
	// 09:30 JST on Feb 1; next 09:00 JST is Feb 2 00:00 UTC.
	from := time.Date(2026, 2, 1, 0, 30, 0, 0, time.UTC)
	want := time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)
	if got := sched.Next(from); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
	if got := NextRuns(sched, from, 3); len(got) != 3 || !got[2].Equal(want.Add(48*time.Hour)) {
		t.Fatalf("NextRuns = %v", got)
	}
}

func TestLoadLocationFallback(t *testing.T) {
	t.Parallel()
	loc, err := LoadLocation("", time.UTC)
	if err != nil || loc != time.UTC {
		t.Fatalf("LoadLocation fallback = %v, %v", loc, err)
	}
	if _, err := LoadLocation("Mars/Olympus", nil); err == nil {
		t.Fatal("expected error for unknown timezone")
	}
}
