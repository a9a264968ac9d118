package trigger

import (
	"testing"
	"time"

	"agentops/internal/domain"
)

func TestParseSpecCron(t *testing.T) {
	cad, err := ParseSpec(domain.ScheduleCron, "0 9 * * 1")
	if err != nil {
		t.Fatal(err)
	}
	// Sunday 2025-06-01 -> next Monday 09:00.
	from := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	next := cad.Next(from)
	if next == nil {
		t.Fatal("expected a next firing")
	}
	want := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("got %s, want %s", next, want)
	}
}

func TestParseSpecCronInvalid(t *testing.T) {
	for _, spec := range []string{"not a cron", "* * *", "61 * * * *"} {
		if _, err := ParseSpec(domain.ScheduleCron, spec); err == nil {
			t.Errorf("spec %q: expected error", spec)
		}
	}
}

func TestParseSpecInterval(t *testing.T) {
	cases := []struct {
		spec string
		want time.Duration
	}{
		{"90m", 90 * time.Minute},
		{"1h30m", 90 * time.Minute},
		{"45s", 45 * time.Second},
		{"15", 15 * time.Minute}, // bare integer means minutes
	}
	from := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for _, c := range cases {
		cad, err := ParseSpec(domain.ScheduleInterval, c.spec)
		if err != nil {
			t.Fatalf("spec %q: %v", c.spec, err)
		}
		next := cad.Next(from)
		if next == nil || !next.Equal(from.Add(c.want)) {
			t.Fatalf("spec %q: got %v, want %s", c.spec, next, from.Add(c.want))
		}
	}
}

func TestParseSpecIntervalRejectsNonPositive(t *testing.T) {
	for _, spec := range []string{"0", "-5", "0s", "-1m", "garbage"} {
		if _, err := ParseSpec(domain.ScheduleInterval, spec); err == nil {
			t.Errorf("spec %q: expected error", spec)
		}
	}
}

func TestParseSpecOnce(t *testing.T) {
	at := time.Date(2025, 7, 1, 8, 0, 0, 0, time.UTC)
	cad, err := ParseSpec(domain.ScheduleOnce, at.Format(time.RFC3339))
	if err != nil {
		t.Fatal(err)
	}
	if next := cad.Next(at.Add(-time.Hour)); next == nil || !next.Equal(at) {
		t.Fatalf("before the instant: got %v", next)
	}
	// After its instant a once spec never fires again.
	if next := cad.Next(at); next != nil {
		t.Fatalf("at the instant: got %v, want nil", next)
	}
	if next := cad.Next(at.Add(time.Hour)); next != nil {
		t.Fatalf("after the instant: got %v, want nil", next)
	}
}

func TestParseSpecEvent(t *testing.T) {
	cad, err := ParseSpec(domain.ScheduleEvent, "lead.created")
	if err != nil {
		t.Fatal(err)
	}
	if cad.EventKey() != "lead.created" {
		t.Fatalf("got %q", cad.EventKey())
	}
	// Event cadences never self-fire.
	if next := cad.Next(time.Now()); next != nil {
		t.Fatalf("got %v, want nil", next)
	}
}

func TestParseSpecEmpty(t *testing.T) {
	for _, kind := range []domain.ScheduleKind{domain.ScheduleCron, domain.ScheduleInterval, domain.ScheduleOnce, domain.ScheduleEvent} {
		if _, err := ParseSpec(kind, "  "); err == nil {
			t.Errorf("kind %s: expected error for empty spec", kind)
		}
	}
}
