package domain

import "testing"

func TestJobStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to JobStatus
		ok       bool
	}{
		{JobPending, JobRunning, true},
		{JobPending, JobSkipped, true},
		{JobPending, JobSuccess, false},
		{JobPending, JobFailed, false},
		{JobPending, JobCancelled, false},
		{JobRunning, JobSuccess, true},
		{JobRunning, JobFailed, true},
		{JobRunning, JobCancelled, true},
		{JobRunning, JobSkipped, false},
		{JobRunning, JobPending, false},
		{JobSuccess, JobRunning, false},
		{JobFailed, JobPending, false},
		{JobSkipped, JobRunning, false},
		{JobCancelled, JobFailed, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.ok {
			t.Errorf("%s -> %s: got %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestJobStatusTerminal(t *testing.T) {
	terminal := map[JobStatus]bool{
		JobPending:   false,
		JobRunning:   false,
		JobSuccess:   true,
		JobFailed:    true,
		JobSkipped:   true,
		JobCancelled: true,
	}
	for st, want := range terminal {
		if got := st.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", st, got, want)
		}
	}
	// No terminal state may transition anywhere.
	for st, isTerminal := range terminal {
		if !isTerminal {
			continue
		}
		for _, to := range JobStatuses() {
			if st.CanTransition(to) {
				t.Errorf("terminal %s must not transition to %s", st, to)
			}
		}
	}
}
