package executor

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type parkedJob struct {
	jobID     uuid.UUID
	expiresAt *time.Time
}

// parkingLot holds jobs waiting on an approval decision, keyed by approval
// id. Parked rows stay pending in the store; the lot only remembers which
// approval wakes which job.
type parkingLot struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]parkedJob
}

func (l *parkingLot) park(approvalID uuid.UUID, p parkedJob) {
	l.mu.Lock()
	l.jobs[approvalID] = p
	l.mu.Unlock()
}

// take removes and returns the job parked under the approval, if any.
func (l *parkingLot) take(approvalID uuid.UUID) (parkedJob, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.jobs[approvalID]
	if ok {
		delete(l.jobs, approvalID)
	}
	return p, ok
}

// expired removes and returns every parked job whose approval window has
// lapsed.
func (l *parkingLot) expired(now time.Time) []parkedJob {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []parkedJob
	for id, p := range l.jobs {
		if p.expiresAt != nil && now.After(*p.expiresAt) {
			out = append(out, p)
			delete(l.jobs, id)
		}
	}
	return out
}
