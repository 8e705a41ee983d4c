package task

import (
	"sync"

	"github.com/JakeFAU/luneth-sync/internal/progress"
)

// tally forwards a task's events and keeps what is needed to close the task
// if its pipeline never returns: the items already reported and whether the
// stream already ended with a finished event.
type tally struct {
	next progress.Emitter

	mu        sync.Mutex
	done      map[string]struct{}
	order     []string
	failedIDs []string
	success   int
	closed    bool
}

func newTally(next progress.Emitter) *tally {
	return &tally{next: next, done: map[string]struct{}{}}
}

// Emit implements progress.Emitter.
func (t *tally) Emit(evt progress.Event) {
	t.mu.Lock()
	switch evt.Stage {
	case progress.StageItemResult, progress.StageUpdateItemResult, progress.StageSubmitItemResult:
		if _, ok := t.done[evt.Code]; !ok {
			t.done[evt.Code] = struct{}{}
			t.order = append(t.order, evt.Code)
			if evt.Status == progress.ItemFailed {
				t.failedIDs = append(t.failedIDs, evt.Code)
			} else {
				t.success++
			}
		}
	}
	t.closed = evt.Stage.Finished()
	t.mu.Unlock()

	if t.next != nil {
		t.next.Emit(evt)
	}
}

// partial is the result of an interrupted run over targets.
type partial struct {
	targets   []string
	failedIDs []string
	success   int
	closed    bool
}

// partial reports what ran so far. Targets never reported count as failed.
func (t *tally) partial(targets []string) partial {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := partial{
		failedIDs: append([]string(nil), t.failedIDs...),
		success:   t.success,
		closed:    t.closed,
	}
	seen := make(map[string]struct{}, len(targets)+len(t.order))
	for _, id := range targets {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		p.targets = append(p.targets, id)
		if _, ok := t.done[id]; !ok {
			p.failedIDs = append(p.failedIDs, id)
		}
	}
	for _, id := range t.order {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			p.targets = append(p.targets, id)
		}
	}
	return p
}
