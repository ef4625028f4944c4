package watch

import (
	"sort"
	"time"
)

// debouncer coalesces rapid events per path so one save does not cause
// several reindex passes. Coalescing rules:
//
//	CREATE + MODIFY = CREATE
//	CREATE + DELETE = nothing
//	MODIFY + DELETE = DELETE
//	DELETE + CREATE = MODIFY
type debouncer struct {
	window  time.Duration
	pending map[string]Op
	timer   *time.Timer
}

func newDebouncer(window time.Duration) *debouncer {
	t := time.NewTimer(window)
	if !t.Stop() {
		<-t.C
	}
	return &debouncer{window: window, pending: make(map[string]Op), timer: t}
}

func (d *debouncer) add(ev Event) {
	if prev, ok := d.pending[ev.Path]; ok {
		op, keep := coalesce(prev, ev.Op)
		if !keep {
			delete(d.pending, ev.Path)
		} else {
			d.pending[ev.Path] = op
		}
	} else {
		d.pending[ev.Path] = ev.Op
	}
	d.timer.Reset(d.window)
}

func coalesce(first, second Op) (Op, bool) {
	switch {
	case first == OpCreate && second == OpModify:
		return OpCreate, true
	case first == OpCreate && second == OpDelete:
		return 0, false
	case first == OpModify && second == OpDelete:
		return OpDelete, true
	case first == OpDelete && second == OpCreate:
		return OpModify, true
	default:
		return second, true
	}
}

func (d *debouncer) timerC() <-chan time.Time { return d.timer.C }

// flush drains pending events in path order.
func (d *debouncer) flush() []Event {
	if len(d.pending) == 0 {
		return nil
	}
	out := make([]Event, 0, len(d.pending))
	for path, op := range d.pending {
		out = append(out, Event{Path: path, Op: op})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	d.pending = make(map[string]Op)
	return out
}

func (d *debouncer) stop() {
	d.timer.Stop()
}
