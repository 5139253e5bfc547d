// Package queue holds prompts awaiting the orchestrator. Items carry a
// delivery mode: follow-ups wait until the model has answered any pending
// tool results, steering prompts jump in as soon as the current turn ends.
package queue

import (
	"context"
	"strings"
	"sync"

	"github.com/kestrel-dev/agentkit/pkg/ai"
	"github.com/kestrel-dev/agentkit/pkg/hooks"
)

// Mode selects when a queued prompt is delivered to the agent.
type Mode string

const (
	// ModeFollowUp delivers after the current turn ends and the model has
	// responded to outstanding tool results.
	ModeFollowUp Mode = "followUp"
	// ModeSteer delivers as soon as the current turn ends, ahead of any
	// queued tool-result follow-up.
	ModeSteer Mode = "steer"
)

// Item is one queued prompt.
type Item struct {
	Text        string
	Mode        Mode
	Attachments []ai.Attachment

	// BeforeStart, when set, replays a pre-computed agent.before_start
	// result instead of emitting the event again.
	BeforeStart *hooks.BeforeStartResult

	// Completion, when non-nil, receives exactly one send with the
	// prompt's final error (nil on success). Cap must be 1 so the
	// orchestrator never blocks resolving it.
	Completion chan error
}

// Counts is the mode partition of the pending list.
type Counts struct {
	Steer    int
	FollowUp int
}

// Snapshot is what subscribers receive on every mutation.
type Snapshot struct {
	Pending []Item
	Counts  Counts
}

// PromptQueue is an unbounded FIFO with a single blocking consumer.
type PromptQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []Item
	subs  []func(Snapshot)
}

func New() *PromptQueue {
	q := &PromptQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends one item and wakes the consumer.
func (q *PromptQueue) Enqueue(item Item) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.cond.Signal()
	snap := q.snapshotLocked()
	subs := q.subs
	q.mu.Unlock()
	notify(subs, snap)
}

// EnqueueMany appends items in order with a single state notification.
func (q *PromptQueue) EnqueueMany(items []Item) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, items...)
	q.cond.Broadcast()
	snap := q.snapshotLocked()
	subs := q.subs
	q.mu.Unlock()
	notify(subs, snap)
}

// Take blocks until an item is available or ctx is done. Insertion order
// is preserved. Single consumer.
func (q *PromptQueue) Take(ctx context.Context) (Item, error) {
	// Wake the cond wait when the context fires.
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	for len(q.items) == 0 && ctx.Err() == nil {
		q.cond.Wait()
	}
	if ctx.Err() != nil {
		q.mu.Unlock()
		return Item{}, ctx.Err()
	}
	item := q.items[0]
	q.items = q.items[1:]
	snap := q.snapshotLocked()
	subs := q.subs
	q.mu.Unlock()
	notify(subs, snap)
	return item, nil
}

// TakeAll drains the queue without blocking. Returns nil when empty.
func (q *PromptQueue) TakeAll() []Item {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return nil
	}
	out := q.items
	q.items = nil
	snap := q.snapshotLocked()
	subs := q.subs
	q.mu.Unlock()
	notify(subs, snap)
	return out
}

// TakeMode drains only items with the given mode, preserving the relative
// order of both the taken and the remaining items. Returns nil when no
// item matches.
func (q *PromptQueue) TakeMode(mode Mode) []Item {
	q.mu.Lock()
	var taken, kept []Item
	for _, item := range q.items {
		if item.Mode == mode {
			taken = append(taken, item)
		} else {
			kept = append(kept, item)
		}
	}
	if len(taken) == 0 {
		q.mu.Unlock()
		return nil
	}
	q.items = kept
	snap := q.snapshotLocked()
	subs := q.subs
	q.mu.Unlock()
	notify(subs, snap)
	return taken
}

// Clear drops everything.
func (q *PromptQueue) Clear() {
	q.mu.Lock()
	q.items = nil
	snap := q.snapshotLocked()
	subs := q.subs
	q.mu.Unlock()
	notify(subs, snap)
}

// Counts reports the mode partition of the pending list.
func (q *PromptQueue) Counts() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()
	return countsOf(q.items)
}

// Pending returns a copy of the pending list in order.
func (q *PromptQueue) Pending() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, len(q.items))
	copy(out, q.items)
	return out
}

// Len reports the number of pending items.
func (q *PromptQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Subscribe registers fn to receive a snapshot after every mutation.
// Subscribers are called synchronously on the mutating goroutine.
func (q *PromptQueue) Subscribe(fn func(Snapshot)) {
	q.mu.Lock()
	q.subs = append(q.subs, fn)
	q.mu.Unlock()
}

func (q *PromptQueue) snapshotLocked() Snapshot {
	pending := make([]Item, len(q.items))
	copy(pending, q.items)
	return Snapshot{Pending: pending, Counts: countsOf(q.items)}
}

func countsOf(items []Item) Counts {
	var c Counts
	for _, item := range items {
		if item.Mode == ModeSteer {
			c.Steer++
		} else {
			c.FollowUp++
		}
	}
	return c
}

func notify(subs []func(Snapshot), snap Snapshot) {
	for _, fn := range subs {
		fn(snap)
	}
}

// ---------------------------------------------------------------------------
// Script round trip
// ---------------------------------------------------------------------------

// DrainToScript drains the queue and serialises it as one line per item,
// "/steer <text>" or "/followup <text>". Returns nil when the queue was
// empty. Attachments and completion channels do not survive the round trip.
func (q *PromptQueue) DrainToScript() *string {
	items := q.TakeAll()
	if len(items) == 0 {
		return nil
	}
	var b strings.Builder
	for i, item := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		switch item.Mode {
		case ModeSteer:
			b.WriteString("/steer")
		default:
			b.WriteString("/followup")
		}
		if item.Text != "" {
			b.WriteByte(' ')
			b.WriteString(item.Text)
		}
	}
	s := b.String()
	return &s
}

// RestoreFromScript enqueues the items encoded by DrainToScript. The
// "/follow-up" spelling is accepted on input; lines with any other prefix
// are ignored. A bare "/steer" or "/followup" restores an empty-text item.
func (q *PromptQueue) RestoreFromScript(script string) {
	var items []Item
	for _, line := range strings.Split(script, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		mode, text, ok := parseScriptLine(line)
		if !ok {
			continue
		}
		items = append(items, Item{Text: text, Mode: mode})
	}
	q.EnqueueMany(items)
}

func parseScriptLine(line string) (Mode, string, bool) {
	for _, p := range []struct {
		prefix string
		mode   Mode
	}{
		{"/steer", ModeSteer},
		{"/followup", ModeFollowUp},
		{"/follow-up", ModeFollowUp},
	} {
		if line == p.prefix {
			return p.mode, "", true
		}
		if strings.HasPrefix(line, p.prefix+" ") {
			return p.mode, line[len(p.prefix)+1:], true
		}
	}
	return "", "", false
}
