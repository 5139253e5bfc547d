package queue

import (
	"context"
	"testing"
	"time"
)

func TestEnqueueTakePreservesOrder(t *testing.T) {
	q := New()
	q.Enqueue(Item{Text: "one", Mode: ModeFollowUp})
	q.Enqueue(Item{Text: "two", Mode: ModeSteer})
	q.EnqueueMany([]Item{
		{Text: "three", Mode: ModeFollowUp},
		{Text: "four", Mode: ModeFollowUp},
	})

	want := []string{"one", "two", "three", "four"}
	for _, w := range want {
		item, err := q.Take(context.Background())
		if err != nil {
			t.Fatalf("Take: %v", err)
		}
		if item.Text != w {
			t.Errorf("took %q, want %q", item.Text, w)
		}
	}
	if q.Len() != 0 {
		t.Errorf("queue not empty: %d", q.Len())
	}
}

func TestTakeBlocksUntilEnqueue(t *testing.T) {
	q := New()

	go func() {
		time.Sleep(30 * time.Millisecond)
		q.Enqueue(Item{Text: "late"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	item, err := q.Take(ctx)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if item.Text != "late" {
		t.Errorf("text = %q", item.Text)
	}
}

func TestTakeReturnsOnCancel(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Take(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Take did not return after cancel")
	}
}

func TestTakeAll(t *testing.T) {
	q := New()
	if got := q.TakeAll(); got != nil {
		t.Errorf("TakeAll on empty queue = %v, want nil", got)
	}

	q.Enqueue(Item{Text: "a"})
	q.Enqueue(Item{Text: "b"})
	items := q.TakeAll()
	if len(items) != 2 || items[0].Text != "a" || items[1].Text != "b" {
		t.Errorf("items = %v", items)
	}
	if q.Len() != 0 {
		t.Error("TakeAll left items behind")
	}
}

func TestTakeModeFiltersAndKeepsOrder(t *testing.T) {
	q := New()
	q.EnqueueMany([]Item{
		{Text: "f1", Mode: ModeFollowUp},
		{Text: "s1", Mode: ModeSteer},
		{Text: "f2", Mode: ModeFollowUp},
		{Text: "s2", Mode: ModeSteer},
	})

	steers := q.TakeMode(ModeSteer)
	if len(steers) != 2 || steers[0].Text != "s1" || steers[1].Text != "s2" {
		t.Errorf("steers = %v", steers)
	}

	rest := q.Pending()
	if len(rest) != 2 || rest[0].Text != "f1" || rest[1].Text != "f2" {
		t.Errorf("remaining = %v", rest)
	}

	if got := q.TakeMode(ModeSteer); got != nil {
		t.Errorf("second TakeMode = %v, want nil", got)
	}
}

func TestCountsMatchModePartition(t *testing.T) {
	q := New()
	q.EnqueueMany([]Item{
		{Mode: ModeSteer},
		{Mode: ModeFollowUp},
		{Mode: ModeSteer},
		{Mode: ModeFollowUp},
		{Mode: ModeFollowUp},
	})

	if c := q.Counts(); c.Steer != 2 || c.FollowUp != 3 {
		t.Errorf("counts = %+v", c)
	}

	q.TakeMode(ModeSteer)
	if c := q.Counts(); c.Steer != 0 || c.FollowUp != 3 {
		t.Errorf("counts after TakeMode = %+v", c)
	}

	if _, err := q.Take(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c := q.Counts(); c.Steer != 0 || c.FollowUp != 2 {
		t.Errorf("counts after Take = %+v", c)
	}

	q.Clear()
	if c := q.Counts(); c.Steer != 0 || c.FollowUp != 0 {
		t.Errorf("counts after Clear = %+v", c)
	}
}

func TestDrainToScriptRoundTrip(t *testing.T) {
	q := New()
	if got := q.DrainToScript(); got != nil {
		t.Errorf("script for empty queue = %q, want nil", *got)
	}

	q.EnqueueMany([]Item{
		{Text: "fix the test", Mode: ModeSteer},
		{Text: "then update docs", Mode: ModeFollowUp},
		{Text: "", Mode: ModeSteer},
	})

	script := q.DrainToScript()
	if script == nil {
		t.Fatal("script = nil")
	}
	want := "/steer fix the test\n/followup then update docs\n/steer"
	if *script != want {
		t.Errorf("script = %q, want %q", *script, want)
	}
	if q.Len() != 0 {
		t.Error("DrainToScript did not drain")
	}

	q.RestoreFromScript(*script)
	items := q.Pending()
	if len(items) != 3 {
		t.Fatalf("restored %d items, want 3", len(items))
	}
	if items[0].Mode != ModeSteer || items[0].Text != "fix the test" {
		t.Errorf("items[0] = %+v", items[0])
	}
	if items[1].Mode != ModeFollowUp || items[1].Text != "then update docs" {
		t.Errorf("items[1] = %+v", items[1])
	}
	if items[2].Mode != ModeSteer || items[2].Text != "" {
		t.Errorf("items[2] = %+v", items[2])
	}
}

func TestRestoreFromScriptAliasesAndJunk(t *testing.T) {
	q := New()
	q.RestoreFromScript("/follow-up older spelling\nnot a command\n\n/steer go\n/steered nope")

	items := q.Pending()
	if len(items) != 2 {
		t.Fatalf("restored %d items, want 2: %v", len(items), items)
	}
	if items[0].Mode != ModeFollowUp || items[0].Text != "older spelling" {
		t.Errorf("items[0] = %+v", items[0])
	}
	if items[1].Mode != ModeSteer || items[1].Text != "go" {
		t.Errorf("items[1] = %+v", items[1])
	}
}

func TestSubscribeFiresOnEveryMutation(t *testing.T) {
	q := New()
	var snaps []Snapshot
	q.Subscribe(func(s Snapshot) { snaps = append(snaps, s) })

	q.Enqueue(Item{Mode: ModeSteer})          // 1
	q.EnqueueMany([]Item{{Mode: ModeSteer}})  // 2
	q.TakeMode(ModeSteer)                     // 3
	q.Enqueue(Item{Mode: ModeFollowUp})       // 4
	if _, err := q.Take(context.Background()); err != nil { // 5
		t.Fatal(err)
	}
	q.Clear() // 6

	if len(snaps) != 6 {
		t.Fatalf("got %d snapshots, want 6", len(snaps))
	}
	if snaps[1].Counts.Steer != 2 {
		t.Errorf("snapshot after second enqueue: %+v", snaps[1].Counts)
	}
	if len(snaps[5].Pending) != 0 {
		t.Errorf("final snapshot not empty: %+v", snaps[5])
	}
}
