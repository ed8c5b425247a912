package chat

import (
	"testing"
	"time"
)

func TestTypingDebouncer_StartOnceStopAfterIdle(t *testing.T) {
	tr := &fakeTransport{}
	d := NewTypingDebouncer(tr, 40*time.Millisecond)

	for i := 0; i < 5; i++ {
		if err := d.Keystroke(); err != nil {
			t.Fatalf("keystroke: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	starts, stops := tr.counts()
	if starts != 1 || stops != 0 {
		t.Fatalf("expected single start while typing, got starts=%d stops=%d", starts, stops)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, stops := tr.counts(); stops == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, stops := tr.counts(); stops != 1 {
		t.Fatalf("expected stop after idle, got %d", stops)
	}
	if d.Typing() {
		t.Fatalf("debouncer still typing after idle")
	}

	// a new burst starts again
	_ = d.Keystroke()
	if starts, _ := tr.counts(); starts != 2 {
		t.Fatalf("expected second start, got %d", starts)
	}
	_ = d.Stop()
}

func TestTypingDebouncer_StopIsImmediateAndSingle(t *testing.T) {
	tr := &fakeTransport{}
	d := NewTypingDebouncer(tr, 50*time.Millisecond)

	_ = d.Keystroke()
	if err := d.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, stops := tr.counts(); stops != 1 {
		t.Fatalf("expected immediate stop, got %d", stops)
	}

	// the superseded idle timer must not fire a second stop
	time.Sleep(100 * time.Millisecond)
	if _, stops := tr.counts(); stops != 1 {
		t.Fatalf("expected exactly one stop, got %d", stops)
	}

	if err := d.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if _, stops := tr.counts(); stops != 1 {
		t.Fatalf("stop while idle should be a no-op, got %d", stops)
	}
}
