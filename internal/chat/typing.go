package chat

import (
	"sync"
	"time"
)

const DefaultTypingIdle = 2 * time.Second

// TypingNotifier receives outbound typing signals.
type TypingNotifier interface {
	StartTyping() error
	StopTyping() error
}

// TypingDebouncer sends one start per burst of keystrokes and a stop after
// idle elapses without further input.
type TypingDebouncer struct {
	mu     sync.Mutex
	target TypingNotifier
	idle   time.Duration
	typing bool
	timer  *time.Timer
	// gen invalidates timers that fired after being superseded
	gen uint64
}

func NewTypingDebouncer(target TypingNotifier, idle time.Duration) *TypingDebouncer {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	return &TypingDebouncer{target: target, idle: idle}
}

// Keystroke records input activity.
func (d *TypingDebouncer) Keystroke() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var err error
	if !d.typing {
		d.typing = true
		err = d.target.StartTyping()
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.idle, func() { d.expire(gen) })
	return err
}

// Stop sends typing-stop immediately if a burst is in progress.
func (d *TypingDebouncer) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopLocked()
}

func (d *TypingDebouncer) Typing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.typing
}

func (d *TypingDebouncer) expire(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if gen != d.gen {
		return
	}
	_ = d.stopLocked()
}

func (d *TypingDebouncer) stopLocked() error {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
	if !d.typing {
		return nil
	}
	d.typing = false
	return d.target.StopTyping()
}
