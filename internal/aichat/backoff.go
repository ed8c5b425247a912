package aichat

import (
	"errors"
	"time"
)

var (
	ErrReconnectExhausted = errors.New("ai channel reconnect attempts exhausted")
	ErrMalformedPayload   = errors.New("malformed ai payload")
	ErrNotConnected       = errors.New("ai channel not connected")
	ErrNoChat             = errors.New("no chat selected")
	ErrClosed             = errors.New("ai session closed")
)

// Backoff returns the delay before reconnect attempt n (1-based):
// base * 2^(n-1).
func Backoff(base time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base
	for i := 1; i < n; i++ {
		if d > time.Hour {
			return d
		}
		d *= 2
	}
	return d
}
