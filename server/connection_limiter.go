package server

import "sync/atomic"

// ConnectionLimiter caps the number of concurrently open connections on a
// listener. A zero limit admits everything.
type ConnectionLimiter struct {
	max     int64
	current atomic.Int64
}

func NewConnectionLimiter(maxConnections int) *ConnectionLimiter {
	return &ConnectionLimiter{max: int64(maxConnections)}
}

// Acquire reserves a slot, reporting false when the listener is full.
func (cl *ConnectionLimiter) Acquire() bool {
	if cl.max <= 0 {
		cl.current.Add(1)
		return true
	}
	for {
		cur := cl.current.Load()
		if cur >= cl.max {
			return false
		}
		if cl.current.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (cl *ConnectionLimiter) Release() {
	cl.current.Add(-1)
}

func (cl *ConnectionLimiter) Current() int64 {
	return cl.current.Load()
}

func (cl *ConnectionLimiter) Max() int64 {
	return cl.max
}
