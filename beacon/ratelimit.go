package beacon

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

const (
	DefaultFramesPerMinute = 120
	DefaultMaxConnsPerAddr = 20
)

// RateLimiter bounds inbound frames per session over a sliding one-minute
// window and concurrent sessions per remote address.
type RateLimiter struct {
	mu           sync.Mutex
	framesPerMin int
	maxConns     int
	windows      map[string]*slidingWindow
	connCounts   map[string]int
	now          func() time.Time
}

type slidingWindow struct {
	timestamps []int64
}

func NewRateLimiter(framesPerMin, maxConns int) *RateLimiter {
	if framesPerMin <= 0 {
		framesPerMin = DefaultFramesPerMinute
	}
	if maxConns <= 0 {
		maxConns = DefaultMaxConnsPerAddr
	}
	return &RateLimiter{
		framesPerMin: framesPerMin,
		maxConns:     maxConns,
		windows:      make(map[string]*slidingWindow),
		connCounts:   make(map[string]int),
		now:          time.Now,
	}
}

// AllowFrame records a frame for key and reports whether it fits the window.
// When it does not, retryAfter is the number of seconds until it would.
func (rl *RateLimiter) AllowFrame(key string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now().UnixMilli()
	windowStart := now - 60000

	window, ok := rl.windows[key]
	if !ok {
		window = &slidingWindow{}
		rl.windows[key] = window
	}

	valid := window.timestamps[:0]
	for _, ts := range window.timestamps {
		if ts > windowStart {
			valid = append(valid, ts)
		}
	}
	window.timestamps = valid

	if len(window.timestamps) >= rl.framesPerMin {
		oldest := window.timestamps[0]
		retryAfter := int((oldest + 60000 - now) / 1000)
		if retryAfter < 1 {
			retryAfter = 1
		}
		return false, retryAfter
	}

	window.timestamps = append(window.timestamps, now)
	return true, 0
}

func (rl *RateLimiter) AcquireConnection(addr string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	count := rl.connCounts[addr]
	if count >= rl.maxConns {
		return false
	}
	rl.connCounts[addr] = count + 1
	return true
}

func (rl *RateLimiter) ReleaseConnection(addr string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	count := rl.connCounts[addr]
	if count > 1 {
		rl.connCounts[addr] = count - 1
		return
	}
	delete(rl.connCounts, addr)
}

// Forget drops the frame window kept for key.
func (rl *RateLimiter) Forget(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.windows, key)
}

func (rl *RateLimiter) Limits() (framesPerMin, maxConns int) {
	return rl.framesPerMin, rl.maxConns
}

func writeConnectionLimitExceeded(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]string{"error": "connection limit exceeded"})
}
