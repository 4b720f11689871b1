package agent

import (
	"math/rand"
	"strings"
	"sync"
	"time"
)

// Lock-contention failures get a distinct, longer randomized delay instead
// of the exponential schedule, to desynchronize competing invocations of a
// shared external tool.
const (
	lockDelayMin  = 10 * time.Second
	lockDelaySpan = 20 * time.Second // delays land in [10s, 30s)
)

// lockMarkers are the substrings that classify a failure as lock
// contention. Matched case-insensitively against the error message.
var lockMarkers = []string{
	"index.lock",
	"lock contention",
	"is locked",
	"could not acquire lock",
}

// IsLockContention reports whether err looks like a lock-contention
// failure of the external tool.
func IsLockContention(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range lockMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// BackoffDelay returns the exponential delay before the attempt following
// attempt n: base * 2^(n-1). With the default 2s base: 2s, 4s, 8s, ...
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

// LockContentionDelay returns a randomized delay in [10s, 30s), independent
// of the attempt number. randFloat must return values in [0, 1).
func LockContentionDelay(randFloat func() float64) time.Duration {
	return lockDelayMin + time.Duration(randFloat()*float64(lockDelaySpan))
}

var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func defaultRandFloat() float64 {
	rngMu.Lock()
	defer rngMu.Unlock()
	return rng.Float64()
}
