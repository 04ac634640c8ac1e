package router

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const throttleIdleTTL = 10 * time.Minute

// userThrottle limits commands per user. A zero rate disables it.
type userThrottle struct {
	mu        sync.Mutex
	perMin    int
	users     map[int64]*userBucket
	lastSweep time.Time
	now       func() time.Time
}

type userBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func newUserThrottle(perMin int) *userThrottle {
	return &userThrottle{perMin: perMin, users: map[int64]*userBucket{}, now: time.Now}
}

func (t *userThrottle) setRate(perMin int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if perMin == t.perMin {
		return
	}
	t.perMin = perMin
	t.users = map[int64]*userBucket{}
}

func (t *userThrottle) allow(userID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.perMin <= 0 {
		return true
	}
	now := t.now()
	if now.Sub(t.lastSweep) > throttleIdleTTL {
		for id, b := range t.users {
			if now.Sub(b.seen) > throttleIdleTTL {
				delete(t.users, id)
			}
		}
		t.lastSweep = now
	}
	b := t.users[userID]
	if b == nil {
		b = &userBucket{lim: rate.NewLimiter(rate.Limit(float64(t.perMin)/60.0), t.perMin)}
		t.users[userID] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}
