package sim

import (
	"fmt"
	"time"
)

type arrivalKey struct {
	busID string
	stop  int
}

func (k arrivalKey) String() string { return fmt.Sprintf("%s_%d", k.busID, k.stop) }

// arrivalLog remembers when each (bus, stop index) pair last fired. It is only
// touched while the simulator lock is held.
type arrivalLog struct {
	cooldown time.Duration
	fired    map[arrivalKey]time.Time
}

func newArrivalLog(cooldown time.Duration) *arrivalLog {
	return &arrivalLog{cooldown: cooldown, fired: make(map[arrivalKey]time.Time)}
}

// allow records a firing at now unless the pair fired less than cooldown ago.
func (l *arrivalLog) allow(k arrivalKey, now time.Time) bool {
	if last, ok := l.fired[k]; ok && now.Sub(last) < l.cooldown {
		return false
	}
	l.fired[k] = now
	return true
}

// prune drops entries old enough that they can no longer suppress anything.
func (l *arrivalLog) prune(now time.Time) int {
	n := 0
	for k, at := range l.fired {
		if now.Sub(at) >= l.cooldown {
			delete(l.fired, k)
			n++
		}
	}
	return n
}

func (l *arrivalLog) forget(busID string) {
	for k := range l.fired {
		if k.busID == busID {
			delete(l.fired, k)
		}
	}
}

func (l *arrivalLog) len() int { return len(l.fired) }
