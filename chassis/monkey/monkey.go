package monkey

import (
	"errors"
	"math/rand"
	"sync"
	"time"
)

// ErrMonkey is the injected failure.
var ErrMonkey = errors.New("monkey error")

// Monkey injects random failures with a fixed chance; a nil Monkey never fails.
type Monkey struct {
	mu     sync.Mutex
	chance float64
	rnd    *rand.Rand
}

// New returns nil when chance is not positive.
func New(chance float64) *Monkey {
	if chance <= 0 {
		return nil
	}
	return &Monkey{
		chance: chance,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// RandomizeError with some probability replaces a nil err with ErrMonkey.
func (m *Monkey) RandomizeError(err error) error {
	if err != nil || m == nil {
		return err
	}
	m.mu.Lock()
	roll := m.rnd.Float64()
	m.mu.Unlock()
	if roll >= m.chance {
		return nil
	}
	return ErrMonkey
}
