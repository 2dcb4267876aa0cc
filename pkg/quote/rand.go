package quote

import (
	"math/rand/v2"
	"sync"
)

// Rand yields uniform values in [0, 1).
type Rand interface {
	Float64() float64
}

// lockedRand makes a seeded PCG source safe for concurrent providers.
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func NewSeededRand(seed uint64) Rand {
	return &lockedRand{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

// FixedRand always returns the same value.
type FixedRand float64

func (f FixedRand) Float64() float64 { return float64(f) }

// SequenceRand replays values in order and then repeats the last one.
type SequenceRand struct {
	mu     sync.Mutex
	values []float64
	next   int
}

func NewSequenceRand(values ...float64) *SequenceRand {
	return &SequenceRand{values: values}
}

func (s *SequenceRand) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.values) == 0 {
		return 0
	}
	if s.next >= len(s.values) {
		return s.values[len(s.values)-1]
	}
	v := s.values[s.next]
	s.next++
	return v
}
