// Package qualification draws the two random outcomes the dispatcher
// needs once a call is bound to an agent: whether the call converts
// (OK) or not (KO), and how long it will run before the scheduler
// fires its completion.
package qualification

import (
	"math/rand"
	"sync"

	"github.com/callgrid/dispatchd/internal/domain"
)

// minDurationSeconds is the floor every duration draw is clamped to,
// so a pathological Normal sample never schedules an instant
// completion.
const minDurationSeconds = 1.0

// Sampler draws qualification outcomes and call durations. Its random
// source is swappable so tests can seed it deterministically.
type Sampler struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// New builds a sampler seeded from a fixed source. Production callers
// should seed from a time-derived value; tests pass a fixed seed for
// reproducibility.
func New(seed int64) *Sampler {
	return &Sampler{rnd: rand.New(rand.NewSource(seed))}
}

// Qualify draws OK/KO for an (agentType, callType) pair using the
// conversion matrix's P(OK) as a Bernoulli parameter. An (agentType,
// callType) pair absent from the matrix converts with probability 0.
func (s *Sampler) Qualify(matrix map[string]map[string]float64, agentType, callType string) domain.Qualification {
	p := 0.0
	if byCallType, ok := matrix[agentType]; ok {
		p = byCallType[callType]
	}

	s.mu.Lock()
	draw := s.rnd.Float64()
	s.mu.Unlock()

	if draw < p {
		return domain.QualificationOK
	}
	return domain.QualificationKO
}

// Duration draws a call duration from Normal(mean, std), clamped to
// minDurationSeconds so a negative or near-zero sample never produces
// an instantaneous call.
func (s *Sampler) Duration(mean, std float64) float64 {
	s.mu.Lock()
	draw := s.rnd.NormFloat64()
	s.mu.Unlock()

	d := mean + draw*std
	if d < minDurationSeconds {
		return minDurationSeconds
	}
	return d
}
