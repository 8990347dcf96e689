package liveness

import "math/rand/v2"

// Rand is the random source used for shuffling. *rand.Rand satisfies it.
type Rand interface {
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }

// Sequencer builds the ordered challenge list for a session from a fixed catalog.
type Sequencer struct {
	catalog  []Challenge
	baseline Challenge
	rnd      Rand
}

// NewSequencer creates a sequencer over the given directions. Duplicate
// directions and Straight are dropped from the catalog; Straight is only
// used as the optional baseline. A nil rnd uses the package-level source.
func NewSequencer(directions []Direction, threshold float64, rnd Rand) *Sequencer {
	if rnd == nil {
		rnd = globalRand{}
	}
	seen := make(map[Direction]bool, len(directions))
	catalog := make([]Challenge, 0, len(directions))
	for _, d := range directions {
		if d == Straight || seen[d] {
			continue
		}
		seen[d] = true
		catalog = append(catalog, NewChallenge(d, threshold))
	}
	return &Sequencer{
		catalog:  catalog,
		baseline: NewChallenge(Straight, threshold),
		rnd:      rnd,
	}
}

// Catalog returns a copy of the configured challenges in designer order.
func (s *Sequencer) Catalog() []Challenge {
	return append([]Challenge(nil), s.catalog...)
}

// BuildSequence returns the challenges for one session. With randomized set the
// catalog is Fisher-Yates shuffled so every ordering is equally likely. The
// Straight baseline, when requested, always comes first.
func (s *Sequencer) BuildSequence(randomized, includeBaseline bool) []Challenge {
	out := make([]Challenge, 0, len(s.catalog)+1)
	if includeBaseline {
		out = append(out, s.baseline)
	}
	start := len(out)
	out = append(out, s.catalog...)
	if randomized {
		tail := out[start:]
		for i := len(tail) - 1; i > 0; i-- {
			j := s.rnd.IntN(i + 1)
			tail[i], tail[j] = tail[j], tail[i]
		}
	}
	return out
}
