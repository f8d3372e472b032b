package chaos

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Policy is the "when" of a fault: it decides, per call, whether to
// inject, and which Strategy to run if so. Implementations must be
// thread-safe: a Manager-scoped Backend may be called concurrently by
// many workers.
type Policy interface {
	Name() string
	// Decide reports whether to inject a fault for this call, and which
	// strategy to run if it does.
	Decide(ctx *FaultContext) (inject bool, strategy Strategy)
	// validate checks the policy's own parameters at construction time.
	validate() error
}

// ProbabilisticPolicy injects with fixed probability p, choosing
// uniformly among Strategies when more than one is configured.
type ProbabilisticPolicy struct {
	PolicyName string
	P          float64
	Strategies []Strategy
	// Seed, when non-nil, makes the policy's choices reproducible.
	Seed *int64

	mu  sync.Mutex
	rng *rand.Rand
}

func NewProbabilisticPolicy(name string, p float64, seed *int64, strategies ...Strategy) *ProbabilisticPolicy {
	var rng *rand.Rand
	if seed != nil {
		rng = rand.New(rand.NewSource(*seed))
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &ProbabilisticPolicy{
		PolicyName: name,
		P:          p,
		Strategies: strategies,
		Seed:       seed,
		rng:        rng,
	}
}

func (p *ProbabilisticPolicy) Name() string { return p.PolicyName }

func (p *ProbabilisticPolicy) Decide(ctx *FaultContext) (bool, Strategy) {
	if len(p.Strategies) == 0 {
		return false, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rng.Float64() >= p.P {
		return false, nil
	}
	idx := p.rng.Intn(len(p.Strategies))
	return true, p.Strategies[idx]
}

func (p *ProbabilisticPolicy) validate() error {
	if p.Seed != nil && *p.Seed < 0 {
		return fmt.Errorf("policy %q: negative seed %d", p.PolicyName, *p.Seed)
	}
	if p.P < 0 || p.P > 1 {
		return fmt.Errorf("policy %q: probability %f outside [0, 1]", p.PolicyName, p.P)
	}
	return validateStrategyNames(p.PolicyName, p.Strategies)
}

// DeterministicPolicy cycles a boolean sequence built at construction
// time from one of the fail_first_n/fail_every_n/alternate presets.
type DeterministicPolicy struct {
	PolicyName string
	Sequence   []bool
	FaultStrategy Strategy

	mu  sync.Mutex
	pos int
}

// NewDeterministicFailFirstN injects on the first n calls, then never
// again.
func NewDeterministicFailFirstN(name string, n int, strategy Strategy) *DeterministicPolicy {
	seq := make([]bool, n)
	for i := range seq {
		seq[i] = true
	}
	return &DeterministicPolicy{PolicyName: name, Sequence: seq, FaultStrategy: strategy}
}

// NewDeterministicFailEveryN injects on every nth call (1-indexed).
func NewDeterministicFailEveryN(name string, n int, strategy Strategy) *DeterministicPolicy {
	seq := make([]bool, n)
	seq[n-1] = true
	return &DeterministicPolicy{PolicyName: name, Sequence: seq, FaultStrategy: strategy}
}

// NewDeterministicAlternate injects on odd calls, skips on even.
func NewDeterministicAlternate(name string, strategy Strategy) *DeterministicPolicy {
	return &DeterministicPolicy{PolicyName: name, Sequence: []bool{true, false}, FaultStrategy: strategy}
}

func (p *DeterministicPolicy) Name() string { return p.PolicyName }

func (p *DeterministicPolicy) Decide(*FaultContext) (bool, Strategy) {
	if len(p.Sequence) == 0 {
		return false, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	inject := p.Sequence[p.pos%len(p.Sequence)]
	p.pos++
	if inject {
		return true, p.FaultStrategy
	}
	return false, nil
}

// Reset restarts the sequence from its first element.
func (p *DeterministicPolicy) Reset() {
	p.mu.Lock()
	p.pos = 0
	p.mu.Unlock()
}

func (p *DeterministicPolicy) validate() error {
	return validateStrategyNames(p.PolicyName, []Strategy{p.FaultStrategy})
}

// ThresholdPolicy injects only when the call counter is in
// [CountMin, CountMax), wall-clock is in [Start, End), and (if
// AllowedDays is set) today is one of the allowed weekdays.
type ThresholdPolicy struct {
	PolicyName string
	CountMin   int
	CountMax   int
	Start      time.Time
	End        time.Time
	// AllowedDays restricts injection to specific days of the week.
	// Nil means unrestricted. A non-nil but empty slice is a
	// configuration error: it excludes every day, so the policy could
	// never inject.
	AllowedDays   []time.Weekday
	FaultStrategy Strategy

	mu      sync.Mutex
	counter int
}

// NewThresholdFirstN injects for the first n calls only.
func NewThresholdFirstN(name string, n int, strategy Strategy) *ThresholdPolicy {
	return &ThresholdPolicy{PolicyName: name, CountMin: 0, CountMax: n, FaultStrategy: strategy}
}

// NewThresholdAfterN injects for every call after the nth.
func NewThresholdAfterN(name string, n int, strategy Strategy) *ThresholdPolicy {
	return &ThresholdPolicy{PolicyName: name, CountMin: n, CountMax: 1 << 30, FaultStrategy: strategy}
}

// NewThresholdForDuration injects only within [start, end).
func NewThresholdForDuration(name string, start, end time.Time, strategy Strategy) *ThresholdPolicy {
	return &ThresholdPolicy{PolicyName: name, CountMin: 0, CountMax: 1 << 30, Start: start, End: end, FaultStrategy: strategy}
}

// NewThresholdOnDays injects only on the given weekdays.
func NewThresholdOnDays(name string, days []time.Weekday, strategy Strategy) *ThresholdPolicy {
	return &ThresholdPolicy{PolicyName: name, CountMin: 0, CountMax: 1 << 30, AllowedDays: days, FaultStrategy: strategy}
}

func (p *ThresholdPolicy) Name() string { return p.PolicyName }

func (p *ThresholdPolicy) Decide(*FaultContext) (bool, Strategy) {
	p.mu.Lock()
	count := p.counter
	p.counter++
	p.mu.Unlock()

	if count < p.CountMin || count >= p.CountMax {
		return false, nil
	}
	now := time.Now()
	if !p.Start.IsZero() && !p.End.IsZero() {
		if now.Before(p.Start) || !now.Before(p.End) {
			return false, nil
		}
	}
	if p.AllowedDays != nil && !isAllowedDay(now, p.AllowedDays) {
		return false, nil
	}
	return true, p.FaultStrategy
}

func isAllowedDay(t time.Time, allowed []time.Weekday) bool {
	day := t.Weekday()
	for _, d := range allowed {
		if d == day {
			return true
		}
	}
	return false
}

func (p *ThresholdPolicy) validate() error {
	if p.CountMin > p.CountMax {
		return fmt.Errorf("policy %q: inverted count range [%d, %d)", p.PolicyName, p.CountMin, p.CountMax)
	}
	if !p.Start.IsZero() && !p.End.IsZero() && p.Start.After(p.End) {
		return fmt.Errorf("policy %q: inverted time range [%s, %s)", p.PolicyName, p.Start, p.End)
	}
	if p.AllowedDays != nil && len(p.AllowedDays) == 0 {
		return fmt.Errorf("policy %q: empty allowed day-of-week set", p.PolicyName)
	}
	return validateStrategyNames(p.PolicyName, []Strategy{p.FaultStrategy})
}

func validateStrategyNames(policyName string, strategies []Strategy) error {
	seen := make(map[string]struct{})
	for _, s := range strategies {
		if s == nil {
			continue
		}
		name := s.Name()
		if _, dup := seen[name]; dup {
			return fmt.Errorf("policy %q: duplicate strategy name %q", policyName, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

var (
	_ Policy = (*ProbabilisticPolicy)(nil)
	_ Policy = (*DeterministicPolicy)(nil)
	_ Policy = (*ThresholdPolicy)(nil)
)
