// Package trigger implements the Trigger Engine: three pools of
// scripted lines (nurse, parent, patient) that fire probabilistically
// against a session's extended state, cooled down and capped per entry.
package trigger

import (
	"math/rand"
	"sort"
	"time"
)

// Pool identifies which of the three trigger pools an entry belongs to.
type Pool string

const (
	PoolNurse   Pool = "nurse"
	PoolParent  Pool = "parent"
	PoolPatient Pool = "patient"
)

// Priority orders nurse-pool triggers when more than one fires in the
// same pass; critical beats high beats normal.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityCritical
)

// ConditionFunc evaluates whether an entry should fire, given opaque
// scenario state and the milliseconds elapsed since the scenario
// started. It must be side-effect free.
type ConditionFunc func(state any, elapsedMs int64) bool

// Entry is one line in a trigger pool.
type Entry struct {
	ID         string
	Pool       Pool
	Condition  ConditionFunc
	Line       string
	Character  string
	Cooldown   time.Duration
	MaxFires   int // 0 means unlimited
	Priority   Priority
}

// history tracks one entry's firing record.
type history struct {
	lastFired time.Time
	fireCount int
}

// Engine holds the full set of trigger pools for one session and their
// per-entry firing history.
type Engine struct {
	entries []Entry
	history map[string]*history
	rng     *rand.Rand
}

// New builds an Engine over entries. rng, if nil, defaults to a
// time-seeded source; tests should pass a deterministic source.
func New(entries []Entry, rng *rand.Rand) *Engine {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Engine{entries: entries, history: make(map[string]*history), rng: rng}
}

// Fired is the single trigger an [Engine.Evaluate] pass selected, or the
// zero value if none fired.
type Fired struct {
	Entry Entry
	Ok    bool
}

// Evaluate runs one selection pass: for each pool, entries on
// cooldown or past maxFires are dropped, remaining conditions are
// evaluated, and exactly one winning trigger is returned for the whole
// pass — nurse first if any fired, otherwise parent with 30% probability,
// otherwise patient with 30% probability. On selection, the entry's
// history is updated before returning.
func (e *Engine) Evaluate(state any, now time.Time, scenarioStartedAt time.Time) Fired {
	elapsedMs := now.Sub(scenarioStartedAt).Milliseconds()

	nurse := e.eligible(PoolNurse, state, now, elapsedMs)
	sort.SliceStable(nurse, func(i, j int) bool { return nurse[i].Priority > nurse[j].Priority })
	if len(nurse) > 0 {
		return e.fire(nurse[0], now)
	}

	parent := e.eligible(PoolParent, state, now, elapsedMs)
	if len(parent) > 0 && e.rng.Float64() < 0.3 {
		return e.fire(parent[0], now)
	}

	patient := e.eligible(PoolPatient, state, now, elapsedMs)
	if len(patient) > 0 && e.rng.Float64() < 0.3 {
		return e.fire(patient[0], now)
	}

	return Fired{}
}

func (e *Engine) eligible(pool Pool, state any, now time.Time, elapsedMs int64) []Entry {
	var out []Entry
	for _, ent := range e.entries {
		if ent.Pool != pool {
			continue
		}
		h := e.history[ent.ID]
		if h != nil {
			if ent.Cooldown > 0 && now.Sub(h.lastFired) < ent.Cooldown {
				continue
			}
			if ent.MaxFires > 0 && h.fireCount >= ent.MaxFires {
				continue
			}
		}
		if ent.Condition != nil && !ent.Condition(state, elapsedMs) {
			continue
		}
		out = append(out, ent)
	}
	return out
}

func (e *Engine) fire(ent Entry, now time.Time) Fired {
	h := e.history[ent.ID]
	if h == nil {
		h = &history{}
		e.history[ent.ID] = h
	}
	h.lastFired = now
	h.fireCount++
	return Fired{Entry: ent, Ok: true}
}
