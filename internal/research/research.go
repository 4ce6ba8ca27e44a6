// Package research implements the Research State Machine from spec §4.6:
// a bounded sub-protocol, keyed per trace_id, that dedups research queries,
// caps in-flight requests and total rounds, and finalizes with partial
// results on timeout.
//
// Grounded on tarsy's pkg/agent/controller's explicit iterate-until-done
// state-loop idiom, generalized here to an always-present state struct
// rather than a single controller's inline loop, since the SM must persist
// across planner_queue handler invocations (the reply arrives as a
// separate research_result message, not inline).
package research

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

// State is the SM's current phase for one trace.
type State string

const (
	StatePlanning         State = "planning"
	StateAwaitingResearch State = "awaiting_research"
	StateReadyToFinalize  State = "ready_to_finalize"
	StateExpired          State = "expired"
)

const (
	MaxInFlight     = 3
	MaxRounds       = 5
	RequestTimeout  = 120 * time.Second
)

// Query is one research intent, canonicalized for dedup hashing.
type Query struct {
	Text         string
	ReturnFormat string
	MaxTokens    int
}

// canonicalHash is the SHA-256 over the canonical (query, return_format,
// max_tokens) tuple, per spec §4.6.
func canonicalHash(q Query) string {
	b, _ := json.Marshal(struct {
		Q string
		F string
		M int
	}{q.Text, q.ReturnFormat, q.MaxTokens})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

type inFlightRequest struct {
	hash      string
	requestID string
	dispatchedAt time.Time
}

// Limits overrides the SM's caps from spec §4.6. A zero field falls back
// to the package-level default of the same name.
type Limits struct {
	MaxInFlight    int
	MaxRounds      int
	RequestTimeout time.Duration
}

func (l Limits) withDefaults() Limits {
	if l.MaxInFlight <= 0 {
		l.MaxInFlight = MaxInFlight
	}
	if l.MaxRounds <= 0 {
		l.MaxRounds = MaxRounds
	}
	if l.RequestTimeout <= 0 {
		l.RequestTimeout = RequestTimeout
	}
	return l
}

// Machine tracks one trace's research sub-protocol.
type Machine struct {
	mu sync.Mutex

	limits        Limits
	state         State
	rounds        int
	inFlight      map[string]inFlightRequest // request_id -> record
	resultsByHash map[string]json.RawMessage
	seenResultIDs map[string]bool
	startedAt     time.Time
}

// New constructs a Machine in the planning state, using the package's
// default caps.
func New() *Machine {
	return NewWithLimits(Limits{})
}

// NewWithLimits constructs a Machine in the planning state, using limits
// (any zero field falls back to the package default).
func NewWithLimits(limits Limits) *Machine {
	return &Machine{
		limits:        limits.withDefaults(),
		state:         StatePlanning,
		inFlight:      make(map[string]inFlightRequest),
		resultsByHash: make(map[string]json.RawMessage),
		seenResultIDs: make(map[string]bool),
	}
}

// Dispatched is what the caller must do for each intent that survived
// dedup and cap checks: requestID is the message id to use for the
// outgoing research_request.
type Dispatched struct {
	RequestID string
	Query     Query
	// Reused is true when this query's hash already has a cached result;
	// the caller should not send a new research_request and should instead
	// treat the cached result as immediately available.
	Reused bool
	Result json.RawMessage
}

// Dispatch attempts to admit intents for this round, respecting MaxInFlight
// and MaxRounds. It transitions planning -> awaiting_research on first
// dispatch. Queries beyond the in-flight cap are simply not returned; the
// caller (planner consumer) should re-offer them on the next round once
// capacity frees up — spec caps in-flight count, it does not queue.
func (m *Machine) Dispatch(newRequestID func() string, intents []Query) []Dispatched {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rounds >= m.limits.MaxRounds {
		m.state = StateExpired
		return nil
	}

	var out []Dispatched
	admittedThisRound := false
	for _, q := range intents {
		hash := canonicalHash(q)
		if cached, ok := m.resultsByHash[hash]; ok {
			out = append(out, Dispatched{Query: q, Reused: true, Result: cached})
			continue
		}
		duplicate := false
		for _, req := range m.inFlight {
			if req.hash == hash {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}
		if len(m.inFlight) >= m.limits.MaxInFlight {
			continue
		}
		id := newRequestID()
		m.inFlight[id] = inFlightRequest{hash: hash, requestID: id, dispatchedAt: time.Now().UTC()}
		out = append(out, Dispatched{RequestID: id, Query: q})
		admittedThisRound = true
	}

	if admittedThisRound {
		m.rounds++
		if m.state == StatePlanning {
			m.state = StateAwaitingResearch
			m.startedAt = time.Now().UTC()
		}
	}
	return out
}

// ResultArrived feeds a research_result back into the SM. resultID is the
// result message's own id (deduplicated against replay); requestID
// identifies which in-flight request this answers.
func (m *Machine) ResultArrived(resultID, requestID string, payload json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.seenResultIDs[resultID] {
		return
	}
	m.seenResultIDs[resultID] = true

	req, ok := m.inFlight[requestID]
	if !ok {
		return
	}
	m.resultsByHash[req.hash] = payload
	delete(m.inFlight, requestID)

	if len(m.inFlight) == 0 {
		m.state = StateReadyToFinalize
	}
}

// Tick re-evaluates timeout-driven transitions; callers invoke this
// periodically (or just before deciding what to do next).
func (m *Machine) Tick(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateAwaitingResearch {
		return
	}

	anyTimedOut := false
	for id, req := range m.inFlight {
		if now.Sub(req.dispatchedAt) >= m.limits.RequestTimeout {
			anyTimedOut = true
			delete(m.inFlight, id)
		}
	}

	if len(m.inFlight) == 0 {
		if len(m.resultsByHash) > 0 {
			m.state = StateReadyToFinalize
		} else if anyTimedOut || now.Sub(m.startedAt) >= m.limits.RequestTimeout {
			m.state = StateExpired
		}
	}
}

// State returns the current phase.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// PartialResearch reports whether finalization should be flagged
// partial_research=true: we reached a terminal state with at least one
// request never answered.
func (m *Machine) PartialResearch() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateExpired
}

// Results returns every collected result keyed by its canonical hash, for
// the planner to fold into its final plan_result.
func (m *Machine) Results() map[string]json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]json.RawMessage, len(m.resultsByHash))
	for k, v := range m.resultsByHash {
		out[k] = v
	}
	return out
}

// InFlightCount returns the number of outstanding research requests.
func (m *Machine) InFlightCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inFlight)
}

// Rounds returns the number of dispatch rounds consumed so far, counted
// per-trace across replans per spec §9's resolved open question.
func (m *Machine) Rounds() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rounds
}

// ResetForReplan clears in-progress dispatch state for a new planning pass
// without resetting the round counter, so a replan loop cannot evade the
// round cap (spec §9 open question #3).
func (m *Machine) ResetForReplan() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StatePlanning
	m.inFlight = make(map[string]inFlightRequest)
}

// Registry keeps one Machine per trace_id, constructing each with the
// Registry's configured limits.
type Registry struct {
	mu       sync.Mutex
	limits   Limits
	machines map[string]*Machine
}

// NewRegistry constructs an empty Registry using the package's default
// caps for every Machine it creates.
func NewRegistry() *Registry {
	return NewRegistryWithLimits(Limits{})
}

// NewRegistryWithLimits constructs an empty Registry that creates every
// Machine with limits (any zero field falls back to the package default).
func NewRegistryWithLimits(limits Limits) *Registry {
	return &Registry{limits: limits.withDefaults(), machines: make(map[string]*Machine)}
}

// Get returns the Machine for traceID, creating one if absent.
func (r *Registry) Get(traceID string) *Machine {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.machines[traceID]
	if !ok {
		m = NewWithLimits(r.limits)
		r.machines[traceID] = m
	}
	return m
}

// Delete discards the Machine for traceID once its trace is finalized.
func (r *Registry) Delete(traceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.machines, traceID)
}
