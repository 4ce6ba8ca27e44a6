package research

import (
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return "req-" + strconv.Itoa(n)
	}
}

func TestDispatchCapsInFlight(t *testing.T) {
	m := New()
	intents := make([]Query, 7)
	for i := range intents {
		intents[i] = Query{Text: "q" + strconv.Itoa(i), ReturnFormat: "text", MaxTokens: 100}
	}

	out := m.Dispatch(sequentialIDs(), intents)
	assert.Len(t, out, MaxInFlight)
	assert.Equal(t, MaxInFlight, m.InFlightCount())
	assert.Equal(t, StateAwaitingResearch, m.State())
}

func TestDedupByCanonicalHash(t *testing.T) {
	m := New()
	q := Query{Text: "same query", ReturnFormat: "text", MaxTokens: 100}
	out := m.Dispatch(sequentialIDs(), []Query{q, q, q})
	assert.Len(t, out, 1, "duplicate queries in one batch must collapse to one dispatch")
}

func TestResultArrivedTransitionsToReadyToFinalize(t *testing.T) {
	m := New()
	out := m.Dispatch(sequentialIDs(), []Query{{Text: "q1"}})
	assert.Len(t, out, 1)

	m.ResultArrived("result-1", out[0].RequestID, json.RawMessage(`{"answer":"42"}`))
	assert.Equal(t, StateReadyToFinalize, m.State())
	assert.False(t, m.PartialResearch())
}

func TestDuplicateResultIDIgnored(t *testing.T) {
	m := New()
	out := m.Dispatch(sequentialIDs(), []Query{{Text: "q1"}})
	m.ResultArrived("result-1", out[0].RequestID, json.RawMessage(`{"answer":"42"}`))
	m.ResultArrived("result-1", out[0].RequestID, json.RawMessage(`{"answer":"different"}`))

	results := m.Results()
	assert.Len(t, results, 1)
}

func TestTickExpiresOnTimeoutWithNoResults(t *testing.T) {
	m := New()
	m.Dispatch(sequentialIDs(), []Query{{Text: "q1"}})
	m.Tick(time.Now().Add(RequestTimeout + time.Second))
	assert.Equal(t, StateExpired, m.State())
	assert.True(t, m.PartialResearch())
}

func TestRoundCapSurvivesReplanReset(t *testing.T) {
	m := New()
	ids := sequentialIDs()
	for round := 0; round < MaxRounds; round++ {
		m.Dispatch(ids, []Query{{Text: "round-query-" + strconv.Itoa(round)}})
		m.ResetForReplan()
	}
	out := m.Dispatch(ids, []Query{{Text: "one-too-many"}})
	assert.Nil(t, out, "round cap must hold even after replan resets state")
	assert.Equal(t, StateExpired, m.State())
}

func TestRegistryIsPerTrace(t *testing.T) {
	r := NewRegistry()
	a := r.Get("trace-a")
	b := r.Get("trace-b")
	assert.NotSame(t, a, b)
	assert.Same(t, a, r.Get("trace-a"))
}
