package approval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomrun/loom/internal/bus"
)

func TestIssueAndCheckRoundTrip(t *testing.T) {
	v := NewHMACVerifier([]byte("test-secret"))
	token, err := v.Issue("wi-1", "plan-hash-abc", time.Minute)
	require.NoError(t, err)

	item := bus.WorkItem{ID: "wi-1"}
	res := v.Check(token, item)
	assert.True(t, res.OK, res.Reason)
}

func TestCheckRejectsWrongWorkItem(t *testing.T) {
	v := NewHMACVerifier([]byte("test-secret"))
	token, err := v.Issue("wi-1", "plan-hash-abc", time.Minute)
	require.NoError(t, err)

	res := v.Check(token, bus.WorkItem{ID: "wi-2"})
	assert.False(t, res.OK)
}

func TestCheckRejectsExpiredToken(t *testing.T) {
	v := NewHMACVerifier([]byte("test-secret"))
	token, err := v.Issue("wi-1", "plan-hash-abc", -time.Second)
	require.NoError(t, err)

	res := v.Check(token, bus.WorkItem{ID: "wi-1"})
	assert.False(t, res.OK)
	assert.Equal(t, "token expired", res.Reason)
}

func TestCheckRejectsTamperedSignature(t *testing.T) {
	v := NewHMACVerifier([]byte("test-secret"))
	token, err := v.Issue("wi-1", "plan-hash-abc", time.Minute)
	require.NoError(t, err)

	tampered := token[:len(token)-4] + "0000"
	res := v.Check(tampered, bus.WorkItem{ID: "wi-1"})
	assert.False(t, res.OK)
}

func TestCheckRejectsUnknownToken(t *testing.T) {
	v := NewHMACVerifier([]byte("test-secret"))
	forged, err := NewHMACVerifier([]byte("test-secret")).Issue("wi-1", "plan-hash-abc", time.Minute)
	require.NoError(t, err)

	res := v.Check(forged, bus.WorkItem{ID: "wi-1"})
	assert.False(t, res.OK, "token issued by a different verifier instance must not be recognized")
}
