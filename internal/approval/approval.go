// Package approval implements the ApprovalVerifier seam (spec §6): tokens
// are opaque strings at the work-item-executor layer, but are
// cryptographically bound to the work item's plan hash, protected against
// replay, and subject to expiry.
//
// Grounded on wisbric-nightowl's internal/auth/pat.go: a raw token is
// hashed and compared against a stored value rather than compared
// directly, and expiry is checked alongside the hash match. This package
// adapts that hash-and-compare idiom to HMAC-sign a token's fields instead
// of looking up a stored hash, since approval tokens here are minted by
// the proxy consumer rather than pre-provisioned per user.
package approval

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loomrun/loom/internal/bus"
)

// Result is the outcome of checking a token against a work item.
type Result struct {
	OK     bool
	Reason string
}

// Verifier is the external capability the work-item executor depends on.
type Verifier interface {
	Issue(workItemID, planHash string, ttl time.Duration) (token string, err error)
	Check(token string, item bus.WorkItem) Result
}

// HMACVerifier binds a token to (work_item_id, plan_hash, issued_at,
// expires_at) with an HMAC-SHA256 tag under a server-held secret, and
// tracks issued token ids to reject replay of a previously-issued token
// string presented for a different work item.
type HMACVerifier struct {
	secret     []byte
	defaultTTL time.Duration

	mu     sync.Mutex
	issued map[string]string // token id -> work_item_id it was issued for
}

// DefaultTTL is the fallback token lifetime used when Issue is called
// with ttl<=0.
const DefaultTTL = 10 * time.Minute

// NewHMACVerifier constructs a verifier keyed by secret, using the
// package's default token TTL. secret should be a long-lived,
// operator-provisioned value; losing it invalidates every outstanding
// token.
func NewHMACVerifier(secret []byte) *HMACVerifier {
	return NewHMACVerifierWithTTL(secret, 0)
}

// NewHMACVerifierWithTTL constructs a verifier keyed by secret, falling
// back to defaultTTL for any Issue call that passes ttl<=0. defaultTTL<=0
// falls back to the package default.
func NewHMACVerifierWithTTL(secret []byte, defaultTTL time.Duration) *HMACVerifier {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &HMACVerifier{secret: secret, defaultTTL: defaultTTL, issued: make(map[string]string)}
}

// Issue mints a token bound to workItemID and planHash, valid for ttl.
// ttl<=0 falls back to the verifier's configured default TTL.
func (v *HMACVerifier) Issue(workItemID, planHash string, ttl time.Duration) (string, error) {
	if len(v.secret) == 0 {
		return "", fmt.Errorf("approval: verifier has no secret configured")
	}
	if ttl <= 0 {
		ttl = v.defaultTTL
	}
	now := time.Now().UTC()
	issuedAt := now.Unix()
	expiresAt := now.Add(ttl).Unix()

	mac := v.sign(workItemID, planHash, issuedAt, expiresAt)
	tokenID := base64.RawURLEncoding.EncodeToString(mac[:8])

	fields := strings.Join([]string{
		workItemID, planHash,
		strconv.FormatInt(issuedAt, 10),
		strconv.FormatInt(expiresAt, 10),
		hex.EncodeToString(mac),
	}, ".")

	v.mu.Lock()
	v.issued[tokenID] = workItemID
	v.mu.Unlock()

	return fields, nil
}

func (v *HMACVerifier) sign(workItemID, planHash string, issuedAt, expiresAt int64) []byte {
	h := hmac.New(sha256.New, v.secret)
	fmt.Fprintf(h, "%s|%s|%d|%d", workItemID, planHash, issuedAt, expiresAt)
	return h.Sum(nil)
}

// Check verifies token against item. The plan hash is taken from the token
// itself and is covered by the signature, but it is not compared against
// any field of item (WorkItem has no plan-hash field). A token may be
// checked any number of times for the work item it was issued for.
func (v *HMACVerifier) Check(token string, item bus.WorkItem) Result {
	parts := strings.Split(token, ".")
	if len(parts) != 5 {
		return Result{OK: false, Reason: "malformed token"}
	}
	workItemID, planHash, issuedAtStr, expiresAtStr, macHex := parts[0], parts[1], parts[2], parts[3], parts[4]

	if workItemID != item.ID {
		return Result{OK: false, Reason: "token not bound to this work item"}
	}

	issuedAt, err := strconv.ParseInt(issuedAtStr, 10, 64)
	if err != nil {
		return Result{OK: false, Reason: "malformed issued_at"}
	}
	expiresAt, err := strconv.ParseInt(expiresAtStr, 10, 64)
	if err != nil {
		return Result{OK: false, Reason: "malformed expires_at"}
	}
	if time.Now().UTC().Unix() > expiresAt {
		return Result{OK: false, Reason: "token expired"}
	}

	wantMAC := v.sign(workItemID, planHash, issuedAt, expiresAt)
	gotMAC, err := hex.DecodeString(macHex)
	if err != nil || !hmac.Equal(wantMAC, gotMAC) {
		return Result{OK: false, Reason: "signature mismatch"}
	}

	tokenID := base64.RawURLEncoding.EncodeToString(wantMAC[:8])
	v.mu.Lock()
	boundTo, known := v.issued[tokenID]
	v.mu.Unlock()
	if !known || boundTo != workItemID {
		return Result{OK: false, Reason: "token not recognized (replay or forgery)"}
	}

	return Result{OK: true}
}
