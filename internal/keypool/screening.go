package keypool

import (
	"sync"

	"github.com/eugener/palantir/internal/usage"
)

// Reason classifies why a key was passed over during selection.
type Reason string

const (
	ReasonNotFound    Reason = "not_found"
	ReasonRPMExceeded Reason = "rpm_exceeded"
	ReasonRPDExceeded Reason = "rpd_exceeded"
	ReasonTPMExceeded Reason = "tpm_pre_token_check_failed"
	ReasonTPDExceeded Reason = "tpd_pre_token_check_failed"
	ReasonDisabled    Reason = "disabled"
	ReasonCooldown    Reason = "cooldown"
	ReasonScoreTooLow Reason = "score_too_low"
)

// breachReason maps a pre-flight breach to its screening reason, in the
// order the dimensions are checked.
func breachReason(b usage.Breach) Reason {
	switch {
	case b.RPM:
		return ReasonRPMExceeded
	case b.RPD:
		return ReasonRPDExceeded
	case b.TPM:
		return ReasonTPMExceeded
	case b.TPD:
		return ReasonTPDExceeded
	}
	return ""
}

// Screened is one skipped candidate in a selection attempt. The per-request
// list is bounded; pool-wide counters keep the full tally.
type Screened struct {
	KeyID  string `json:"key_id"`
	Reason Reason `json:"reason"`
}

// maxScreenedPerRequest bounds the per-request screening detail so a large
// pool cannot bloat logs or error payloads.
const maxScreenedPerRequest = 16

type screenCounters struct {
	mu     sync.Mutex
	counts map[Reason]int64
}

func newScreenCounters() *screenCounters {
	return &screenCounters{counts: make(map[Reason]int64)}
}

func (c *screenCounters) add(reason Reason) {
	c.mu.Lock()
	c.counts[reason]++
	c.mu.Unlock()
}

// drain returns the accumulated counters and resets them.
func (c *screenCounters) drain() map[Reason]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.counts
	c.counts = make(map[Reason]int64)
	return out
}
