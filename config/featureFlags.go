package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// MissingPolicyMark flags an unscanned serial unit as missing; MissingPolicyDerecognize
// removes it from recorded inventory outright. The trigger conditions for derecognition
// were never fully pinned down by the product owner, so the policy is an env switch
// rather than hard-coded behavior.
//
// Set via env:
// - STOCK_MISSING_POLICY=mark|derecognize
const (
	MissingPolicyMark        = "mark"
	MissingPolicyDerecognize = "derecognize"
)

func MissingPolicy() string {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("STOCK_MISSING_POLICY")))
	if v == MissingPolicyDerecognize {
		return MissingPolicyDerecognize
	}
	return MissingPolicyMark
}

// SyncMaxRetries bounds how often a transient replay failure is retried before the
// engine halts in error state.
//
// Set via env:
// - SYNC_MAX_RETRIES (default 5)
func SyncMaxRetries() int {
	if v := strings.TrimSpace(os.Getenv("SYNC_MAX_RETRIES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 5
}

// ConnectivityPollInterval is how often the monitor probes the platform's
// connectivity signal. Events are not reliable everywhere, so polling backs them up.
//
// Set via env:
// - CONNECTIVITY_POLL_MS (default 1000)
func ConnectivityPollInterval() time.Duration {
	if v := strings.TrimSpace(os.Getenv("CONNECTIVITY_POLL_MS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return time.Second
}
