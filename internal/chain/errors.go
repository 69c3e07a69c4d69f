package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Kind classifies a chain failure for the keeper's retry policy.
type Kind int

const (
	// Transient failures (network, timeouts, nonce races, gas spikes) are
	// retried with backoff or on the next tick.
	Transient Kind = iota
	// Terminal failures mean the action can never succeed for this target:
	// already liquidated, position not found or closed, not liquidatable.
	Terminal
	// Unauthorized means the keeper account lacks permission.
	Unauthorized
	// TooEarly means the contract rejected a funding update because the
	// interval has not elapsed.
	TooEarly
	// Reverted covers mined or simulated reverts with an unrecognised reason.
	Reverted
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Terminal:
		return "terminal"
	case Unauthorized:
		return "unauthorized"
	case TooEarly:
		return "too_early"
	case Reverted:
		return "reverted"
	default:
		return "unknown"
	}
}

// ErrReverted is returned when a mined transaction has a failed status.
var ErrReverted = errors.New("transaction reverted")

// TxError carries the operation and decoded revert reason of a failed contract
// interaction.
type TxError struct {
	Op     string
	Reason string
	Err    error
}

func (e *TxError) Error() string {
	if e.Reason != "" && (e.Err == nil || e.Reason != e.Err.Error()) {
		return fmt.Sprintf("chain: %s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("chain: %s: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

var (
	unauthorizedMarkers = []string{
		"unauthorized", "notauthorized", "notkeeper", "onlykeeper",
		"callerisnot", "accesscontrol",
	}
	tooEarlyMarkers = []string{
		"fundingtooearly", "tooearly", "toosoon", "intervalnotelapsed",
		"intervalnotpassed", "notyet",
	}
	terminalMarkers = []string{
		"alreadyliquidated", "notliquidatable", "cannotliquidate",
		"positionnotfound", "nonexistenttoken", "invalidtokenid",
		"positionnotopen", "positionclosed", "positionisclosed",
		"notowner",
	}
	revertMarkers = []string{"executionreverted", "revert"}
)

// Classify maps err onto a Kind. Unrecognised errors are Transient.
func Classify(err error) Kind {
	if err == nil {
		return Transient
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	if errors.Is(err, ErrReverted) {
		return Reverted
	}

	msg := err.Error()
	var te *TxError
	if errors.As(err, &te) && te.Reason != "" {
		msg = te.Reason
	}
	norm := normalize(msg)

	switch {
	case containsAny(norm, unauthorizedMarkers):
		return Unauthorized
	case containsAny(norm, tooEarlyMarkers):
		return TooEarly
	case containsAny(norm, terminalMarkers):
		return Terminal
	case containsAny(norm, revertMarkers):
		return Reverted
	default:
		return Transient
	}
}

// IsAlreadyClosed reports whether err says the position no longer exists or
// is no longer open on chain.
func IsAlreadyClosed(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	var te *TxError
	if errors.As(err, &te) && te.Reason != "" {
		msg = te.Reason
	}
	return containsAny(normalize(msg), []string{
		"alreadyliquidated", "positionnotfound", "nonexistenttoken",
		"positionnotopen", "positionclosed", "positionisclosed",
	})
}

// normalize lowercases s and drops everything but letters so that
// "Already liquidated", "ALREADY_LIQUIDATED" and "AlreadyLiquidated()" all
// compare equal.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
