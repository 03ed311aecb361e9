package shm

import (
	"fmt"
	"strconv"
	"strings"
)

type policyKind uint64

const (
	policyNone policyKind = iota
	policyCount
	policyAll
)

// WaitPolicy controls whether Write waits for readers to consume the prior
// version before replacing it.
type WaitPolicy struct {
	kind  policyKind
	count int
}

// PolicyNone never blocks the writer; readers may skip versions.
var PolicyNone = WaitPolicy{}

// Count blocks the writer until at least n registered readers have consumed
// the prior version.
func Count(n int) WaitPolicy {
	if n <= 0 {
		return PolicyNone
	}
	return WaitPolicy{kind: policyCount, count: n}
}

// All blocks the writer until every active reader has consumed the prior
// version. With no readers attached it does not block.
func All() WaitPolicy {
	return WaitPolicy{kind: policyAll}
}

// Blocking reports whether the policy can make Write wait.
func (p WaitPolicy) Blocking() bool { return p.kind != policyNone }

func (p WaitPolicy) String() string {
	switch p.kind {
	case policyCount:
		return "count:" + strconv.Itoa(p.count)
	case policyAll:
		return "all"
	default:
		return "none"
	}
}

// satisfied reports whether consumed of active readers meets the policy.
func (p WaitPolicy) satisfied(consumed, active int) bool {
	switch p.kind {
	case policyCount:
		return consumed >= p.count
	case policyAll:
		return consumed >= active
	default:
		return true
	}
}

// ParsePolicy parses "none", "all" or "count:N".
func ParsePolicy(s string) (WaitPolicy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case s == "" || s == "none":
		return PolicyNone, nil
	case s == "all":
		return All(), nil
	case strings.HasPrefix(s, "count:"):
		n, err := strconv.Atoi(strings.TrimPrefix(s, "count:"))
		if err != nil || n <= 0 {
			return PolicyNone, fmt.Errorf("invalid wait policy %q: count must be a positive integer", s)
		}
		return Count(n), nil
	}
	return PolicyNone, fmt.Errorf("invalid wait policy %q: expected none, all or count:N", s)
}

// ReadMode selects between polling and waiting reads.
type ReadMode int

const (
	// NonBlocking returns ErrNoNewVersion when nothing newer is stored.
	NonBlocking ReadMode = iota
	// Blocking waits for a newer version or close.
	Blocking
)
