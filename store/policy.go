package store

import "fmt"

// Policy selects the eviction victim.
type Policy int

const (
	FIFO Policy = iota
	LRU
	LFU
	SecondChance
)

var policyNames = map[Policy]string{
	FIFO:         "fifo",
	LRU:          "lru",
	LFU:          "lfu",
	SecondChance: "second-chance",
}

func (p Policy) String() string {
	if n, ok := policyNames[p]; ok {
		return n
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParsePolicy maps the numeric REPL_ALG setting to a policy.
func ParsePolicy(n int) (Policy, error) {
	p := Policy(n)
	if _, ok := policyNames[p]; !ok {
		return FIFO, fmt.Errorf("unknown replacement policy %d", n)
	}
	return p, nil
}

// worse reports whether a is a better victim than b. Candidates are offered
// in eviction order, so returning false on ties keeps the older entry.
// SecondChance is not a comparator and is handled by Store.sweep.
func (p Policy) worse(a, b *Entry) bool {
	switch p {
	case LRU:
		return a.lastUsed.Before(b.lastUsed)
	case LFU:
		return a.useCount < b.useCount
	default:
		return false
	}
}
