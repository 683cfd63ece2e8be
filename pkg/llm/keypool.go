package llm

import (
	"strings"
	"sync/atomic"
)

// KeyPool hands out API keys round-robin. A pool built from no keys returns "".
type KeyPool struct {
	keys []string
	next atomic.Uint64
}

// NewKeyPool builds a pool from keys, dropping blanks
func NewKeyPool(keys ...string) *KeyPool {
	p := &KeyPool{}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			p.keys = append(p.keys, k)
		}
	}
	return p
}

// ParseKeyPool builds a pool from a comma-separated list
func ParseKeyPool(list string) *KeyPool {
	return NewKeyPool(strings.Split(list, ",")...)
}

// Next returns the next key
func (p *KeyPool) Next() string {
	if p == nil || len(p.keys) == 0 {
		return ""
	}
	n := p.next.Add(1) - 1
	return p.keys[n%uint64(len(p.keys))]
}

// Len returns the number of keys in the pool
func (p *KeyPool) Len() int {
	if p == nil {
		return 0
	}
	return len(p.keys)
}
