package search

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Blacklist drops results whose URL starts with any listed prefix
type Blacklist struct {
	prefixes []string
}

// NewBlacklist builds a blacklist from prefixes, ignoring blanks and duplicates
func NewBlacklist(prefixes ...string) *Blacklist {
	seen := make(map[string]struct{}, len(prefixes))
	b := &Blacklist{}
	for _, p := range prefixes {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		b.prefixes = append(b.prefixes, p)
	}
	return b
}

// ReadBlacklist reads one prefix per line. Lines starting with # are comments.
func ReadBlacklist(r io.Reader) (*Blacklist, error) {
	var prefixes []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		prefixes = append(prefixes, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read blacklist: %w", err)
	}
	return NewBlacklist(prefixes...), nil
}

// LoadBlacklist reads the blacklist file at path. A missing file yields an
// empty blacklist and os.ErrNotExist so the caller can log it.
func LoadBlacklist(path string) (*Blacklist, error) {
	if path == "" {
		return NewBlacklist(), nil
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewBlacklist(), err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open blacklist: %w", err)
	}
	defer f.Close()
	return ReadBlacklist(f)
}

// Len returns the number of prefixes
func (b *Blacklist) Len() int {
	if b == nil {
		return 0
	}
	return len(b.prefixes)
}

// Blocked reports whether url matches a blacklisted prefix
func (b *Blacklist) Blocked(url string) bool {
	if b == nil {
		return false
	}
	for _, p := range b.prefixes {
		if strings.HasPrefix(url, p) {
			return true
		}
	}
	return false
}
