// Package projection caches effective-access projections in front of the
// resolver. Entries are versioned by epoch stamps, so a cached projection is
// served only while no relevant mutation has committed since it was computed.
package projection

import (
	"fmt"
	"strings"
)

// Consistency selects how a read validates cached data
type Consistency int

const (
	// Strong reads the current epoch stamp and serves only projections that
	// cover it. Required for mutating and sensitive operations.
	Strong Consistency = iota
	// Bounded serves a local projection younger than the configured maximum
	// staleness without reading the stamp.
	Bounded
)

func (c Consistency) String() string {
	switch c {
	case Strong:
		return "strong"
	case Bounded:
		return "bounded"
	}
	return fmt.Sprintf("consistency(%d)", int(c))
}

// ParseConsistency parses "strong" or "bounded". Empty means Strong.
func ParseConsistency(s string) (Consistency, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strong":
		return Strong, nil
	case "bounded":
		return Bounded, nil
	}
	return Strong, fmt.Errorf("unknown consistency %q", s)
}
