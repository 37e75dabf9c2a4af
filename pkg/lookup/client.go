package lookup

import (
	"context"
	"strings"
)

// Kind classifies the result of one lookup attempt.
type Kind int

const (
	// Success means the service answered with at least one IPv6 address
	Success Kind = iota
	// Empty means the service answered but the domain has no AAAA record
	Empty
	// Timeout means the result did not finish rendering within the deadline
	Timeout
	// Blocked means the service rate-limited or banned the current client
	Blocked
	// Transient covers network hiccups and other retryable failures
	Transient
)

// String returns the journal/metrics label of the kind.
func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Empty:
		return "empty"
	case Timeout:
		return "timeout"
	case Blocked:
		return "blocked"
	case Transient:
		return "transient"
	default:
		return "unknown"
	}
}

// Outcome is the classified result of a single lookup. Addrs is populated
// only for Success.
type Outcome struct {
	Kind  Kind
	Addrs []string
}

// Value renders the addresses as a single cell value.
func (o Outcome) Value() string {
	return strings.Join(o.Addrs, ", ")
}

// Client performs one domain lookup against the rendering service. A nil
// error with a Timeout/Transient/Blocked outcome is a classified failure;
// a non-nil error is unexpected and aborts the run.
type Client interface {
	Lookup(ctx context.Context, domain string) (Outcome, error)
}
