package sequence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// GlobalDomain is the single counter shared by every group of a deployment.
const GlobalDomain = "global"

// GroupDomain returns the domain of the per-group counter of group g.
func GroupDomain(g uint64) string {
	return "group-" + strconv.FormatUint(g, 10)
}

// ISequencer issues sequence numbers for a domain.
//
// Every successful Next call returns a value strictly greater than every value
// previously returned for the same domain, by any caller and across restarts.
// No two callers ever receive the same value.
type ISequencer interface {
	// Next increments the counter of the domain and returns the new value.
	// It fails with *UnavailableError once the bounded retries are exhausted
	// and with the context error if ctx is done before a value was issued.
	Next(ctx context.Context, domain string) (uint64, error)

	// Current returns the durable value of the counter (0 if never used)
	// without changing it.
	Current(ctx context.Context, domain string) (uint64, error)

	// Close releases the resources held by the sequencer.
	Close() error
}

// UnavailableError is returned when the backing counter could not be reached
// or updated within the configured number of attempts.
type UnavailableError struct {
	Domain   string
	Attempts int
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("sequencer unavailable for domain %q after %d attempts: %v", e.Domain, e.Attempts, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// errCasConflict signals that another caller updated the counter between the
// read and the conditional write. It is always retried and never returned.
var errCasConflict = errors.New("sequence: cas conflict")
