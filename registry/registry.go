// Package registry implements the Segment Registry: a
// process-local map from shared-memory segment IDs to the address (here, a
// []byte view) at which this process has attached them, with lazy attach on
// first use.
//
// The table is a fixed 97-bucket open-addressed table using a double hash
// (hash(x)=x, hashtwo(x)=(x%53)+1) — the same kind of table as the Cache
// Index itself, reused here rather than inventing a second hash scheme.
package registry

import "fmt"

const numBuckets = 97

// ErrRegistryFull is returned when the 97-bucket table saturates; a cache's
// segment count should stay well below 97.
var ErrRegistryFull = fmt.Errorf("registry: table full (more than %d live segments)", numBuckets)

// Attacher is the subset of the OS abstraction the registry needs: attach a
// segment by ID, detach a previously attached one.
type Attacher interface {
	Attach(segmentID int) ([]byte, error)
	Detach(segmentID int, mem []byte) error
}

type entry struct {
	segmentID int
	mem       []byte
	used      bool
}

// Registry is a process-local segment-id → attached-memory table.
type Registry struct {
	os    Attacher
	table [numBuckets]entry
}

// New creates an empty registry bound to os.
func New(os Attacher) *Registry {
	return &Registry{os: os}
}

// Attach returns the memory for segmentID, attaching it via the OS layer on
// first use and caching the result for subsequent calls in this process.
func (r *Registry) Attach(segmentID int) ([]byte, error) {
	i := hash(segmentID) % numBuckets
	k := hashtwo(segmentID) % numBuckets

	nprobe := 0
	for r.table[i].used && nprobe < numBuckets {
		if r.table[i].segmentID == segmentID {
			return r.table[i].mem, nil
		}
		i = (i + k) % numBuckets
		nprobe++
	}

	if nprobe == numBuckets {
		return nil, ErrRegistryFull
	}

	mem, err := r.os.Attach(segmentID)
	if err != nil {
		return nil, fmt.Errorf("registry: attach segment %d: %w", segmentID, err)
	}

	r.table[i] = entry{segmentID: segmentID, mem: mem, used: true}
	return mem, nil
}

// DetachAll detaches every segment this process has attached and clears the
// table.
func (r *Registry) DetachAll() error {
	for i := range r.table {
		if !r.table[i].used {
			continue
		}
		if err := r.os.Detach(r.table[i].segmentID, r.table[i].mem); err != nil {
			return fmt.Errorf("registry: detach segment %d: %w", r.table[i].segmentID, err)
		}
		r.table[i] = entry{}
	}
	return nil
}

func hash(x int) int {
	return x
}

func hashtwo(x int) int {
	return (x % 53) + 1
}
