// Package partition splits an ordered list of test identifiers into
// round-robin buckets, one per worker.
package partition

import (
	"errors"
	"log/slog"
)

var (
	// ErrNoIdentifiers is returned when there is nothing to distribute.
	ErrNoIdentifiers = errors.New("no test identifiers to run")
	// ErrInvalidWorkerCount is returned for a requested worker count below 1.
	ErrInvalidWorkerCount = errors.New("worker count must be at least 1")
)

// Partition deals ids into min(requested, len(ids)) buckets: identifier i
// lands in bucket i % effective. Relative order inside a bucket follows the
// input, and bucket sizes differ by at most one.
func Partition(ids []string, requested int) ([][]string, int, error) {
	if len(ids) == 0 {
		return nil, 0, ErrNoIdentifiers
	}
	if requested < 1 {
		return nil, 0, ErrInvalidWorkerCount
	}
	effective := requested
	if len(ids) < effective {
		effective = len(ids)
		slog.Info("fewer test cases than workers, reducing worker count",
			slog.Int("requested", requested),
			slog.Int("effective", effective))
	}

	buckets := make([][]string, effective)
	per := (len(ids) + effective - 1) / effective
	for i := range buckets {
		buckets[i] = make([]string, 0, per)
	}
	for i, id := range ids {
		buckets[i%effective] = append(buckets[i%effective], id)
	}
	return buckets, effective, nil
}

// Interleave reverses Partition, reading one identifier from each bucket in
// turn until all are exhausted.
func Interleave(buckets [][]string) []string {
	total, longest := 0, 0
	for _, b := range buckets {
		total += len(b)
		if len(b) > longest {
			longest = len(b)
		}
	}
	out := make([]string, 0, total)
	for row := 0; row < longest; row++ {
		for _, b := range buckets {
			if row < len(b) {
				out = append(out, b[row])
			}
		}
	}
	return out
}
