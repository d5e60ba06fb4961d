// Package accumulator collects the chunks of one received message and
// flattens them into a single buffer on demand.
package accumulator

import "errors"

var (
	ErrInvalidBuffer = errors.New("accumulator: invalid buffer")
	ErrOutOfMemory   = errors.New("accumulator: size limit exceeded")
)

// Accumulator holds an ordered list of received chunks and their running
// total. It is owned by a single in-progress receive and is not safe for
// concurrent use.
type Accumulator struct {
	chunks [][]byte
	total  int

	// Limit caps the total number of stored bytes (0 = unlimited)
	Limit int
}

// New creates an empty accumulator
func New() *Accumulator {
	return &Accumulator{}
}

// Store appends a chunk. With copy set the bytes are duplicated; otherwise
// the accumulator keeps a reference and the caller must not modify data
// until Get or Delete has been called.
func (a *Accumulator) Store(data []byte, copy bool) error {
	if len(data) == 0 {
		return nil
	}
	if a.Limit > 0 && a.total+len(data) > a.Limit {
		return ErrOutOfMemory
	}

	chunk := data
	if copy {
		chunk = append([]byte(nil), data...)
	}
	a.chunks = append(a.chunks, chunk)
	a.total += len(chunk)
	return nil
}

// Get flattens every chunk in order into one buffer and clears the
// accumulator. It fails with ErrInvalidBuffer when nothing was stored or
// when the copied size disagrees with the running total.
func (a *Accumulator) Get() ([]byte, error) {
	if len(a.chunks) == 0 {
		return nil, ErrInvalidBuffer
	}

	size := 0
	for _, chunk := range a.chunks {
		size += len(chunk)
	}
	if size != a.total {
		a.Delete()
		return nil, ErrInvalidBuffer
	}

	result := make([]byte, 0, a.total)
	for _, chunk := range a.chunks {
		result = append(result, chunk...)
	}

	a.Delete()
	return result, nil
}

// Delete discards every stored chunk
func (a *Accumulator) Delete() {
	a.chunks = nil
	a.total = 0
}

// Len returns the running total of stored bytes
func (a *Accumulator) Len() int {
	return a.total
}

// Chunks returns the number of stored chunks
func (a *Accumulator) Chunks() int {
	return len(a.chunks)
}
