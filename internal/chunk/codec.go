// Package chunk turns drained solution batches into pooled, pullable output
// chunks and back.
package chunk

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/loomdb/loom/internal/types"
)

// ErrCorruptFrame is returned when chunk bytes do not decode as a sequence
// of solution batch frames.
var ErrCorruptFrame = errors.New("corrupt chunk frame")

// EncodeBatch appends the wire form of one solution batch to dst and returns
// the extended slice. The frame is self-delimiting: a batch count followed
// by length-prefixed key and data segments per solution.
func EncodeBatch(dst []byte, batch []types.Solution) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(batch)))
	for _, sol := range batch {
		dst = binary.AppendUvarint(dst, uint64(len(sol.Key)))
		dst = append(dst, sol.Key...)
		dst = binary.AppendUvarint(dst, uint64(len(sol.Data)))
		dst = append(dst, sol.Data...)
	}
	return dst
}

// DecodeBatch reads one batch frame off the front of src, returning the
// batch and the remaining bytes. Decoded solutions alias src; callers that
// retain them must not reuse the input buffer.
func DecodeBatch(src []byte) ([]types.Solution, []byte, error) {
	count, n := binary.Uvarint(src)
	if n <= 0 {
		return nil, nil, fmt.Errorf("%w: bad batch count", ErrCorruptFrame)
	}
	if count > uint64(len(src)) {
		return nil, nil, fmt.Errorf("%w: batch count %d exceeds frame", ErrCorruptFrame, count)
	}
	rest := src[n:]

	batch := make([]types.Solution, 0, count)
	for range count {
		var sol types.Solution
		var err error
		if sol.Key, rest, err = readSegment(rest); err != nil {
			return nil, nil, err
		}
		if sol.Data, rest, err = readSegment(rest); err != nil {
			return nil, nil, err
		}
		batch = append(batch, sol)
	}
	return batch, rest, nil
}

// DecodeAll decodes a concatenation of batch frames, as produced by laying a
// serialized chunk's allocations head to tail.
func DecodeAll(src []byte) ([][]types.Solution, error) {
	var batches [][]types.Solution
	for len(src) > 0 {
		batch, rest, err := DecodeBatch(src)
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
		src = rest
	}
	return batches, nil
}

func readSegment(src []byte) ([]byte, []byte, error) {
	size, n := binary.Uvarint(src)
	if n <= 0 {
		return nil, nil, fmt.Errorf("%w: bad segment length", ErrCorruptFrame)
	}
	src = src[n:]
	if size > uint64(len(src)) {
		return nil, nil, fmt.Errorf("%w: segment length %d exceeds frame", ErrCorruptFrame, size)
	}
	return src[:size:size], src[size:], nil
}
