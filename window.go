package chop

import (
	"github.com/rs/zerolog/log"
)

// windowSize is the number of sequence numbers that may legitimately be
// received at any moment. The window begins one past the highest
// sequence number so far processed (not merely received).
const windowSize = 256

// reassemblyElt is one received block as the reassembly queue stores
// it: the data section and the opcode. The sequence number is implicit
// in the slot index.
type reassemblyElt struct {
	data []byte
	op   Opcode
}

// reassemblyQueue restores send-side block order. It is a circular
// buffer of windowSize slots indexed by seq & 0xFF, which corresponds
// exactly to the sliding window of acceptable sequence numbers.
//
// Invariant: the slot for nextToProcess & 0xFF is either vacant
// (waiting for the next block) or holds exactly the next block to
// deliver; blocks for sequence numbers outside
// [nextToProcess, nextToProcess+255] are never stored.
type reassemblyQueue struct {
	cbuf     [windowSize]reassemblyElt
	occupied [windowSize]bool

	nextToProcess uint32
}

// window returns the lowest acceptable sequence number, the value to
// hand to blockHeader.valid.
func (q *reassemblyQueue) window() uint32 {
	return q.nextToProcess
}

// insert places a block at sequence number seq. It returns false if the
// block lies outside the acceptable window or duplicates a block
// already queued; both cases are protocol errors at the caller's level.
// On success the queue keeps data; on rejection it is not retained.
func (q *reassemblyQueue) insert(seq uint32, op Opcode, data []byte) bool {
	if seq-q.window() > windowSize-1 {
		log.Info().
			Uint32("seq", seq).
			Uint32("window", q.window()).
			Msg("block outside receive window")
		return false
	}

	pos := (q.nextToProcess + (seq - q.window())) & 0xFF
	if q.occupied[pos] {
		log.Info().
			Uint32("seq", seq).
			Msg("duplicate block")
		return false
	}

	q.cbuf[pos] = reassemblyElt{data: data, op: op}
	q.occupied[pos] = true
	return true
}

// removeNext takes the next in-order block off the queue. If the next
// block to process has not arrived yet, ok is false and the queue is
// untouched. Delivery is in strict sequence order with no gaps.
func (q *reassemblyQueue) removeNext() (elt reassemblyElt, ok bool) {
	front := q.nextToProcess & 0xFF
	if !q.occupied[front] {
		return reassemblyElt{}, false
	}

	elt = q.cbuf[front]
	q.cbuf[front] = reassemblyElt{}
	q.occupied[front] = false
	q.nextToProcess++
	return elt, true
}

// empty reports whether no blocks are queued.
func (q *reassemblyQueue) empty() bool {
	for i := range q.occupied {
		if q.occupied[i] {
			return false
		}
	}
	return true
}

// reset rewinds the expected sequence number to zero. This is the final
// step of a rekeying cycle and panics if any block is still queued: a
// rekey must not happen with data in flight.
func (q *reassemblyQueue) reset() {
	if !q.empty() {
		panic("reassembly queue reset with blocks still queued")
	}
	q.nextToProcess = 0
}
