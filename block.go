// Package chop implements the chop circumvention transport: a single
// logical byte stream (the "circuit") multiplexed across any number of
// short-lived cover connections, each carrying encrypted framed blocks
// hidden inside an innocuous-looking carrier by a steganography module.
//
// Architecture:
//   - Blocks are the wire unit: a 16-byte AES-ECB-encrypted header that
//     doubles as the AES-GCM nonce, a data section, a padding section,
//     and a 16-byte GCM tag
//   - A 256-slot reassembly window restores send-side byte order no
//     matter which downstream carried each block
//   - Circuits own the crypto contexts, sequence counters, and FIN/RST
//     lifecycle; downstream connections own the steg handle and the
//     carrier-level byte buffers
package chop

import (
	"crypto/subtle"
	"encoding/binary"
	"fmt"
)

// Opcode identifies what a block's data section means.
type Opcode uint8

// Block opcodes. 6-127 are reserved for future protocol use and 128-255
// are reserved for steganography modules; both ranges are rejected by
// the v0 engine.
const (
	// OpDAT passes the data section along to the upstream.
	OpDAT Opcode = 0
	// OpFIN signals no further transmissions; any data section is still
	// delivered first.
	OpFIN Opcode = 1
	// OpRST aborts the circuit immediately.
	OpRST Opcode = 2
	// OpRK1 commences a rekeying cycle (reserved, unimplemented in v0).
	OpRK1 Opcode = 3
	// OpRK2 continues a rekeying cycle (reserved, unimplemented in v0).
	OpRK2 Opcode = 4
	// OpRK3 concludes a rekeying cycle (reserved, unimplemented in v0).
	OpRK3 Opcode = 5

	opReserved0 Opcode = 6
	opSteg0     Opcode = 128
)

// String returns a human-readable representation of the opcode.
func (op Opcode) String() string {
	switch op {
	case OpDAT:
		return "DAT"
	case OpFIN:
		return "FIN"
	case OpRST:
		return "RST"
	case OpRK1:
		return "RK1"
	case OpRK2:
		return "RK2"
	case OpRK3:
		return "RK3"
	default:
		return fmt.Sprintf("op(%#02x)", uint8(op))
	}
}

// validOpcode reports whether op is one the v0 engine may place in a
// header. The steg range is carved out of the wire format but no module
// uses it yet.
func validOpcode(op Opcode) bool {
	return op < opReserved0
}

// Wire geometry. A block is HeaderLen bytes of encrypted header, D data
// bytes, P padding bytes, and TrailerLen bytes of GCM tag, where D and
// P each fit in sixteen bits.
const (
	// HeaderLen is the encrypted header size; exactly one AES block.
	HeaderLen = 16
	// TrailerLen is the GCM authentication tag size.
	TrailerLen = 16
	// SectionLen is the maximum size of the data or padding section.
	SectionLen = 65535
	// MinBlockSize is a block with empty data and padding sections.
	MinBlockSize = HeaderLen + TrailerLen
	// MaxBlockSize is a block with both sections at SectionLen.
	MaxBlockSize = MinBlockSize + SectionLen*2
	// HandshakeLen is the circuit-id prefix a client sends before its
	// first block on a new downstream.
	HandshakeLen = 4
)

// blockHeader is the 16-byte chop block header in both its cleartext
// and encrypted forms.
//
// Cleartext layout, all multi-byte integers big-endian:
//
//	| 0 | 1 | 2 | 3 | 4 | 5 | 6 | 7 | 8 | 9 | A | B | C | D | E | F |
//	|Sequence Number|   D   |   P   | F |           Check           |
//
// The header is encrypted with AES in ECB mode. This is safe because
// the header is exactly one AES block long, the sequence number never
// repeats within a key epoch, and the header key is used for nothing
// else. The ciphertext doubles as the GCM nonce for the block body, and
// the check field plus the high 24 bits of the sequence number act as
// an 80-bit MAC on the header fields.
type blockHeader struct {
	clear [HeaderLen]byte
	ciphr [HeaderLen]byte
}

// newBlockHeader lays out and encrypts a header for transmission.
// Returns an error for opcodes outside the allocated set.
func newBlockHeader(seq uint32, d, p uint16, op Opcode, ec *ecbEncryptor) (*blockHeader, error) {
	if !validOpcode(op) {
		return nil, fmt.Errorf("reserved opcode %#02x in header", uint8(op))
	}

	h := &blockHeader{}
	binary.BigEndian.PutUint32(h.clear[0:4], seq)
	binary.BigEndian.PutUint16(h.clear[4:6], d)
	binary.BigEndian.PutUint16(h.clear[6:8], p)
	h.clear[8] = uint8(op)
	// clear[9:16] is the check field and stays zero.

	ec.encrypt(h.ciphr[:], h.clear[:])
	return h, nil
}

// decodeBlockHeader decrypts the first HeaderLen bytes of buf into a
// header. buf must hold at least HeaderLen bytes; the caller peeks them
// without consuming, so an incomplete block can stay buffered.
func decodeBlockHeader(buf []byte, dc *ecbDecryptor) (*blockHeader, error) {
	if len(buf) < HeaderLen {
		return nil, fmt.Errorf("short header: %d bytes, need %d", len(buf), HeaderLen)
	}

	h := &blockHeader{}
	copy(h.ciphr[:], buf[:HeaderLen])
	dc.decrypt(h.clear[:], h.ciphr[:])
	return h, nil
}

func (h *blockHeader) seqno() uint32 {
	return binary.BigEndian.Uint32(h.clear[0:4])
}

func (h *blockHeader) dlen() int {
	return int(binary.BigEndian.Uint16(h.clear[4:6]))
}

func (h *blockHeader) plen() int {
	return int(binary.BigEndian.Uint16(h.clear[6:8]))
}

// totalLen is the complete on-wire size of the block this header frames.
func (h *blockHeader) totalLen() int {
	return HeaderLen + TrailerLen + h.dlen() + h.plen()
}

func (h *blockHeader) opcode() Opcode {
	return Opcode(h.clear[8])
}

// valid reports whether the header passes the check-field and receive-
// window tests. window is the lowest acceptable sequence number.
//
// This check runs in constant time and does not short-circuit between
// the two causes, so rejection timing cannot reveal whether the check
// field or the window test failed.
func (h *blockHeader) valid(window uint32) bool {
	ck := h.clear[9] | h.clear[10] | h.clear[11] | h.clear[12] |
		h.clear[13] | h.clear[14] | h.clear[15]

	delta := h.seqno() - window
	hi := delta &^ 0xFF
	ck |= byte(hi) | byte(hi>>8) | byte(hi>>16) | byte(hi>>24)

	return subtle.ConstantTimeByteEq(ck, 0) == 1
}

// nonce returns the encrypted header, which is the GCM nonce for the
// block body.
func (h *blockHeader) nonce() []byte {
	return h.ciphr[:]
}

// cleartext exposes the decrypted header bytes for diagnostics.
func (h *blockHeader) cleartext() []byte {
	return h.clear[:]
}

// encodeBlock frames and seals one block: the encrypted header, then
// d bytes of data and p zero bytes of padding encrypted and
// authenticated under gc with the encrypted header as nonce.
//
// data must hold at least d bytes; only the first d are consumed.
func encodeBlock(hdr *blockHeader, data []byte, gc *gcmSealer) ([]byte, error) {
	d := hdr.dlen()
	p := hdr.plen()
	if len(data) < d {
		return nil, fmt.Errorf("data section underrun: have %d bytes, header says %d", len(data), d)
	}

	plain := make([]byte, d+p)
	copy(plain, data[:d])
	// padding stays zero; the receiver ignores it either way

	block := make([]byte, HeaderLen, HeaderLen+d+p+TrailerLen)
	copy(block, hdr.nonce())
	return gc.seal(block, hdr.nonce(), plain), nil
}

// decodeBlockBody opens the body of a block whose header has already
// been decoded and validated. body is the d+p+TrailerLen bytes that
// follow the header on the wire. Returns the data section only; the
// padding is discarded unexamined.
func decodeBlockBody(hdr *blockHeader, body []byte, gc *gcmOpener) ([]byte, error) {
	want := hdr.totalLen() - HeaderLen
	if len(body) != want {
		return nil, fmt.Errorf("block body length %d, header says %d", len(body), want)
	}

	plain, err := gc.open(nil, hdr.nonce(), body)
	if err != nil {
		return nil, err
	}
	return plain[:hdr.dlen()], nil
}
