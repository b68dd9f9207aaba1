// Package rsyncsum implements the rolling/strong checksum codec (spec.md
// §4.2) and the delta token stream it drives (spec.md §4.6): computing a
// block signature list for a file, and generating or applying the
// match/literal delta between two versions of a file.
package rsyncsum

import (
	"io"

	"golang.org/x/crypto/blake2b"
)

// weakModulus is M in spec.md §4.2 ("M = 2^16").
const weakModulus = 1 << 16

// StrongSize is the width of the strong digest, fixed at 16 bytes (spec.md
// §3 "a collision-resistant digest of the block (16 bytes)"). blake2b-256
// is used and truncated to this width; see DESIGN.md for why blake2b
// rather than the MD4 the pack's rsync reference uses.
const StrongSize = 16

// Signature is the per-block (weak, strong) pair produced for a prior
// version of a file and matched against during delta generation.
type Signature struct {
	Weak   uint32
	Strong [StrongSize]byte
}

// weakChecksum computes the rolling checksum of block from scratch, per
// spec.md §4.2: s1 = Σ bᵢ (mod M), s2 = Σ (len−i)·bᵢ (mod M), packed into a
// single 32-bit tag as s1 in the low half and s2 in the high half.
func weakChecksum(block []byte) uint32 {
	var s1, s2 uint32
	n := uint32(len(block))
	for i, b := range block {
		s1 += uint32(b)
		s2 += (n - uint32(i)) * uint32(b)
	}
	s1 %= weakModulus
	s2 %= weakModulus
	return s1 | (s2 << 16)
}

func strongChecksum(block []byte) [StrongSize]byte {
	full := blake2b.Sum256(block)
	var out [StrongSize]byte
	copy(out[:], full[:StrongSize])
	return out
}

// BlockChecksums emits the aligned-block signature list for r, using
// blockSize-byte blocks (the final block may be shorter). This is
// blockchecksums(file) from spec.md §4.2.
func BlockChecksums(r io.Reader, blockSize int) ([]Signature, error) {
	var sigs []Signature
	buf := make([]byte, blockSize)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			block := buf[:n]
			sigs = append(sigs, Signature{
				Weak:   weakChecksum(block),
				Strong: strongChecksum(block),
			})
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return sigs, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// RollingWindow maintains the O(1)-updatable weak checksum of a sliding
// window of fixed length, per spec.md §4.2's advance formula:
// s1' = s1 − bOut + bIn, s2' = s2 − B·bOut + s1'.
type RollingWindow struct {
	blockSize uint32
	s1, s2    uint32
}

// NewRollingWindow computes the initial weak checksum of window from
// scratch and returns a RollingWindow ready to be advanced byte by byte.
func NewRollingWindow(window []byte) *RollingWindow {
	var s1, s2 uint32
	n := uint32(len(window))
	for i, b := range window {
		s1 += uint32(b)
		s2 += (n - uint32(i)) * uint32(b)
	}
	return &RollingWindow{blockSize: n, s1: s1 % weakModulus, s2: s2 % weakModulus}
}

// Weak returns the current packed weak checksum tag.
func (w *RollingWindow) Weak() uint32 {
	return (w.s1 % weakModulus) | ((w.s2 % weakModulus) << 16)
}

// Roll advances the window by one byte: out leaves at the trailing edge,
// in enters at the leading edge.
func (w *RollingWindow) Roll(out, in byte) {
	w.s1 = (w.s1 - uint32(out) + uint32(in)) % weakModulus
	w.s2 = (w.s2 - w.blockSize*uint32(out) + w.s1) % weakModulus
}
