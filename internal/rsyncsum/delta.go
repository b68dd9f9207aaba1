package rsyncsum

import (
	"bufio"
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"
)

// Token framing tags (spec.md §4.6). matchTag is pinned by the spec
// ("match = (0xFF, u32 index)"); literalTag is this implementation's
// explicit discriminant for a literal run. The spec's prose leaves the
// literal tag implicit ("len:varint, len bytes") but a bare varint length
// can legitimately begin with the byte 0xFF (e.g. length 255 encodes as
// 0xFF 0x01), which would be indistinguishable from matchTag with no
// leading discriminant at all. Prefixing every literal run with literalTag
// removes that ambiguity while changing nothing observable about the
// token stream's semantics (match vs. literal, coalesced runs, the
// zero-length terminator).
const (
	matchTag   = 0xFF
	literalTag = 0x00
)

// maxLiteralRun is the implementation-chosen cap on coalesced literal runs
// (spec.md §4.6: "up to an implementation-chosen cap (≤64 KiB)").
const maxLiteralRun = 64 * 1024

// ErrTruncatedTokenStream is returned by ApplyDelta when the token stream
// ends in the middle of a token (spec.md §8 property 5: "truncation of the
// token stream mid-flight is detected").
var ErrTruncatedTokenStream = xerrors.Errorf("rsyncsum: truncated token stream")

type tokenWriter struct {
	w   io.Writer
	buf []byte
}

func (tw *tokenWriter) literal(b byte) error {
	tw.buf = append(tw.buf, b)
	if len(tw.buf) >= maxLiteralRun {
		return tw.flushLiteral()
	}
	return nil
}

func (tw *tokenWriter) flushLiteral() error {
	if len(tw.buf) == 0 {
		return nil
	}
	if err := writeLiteralRun(tw.w, tw.buf); err != nil {
		return err
	}
	tw.buf = tw.buf[:0]
	return nil
}

func (tw *tokenWriter) match(blockIndex uint32) error {
	if err := tw.flushLiteral(); err != nil {
		return err
	}
	var hdr [5]byte
	hdr[0] = matchTag
	binary.LittleEndian.PutUint32(hdr[1:], blockIndex)
	_, err := tw.w.Write(hdr[:])
	return err
}

// finish flushes any pending literal bytes and writes the zero-length
// literal token that terminates every delta (spec.md §4.6).
func (tw *tokenWriter) finish() error {
	if err := tw.flushLiteral(); err != nil {
		return err
	}
	return writeLiteralRun(tw.w, nil)
}

func writeLiteralRun(w io.Writer, p []byte) error {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(p)))
	if _, err := w.Write([]byte{literalTag}); err != nil {
		return err
	}
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	_, err := w.Write(p)
	return err
}

// WriteEmptyDelta writes the zero-length literal terminator alone: the
// "metadata-only refresh" payload of spec.md §4.5 step 6's else branch.
func WriteEmptyDelta(w io.Writer) error {
	return writeLiteralRun(w, nil)
}

// GenerateDelta implements rsync_delta(file, prev_sigs) from spec.md §4.2:
// it slides a window over file byte-by-byte, matching against sigs (the
// signature list of a prior version), and writes the resulting token
// stream to w, terminated by a zero-length literal token.
func GenerateDelta(w io.Writer, file io.Reader, sigs []Signature, blockSize int) error {
	data, err := io.ReadAll(file)
	if err != nil {
		return err
	}
	byWeak := make(map[uint32][]uint32, len(sigs))
	for i, s := range sigs {
		byWeak[s.Weak] = append(byWeak[s.Weak], uint32(i))
	}

	tw := &tokenWriter{w: w}
	n := len(data)
	pos := 0

	lookup := func(window []byte, weak uint32) (int, bool) {
		for _, idx := range byWeak[weak] {
			if strongChecksum(window) == sigs[idx].Strong {
				return int(idx), true
			}
		}
		return 0, false
	}

	for pos+blockSize <= n {
		window := data[pos : pos+blockSize]
		roll := NewRollingWindow(window)
		for {
			if idx, ok := lookup(window, roll.Weak()); ok {
				if err := tw.match(uint32(idx)); err != nil {
					return err
				}
				pos += blockSize
				break
			}
			// No match: the byte leaving the window is literal output;
			// advance by one byte if there is a byte left to bring in.
			if err := tw.literal(data[pos]); err != nil {
				return err
			}
			if pos+blockSize >= n {
				pos++
				break
			}
			roll.Roll(data[pos], data[pos+blockSize])
			pos++
			window = data[pos : pos+blockSize]
		}
	}

	// Residual tail shorter than one block: flush as literals.
	for ; pos < n; pos++ {
		if err := tw.literal(data[pos]); err != nil {
			return err
		}
	}
	return tw.finish()
}

// ValidateDelta reads a token stream from r, checking that every tag,
// length, and match index decodes without writing any reconstructed
// bytes or touching a source file (spec.md §6 dry_run: "decodes and
// validates frames without materializing filesystem effects").
func ValidateDelta(r *bufio.Reader) error {
	for {
		tag, err := r.ReadByte()
		if err != nil {
			if err == io.EOF {
				return ErrTruncatedTokenStream
			}
			return err
		}
		switch tag {
		case literalTag:
			length, err := binary.ReadUvarint(r)
			if err != nil {
				return xerrors.Errorf("%w: %v", ErrTruncatedTokenStream, err)
			}
			if length == 0 {
				return nil // terminator
			}
			if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
				return xerrors.Errorf("%w: %v", ErrTruncatedTokenStream, err)
			}
		case matchTag:
			var idxBuf [4]byte
			if _, err := io.ReadFull(r, idxBuf[:]); err != nil {
				return xerrors.Errorf("%w: %v", ErrTruncatedTokenStream, err)
			}
		default:
			return xerrors.Errorf("rsyncsum: invalid token tag 0x%02x", tag)
		}
	}
}

// ApplyDelta implements the decode side of spec.md §4.6/§4.7's block
// patching: it reads a token stream from r and writes the reconstructed
// file to w, copying block blockIndex*blockSize of source for match
// tokens (clamped to sourceSize for the final, possibly short, block).
func ApplyDelta(w io.Writer, r *bufio.Reader, source io.ReaderAt, sourceSize int64, blockSize int) error {
	for {
		tag, err := r.ReadByte()
		if err != nil {
			if err == io.EOF {
				return ErrTruncatedTokenStream
			}
			return err
		}
		switch tag {
		case literalTag:
			length, err := binary.ReadUvarint(r)
			if err != nil {
				return xerrors.Errorf("%w: %v", ErrTruncatedTokenStream, err)
			}
			if length == 0 {
				return nil // terminator
			}
			if _, err := io.CopyN(w, r, int64(length)); err != nil {
				return xerrors.Errorf("%w: %v", ErrTruncatedTokenStream, err)
			}
		case matchTag:
			var idxBuf [4]byte
			if _, err := io.ReadFull(r, idxBuf[:]); err != nil {
				return xerrors.Errorf("%w: %v", ErrTruncatedTokenStream, err)
			}
			idx := binary.LittleEndian.Uint32(idxBuf[:])
			off := int64(idx) * int64(blockSize)
			length := int64(blockSize)
			if off+length > sourceSize {
				length = sourceSize - off
			}
			if length < 0 {
				return xerrors.Errorf("%w: match block %d out of range", ErrTruncatedTokenStream, idx)
			}
			if _, err := io.Copy(w, io.NewSectionReader(source, off, length)); err != nil {
				return err
			}
		default:
			return xerrors.Errorf("rsyncsum: invalid token tag 0x%02x", tag)
		}
	}
}
