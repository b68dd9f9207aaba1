package engine

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/xerrors"
)

// encryptChunkSize bounds how much plaintext one secretbox seal covers;
// chunking keeps memory bounded the same way the segmenter chunks
// compressed output, rather than sealing the whole stream as one message.
const encryptChunkSize = 64 * 1024

type encryptKey [32]byte

// loadEncryptionKey reads a raw 32-byte symmetric key from path (spec.md
// §6: "encrypt_key_file -- path to symmetric key; absence disables
// encryption"). An empty path means no encryption and returns a nil key.
func loadEncryptionKey(path string) (*encryptKey, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("engine: reading -encrypt-key-file: %w", err)
	}
	if len(raw) != 32 {
		return nil, &ConfigError{Reason: fmt.Sprintf("encrypt_key_file must hold exactly 32 bytes, got %d", len(raw))}
	}
	var key encryptKey
	copy(key[:], raw)
	return &key, nil
}

// encryptWriter seals fixed-size plaintext chunks with
// golang.org/x/crypto/nacl/secretbox, each framed with a 4-byte
// big-endian length prefix so the reader side knows where one sealed
// chunk ends and the next begins. The nonce's low 8 bytes are a chunk
// counter, which is enough uniqueness for the lifetime of one encrypted
// stream under one key.
type encryptWriter struct {
	w   io.Writer
	key *encryptKey
	seq uint64
	buf []byte
}

func newEncryptWriter(w io.Writer, key *encryptKey) io.WriteCloser {
	if key == nil {
		return nopWriteCloser{w}
	}
	return &encryptWriter{w: w, key: key, buf: make([]byte, 0, encryptChunkSize)}
}

func (e *encryptWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		n := copy(e.buf[len(e.buf):cap(e.buf)], p)
		e.buf = e.buf[:len(e.buf)+n]
		p = p[n:]
		total += n
		if len(e.buf) == cap(e.buf) {
			if err := e.sealChunk(); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

func (e *encryptWriter) sealChunk() error {
	if len(e.buf) == 0 {
		return nil
	}
	var nonce [24]byte
	binary.BigEndian.PutUint64(nonce[16:], e.seq)
	e.seq++
	sealed := secretbox.Seal(nil, e.buf, &nonce, (*[32]byte)(e.key))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(sealed)))
	if _, err := e.w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := e.w.Write(sealed); err != nil {
		return err
	}
	e.buf = e.buf[:0]
	return nil
}

func (e *encryptWriter) Close() error {
	return e.sealChunk()
}

// decryptReader is encryptWriter's inverse: it reads length-prefixed
// sealed chunks from r and presents the opened plaintext as a plain
// io.Reader.
type decryptReader struct {
	r   io.Reader
	key *encryptKey
	seq uint64
	buf []byte
	pos int
}

func newDecryptReader(r io.Reader, key *encryptKey) io.Reader {
	if key == nil {
		return r
	}
	return &decryptReader{r: r, key: key}
}

func (d *decryptReader) Read(p []byte) (int, error) {
	if d.pos >= len(d.buf) {
		if err := d.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, d.buf[d.pos:])
	d.pos += n
	return n, nil
}

func (d *decryptReader) fill() error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(d.r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	sealed := make([]byte, n)
	if _, err := io.ReadFull(d.r, sealed); err != nil {
		return xerrors.Errorf("engine: truncated encrypted chunk: %w", err)
	}
	var nonce [24]byte
	binary.BigEndian.PutUint64(nonce[16:], d.seq)
	d.seq++
	plain, ok := secretbox.Open(nil, sealed, &nonce, (*[32]byte)(d.key))
	if !ok {
		return xerrors.Errorf("engine: decrypting chunk: authentication failed")
	}
	d.buf = plain
	d.pos = 0
	return nil
}
