package core

// Streaming AEAD (§4.6): frame is varint(streamVersion) ‖ resourceId[16]
// followed by a sequence of independently-authenticated chunks, each keyed
// by HKDF(resourceKey, chunkIndex). Encryption and decryption are both
// streamable — at most one chunk is buffered at a time, matching the
// teacher's io.Reader/io.Writer-chaining style in storage.go rather than
// whole-buffer transforms.

import (
	"bytes"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const streamWireVersion = 1

// DefaultChunkSize is the plaintext chunk size used when callers don't
// override it.
const DefaultChunkSize = 1 << 20 // 1 MiB

// StreamEncryptor wraps an io.Writer, encrypting plaintext written to it in
// fixed-size chunks and emitting the header on the first Write.
type StreamEncryptor struct {
	w          io.Writer
	resourceId ResourceId
	key        []byte
	chunkSize  int

	buf         bytes.Buffer
	chunkIndex  uint64
	wroteHeader bool
}

// NewStreamEncryptor constructs an encryptor writing framed ciphertext to w.
func NewStreamEncryptor(w io.Writer, resourceId ResourceId, resourceKey []byte, chunkSize int) *StreamEncryptor {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &StreamEncryptor{w: w, resourceId: resourceId, key: resourceKey, chunkSize: chunkSize}
}

func (e *StreamEncryptor) writeHeaderOnce() error {
	if e.wroteHeader {
		return nil
	}
	var hdr bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], streamWireVersion)
	hdr.Write(tmp[:n])
	hdr.Write(e.resourceId[:])
	if _, err := e.w.Write(hdr.Bytes()); err != nil {
		return WrapError(ErrNetworkError, "write stream header", err)
	}
	e.wroteHeader = true
	return nil
}

// Write buffers plaintext and flushes full chunks as they fill.
func (e *StreamEncryptor) Write(p []byte) (int, error) {
	if err := e.writeHeaderOnce(); err != nil {
		return 0, err
	}
	total := len(p)
	e.buf.Write(p)
	for e.buf.Len() >= e.chunkSize {
		chunk := e.buf.Next(e.chunkSize)
		if err := e.encryptChunk(chunk); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// Close flushes the final (possibly empty) chunk. Callers must call Close
// exactly once, even for an empty plaintext: an exact multiple of chunkSize
// must still produce an empty final chunk (§4.6).
func (e *StreamEncryptor) Close() error {
	if err := e.writeHeaderOnce(); err != nil {
		return err
	}
	return e.encryptChunk(e.buf.Next(e.buf.Len()))
}

func (e *StreamEncryptor) encryptChunk(plain []byte) error {
	subKey, err := deriveSubKey(e.key, e.chunkIndex)
	if err != nil {
		return WrapError(ErrInternalError, "derive chunk key", err)
	}
	aead, err := chacha20poly1305.NewX(subKey)
	if err != nil {
		return WrapError(ErrInternalError, "build chunk cipher", err)
	}
	nonce, err := randomBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return WrapError(ErrInternalError, "generate chunk nonce", err)
	}
	ct := aead.Seal(nonce, nonce, plain, nil)
	if _, err := e.w.Write(ct); err != nil {
		return WrapError(ErrNetworkError, "write stream chunk", err)
	}
	e.chunkIndex++
	return nil
}

// StreamDecryptor wraps an io.Reader framed by NewStreamEncryptor, exposing
// decrypted plaintext through Read without buffering more than one chunk.
type StreamDecryptor struct {
	r         io.Reader
	key       []byte
	chunkSize int

	resourceId ResourceId
	headerRead bool

	chunkIndex uint64
	pending    []byte
	done       bool
}

// NewStreamDecryptor constructs a decryptor; chunkSize must equal the value
// the stream was encrypted with.
func NewStreamDecryptor(r io.Reader, resourceKey []byte, chunkSize int) *StreamDecryptor {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &StreamDecryptor{r: r, key: resourceKey, chunkSize: chunkSize}
}

// ResourceId returns the id read from the stream header. Valid only after
// the first successful Read.
func (d *StreamDecryptor) ResourceId() ResourceId { return d.resourceId }

func (d *StreamDecryptor) readHeaderOnce() error {
	if d.headerRead {
		return nil
	}
	br := &byteReaderAdapter{r: d.r}
	version, err := binary.ReadUvarint(br)
	if err != nil {
		return WrapError(ErrInvalidEncryptionFormat, "read stream version", err)
	}
	if version != streamWireVersion {
		return NewError(ErrUpgradeRequired, "unknown stream wire version")
	}
	var id ResourceId
	if _, err := io.ReadFull(d.r, id[:]); err != nil {
		return WrapError(ErrInvalidEncryptionFormat, "read stream resource id", err)
	}
	d.resourceId = id
	d.headerRead = true
	return nil
}

func (d *StreamDecryptor) Read(p []byte) (int, error) {
	if err := d.readHeaderOnce(); err != nil {
		return 0, err
	}
	if len(d.pending) == 0 {
		if d.done {
			return 0, io.EOF
		}
		if err := d.fillChunk(); err != nil {
			return 0, err
		}
	}
	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}

func (d *StreamDecryptor) fillChunk() error {
	ciphertext := make([]byte, d.chunkSize+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead)
	n, err := io.ReadFull(d.r, ciphertext)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return WrapError(ErrNetworkError, "read stream chunk", err)
	}
	ciphertext = ciphertext[:n]
	minLen := chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
	if n < minLen {
		if n == 0 {
			d.done = true
			return io.EOF
		}
		return NewError(ErrInvalidEncryptionFormat, "truncated stream chunk")
	}

	subKey, kerr := deriveSubKey(d.key, d.chunkIndex)
	if kerr != nil {
		return WrapError(ErrInternalError, "derive chunk key", kerr)
	}
	aead, aerr := chacha20poly1305.NewX(subKey)
	if aerr != nil {
		return WrapError(ErrInternalError, "build chunk cipher", aerr)
	}
	nonce, ct := ciphertext[:chacha20poly1305.NonceSizeX], ciphertext[chacha20poly1305.NonceSizeX:]
	plain, derr := aead.Open(nil, nonce, ct, nil)
	if derr != nil {
		return WrapError(ErrDecryptionFailed, "stream chunk authentication failed", derr)
	}

	d.chunkIndex++
	d.pending = plain
	// a short read (fewer bytes than a full chunk) signals the last chunk,
	// including the empty final chunk on an exact multiple (§4.6).
	if n < d.chunkSize+minLen {
		d.done = true
	}
	return nil
}

// byteReaderAdapter turns an io.Reader into an io.ByteReader one byte at a
// time, sufficient for the single leading varint in the stream header.
type byteReaderAdapter struct{ r io.Reader }

func (b *byteReaderAdapter) ReadByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(b.r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}
