package dal

import (
	"bufio"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Cipher selects the AEAD used by EncryptionLayer.
type Cipher byte

const (
	CipherAESGCM            Cipher = 1
	CipherXChaCha20Poly1305 Cipher = 2
)

const (
	encMagic     = "DAL1"
	encChunkSize = 64 << 10
	encInfo      = "dal content encryption v1"
	encFrameLen  = 4
)

// ErrDecrypt is wrapped when stored content fails authentication.
var ErrDecrypt = errors.New("content authentication failed")

// EncryptionLayer encrypts object content on write and decrypts it on read.
//
// Content is sealed in 64 KiB frames, each with its own nonce and a final
// frame marker so truncated objects fail to open. Ranged reads, appends,
// multipart uploads and presigning are disabled because the stored bytes
// no longer line up with the plaintext.
type EncryptionLayer struct {
	key    []byte
	cipher Cipher
}

// EncryptionOption configures an EncryptionLayer.
type EncryptionOption func(*EncryptionLayer)

// WithCipher sets the AEAD used for new writes. Reads detect the cipher
// from the object header.
func WithCipher(c Cipher) EncryptionOption {
	return func(l *EncryptionLayer) {
		l.cipher = c
	}
}

// NewEncryptionLayer derives a content key from secret, which must be at
// least 16 bytes.
func NewEncryptionLayer(secret []byte, opts ...EncryptionOption) (*EncryptionLayer, error) {
	if len(secret) < 16 {
		return nil, Errorf(KindInvalidInput, "encryption", "", "secret must be at least 16 bytes, got %d", len(secret))
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(encInfo)), key); err != nil {
		return nil, WrapError("encryption", "", err)
	}
	l := &EncryptionLayer{key: key, cipher: CipherAESGCM}
	for _, opt := range opts {
		opt(l)
	}
	if _, err := l.aead(l.cipher); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *EncryptionLayer) aead(c Cipher) (cipher.AEAD, error) {
	switch c {
	case CipherAESGCM:
		block, err := aes.NewCipher(l.key)
		if err != nil {
			return nil, WrapError("encryption", "", err)
		}
		return cipher.NewGCM(block)
	case CipherXChaCha20Poly1305:
		return chacha20poly1305.NewX(l.key)
	default:
		return nil, Errorf(KindUnsupported, "encryption", "", "unknown cipher %d", c)
	}
}

// Layer implements Layer
func (l *EncryptionLayer) Layer(inner Accessor) Accessor {
	return &encryptedAccessor{Accessor: inner, layer: l}
}

type encryptedAccessor struct {
	Accessor
	layer *EncryptionLayer
}

func (e *encryptedAccessor) Info() AccessorInfo {
	info := e.Accessor.Info()
	c := info.Capability
	c.ReadWithRange = false
	c.WriteCanAppend = false
	c.AppendRetryable = false
	c.WriteCanMulti = false
	c.Multipart = false
	c.Presign = false
	c.PresignStat = false
	c.PresignRead = false
	c.PresignWrite = false
	info.Capability = c
	return info
}

func (e *encryptedAccessor) overhead() (nonce, tag int) {
	a, _ := e.layer.aead(e.layer.cipher)
	return a.NonceSize(), a.Overhead()
}

// sealedSize is the stored size of n plaintext bytes.
func sealedSize(n int64, nonce, tag int) int64 {
	frames := (n + encChunkSize - 1) / encChunkSize
	if frames == 0 {
		frames = 1
	}
	return int64(len(encMagic)+1+nonce) + n + frames*int64(encFrameLen+tag)
}

// plainSize inverts sealedSize.
func plainSize(stored int64, nonce, tag int) int64 {
	body := stored - int64(len(encMagic)+1+nonce)
	if body <= 0 {
		return 0
	}
	full := int64(encFrameLen + tag + encChunkSize)
	frames := (body + full - 1) / full
	return body - frames*int64(encFrameLen+tag)
}

func (e *encryptedAccessor) plain(md *Metadata) *Metadata {
	if md == nil || md.IsDir() {
		return md
	}
	out := md.Clone()
	nonce, tag := e.overhead()
	out.Size = plainSize(md.Size, nonce, tag)
	return out
}

func (e *encryptedAccessor) Stat(ctx context.Context, path string, op OpStat) (*Metadata, error) {
	md, err := e.Accessor.Stat(ctx, path, op)
	if err != nil {
		return nil, err
	}
	return e.plain(md), nil
}

func (e *encryptedAccessor) List(ctx context.Context, path string, op OpList) (Pager, error) {
	pager, err := e.Accessor.List(ctx, path, op)
	if err != nil {
		return nil, err
	}
	return PagerFunc(func(ctx context.Context) ([]Entry, error) {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for i := range page {
			page[i].Metadata = e.plain(page[i].Metadata)
		}
		return page, nil
	}), nil
}

func (e *encryptedAccessor) Write(ctx context.Context, path string, r io.Reader, op OpWrite) (*Metadata, error) {
	if op.Append {
		return nil, pathed(Unsupported("write", "WriteCanAppend"), path)
	}
	aead, err := e.layer.aead(e.layer.cipher)
	if err != nil {
		return nil, err
	}
	base := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, base); err != nil {
		return nil, WrapError("write", path, err)
	}
	if op.Size >= 0 {
		op.Size = sealedSize(op.Size, aead.NonceSize(), aead.Overhead())
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(seal(pw, r, aead, e.layer.cipher, base))
	}()
	md, err := e.Accessor.Write(ctx, path, pr, op)
	// unblock the sealing goroutine if the backend stopped reading early
	pr.CloseWithError(io.ErrClosedPipe)
	if err != nil {
		return nil, err
	}
	return e.plain(md), nil
}

func (e *encryptedAccessor) Read(ctx context.Context, path string, op OpRead) (io.ReadCloser, *Metadata, error) {
	if !op.Range.IsFull() {
		return nil, nil, pathed(Unsupported("read", "ReadWithRange"), path)
	}
	rc, md, err := e.Accessor.Read(ctx, path, op)
	if err != nil {
		return nil, nil, err
	}
	br := bufio.NewReader(rc)
	header := make([]byte, len(encMagic)+1)
	if _, err := io.ReadFull(br, header); err != nil || string(header[:len(encMagic)]) != encMagic {
		rc.Close()
		return nil, nil, NewError(KindUnexpected, "read", path, fmt.Errorf("%w: missing header", ErrDecrypt))
	}
	aead, err := e.layer.aead(Cipher(header[len(encMagic)]))
	if err != nil {
		rc.Close()
		return nil, nil, pathed(err, path)
	}
	base := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(br, base); err != nil {
		rc.Close()
		return nil, nil, NewError(KindUnexpected, "read", path, fmt.Errorf("%w: short nonce", ErrDecrypt))
	}
	return &openReader{src: br, closer: rc, aead: aead, base: base, path: path}, e.plain(md), nil
}

// frameNonce mixes the frame counter into the last 8 bytes of base.
func frameNonce(base []byte, counter uint64) []byte {
	nonce := append([]byte(nil), base...)
	tail := nonce[len(nonce)-8:]
	binary.BigEndian.PutUint64(tail, binary.BigEndian.Uint64(tail)^counter)
	return nonce
}

func frameAAD(counter uint64, final bool) []byte {
	aad := make([]byte, 9)
	binary.BigEndian.PutUint64(aad, counter)
	if final {
		aad[8] = 1
	}
	return aad
}

func seal(w io.Writer, r io.Reader, aead cipher.AEAD, c Cipher, base []byte) error {
	if _, err := w.Write(append([]byte(encMagic), byte(c))); err != nil {
		return err
	}
	if _, err := w.Write(base); err != nil {
		return err
	}

	br := bufio.NewReaderSize(r, encChunkSize)
	buf := make([]byte, encChunkSize)
	var frame []byte
	for counter := uint64(0); ; counter++ {
		n, err := io.ReadFull(br, buf)
		if err != nil && err != io.EOF && !errors.Is(err, io.ErrUnexpectedEOF) {
			return err
		}
		final := err != nil
		if !final {
			if _, perr := br.Peek(1); perr == io.EOF {
				final = true
			}
		}
		frame = aead.Seal(frame[:0], frameNonce(base, counter), buf[:n], frameAAD(counter, final))
		var size [encFrameLen]byte
		binary.BigEndian.PutUint32(size[:], uint32(len(frame)))
		if _, err := w.Write(size[:]); err != nil {
			return err
		}
		if _, err := w.Write(frame); err != nil {
			return err
		}
		if final {
			return nil
		}
	}
}

type openReader struct {
	src     *bufio.Reader
	closer  io.Closer
	aead    cipher.AEAD
	base    []byte
	path    string
	counter uint64
	plain   []byte
	frame   []byte
	done    bool
	err     error
}

func (o *openReader) Read(p []byte) (int, error) {
	for len(o.plain) == 0 {
		if o.err != nil {
			return 0, o.err
		}
		if o.done {
			return 0, io.EOF
		}
		o.err = o.next()
	}
	n := copy(p, o.plain)
	o.plain = o.plain[n:]
	return n, nil
}

func (o *openReader) next() error {
	var size [encFrameLen]byte
	if _, err := io.ReadFull(o.src, size[:]); err != nil {
		return NewError(KindUnexpected, "read", o.path, fmt.Errorf("%w: truncated content", ErrDecrypt))
	}
	n := binary.BigEndian.Uint32(size[:])
	if n > uint32(encChunkSize+o.aead.Overhead()) {
		return NewError(KindUnexpected, "read", o.path, fmt.Errorf("%w: frame too large", ErrDecrypt))
	}
	if cap(o.frame) < int(n) {
		o.frame = make([]byte, n)
	}
	o.frame = o.frame[:n]
	if _, err := io.ReadFull(o.src, o.frame); err != nil {
		return NewError(KindUnexpected, "read", o.path, fmt.Errorf("%w: truncated frame", ErrDecrypt))
	}

	nonce := frameNonce(o.base, o.counter)
	// the final flag is not stored; try the common case first
	plain, err := o.aead.Open(nil, nonce, o.frame, frameAAD(o.counter, false))
	if err != nil {
		plain, err = o.aead.Open(nil, nonce, o.frame, frameAAD(o.counter, true))
		if err != nil {
			return NewError(KindUnexpected, "read", o.path, ErrDecrypt)
		}
		o.done = true
	}
	o.counter++
	o.plain = plain
	return nil
}

func (o *openReader) Close() error {
	return o.closer.Close()
}
