package crypto

import (
	"bytes"
	"io"
)

const maskFill = "***"

// Mask is the only form in which a secret may leave the server.
func Mask(secret string) string {
	if len(secret) < 10 {
		return maskFill
	}
	return secret[:5] + maskFill + secret[len(secret)-3:]
}

// Redactor rewrites every occurrence of a secret to its masked form on the
// way to w. Bytes that could begin an occurrence spanning two writes are held
// back until the next Write or Flush.
type Redactor struct {
	w      io.Writer
	secret []byte
	mask   []byte
	held   []byte
}

func NewRedactor(w io.Writer, secret string) *Redactor {
	return &Redactor{
		w:      w,
		secret: []byte(secret),
		mask:   []byte(Mask(secret)),
	}
}

func (r *Redactor) Write(p []byte) (int, error) {
	if len(r.secret) == 0 {
		return r.w.Write(p)
	}

	buf := make([]byte, 0, len(r.held)+len(p))
	buf = append(buf, r.held...)
	buf = append(buf, p...)

	var out bytes.Buffer
	for {
		idx := bytes.Index(buf, r.secret)
		if idx < 0 {
			break
		}
		out.Write(buf[:idx])
		out.Write(r.mask)
		buf = buf[idx+len(r.secret):]
	}

	keep := partialSuffix(buf, r.secret)
	out.Write(buf[:len(buf)-keep])
	r.held = append(r.held[:0], buf[len(buf)-keep:]...)

	if out.Len() > 0 {
		if _, err := r.w.Write(out.Bytes()); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Flush writes any held-back bytes. They cannot complete a secret anymore.
func (r *Redactor) Flush() error {
	if len(r.held) == 0 {
		return nil
	}
	_, err := r.w.Write(r.held)
	r.held = r.held[:0]
	return err
}

// partialSuffix returns the length of the longest suffix of b that is a
// proper prefix of secret.
func partialSuffix(b, secret []byte) int {
	n := len(secret) - 1
	if n > len(b) {
		n = len(b)
	}
	for ; n > 0; n-- {
		if bytes.Equal(b[len(b)-n:], secret[:n]) {
			return n
		}
	}
	return 0
}
