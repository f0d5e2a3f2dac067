package docker

import (
	"fmt"
	"io"

	godigest "github.com/opencontainers/go-digest"
)

// verifyingReadCloser wraps an upstream blob body, writing every read chunk
// into a go-digest Verifier as it streams. The digest in the request URL
// must equal the SHA-256 of the bytes actually returned; a mismatch
// surfaces as an Error, not a silently corrupt cache entry.
type verifyingReadCloser struct {
	rc       io.ReadCloser
	verifier godigest.Verifier
}

func (v *verifyingReadCloser) Read(p []byte) (int, error) {
	n, err := v.rc.Read(p)
	if n > 0 {
		v.verifier.Write(p[:n])
	}
	if err == io.EOF && !v.verifier.Verified() {
		return n, fmt.Errorf("docker blob digest mismatch")
	}
	return n, err
}

func (v *verifyingReadCloser) Close() error {
	return v.rc.Close()
}
