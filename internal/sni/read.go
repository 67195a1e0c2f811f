package sni

import (
	"errors"
	"fmt"
	"io"
)

// ClientHello holds what the proxy needs from an inspected TLS ClientHello:
// the routed hostname and the exact bytes consumed from the socket to
// obtain it, so callers can replay them verbatim.
type ClientHello struct {
	SNI string
	Raw []byte
}

// ErrMissingSNI is returned by ReadClientHello when the stream is
// exhausted (EOF) before a ClientHello with an SNI extension was observed.
var ErrMissingSNI = errors.New("sni: missing SNI extension")

// ReadClientHello reads from r one byte chunk at a time (growing an
// internal buffer capped at TLSMaxRecordSize) until Parse can extract the
// SNI hostname, then returns a ClientHello whose Raw field is exactly the
// bytes read so far — byte-for-byte, for replay to an upstream or into a
// local TLS acceptor.
func ReadClientHello(r io.Reader) (*ClientHello, error) {
	buf := make([]byte, TLSMaxRecordSize)
	filled := 0

	for {
		if filled == len(buf) {
			return nil, fmt.Errorf("sni: ClientHello exceeds max record size")
		}
		n, err := r.Read(buf[filled:])
		if n > 0 {
			filled += n
			name, perr := Parse(buf[:filled])
			if perr != nil {
				return nil, fmt.Errorf("sni: failed to parse TLS hello: %w", perr)
			}
			if name != "" {
				raw := make([]byte, filled)
				copy(raw, buf[:filled])
				return &ClientHello{SNI: name, Raw: raw}, nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrMissingSNI
			}
			return nil, err
		}
		if n == 0 {
			return nil, ErrMissingSNI
		}
	}
}
