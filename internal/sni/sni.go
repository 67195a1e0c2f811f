// Package sni extracts the SNI hostname from a possibly incomplete TLS
// ClientHello record.
package sni

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// TLSMaxRecordSize bounds how much of a buffer is ever inspected: a single
// TLS record never exceeds this size.
const TLSMaxRecordSize = 16 * 1024

const (
	tlsRecordHeaderLength    = 5
	tlsHandshakeHeaderLength = 4
	tlsTypeHandshake         = 22
	tlsMessageTypeClientHello = 1
	tlsExtensionTypeSNI      = 0
	tlsSNITypeHostname       = 0
)

// errShortBuffer is never returned by Parse; callers distinguish
// "need more data" from parse errors by checking for a nil hostname with a
// nil error. It exists only to document the contract.
var errShortBuffer = errors.New("sni: short buffer")

// Parse attempts to extract the SNI hostname from buf, which holds the
// bytes read so far from a client connection and may be an incomplete
// ClientHello.
//
// It returns ("", nil) when buf does not yet contain enough data to decide
// (the caller should read more and retry), a non-empty hostname on success,
// and a non-nil error when buf is structurally invalid (wrong record type,
// wrong handshake type, or a malformed field within the hello).
func Parse(buf []byte) (string, error) {
	if len(buf) < tlsRecordHeaderLength+tlsHandshakeHeaderLength {
		return "", nil
	}
	if len(buf) > TLSMaxRecordSize {
		buf = buf[:TLSMaxRecordSize]
	}

	if buf[0] != tlsTypeHandshake {
		return "", fmt.Errorf("sni: not a valid TLS handshake record")
	}
	if buf[5] != tlsMessageTypeClientHello {
		return "", fmt.Errorf("sni: not a valid TLS ClientHello message")
	}
	buf = buf[tlsRecordHeaderLength+tlsHandshakeHeaderLength:]

	name, err := parseHello(buf)
	if errors.Is(err, errShortBuffer) {
		return "", nil
	}
	return name, err
}

// cursor is a minimal bounds-checked reader over buf, mirroring the Rust
// original's use of io::Cursor plus seek_relative.
type cursor struct {
	buf []byte
	pos int
}

func (c *cursor) skip(n int) error {
	if n < 0 || c.pos+n > len(c.buf) {
		return errShortBuffer
	}
	c.pos += n
	return nil
}

func (c *cursor) readU8() (uint8, error) {
	if c.pos+1 > len(c.buf) {
		return 0, errShortBuffer
	}
	v := c.buf[c.pos]
	c.pos++
	return v, nil
}

func (c *cursor) readU16() (uint16, error) {
	if c.pos+2 > len(c.buf) {
		return 0, errShortBuffer
	}
	v := binary.BigEndian.Uint16(c.buf[c.pos:])
	c.pos += 2
	return v, nil
}

func parseHello(buf []byte) (string, error) {
	c := &cursor{buf: buf}

	// Skip constant-size fields: client_version (2) + random (32).
	if err := c.skip(34); err != nil {
		return "", err
	}

	// Session ID.
	sessionIDLen, err := c.readU8()
	if err != nil {
		return "", err
	}
	if sessionIDLen > 32 {
		return "", fmt.Errorf("sni: corrupted session ID")
	}
	if err := c.skip(int(sessionIDLen)); err != nil {
		return "", err
	}

	// Cipher suites.
	cipherLen, err := c.readU16()
	if err != nil {
		return "", err
	}
	if cipherLen < 2 || cipherLen%2 != 0 {
		return "", fmt.Errorf("sni: corrupted cipher suite")
	}
	if err := c.skip(int(cipherLen)); err != nil {
		return "", err
	}

	// Compression methods.
	compressionLen, err := c.readU8()
	if err != nil {
		return "", err
	}
	if compressionLen < 1 {
		return "", fmt.Errorf("sni: corrupted compression method")
	}
	if err := c.skip(int(compressionLen)); err != nil {
		return "", err
	}

	// Extensions.
	if _, err := c.readU16(); err != nil { // extensions_length, unused
		return "", err
	}
	for {
		extType, err := c.readU16()
		if err != nil {
			return "", err
		}
		extLen, err := c.readU16()
		if err != nil {
			return "", err
		}
		if extType != tlsExtensionTypeSNI {
			if err := c.skip(int(extLen)); err != nil {
				return "", err
			}
			continue
		}

		// SNI extension: server_name_list length (unused, we just scan entries).
		if _, err := c.readU16(); err != nil {
			return "", err
		}
		for {
			nameType, err := c.readU8()
			if err != nil {
				return "", err
			}
			nameLen, err := c.readU16()
			if err != nil {
				return "", err
			}
			if nameType != tlsSNITypeHostname {
				if err := c.skip(int(nameLen)); err != nil {
					return "", err
				}
				continue
			}

			if len(c.buf)-c.pos < int(nameLen) {
				// A name that could never fit in a single record is corrupt;
				// otherwise the name is merely cut off and more data is needed.
				if c.pos+int(nameLen) > TLSMaxRecordSize-tlsRecordHeaderLength-tlsHandshakeHeaderLength {
					return "", fmt.Errorf("sni: corrupted SNI extension: bad name length")
				}
				return "", errShortBuffer
			}
			name := c.buf[c.pos : c.pos+int(nameLen)]
			if !utf8.Valid(name) {
				return "", fmt.Errorf("sni: corrupted SNI extension: bad name")
			}
			return string(name), nil
		}
	}
}
