package sni

import (
	"io"
	"testing"
)

// Byte-for-byte ports of RECORD_SNI / RECORD_SNI_ALPN / RECORD_NO_EXT from
// the reference TLS record parser's test suite.
var recordSNI = []byte{
	22, 3, 1, 1, 54, 1, 0, 1, 50, 3, 3, 203, 69, 166, 24, 168, 5, 235, 3, 40, 94, 250, 34, 63,
	198, 156, 194, 25, 13, 0, 80, 200, 213, 125, 74, 215, 165, 193, 219, 143, 84, 201, 35, 32,
	232, 149, 249, 110, 18, 24, 36, 194, 152, 145, 10, 139, 7, 175, 172, 173, 61, 56, 71, 185,
	191, 71, 213, 156, 229, 62, 54, 91, 75, 253, 9, 104, 0, 72, 19, 2, 19, 3, 19, 1, 19, 4,
	192, 44, 192, 48, 204, 169, 204, 168, 192, 173, 192, 43, 192, 47, 192, 172, 192, 35, 192,
	39, 192, 10, 192, 20, 192, 9, 192, 19, 0, 157, 192, 157, 0, 156, 192, 156, 0, 61, 0, 60, 0,
	53, 0, 47, 0, 159, 204, 170, 192, 159, 0, 158, 192, 158, 0, 107, 0, 103, 0, 57, 0, 51, 0,
	255, 1, 0, 0, 161, 0, 0, 0, 16, 0, 14, 0, 0, 11, 101, 120, 97, 109, 112, 108, 101, 46, 110,
	101, 116, 0, 11, 0, 4, 3, 0, 1, 2, 0, 10, 0, 22, 0, 20, 0, 29, 0, 23, 0, 30, 0, 25, 0, 24,
	1, 0, 1, 1, 1, 2, 1, 3, 1, 4, 0, 35, 0, 0, 0, 22, 0, 0, 0, 23, 0, 0, 0, 13, 0, 34, 0, 32,
	4, 3, 5, 3, 6, 3, 8, 7, 8, 8, 8, 9, 8, 10, 8, 11, 8, 4, 8, 5, 8, 6, 4, 1, 5, 1, 6, 1, 3, 3,
	3, 1, 0, 43, 0, 5, 4, 3, 4, 3, 3, 0, 45, 0, 2, 1, 1, 0, 51, 0, 38, 0, 36, 0, 29, 0, 32,
	240, 147, 220, 154, 241, 161, 127, 109, 148, 66, 113, 35, 83, 38, 72, 28, 160, 33, 215,
	192, 53, 121, 246, 185, 203, 110, 197, 32, 128, 254, 152, 97,
}

var recordSNIAlpn = []byte{
	22, 3, 1, 1, 71, 1, 0, 1, 67, 3, 3, 200, 84, 240, 198, 191, 79, 87, 134, 132, 184, 32, 142,
	147, 79, 172, 138, 254, 33, 184, 196, 224, 73, 186, 162, 178, 28, 93, 80, 154, 180, 197,
	117, 32, 105, 182, 50, 2, 25, 6, 98, 98, 89, 78, 89, 134, 43, 34, 138, 16, 244, 31, 185,
	254, 246, 209, 12, 203, 31, 69, 37, 134, 237, 216, 165, 5, 0, 72, 19, 2, 19, 3, 19, 1, 19,
	4, 192, 44, 192, 48, 204, 169, 204, 168, 192, 173, 192, 43, 192, 47, 192, 172, 192, 35,
	192, 39, 192, 10, 192, 20, 192, 9, 192, 19, 0, 157, 192, 157, 0, 156, 192, 156, 0, 61, 0,
	60, 0, 53, 0, 47, 0, 159, 204, 170, 192, 159, 0, 158, 192, 158, 0, 107, 0, 103, 0, 57, 0,
	51, 0, 255, 1, 0, 0, 178, 0, 0, 0, 16, 0, 14, 0, 0, 11, 101, 120, 97, 109, 112, 108, 101,
	46, 110, 101, 116, 0, 11, 0, 4, 3, 0, 1, 2, 0, 10, 0, 22, 0, 20, 0, 29, 0, 23, 0, 30, 0,
	25, 0, 24, 1, 0, 1, 1, 1, 2, 1, 3, 1, 4, 0, 35, 0, 0, 0, 16, 0, 13, 0, 11, 10, 97, 99, 109,
	101, 45, 116, 108, 115, 47, 49, 0, 22, 0, 0, 0, 23, 0, 0, 0, 13, 0, 34, 0, 32, 4, 3, 5, 3,
	6, 3, 8, 7, 8, 8, 8, 9, 8, 10, 8, 11, 8, 4, 8, 5, 8, 6, 4, 1, 5, 1, 6, 1, 3, 3, 3, 1, 0,
	43, 0, 5, 4, 3, 4, 3, 3, 0, 45, 0, 2, 1, 1, 0, 51, 0, 38, 0, 36, 0, 29, 0, 32, 205, 54,
	119, 60, 111, 182, 114, 106, 157, 109, 117, 208, 183, 128, 208, 86, 101, 69, 206, 87, 119,
	236, 20, 71, 211, 71, 215, 186, 239, 195, 3, 21,
}

var recordNoExt = []byte{
	22, 3, 1, 1, 34, 1, 0, 1, 30, 3, 3, 174, 236, 43, 233, 60, 1, 225, 235, 52, 225, 121, 90,
	72, 102, 153, 32, 127, 186, 243, 82, 5, 211, 126, 210, 140, 62, 55, 13, 105, 153, 87, 230,
	32, 242, 103, 97, 74, 54, 19, 236, 162, 139, 127, 239, 150, 191, 164, 241, 242, 223, 41,
	73, 93, 70, 173, 109, 216, 49, 64, 180, 72, 158, 82, 151, 159, 0, 72, 19, 2, 19, 3, 19, 1,
	19, 4, 192, 44, 192, 48, 204, 169, 204, 168, 192, 173, 192, 43, 192, 47, 192, 172, 192, 35,
	192, 39, 192, 10, 192, 20, 192, 9, 192, 19, 0, 157, 192, 157, 0, 156, 192, 156, 0, 61, 0,
	60, 0, 53, 0, 47, 0, 159, 204, 170, 192, 159, 0, 158, 192, 158, 0, 107, 0, 103, 0, 57, 0,
	51, 0, 255, 1, 0, 0, 141, 0, 11, 0, 4, 3, 0, 1, 2, 0, 10, 0, 22, 0, 20, 0, 29, 0, 23, 0,
	30, 0, 25, 0, 24, 1, 0, 1, 1, 1, 2, 1, 3, 1, 4, 0, 35, 0, 0, 0, 22, 0, 0, 0, 23, 0, 0, 0,
	13, 0, 34, 0, 32, 4, 3, 5, 3, 6, 3, 8, 7, 8, 8, 8, 9, 8, 10, 8, 11, 8, 4, 8, 5, 8, 6, 4, 1,
	5, 1, 6, 1, 3, 3, 3, 1, 0, 43, 0, 5, 4, 3, 4, 3, 3, 0, 45, 0, 2, 1, 1, 0, 51, 0, 38, 0, 36,
	0, 29, 0, 32, 87, 236, 148, 113, 132, 227, 66, 188, 129, 107, 224, 171, 174, 68, 70, 34,
	200, 235, 65, 252, 62, 213, 12, 28, 115, 126, 46, 52, 72, 108, 158, 10,
}

func TestParseSNI(t *testing.T) {
	name, err := Parse(recordSNI)
	if err != nil {
		t.Fatalf("RECORD_SNI: unexpected error: %v", err)
	}
	if name != "example.net" {
		t.Fatalf("RECORD_SNI: got %q, want example.net", name)
	}

	name, err = Parse(recordSNIAlpn)
	if err != nil {
		t.Fatalf("RECORD_SNI_ALPN: unexpected error: %v", err)
	}
	if name != "example.net" {
		t.Fatalf("RECORD_SNI_ALPN: got %q, want example.net", name)
	}

	name, err = Parse(recordNoExt)
	if err != nil {
		t.Fatalf("RECORD_NO_EXT: unexpected error: %v", err)
	}
	if name != "" {
		t.Fatalf("RECORD_NO_EXT: got %q, want empty (no SNI)", name)
	}
}

func TestParseShortBufferNeedsMoreData(t *testing.T) {
	for n := 0; n < 9; n++ {
		name, err := Parse(recordSNI[:n])
		if err != nil {
			t.Fatalf("prefix len %d: unexpected error: %v", n, err)
		}
		if name != "" {
			t.Fatalf("prefix len %d: expected no result yet, got %q", n, name)
		}
	}
	// A prefix that cuts off mid-SNI-name should also ask for more data,
	// never error.
	// The 11-byte name "example.net" occupies bytes 163..173 of recordSNI.
	name, err := Parse(recordSNI[:168])
	if err != nil {
		t.Fatalf("truncated record: unexpected error: %v", err)
	}
	if name != "" {
		t.Fatalf("truncated record: expected no result yet, got %q", name)
	}
}

func TestParseWrongRecordType(t *testing.T) {
	bad := append([]byte(nil), recordSNI...)
	bad[0] = 23 // application data, not handshake
	if _, err := Parse(bad); err == nil {
		t.Fatalf("expected error for non-handshake record type")
	}
}

func TestParseWrongHandshakeType(t *testing.T) {
	bad := append([]byte(nil), recordSNI...)
	bad[5] = 2 // ServerHello, not ClientHello
	if _, err := Parse(bad); err == nil {
		t.Fatalf("expected error for non-ClientHello handshake type")
	}
}

func TestParseTruncatesToMaxRecordSize(t *testing.T) {
	big := make([]byte, TLSMaxRecordSize+4096)
	copy(big, recordSNI)
	name, err := Parse(big)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "example.net" {
		t.Fatalf("got %q, want example.net", name)
	}
}

func TestReadClientHelloReplayFidelity(t *testing.T) {
	// Feed the record one byte at a time; the returned Raw must equal
	// exactly the bytes consumed, in order.
	r := &stepReader{data: recordSNI, step: 1}
	hello, err := ReadClientHello(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hello.SNI != "example.net" {
		t.Fatalf("got sni %q, want example.net", hello.SNI)
	}
	if string(hello.Raw) != string(recordSNI[:len(hello.Raw)]) {
		t.Fatalf("raw bytes are not a verbatim prefix of the input stream")
	}
}

type stepReader struct {
	data []byte
	pos  int
	step int
}

func (s *stepReader) Read(p []byte) (int, error) {
	if s.pos >= len(s.data) {
		return 0, io.EOF
	}
	n := s.step
	if n > len(p) {
		n = len(p)
	}
	if s.pos+n > len(s.data) {
		n = len(s.data) - s.pos
	}
	copy(p, s.data[s.pos:s.pos+n])
	s.pos += n
	return n, nil
}
