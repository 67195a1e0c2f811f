package tlsproxy

import "net"

// replayConn wraps a net.Conn so that the first reads return bytes already
// consumed off the wire (the ClientHello record read while sniffing SNI)
// before falling through to the underlying connection. This lets the TLS
// server handshake proceed as if it had seen the ClientHello itself.
type replayConn struct {
	net.Conn
	prefix []byte
}

func newReplayConn(conn net.Conn, prefix []byte) *replayConn {
	return &replayConn{Conn: conn, prefix: prefix}
}

func (c *replayConn) Read(p []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(p, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}
