package link

import (
	"crypto/rand"
	"crypto/sha256"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/chacha20"
)

// obfsConn wraps a TCP connection in a cookie-keyed stream cipher. Both
// sides derive the key from the shared cookie; each direction uses a
// random nonce sent in the clear ahead of the stream. This is an
// obfuscation layer, not an authenticated channel: authentication happens
// in the link handshake above it.
type obfsConn struct {
	net.Conn

	key []byte

	writeOnce sync.Once
	writeErr  error
	writer    *chacha20.Cipher

	readOnce sync.Once
	readErr  error
	reader   *chacha20.Cipher
}

// WrapObfs layers cookie-keyed obfuscation over a connection.
func WrapObfs(conn net.Conn, cookie string) net.Conn {
	key := sha256.Sum256([]byte("earendil-obfs-" + cookie))

	return &obfsConn{
		Conn: conn,
		key:  key[:],
	}
}

func (c *obfsConn) initWriter() {
	c.writeOnce.Do(func() {
		var nonce [chacha20.NonceSize]byte
		if _, err := rand.Read(nonce[:]); err != nil {
			c.writeErr = err
			return
		}
		if _, err := c.Conn.Write(nonce[:]); err != nil {
			c.writeErr = err
			return
		}
		c.writer, c.writeErr = chacha20.NewUnauthenticatedCipher(
			c.key, nonce[:],
		)
	})
}

func (c *obfsConn) initReader() {
	c.readOnce.Do(func() {
		var nonce [chacha20.NonceSize]byte
		if _, err := io.ReadFull(c.Conn, nonce[:]); err != nil {
			c.readErr = err
			return
		}
		c.reader, c.readErr = chacha20.NewUnauthenticatedCipher(
			c.key, nonce[:],
		)
	})
}

func (c *obfsConn) Write(p []byte) (int, error) {
	c.initWriter()
	if c.writeErr != nil {
		return 0, c.writeErr
	}

	enc := make([]byte, len(p))
	c.writer.XORKeyStream(enc, p)

	return c.Conn.Write(enc)
}

func (c *obfsConn) Read(p []byte) (int, error) {
	c.initReader()
	if c.readErr != nil {
		return 0, c.readErr
	}

	n, err := c.Conn.Read(p)
	if n > 0 {
		c.reader.XORKeyStream(p[:n], p[:n])
	}

	return n, err
}
