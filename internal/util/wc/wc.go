package wc

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"sync/atomic"
)

// Conn is a tunnelled stream. The tunnel server prefixes every stream with
// the original remote address terminated by a newline; Conn strips that line
// and reports it from RemoteAddr.
type Conn struct {
	net.Conn
	reader   *bufio.Reader
	once     sync.Once
	raddr    net.Addr
	byte_in  uint64
	byte_out uint64
}

type addr string

func (a addr) Network() string { return "tcp" }
func (a addr) String() string  { return string(a) }

func NewWrappedConn(conn net.Conn) *Conn {
	return &Conn{Conn: conn, reader: bufio.NewReader(conn)}
}

func (c *Conn) header() {
	c.once.Do(func() {
		line, err := c.reader.ReadString('\n')
		line = strings.TrimSpace(line)
		if err != nil || line == "" {
			c.raddr = c.Conn.RemoteAddr()
			return
		}
		c.raddr = addr(line)
	})
}

func (c *Conn) Read(b []byte) (int, error) {
	c.header()
	n, err := c.reader.Read(b)
	atomic.AddUint64(&c.byte_in, uint64(n))
	return n, err
}

func (c *Conn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	atomic.AddUint64(&c.byte_out, uint64(n))
	return n, err
}

func (c *Conn) RemoteAddr() net.Addr {
	c.header()
	return c.raddr
}

func (c *Conn) Stat() (byte_in uint64, byte_out uint64) {
	return atomic.LoadUint64(&c.byte_in), atomic.LoadUint64(&c.byte_out)
}
