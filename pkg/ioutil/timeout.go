package ioutil

import (
	"net"
	"os"
	"time"
)

// TimeoutConn wraps a net.Conn with an idle window: a read or write that
// sees no ready I/O for the window fails with a timeout. The timer resets
// on any completed I/O.
type TimeoutConn struct {
	net.Conn
	idle time.Duration
}

// NewTimeoutConn wraps conn with the given idle window. A zero window
// disables the timeout.
func NewTimeoutConn(conn net.Conn, idle time.Duration) *TimeoutConn {
	return &TimeoutConn{Conn: conn, idle: idle}
}

func (c *TimeoutConn) Read(p []byte) (int, error) {
	if c.idle > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.idle)); err != nil {
			return 0, err
		}
	}
	n, err := c.Conn.Read(p)
	if isTimeout(err) {
		err = os.ErrDeadlineExceeded
	}
	return n, err
}

func (c *TimeoutConn) Write(p []byte) (int, error) {
	if c.idle > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.idle)); err != nil {
			return 0, err
		}
	}
	n, err := c.Conn.Write(p)
	if isTimeout(err) {
		err = os.ErrDeadlineExceeded
	}
	return n, err
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
