package tcppool

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConn_WriteTimeoutWritesFullPayloadWithinDeadline(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		buf := make([]byte, 64)
		for {
			if _, err := server.Read(buf); err != nil {
				return
			}
		}
	}()

	c := &Conn{nc: client, fd: -1}
	n, err := c.WriteTimeout([]byte("hello"), time.Second)
	require.NoError(t, err)
	require.Equal(t, 5, n)
}

func TestConn_WriteTimeoutFailsFinalOnExceededDeadline(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	// server never reads: client's unbuffered pipe write blocks until the
	// write deadline fires.

	c := &Conn{nc: client, fd: -1}
	_, err := c.WriteTimeout([]byte("hello"), 10*time.Millisecond)
	require.ErrorIs(t, err, ErrSendTimeout)
}

func TestConn_WriteTimeoutZeroDisablesDeadline(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		buf := make([]byte, 64)
		server.Read(buf)
	}()

	c := &Conn{nc: client, fd: -1}
	n, err := c.WriteTimeout([]byte("hi"), 0)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}
