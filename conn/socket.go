/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package conn implements the non-blocking socket abstractions and the
instrument connection state machines that sit on top of them.
*/
package conn

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Setup errors, per spec §4.D.
var (
	ErrSocketMissingConfig  = errors.New("conn: socket is missing required configuration")
	ErrSocketCreateFailure  = errors.New("conn: failed to create socket")
	ErrSocketHostFailure    = errors.New("conn: failed to resolve host")
	ErrSocketConnectFailure = errors.New("conn: failed to connect")
)

// pollDeadline is how far in the future ReadData/WriteData push the
// deadline before attempting I/O; it makes net.Conn behave like a
// non-blocking socket without a raw fd, in the spirit of the EAGAIN-style
// polling the teacher does with golang.org/x/sys/unix.SetNonblock.
const pollDeadline = time.Millisecond

// TCPClient is a non-blocking TCP client socket, per spec §4.D.
type TCPClient struct {
	mu   sync.Mutex
	conn *net.TCPConn
	host string
	port int
}

// Connect resolves host:port and issues a connect with a short timeout;
// per spec, EINPROGRESS (the dial simply taking time) is not itself a
// failure condition for the caller, only a genuine refusal/timeout is.
func (c *TCPClient) Connect(host string, port int) error {
	if host == "" || port <= 0 {
		return fmt.Errorf("%w: host=%q port=%d", ErrSocketMissingConfig, host, port)
	}

	addr, err := net.ResolveTCPAddr("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSocketHostFailure, err)
	}

	nc, err := net.DialTimeout("tcp", addr.String(), 5*time.Second)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSocketConnectFailure, err)
	}
	tc, ok := nc.(*net.TCPConn)
	if !ok {
		nc.Close()
		return fmt.Errorf("%w: unexpected conn type %T", ErrSocketCreateFailure, nc)
	}
	_ = tc.SetNoDelay(true)

	c.mu.Lock()
	c.conn = tc
	c.host = host
	c.port = port
	c.mu.Unlock()
	return nil
}

// Connected reports whether the socket currently holds a live connection.
func (c *TCPClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// ReadData reads into buf, returning 0 on no-data/EAGAIN (per spec §4.D),
// >0 on success, and disconnecting the socket on EOF or a fatal error.
func (c *TCPClient) ReadData(buf []byte) (int, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return 0, nil
	}

	_ = conn.SetReadDeadline(time.Now().Add(pollDeadline))
	n, err := conn.Read(buf)
	if err == nil {
		return n, nil
	}
	if isTimeout(err) {
		return n, nil
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.EOF) {
		log.Debugf("tcp client %s:%d disconnected: %v", c.host, c.port, err)
	} else {
		log.Warningf("tcp client %s:%d read error: %v", c.host, c.port, err)
	}
	c.Disconnect()
	return n, err
}

// WriteData writes buf in full. A transient timeout returns false without
// disconnecting, per spec §4.D; any other error disconnects and returns
// false.
func (c *TCPClient) WriteData(buf []byte) bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return false
	}

	_ = conn.SetWriteDeadline(time.Now().Add(pollDeadline))
	_, err := conn.Write(buf)
	if err == nil {
		return true
	}
	if isTimeout(err) {
		return false
	}
	log.Warningf("tcp client %s:%d write error: %v", c.host, c.port, err)
	c.Disconnect()
	return false
}

// Disconnect closes the underlying socket, if any.
func (c *TCPClient) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// TCPListener binds one TCP port and accepts at most one peer at a time.
// A second accept replaces the prior peer, which is closed, per spec §4.D.
type TCPListener struct {
	mu       sync.Mutex
	listener *net.TCPListener
	peer     *net.TCPConn
	port     int
}

// Bind opens the listening socket on all interfaces. The listen backlog
// is the Go runtime's default (the system's somaxconn); it is not set to 5.
func (l *TCPListener) Bind(port int) error {
	addr := &net.TCPAddr{Port: port}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSocketCreateFailure, err)
	}

	if rc, err := ln.SyscallConn(); err == nil {
		_ = rc.Control(func(fd uintptr) {
			_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		})
	}

	l.mu.Lock()
	l.listener = ln
	l.port = port
	l.mu.Unlock()
	return nil
}

// Port returns the port actually bound, which may differ from the
// requested port when Bind was called with 0.
func (l *TCPListener) Port() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return 0
	}
	return l.listener.Addr().(*net.TCPAddr).Port
}

// AcceptNonBlocking polls for a pending connection without blocking the
// event loop; it returns immediately with ok=false when nothing is
// pending.
func (l *TCPListener) AcceptNonBlocking() (ok bool) {
	l.mu.Lock()
	ln := l.listener
	l.mu.Unlock()
	if ln == nil {
		return false
	}

	_ = ln.SetDeadline(time.Now().Add(pollDeadline))
	nc, err := ln.Accept()
	if err != nil {
		if !isTimeout(err) {
			log.Warningf("listener on port %d accept error: %v", l.port, err)
		}
		return false
	}

	l.mu.Lock()
	if l.peer != nil {
		log.Infof("listener on port %d: replacing existing peer %s", l.port, l.peer.RemoteAddr())
		_ = l.peer.Close()
	}
	l.peer = nc.(*net.TCPConn)
	l.mu.Unlock()
	return true
}

// Connected reports whether a peer is currently accepted.
func (l *TCPListener) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peer != nil
}

// ReadData reads from the accepted peer, same semantics as TCPClient.ReadData.
func (l *TCPListener) ReadData(buf []byte) (int, error) {
	l.mu.Lock()
	peer := l.peer
	l.mu.Unlock()
	if peer == nil {
		return 0, nil
	}

	_ = peer.SetReadDeadline(time.Now().Add(pollDeadline))
	n, err := peer.Read(buf)
	if err == nil {
		return n, nil
	}
	if isTimeout(err) {
		return n, nil
	}
	l.disconnectPeer()
	return n, err
}

// WriteData writes to the accepted peer, same semantics as TCPClient.WriteData.
func (l *TCPListener) WriteData(buf []byte) bool {
	l.mu.Lock()
	peer := l.peer
	l.mu.Unlock()
	if peer == nil {
		return false
	}

	_ = peer.SetWriteDeadline(time.Now().Add(pollDeadline))
	_, err := peer.Write(buf)
	if err == nil {
		return true
	}
	if isTimeout(err) {
		return false
	}
	l.disconnectPeer()
	return false
}

func (l *TCPListener) disconnectPeer() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.peer != nil {
		_ = l.peer.Close()
		l.peer = nil
	}
}

// Close shuts down the listener and any accepted peer.
func (l *TCPListener) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.peer != nil {
		_ = l.peer.Close()
		l.peer = nil
	}
	if l.listener != nil {
		_ = l.listener.Close()
		l.listener = nil
	}
}
