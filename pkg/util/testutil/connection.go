package testutil

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/open-telemetry/opamp-go/server/types"
	"google.golang.org/protobuf/proto"
)

var ErrConnectionClosed = errors.New("connection closed")

// MockConnection is an in-memory OpAMP connection recording what the server sends.
type MockConnection struct {
	Addr string

	mu     sync.Mutex
	sent   []*protobufs.ServerToAgent
	err    error
	closed bool
}

var _ types.Connection = (*MockConnection)(nil)

func NewMockConnection(addr string) *MockConnection {
	return &MockConnection{Addr: addr}
}

func (m *MockConnection) Connection() net.Conn {
	return &mockNetConn{addr: m.Addr}
}

func (m *MockConnection) Send(_ context.Context, msg *protobufs.ServerToAgent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrConnectionClosed
	}
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, proto.Clone(msg).(*protobufs.ServerToAgent))
	return nil
}

func (m *MockConnection) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// FailSends makes every later Send return err. A nil err restores delivery.
func (m *MockConnection) FailSends(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Sent returns the server initiated messages delivered so far.
func (m *MockConnection) Sent() []*protobufs.ServerToAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*protobufs.ServerToAgent, len(m.sent))
	copy(out, m.sent)
	return out
}

type mockNetConn struct {
	addr string
}

func (m *mockNetConn) Read(b []byte) (n int, err error)   { return 0, nil }
func (m *mockNetConn) Write(b []byte) (n int, err error)  { return len(b), nil }
func (m *mockNetConn) Close() error                       { return nil }
func (m *mockNetConn) LocalAddr() net.Addr                { return &mockAddr{} }
func (m *mockNetConn) RemoteAddr() net.Addr               { return &mockAddr{addr: m.addr} }
func (m *mockNetConn) SetDeadline(t time.Time) error      { return nil }
func (m *mockNetConn) SetReadDeadline(t time.Time) error  { return nil }
func (m *mockNetConn) SetWriteDeadline(t time.Time) error { return nil }

type mockAddr struct {
	addr string
}

func (m *mockAddr) Network() string { return "tcp" }
func (m *mockAddr) String() string {
	if m.addr == "" {
		return "127.0.0.1:4320"
	}
	return m.addr
}
