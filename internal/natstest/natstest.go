// Package natstest runs an in-process NATS server for tests.
package natstest

import (
	"net"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// RunServer starts a server on a random loopback port and shuts it down at
// the end of the test.
func RunServer(t testing.TB) *server.Server {
	t.Helper()
	return runOnPort(t, -1)
}

// Port returns the port a running server listens on. Read it before
// shutting the server down to bring a new one up in its place.
func Port(s *server.Server) int {
	return s.Addr().(*net.TCPAddr).Port
}

// RunServerOnPort starts a server on a fixed port, e.g. one previously
// returned by Port, so clients with reconnect enabled find it again.
func RunServerOnPort(t testing.TB, port int) *server.Server {
	t.Helper()
	return runOnPort(t, port)
}

func runOnPort(t testing.TB, port int) *server.Server {
	t.Helper()
	s, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		t.Fatalf("nats server: %v", err)
	}
	go s.Start()
	if !s.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(s.Shutdown)
	return s
}

// Connect dials s and closes the connection at the end of the test.
func Connect(t testing.TB, s *server.Server, opts ...nats.Option) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(s.ClientURL(), opts...)
	if err != nil {
		t.Fatalf("nats connect: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}
