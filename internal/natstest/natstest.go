// Package natstest starts an embedded, JetStream-enabled NATS server for
// tests, mirroring the daemon's own embedded-server bootstrap.
package natstest

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"
)

// StartJetStream starts an in-process NATS server with JetStream enabled,
// connects to it, and returns a ready-to-use jetstream.JetStream context.
// The server and connection are torn down automatically via t.Cleanup.
func StartJetStream(t *testing.T) jetstream.JetStream {
	t.Helper()

	dir := t.TempDir()
	opts := &server.Options{
		Port:      -1,
		JetStream: true,
		StoreDir:  dir,
		NoLog:     true,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	require.NoError(t, err)

	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second), "embedded NATS server did not become ready")
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	conn, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	js, err := jetstream.New(conn)
	require.NoError(t, err)
	return js
}
