// Package amqp implements an AMQP 1.0 client: Dial or New a Conn, open
// one or more Sessions on it, and create Sender/Receiver links on a
// Session to move messages.
package amqp

import (
	"context"
	"net"
)

// New performs AMQP protocol negotiation over an already-established
// net.Conn (e.g. one dialed by the caller, or a mock used in tests),
// instead of dialing a new TCP connection like Dial does.
func New(ctx context.Context, nc net.Conn, opts *ConnOptions) (*Conn, error) {
	return newConn(ctx, nc, opts)
}
