package amqp

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amqpworks/amqp10/internal/bitmap"
	"github.com/amqpworks/amqp10/internal/buffer"
	"github.com/amqpworks/amqp10/internal/encoding"
	"github.com/amqpworks/amqp10/internal/frames"
	"github.com/amqpworks/amqp10/internal/shared"
)

const (
	defaultMaxFrameSize = 65536
	defaultChannelMax   = 65535
	minMaxFrameSize     = 512

	// idleTimeoutFactor shrinks a declared idle-time-out to the interval
	// at which we actually act on it, so jitter in scheduling doesn't
	// trip a timeout the peer would consider us still within.
	idleTimeoutFactor = 0.8
)

// ConnOptions configures a Conn opened with Dial.
type ConnOptions struct {
	// ContainerID identifies this peer on the Open performative.
	// Defaults to a random value.
	ContainerID string

	// HostName is the DNS name of the target host, sent on Open for
	// virtual hosting; usually left empty for a direct TCP/TLS dial.
	HostName string

	// MaxFrameSize is the largest frame this connection will accept.
	// Defaults to 65536.
	MaxFrameSize uint32

	// IdleTimeout is the maximum period of silence this connection
	// tolerates before declaring the peer dead. Zero disables it.
	IdleTimeout time.Duration

	// TLSConfig, if non-nil, upgrades the dial to TLS.
	TLSConfig *tls.Config

	// SASLType selects how the connection authenticates before the
	// AMQP Open exchange. Nil skips SASL entirely.
	SASLType SASLType

	// Metrics, if non-nil, is updated with session/link/delivery
	// counts as this connection's sessions and links come and go.
	Metrics *Metrics
}

// Conn is a single AMQP connection multiplexing zero or more Sessions
// over distinct channel numbers. All connection-level I/O is owned by
// a single mux goroutine; everything else talks to it over channels.
type Conn struct {
	net net.Conn
	r   *bufio.Reader

	containerID  string
	maxFrameSize uint32
	idleTimeout  time.Duration

	PeerMaxFrameSize uint32
	PeerChannelMax   uint16
	PeerIdleTimeout  time.Duration

	// lastRead/lastWrite track wire activity (unix nanoseconds) so the
	// heartbeat timer in mux can detect local idle timeout and know when
	// to emit a keep-alive Empty frame, without readLoop/writeFrame
	// needing to share a lock with mux.
	lastRead  atomic.Int64
	lastWrite atomic.Int64

	mu       sync.Mutex
	sessions map[uint16]*Session
	channels bitmap.Bitmap

	txCh chan txReq
	rxCh chan rxResult

	done      chan struct{}
	err       error
	closeOnce sync.Once

	metrics *Metrics
}

type txReq struct {
	channel uint16
	body    frames.FrameBody
	done    chan encoding.DeliveryState
	errCh   chan error
}

type rxResult struct {
	channel uint16
	body    frames.FrameBody
	err     error
}

// Dial connects to addr (host:port) and performs protocol header
// negotiation, optional SASL, and the AMQP Open exchange.
func Dial(ctx context.Context, addr string, opts *ConnOptions) (*Conn, error) {
	dialer := &net.Dialer{}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return newConn(ctx, nc, opts)
}

func newConn(ctx context.Context, nc net.Conn, opts *ConnOptions) (*Conn, error) {
	if opts == nil {
		opts = &ConnOptions{}
	}

	if opts.TLSConfig != nil {
		tc := tls.Client(nc, opts.TLSConfig)
		if err := tc.HandshakeContext(ctx); err != nil {
			nc.Close()
			return nil, err
		}
		nc = tc
	}

	c := &Conn{
		net:          nc,
		r:            bufio.NewReader(nc),
		containerID:  opts.ContainerID,
		maxFrameSize: opts.MaxFrameSize,
		idleTimeout:  opts.IdleTimeout,
		sessions:     make(map[uint16]*Session),
		txCh:         make(chan txReq),
		rxCh:         make(chan rxResult, 1),
		done:         make(chan struct{}),
		metrics:      opts.Metrics,
	}
	c.markRead()
	c.markWrite()
	if c.containerID == "" {
		c.containerID = shared.RandString(8)
	}
	if c.maxFrameSize < minMaxFrameSize {
		c.maxFrameSize = defaultMaxFrameSize
	}

	if opts.SASLType != nil {
		if _, err := nc.Write([]byte{'A', 'M', 'Q', 'P', 3, 1, 0, 0}); err != nil {
			return nil, err
		}
		if err := readProtoHeader(c.r, 3); err != nil {
			return nil, err
		}
		if err := c.negotiateSASL(ctx, opts.SASLType); err != nil {
			return nil, err
		}
	}

	if _, err := nc.Write([]byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}); err != nil {
		return nil, err
	}
	if err := readProtoHeader(c.r, 0); err != nil {
		return nil, err
	}

	go c.readLoop()

	open := &frames.PerformOpen{
		ContainerID:  c.containerID,
		Hostname:     opts.HostName,
		MaxFrameSize: c.maxFrameSize,
		ChannelMax:   defaultChannelMax,
		IdleTimeout:  opts.IdleTimeout,
	}
	if err := c.writeFrame(0, open); err != nil {
		c.net.Close()
		return nil, err
	}

	select {
	case res := <-c.rxCh:
		if res.err != nil {
			c.net.Close()
			return nil, res.err
		}
		resp, ok := res.body.(*frames.PerformOpen)
		if !ok {
			c.net.Close()
			return nil, fmt.Errorf("amqp: expected Open, received unexpected frame %T", res.body)
		}
		c.PeerMaxFrameSize = resp.MaxFrameSize
		c.PeerChannelMax = resp.ChannelMax
		c.PeerIdleTimeout = resp.IdleTimeout
	case <-ctx.Done():
		c.net.Close()
		return nil, ctx.Err()
	}

	go c.mux()

	return c, nil
}

func (c *Conn) markRead() {
	c.lastRead.Store(time.Now().UnixNano())
}

func (c *Conn) lastReadTime() time.Time {
	return time.Unix(0, c.lastRead.Load())
}

func (c *Conn) markWrite() {
	c.lastWrite.Store(time.Now().UnixNano())
}

func (c *Conn) lastWriteTime() time.Time {
	return time.Unix(0, c.lastWrite.Load())
}

func readProtoHeader(r *bufio.Reader, wantProtoID byte) error {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	if hdr[0] != 'A' || hdr[1] != 'M' || hdr[2] != 'Q' || hdr[3] != 'P' {
		return fmt.Errorf("amqp: invalid protocol header %v", hdr)
	}
	if hdr[4] != wantProtoID {
		return fmt.Errorf("amqp: unexpected protocol id %d, wanted %d", hdr[4], wantProtoID)
	}
	return nil
}

// readLoop is the connection's sole reader: it parses one frame at a
// time off the wire and forwards it to mux via rxCh. It never touches
// conn state directly, so it needs no locking.
func (c *Conn) readLoop() {
	for {
		var sizeBytes [4]byte
		if _, err := io.ReadFull(c.r, sizeBytes[:]); err != nil {
			c.rxCh <- rxResult{err: err}
			return
		}
		c.markRead()
		size := uint32(sizeBytes[0])<<24 | uint32(sizeBytes[1])<<16 | uint32(sizeBytes[2])<<8 | uint32(sizeBytes[3])
		if size < frames.HeaderSize {
			c.rxCh <- rxResult{err: fmt.Errorf("frames: invalid frame size %d", size)}
			return
		}
		if size > c.maxFrameSize {
			c.rxCh <- rxResult{err: fmt.Errorf("amqp: frame size %d exceeds configured max-frame-size %d: %w", size, c.maxFrameSize, ErrMaxFrameSizeExceeded)}
			return
		}

		rest := make([]byte, size-4)
		if _, err := io.ReadFull(c.r, rest); err != nil {
			c.rxCh <- rxResult{err: err}
			return
		}

		full := append(sizeBytes[:], rest...)
		buf := buffer.New(full)
		hdr, err := frames.ParseHeader(buf)
		if err != nil {
			c.rxCh <- rxResult{err: err}
			return
		}

		fb, err := frames.ParseBody(buf)
		if err != nil {
			c.rxCh <- rxResult{err: err}
			return
		}
		if _, ok := fb.(*frames.Empty); ok {
			continue // heartbeat
		}
		c.rxCh <- rxResult{channel: hdr.Channel, body: fb}
	}
}

// mux is the connection's single dispatcher goroutine: it serializes
// all writes (txCh) and routes all reads (rxCh) to the owning Session.
func (c *Conn) mux() {
	defer c.shutdown()

	// a nil timer channel blocks forever in the select below, so
	// heartbeat-disabled connections just never take that case.
	var timerC <-chan time.Time
	heartbeat := c.idleTimeout > 0 || c.PeerIdleTimeout > 0
	var timer *time.Timer
	if heartbeat {
		timer = time.NewTimer(c.nextHeartbeatDelay())
		defer timer.Stop()
		timerC = timer.C
	}

	for {
		select {
		case req := <-c.txCh:
			err := c.writeFrame(req.channel, req.body)
			if req.errCh != nil {
				req.errCh <- err
			}
			if err != nil {
				c.err = err
				return
			}

		case res := <-c.rxCh:
			if res.err != nil {
				c.err = res.err
				return
			}
			if _, ok := res.body.(*frames.PerformClose); ok {
				return
			}
			c.mu.Lock()
			s, ok := c.sessions[res.channel]
			c.mu.Unlock()
			if !ok {
				continue
			}
			select {
			case s.rx <- res.body:
			case <-s.done:
			}

		case <-timerC:
			if err := c.checkHeartbeat(); err != nil {
				c.err = err
				return
			}
			timer.Reset(c.nextHeartbeatDelay())
		}
	}
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.net.Close()
	})
}

// readSASLFrame blocks for a single SASL frame, used only during the
// handshake before readLoop/mux are running.
func (c *Conn) readSASLFrame() (frames.FrameBody, error) {
	var sizeBytes [4]byte
	if _, err := io.ReadFull(c.r, sizeBytes[:]); err != nil {
		return nil, err
	}
	size := uint32(sizeBytes[0])<<24 | uint32(sizeBytes[1])<<16 | uint32(sizeBytes[2])<<8 | uint32(sizeBytes[3])
	rest := make([]byte, size-4)
	if _, err := io.ReadFull(c.r, rest); err != nil {
		return nil, err
	}
	buf := buffer.New(append(sizeBytes[:], rest...))
	if _, err := frames.ParseHeader(buf); err != nil {
		return nil, err
	}
	return frames.ParseBody(buf)
}

// writeSASLFrame marshals and writes fr as a SASL-typed frame on
// channel 0, used only during the pre-mux handshake.
func (c *Conn) writeSASLFrame(fr frames.FrameBody) error {
	body := buffer.New(nil)
	if err := encoding.Marshal(body, fr); err != nil {
		return err
	}
	hdr := frames.Header{
		Size:       uint32(frames.HeaderSize) + uint32(body.Len()),
		DataOffset: 2,
		FrameType:  frames.TypeSASL,
		Channel:    0,
	}
	out := buffer.New(nil)
	if err := hdr.Marshal(out); err != nil {
		return err
	}
	if _, err := c.net.Write(out.Bytes()); err != nil {
		return err
	}
	_, err := c.net.Write(body.Bytes())
	return err
}

// writeFrame marshals and writes fr directly on channel; used both for
// the pre-mux handshake (Open) and from inside mux itself.
func (c *Conn) writeFrame(channel uint16, fr frames.FrameBody) error {
	body := buffer.New(nil)
	if err := encoding.Marshal(body, fr); err != nil {
		return err
	}

	hdr := frames.Header{
		Size:       uint32(frames.HeaderSize) + uint32(body.Len()),
		DataOffset: 2,
		FrameType:  frames.TypeAMQP,
		Channel:    channel,
	}
	out := buffer.New(nil)
	if err := hdr.Marshal(out); err != nil {
		return err
	}
	// header and body go out in a single Write so a frame is never split.
	out.Write(body.Bytes())
	_, err := c.net.Write(out.Bytes())
	if err == nil {
		c.markWrite()
	}
	return err
}

// writeEmptyFrame sends a bare 8-byte frame header with no body: the
// AMQP keep-alive used to hold an idle connection open across its
// peer's declared idle-time-out.
func (c *Conn) writeEmptyFrame() error {
	hdr := frames.Header{
		Size:       frames.HeaderSize,
		DataOffset: 2,
		FrameType:  frames.TypeAMQP,
		Channel:    0,
	}
	out := buffer.New(nil)
	if err := hdr.Marshal(out); err != nil {
		return err
	}
	_, err := c.net.Write(out.Bytes())
	if err == nil {
		c.markWrite()
	}
	return err
}

// nextHeartbeatDelay returns how long to wait before the heartbeat
// timer needs re-checking: the sooner of when we'd next owe the peer a
// keep-alive, and when we'd declare the peer dead ourselves.
func (c *Conn) nextHeartbeatDelay() time.Duration {
	var due time.Duration = -1

	if c.PeerIdleTimeout > 0 {
		interval := time.Duration(float64(c.PeerIdleTimeout) * idleTimeoutFactor)
		d := interval - time.Since(c.lastWriteTime())
		if d < 0 {
			d = 0
		}
		due = d
	}
	if c.idleTimeout > 0 {
		d := c.idleTimeout - time.Since(c.lastReadTime())
		if d < 0 {
			d = 0
		}
		if due < 0 || d < due {
			due = d
		}
	}
	if due < 0 {
		return 0
	}
	return due
}

// checkHeartbeat is called when the heartbeat timer fires. It closes
// the connection if the peer has gone silent past our configured
// idle-time-out, otherwise sends an Empty frame if we're due to keep
// the peer from timing us out.
func (c *Conn) checkHeartbeat() error {
	if c.idleTimeout > 0 && time.Since(c.lastReadTime()) > c.idleTimeout {
		_ = c.writeFrame(0, &frames.PerformClose{
			Error: &encoding.Error{
				Condition:   ErrCondResourceLimitExceeded,
				Description: "no frame received within idle-time-out",
			},
		})
		return fmt.Errorf("amqp: no frame received within idle-time-out of %s", c.idleTimeout)
	}

	if c.PeerIdleTimeout > 0 {
		interval := time.Duration(float64(c.PeerIdleTimeout) * idleTimeoutFactor)
		if time.Since(c.lastWriteTime()) >= interval {
			return c.writeEmptyFrame()
		}
	}
	return nil
}

// txFrame asks mux to write fr on channel, blocking until mux has
// accepted the write (not until the peer has acknowledged anything).
func (c *Conn) txFrame(channel uint16, fr frames.FrameBody, done chan encoding.DeliveryState) error {
	errCh := make(chan error, 1)
	select {
	case c.txCh <- txReq{channel: channel, body: fr, done: done, errCh: errCh}:
	case <-c.done:
		return c.err
	}
	select {
	case err := <-errCh:
		return err
	case <-c.done:
		return c.err
	}
}

// NewSession opens a new Session on the lowest vacant channel number.
func (c *Conn) NewSession(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	channel := uint16(c.channels.Next(0))
	c.channels.Set(uint32(channel))
	s := newSession(c, channel)
	c.sessions[channel] = s
	c.mu.Unlock()

	if err := s.begin(ctx); err != nil {
		c.mu.Lock()
		delete(c.sessions, channel)
		c.channels.Clear(uint32(channel))
		c.mu.Unlock()
		return nil, err
	}
	return s, nil
}

// removeSession frees a session's channel number once it has ended, so
// a later NewSession can reuse it.
func (c *Conn) removeSession(channel uint16) {
	c.mu.Lock()
	delete(c.sessions, channel)
	c.channels.Clear(uint32(channel))
	c.mu.Unlock()
}

// Close sends Close and waits for the peer's Close, then closes the
// underlying net.Conn.
func (c *Conn) Close() error {
	select {
	case <-c.done:
		return c.err
	default:
	}
	_ = c.txFrame(0, &frames.PerformClose{}, nil)
	<-c.done
	if c.err != nil {
		return c.err
	}
	return nil
}
