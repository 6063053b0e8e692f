package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	v1 "eduloom/shared/contracts/chat/v1"
)

const wsCloseGrace = 2 * time.Second

var errTransportStopped = errors.New("chat: transport stopped")

// WSTransport is a Transport over a gateway websocket.
//
// It dials cfg.ServerURL with the bearer token, redials after a dropped
// connection and gives up after cfg.ReconnectAttempts consecutive failed
// dials. Outbound envelopes go through a bounded queue that is never closed,
// so Emit is safe from any goroutine.
type WSTransport struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	running   bool
	closed    bool
	connected bool
	send      chan v1.Envelope
	stop      chan struct{}
	done      chan struct{}
	cancel    context.CancelFunc
}

// NewWSTransport returns an idle transport.
func NewWSTransport(cfg Config, log *slog.Logger) *WSTransport {
	if log == nil {
		log = slog.Default()
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = DefaultConfig().SendQueueSize
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = DefaultConfig().MaxFrameBytes
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultConfig().DialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	return &WSTransport{cfg: cfg, log: log}
}

// Connect starts the dial loop. Events are delivered to h in order. The loop
// runs until Close, until the reconnect budget is spent (TransportGaveUp) or
// until ctx ends (TransportStopped); after either event Connect may be called
// again, also from inside h.
func (t *WSTransport) Connect(ctx context.Context, h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if t.running {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.running = true
	t.cancel = cancel
	t.stop = make(chan struct{})
	t.done = make(chan struct{})

	go t.run(runCtx, cancel, h, t.stop, t.done)
	return nil
}

// Emit queues env on the current connection.
func (t *WSTransport) Emit(env v1.Envelope) error {
	t.mu.Lock()
	send := t.send
	closed := t.closed
	t.mu.Unlock()

	if closed || send == nil {
		return ErrNotConnected
	}
	select {
	case send <- env:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close flushes queued envelopes, closes the connection normally and stops
// the dial loop.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	running := t.running
	connected := t.connected
	stop, done, cancel := t.stop, t.done, t.cancel
	t.mu.Unlock()

	if !running {
		return nil
	}
	close(stop)
	if !connected {
		cancel()
	}

	select {
	case <-done:
	case <-time.After(t.cfg.WriteTimeout + wsCloseGrace):
		cancel()
		<-done
	}
	cancel()
	return nil
}

func (t *WSTransport) run(ctx context.Context, cancel context.CancelFunc, h Handler, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	// finish marks the transport idle before the final event reaches h, so
	// a handler may call Connect again from inside it.
	finish := func(ev *TransportEvent) {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
		cancel()
		if ev != nil && !isStopped(stop) {
			h(*ev)
		}
	}
	stopped := func(attempt int) *TransportEvent {
		if isStopped(stop) {
			return nil
		}
		t.log.Info("chat.ws.stopped", "url", t.cfg.ServerURL, "err", ctx.Err())
		return &TransportEvent{Kind: TransportStopped, Attempt: attempt, Err: ctx.Err()}
	}

	failures := 0
	for {
		conn, err := t.dial(ctx)
		if err != nil {
			if ctx.Err() != nil || isStopped(stop) {
				finish(stopped(failures))
				return
			}
			failures++
			t.log.Info("chat.ws.dial.fail", "url", t.cfg.ServerURL, "attempt", failures, "err", err)
			h(TransportEvent{Kind: TransportConnectError, Attempt: failures, Err: err})

			if failures > t.cfg.ReconnectAttempts {
				t.log.Warn("chat.ws.gave_up", "url", t.cfg.ServerURL, "attempts", failures)
				finish(&TransportEvent{Kind: TransportGaveUp, Attempt: failures, Err: err})
				return
			}
			if !sleepOrStop(ctx, stop, t.cfg.ReconnectDelay) {
				finish(stopped(failures))
				return
			}
			continue
		}

		failures = 0
		err = t.serve(ctx, conn, h, stop)
		if ctx.Err() != nil || isStopped(stop) {
			finish(stopped(0))
			return
		}

		t.log.Info("chat.ws.disconnected", "close_status", websocket.CloseStatus(err), "err", err)
		h(TransportEvent{Kind: TransportDisconnected, Err: err})
		if !sleepOrStop(ctx, stop, t.cfg.ReconnectDelay) {
			finish(stopped(0))
			return
		}
	}
}

func (t *WSTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()

	hdr := http.Header{}
	if t.cfg.Token != "" {
		hdr.Set("Authorization", "Bearer "+t.cfg.Token)
	}

	conn, resp, err := websocket.Dial(dialCtx, t.cfg.ServerURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   hdr,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("subprotocol mismatch: got=%q want=%q", sp, v1.Subprotocol)
	}
	return conn, nil
}

// serve runs one established connection until it drops or the transport
// stops. The read, write and ping loops share one errgroup so the first
// failure tears down the others.
func (t *WSTransport) serve(ctx context.Context, conn *websocket.Conn, h Handler, stop <-chan struct{}) error {
	conn.SetReadLimit(t.cfg.MaxFrameBytes)

	send := make(chan v1.Envelope, t.cfg.SendQueueSize)
	t.mu.Lock()
	t.send = send
	t.connected = true
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.send = nil
		t.connected = false
		t.mu.Unlock()
		_ = conn.CloseNow()
	}()

	h(TransportEvent{Kind: TransportConnected})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.writeLoop(gctx, conn, send, stop) })
	g.Go(func() error { return t.pingLoop(gctx, conn) })
	g.Go(func() error { return t.readLoop(gctx, conn, h) })
	return g.Wait()
}

func (t *WSTransport) writeLoop(ctx context.Context, conn *websocket.Conn, send <-chan v1.Envelope, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			for {
				select {
				case env := <-send:
					if err := t.write(ctx, conn, env); err != nil {
						return err
					}
				default:
					_ = conn.Close(websocket.StatusNormalClosure, "bye")
					return errTransportStopped
				}
			}
		case env := <-send:
			if err := t.write(ctx, conn, env); err != nil {
				t.log.Info("chat.ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
				return err
			}
		}
	}
}

func (t *WSTransport) write(ctx context.Context, conn *websocket.Conn, env v1.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	wctx, cancel := context.WithTimeout(ctx, t.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, b)
}

func (t *WSTransport) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	if t.cfg.PingInterval <= 0 {
		<-ctx.Done()
		return nil
	}

	tick := time.NewTicker(t.cfg.PingInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			pctx, cancel := context.WithTimeout(ctx, t.cfg.WriteTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func (t *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn, h Handler) error {
	for {
		mt, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if mt != websocket.MessageText {
			continue
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.log.Warn("chat.ws.bad_json", "err", err)
			continue
		}
		if err := env.Validate(); err != nil {
			t.log.Warn("chat.ws.bad_envelope", "err", err)
			continue
		}
		h(TransportEvent{Kind: TransportEnvelope, Envelope: env})
	}
}

func isStopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

func sleepOrStop(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return !isStopped(stop) && ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-timer.C:
		return true
	}
}
