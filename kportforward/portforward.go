// Package kportforward implements the port-forward channel: a
// multiplexed WebSocket state machine pairing local TCP listeners to a
// remote pod port, with pod selection and reconnect for targets resolved
// via readyPods(). Each forwarded port owns a channel pair on the wire —
// 2i carries data bidirectionally, 2i+1 carries server error reports —
// specialized here to the single-port case of 0/1.
package kportforward

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"

	"github.com/kr8s-go/kr8s/kerrors"
)

const (
	// dataChannel/errorChannel are the single-port case (i=0) of the
	// "2i is data, 2i+1 is error" wire format.
	dataChannel  byte = 0
	errorChannel byte = 1

	maxChunk = 1 << 20 // largest TCP read forwarded as a single frame

	localPortScanMin = 10000
	localPortScanMax = 60000
)

var subprotocols = []string{"v5.channel.k8s.io", "v4.channel.k8s.io"}

// Dialer is the narrow transport surface kportforward needs: opening a
// negotiated WebSocket to a pod's portforward endpoint. Implemented by
// ktransport.Session.
type Dialer interface {
	OpenWebSocket(ctx context.Context, version, path, namespace string, params url.Values, subprotocols []string) (*websocket.Conn, string, error)
}

// BuildParams assembles the port-forward query string: ports=<n>
// (comma-separated when forwarding several ports; this package handles
// the single-port case).
func BuildParams(remotePort int) url.Values {
	params := url.Values{}
	params.Set("ports", strconv.Itoa(remotePort))
	return params
}

// Target resolves and opens one WebSocket connection for a single
// forwarding attempt. Implementations decide how a target pod is picked.
type Target interface {
	Connect(ctx context.Context) (*websocket.Conn, error)
}

// StaticTarget connects directly to one resolved endpoint (the caller
// already knows the Pod; the retry/selection rules apply only to targets
// resolved via readyPods(), not to a direct Pod target).
type StaticTarget struct {
	Dial func(ctx context.Context) (*websocket.Conn, error)
}

func (t StaticTarget) Connect(ctx context.Context) (*websocket.Conn, error) { return t.Dial(ctx) }

// PodRef is the narrow view kportforward needs of one ready-pod candidate.
type PodRef struct {
	Name string
	Dial func(ctx context.Context) (*websocket.Conn, error)
}

// ReadyPodsTarget selects a pod for a Service (or other resource
// exposing readyPods()): one is picked uniformly at random per new
// WebSocket; on a WebSocket failure, pod selection resets and the dial
// retries with backoff 0.1 × attempt seconds up to 5 attempts.
type ReadyPodsTarget struct {
	ReadyPods func(ctx context.Context) ([]PodRef, error)
}

func (t ReadyPodsTarget) Connect(ctx context.Context) (*websocket.Conn, error) {
	b := &backoff.Backoff{Min: 100 * time.Millisecond}
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		pods, err := t.ReadyPods(ctx)
		if err != nil {
			return nil, err
		}
		if len(pods) == 0 {
			return nil, &kerrors.NotFoundError{Kind: "Pod"}
		}
		pick := pods[rand.Intn(len(pods))]
		conn, err := pick.Dial(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if attempt == 4 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * b.Min):
		}
	}
	return nil, lastErr
}

// Options configures a Forwarder.
type Options struct {
	LocalPort     int // 0 requests a scanned free port, see scanFreePort
	RemotePort    int
	BindAddresses []string // default ["127.0.0.1"]
	Target        Target
}

// Forwarder is one port-forward session: an array of local TCP
// listeners, one per bind address, pumping accepted connections through a
// WebSocket opened via Target.
type Forwarder struct {
	opts      Options
	localPort int

	mu        sync.Mutex
	listeners []net.Listener
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	conns     sync.WaitGroup // active TCP connections, drained on shutdown
}

// New constructs a Forwarder bound to opts. Start (or RunForever) must be
// called to begin listening.
func New(opts Options) *Forwarder {
	if len(opts.BindAddresses) == 0 {
		opts.BindAddresses = []string{"127.0.0.1"}
	}
	return &Forwarder{opts: opts, localPort: opts.LocalPort}
}

// LocalPort returns the bound local port, resolved after Start.
func (f *Forwarder) LocalPort() int { return f.localPort }

// Start resolves the local port (scanning [10000, 60000] if the caller
// requested 0), opens one listener per bind address, and spawns a
// background accept loop per listener.
func (f *Forwarder) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	port := f.opts.LocalPort
	if port == 0 {
		scanned, err := scanFreePort(f.opts.BindAddresses)
		if err != nil {
			return err
		}
		port = scanned
	}

	var listeners []net.Listener
	for _, addr := range f.opts.BindAddresses {
		ln, err := net.Listen("tcp", net.JoinHostPort(addr, strconv.Itoa(port)))
		if err != nil {
			for _, opened := range listeners {
				opened.Close()
			}
			return err
		}
		listeners = append(listeners, ln)
	}

	runCtx, cancel := context.WithCancel(ctx)
	f.localPort = port
	f.listeners = listeners
	f.cancel = cancel

	for _, ln := range listeners {
		f.wg.Add(1)
		go f.acceptLoop(runCtx, ln)
	}
	return nil
}

func (f *Forwarder) acceptLoop(ctx context.Context, ln net.Listener) {
	defer f.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		f.conns.Add(1)
		go func() {
			defer f.conns.Done()
			f.pump(ctx, conn)
		}()
	}
}

// pump bridges one accepted TCP connection: tcpToWs reads up to
// 1 MiB per chunk, prepends the data-channel byte, sends as a binary
// frame; wsToTcp receives frames and writes data-channel payloads to the
// TCP peer. An odd-channel frame is an error report and terminates the
// connection.
func (f *Forwarder) pump(ctx context.Context, tcpConn net.Conn) {
	defer tcpConn.Close()

	conn, err := f.opts.Target.Connect(ctx)
	if err != nil {
		slog.Warn("kr8s: port-forward could not open websocket", "error", err)
		return
	}
	defer conn.Close()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return tcpToWs(tcpConn, conn) })
	eg.Go(func() error { return wsToTcp(conn, tcpConn) })
	// When either side finishes (or the parent scope is cancelled), close
	// both ends so the peer pump's blocking read unblocks.
	eg.Go(func() error {
		<-egCtx.Done()
		tcpConn.Close()
		conn.Close()
		return nil
	})
	if err := eg.Wait(); err != nil && !isExpectedClose(err) {
		slog.Warn("kr8s: port-forward connection closed", "error", err)
	}
}

// isExpectedClose filters the errors a normally-terminated bridge ends
// with: local TCP EOF, reads against a connection the closer goroutine
// already shut, and the peer's websocket close handshake.
func isExpectedClose(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var ce *websocket.CloseError
	return errors.As(err, &ce)
}

// tcpToWs runs until the local TCP peer closes (io.EOF) or a write to
// the WebSocket fails; its terminal error cancels the pump's group.
func tcpToWs(tcpConn net.Conn, ws *websocket.Conn) error {
	buf := make([]byte, maxChunk)
	for {
		n, err := tcpConn.Read(buf)
		if n > 0 {
			frame := append([]byte{dataChannel}, buf[:n]...)
			if werr := ws.WriteMessage(websocket.BinaryMessage, frame); werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}
	}
}

// wsToTcp receives frames and writes data-channel payloads to the TCP
// peer, returning its terminal error so the pump's group tears the other
// side down. An odd-channel frame is an error report; it terminates the
// connection and its payload is returned wrapped in
// kerrors.ConnectionClosedError.
func wsToTcp(ws *websocket.Conn, tcpConn net.Conn) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		if len(data) == 0 {
			continue
		}
		channel, payload := data[0], data[1:]
		if channel%2 != 0 {
			return &kerrors.ConnectionClosedError{Payload: payload}
		}
		if channel == dataChannel {
			if _, err := tcpConn.Write(payload); err != nil {
				return err
			}
		}
	}
}

// Stop cancels the background accept loops and closes the listeners.
// Cancelling also closes the TCP and WebSocket ends of every active
// connection without draining data still in flight; Stop returns once
// their pumps have exited.
func (f *Forwarder) Stop() error {
	f.mu.Lock()
	cancel := f.cancel
	listeners := f.listeners
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var firstErr error
	for _, ln := range listeners {
		if err := ln.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	f.wg.Wait()
	f.conns.Wait()
	return firstErr
}

// RunForever serves all listeners concurrently until ctx is cancelled:
// it starts the forwarder, blocks until ctx is done, then stops it.
func (f *Forwarder) RunForever(ctx context.Context) error {
	if err := f.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return f.Stop()
}

// scanFreePort picks a local port: scan [10000, 60000] uniformly at
// random until every configured bind address reports "free" via a
// connect probe, giving up with an error after 200 candidates.
func scanFreePort(bindAddresses []string) (int, error) {
	const maxAttempts = 200
	span := localPortScanMax - localPortScanMin + 1
	for i := 0; i < maxAttempts; i++ {
		candidate := localPortScanMin + rand.Intn(span)
		if allAddressesFree(candidate, bindAddresses) {
			return candidate, nil
		}
	}
	return 0, errors.New("kr8s: no free local port found after scanning")
}

func allAddressesFree(port int, addrs []string) bool {
	for _, addr := range addrs {
		if !probeFree(addr, port) {
			return false
		}
	}
	return true
}

// probeFree dials addr:port; a successful connect means something is
// already listening (not free), a dial error means free.
func probeFree(addr string, port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(addr, strconv.Itoa(port)), 100*time.Millisecond)
	if err != nil {
		return true
	}
	conn.Close()
	return false
}
