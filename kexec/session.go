// Package kexec implements the exec channel: a multiplexed WebSocket
// state machine for remote command execution over the
// v5.channel.k8s.io/v4.channel.k8s.io subprotocol family. Each binary
// frame's first byte selects a channel (stdin/stdout/stderr/error/resize,
// plus close under v5); the error channel carries the terminal Status
// from which the exit code is parsed.
package kexec

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"

	"github.com/kr8s-go/kr8s/kerrors"
)

// Channel identifiers: the first byte of every binary frame.
const (
	ChannelStdin  byte = 0
	ChannelStdout byte = 1
	ChannelStderr byte = 2
	ChannelError  byte = 3
	ChannelResize byte = 4
	ChannelClose  byte = 255 // v5 only
)

const (
	SubprotocolV5 = "v5.channel.k8s.io"
	SubprotocolV4 = "v4.channel.k8s.io"
)

// Dialer is the narrow transport surface kexec needs: opening a
// negotiated WebSocket to a pod's exec/attach endpoint. Implemented by
// ktransport.Session.
type Dialer interface {
	OpenWebSocket(ctx context.Context, version, path, namespace string, params url.Values, subprotocols []string) (*websocket.Conn, string, error)
}

// state tracks the session through open, closing (error frame seen), and
// closed (socket gone).
type state int

const (
	stateInit state = iota
	stateOpen
	stateClosing
	stateClosed
)

// Options configures Run.
type Options struct {
	Command    []string
	Container  string
	TTY        bool
	Stdin      io.Reader // nil means no stdin
	RequireV5  bool      // caller needs v5-only semantics (stdin half-close); ExecError on v4
	Stderr2Out bool
}

// Session is an exec channel bound to one WebSocket connection.
type Session struct {
	ID string

	mu    sync.Mutex
	state state
	conn  *websocket.Conn
	proto string

	stdoutW *io.PipeWriter
	stdoutR *io.PipeReader
	stderrW *io.PipeWriter
	stderrR *io.PipeReader

	exitStatus int
	exitErr    error
	gotStatus  bool // terminal Status frame received; exitStatus is authoritative
	done       chan struct{}
}

// Run opens the channel and starts driving frames. version/path/
// namespace/params must already encode container, command, tty, and the
// stdin/stdout/stderr booleans; callers typically build these via
// BuildExecParams.
func Run(ctx context.Context, dialer Dialer, version, path, namespace string, params url.Values, opts Options) (*Session, error) {
	conn, proto, err := dialer.OpenWebSocket(ctx, version, path, namespace, params, []string{SubprotocolV5, SubprotocolV4})
	if err != nil {
		return nil, err
	}

	if opts.RequireV5 && proto != SubprotocolV5 {
		conn.Close()
		return nil, &kerrors.ExecError{Reason: "server negotiated " + proto + " but caller requires v5-only semantics"}
	}

	s := &Session{
		ID:    uuid.NewString(),
		state: stateOpen,
		conn:  conn,
		proto: proto,
		done:  make(chan struct{}),
	}
	s.stdoutR, s.stdoutW = io.Pipe()
	s.stderrR, s.stderrW = io.Pipe()

	go s.readLoop()

	if opts.Stdin != nil {
		go s.pumpStdin(opts.Stdin, opts.RequireV5)
	}

	return s, nil
}

// BuildExecParams assembles the exec query string: container, command
// (repeated), and the tty/stdin/stdout/stderr booleans serialized as
// lowercase strings.
func BuildExecParams(container string, command []string, tty, stdin, stdout, stderr bool) url.Values {
	params := url.Values{}
	if container != "" {
		params.Set("container", container)
	}
	for _, c := range command {
		params.Add("command", c)
	}
	params.Set("tty", strconv.FormatBool(tty))
	params.Set("stdin", strconv.FormatBool(stdin))
	params.Set("stdout", strconv.FormatBool(stdout))
	params.Set("stderr", strconv.FormatBool(stderr))
	return params
}

// Stdout/Stderr expose the channel's demultiplexed output streams.
func (s *Session) Stdout() io.Reader { return s.stdoutR }
func (s *Session) Stderr() io.Reader { return s.stderrR }

func (s *Session) readLoop() {
	defer close(s.done)
	defer s.stdoutW.Close()
	defer s.stderrW.Close()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			// A read failure before the terminal Status frame is a real
			// disconnect; after it, the server closing the socket is the
			// normal end of the session.
			if !s.gotStatus {
				s.exitStatus = -4
				s.exitErr = &kerrors.ConnectionClosedError{Cause: err}
			}
			s.state = stateClosed
			s.mu.Unlock()
			return
		}
		if len(data) == 0 {
			continue
		}
		channel, payload := data[0], data[1:]
		switch channel {
		case ChannelStdout:
			s.stdoutW.Write(payload)
		case ChannelStderr:
			s.stderrW.Write(payload)
		case ChannelError:
			// The Status frame is terminal; nothing follows it but the
			// server's close.
			s.handleErrorFrame(payload)
			s.mu.Lock()
			s.state = stateClosing
			s.mu.Unlock()
			return
		}
	}
}

// execStatus mirrors the Kubernetes exec error-frame Status payload.
type execStatus struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Details struct {
		Causes []struct {
			Reason  string `json:"reason"`
			Message string `json:"message"`
		} `json:"causes"`
	} `json:"details"`
}

// handleErrorFrame parses the terminal Status frame: Success -> 0; else
// the first cause with reason==ExitCode yields int(message); absent such
// a cause -> -2; non-JSON payload -> -1.
func (s *Session) handleErrorFrame(payload []byte) {
	var st execStatus
	if err := json.Unmarshal(payload, &st); err != nil {
		s.mu.Lock()
		s.gotStatus = true
		s.exitStatus = -1
		s.exitErr = &kerrors.ExecError{ReturnCode: -1, Reason: "non-JSON exit status"}
		s.mu.Unlock()
		return
	}
	if st.Status == "Success" {
		s.mu.Lock()
		s.gotStatus = true
		s.exitStatus = 0
		s.mu.Unlock()
		return
	}
	for _, c := range st.Details.Causes {
		if c.Reason == "ExitCode" {
			code, err := strconv.Atoi(c.Message)
			if err == nil {
				s.mu.Lock()
				s.gotStatus = true
				s.exitStatus = code
				s.exitErr = &kerrors.ExecError{ReturnCode: code, Reason: st.Message}
				s.mu.Unlock()
				return
			}
		}
	}
	s.mu.Lock()
	s.gotStatus = true
	s.exitStatus = -2
	s.exitErr = &kerrors.ExecError{ReturnCode: -2, Reason: st.Message}
	s.mu.Unlock()
}

func (s *Session) pumpStdin(r io.Reader, requireV5 bool) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			frame := append([]byte{ChannelStdin}, buf[:n]...)
			s.mu.Lock()
			writeErr := s.conn.WriteMessage(websocket.BinaryMessage, frame)
			s.mu.Unlock()
			if writeErr != nil {
				return
			}
		}
		if err != nil {
			s.closeStdin(requireV5)
			return
		}
	}
}

// closeStdin half-closes stdin: on v5, send 255‖0; on v4, stdin cannot
// be half-closed — the half-close is silently elided with a warning
// (callers that required v5-only semantics were already rejected by Run
// at negotiation time).
func (s *Session) closeStdin(requireV5 bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proto != SubprotocolV5 {
		slog.Warn("kr8s: stdin half-close not supported on negotiated subprotocol; elided",
			"session", s.ID, "subprotocol", s.proto)
		return
	}
	frame := []byte{ChannelClose, ChannelStdin}
	s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// WriteStdin sends data on the stdin channel directly, for callers (like
// Communicate) that supply a fixed input buffer instead of streaming via
// Run's Options.Stdin.
func (s *Session) WriteStdin(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	frame := append([]byte{ChannelStdin}, data...)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// CloseStdin half-closes stdin per the v4/v5 rule above.
func (s *Session) CloseStdin() {
	s.closeStdin(false)
}

// Resize sends a resize control frame on channel 4.
func (s *Session) Resize(width, height int) error {
	payload, err := json.Marshal(map[string]int{"Width": width, "Height": height})
	if err != nil {
		return &kerrors.ValueError{Message: err.Error()}
	}
	frame := append([]byte{ChannelResize}, payload...)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Wait drives the channel until an error-frame with status is received
// (or the socket closes), returning the parsed exit status.
func (s *Session) Wait(ctx context.Context) (int, error) {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.exitStatus, s.exitErr
	case <-ctx.Done():
		return 0, &kerrors.APITimeoutError{Cause: ctx.Err()}
	}
}

// Communicate writes input to stdin (if any), closes stdin, drains stdout
// and stderr concurrently to EOF, waits for exit, and returns
// (stdout, stderr). The session must have been opened with Options.Stdin
// left nil; Communicate owns the stdin channel itself.
func Communicate(ctx context.Context, s *Session, input []byte) (stdout, stderr []byte, err error) {
	if len(input) > 0 {
		if werr := s.WriteStdin(input); werr != nil {
			return nil, nil, werr
		}
	}
	s.CloseStdin()

	var outBuf, errBuf []byte
	var eg errgroup.Group
	eg.Go(func() error {
		var rerr error
		outBuf, rerr = io.ReadAll(s.Stdout())
		return rerr
	})
	eg.Go(func() error {
		var rerr error
		errBuf, rerr = io.ReadAll(s.Stderr())
		return rerr
	})
	if derr := eg.Wait(); derr != nil {
		return outBuf, errBuf, &kerrors.ConnectionClosedError{Cause: derr}
	}
	code, waitErr := s.Wait(ctx)
	if waitErr != nil {
		return outBuf, errBuf, waitErr
	}
	if code != 0 {
		return outBuf, errBuf, &kerrors.ExecError{ReturnCode: code}
	}
	return outBuf, errBuf, nil
}

// Close forcibly tears down the underlying socket.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return nil
	}
	s.state = stateClosed
	return s.conn.Close()
}

// reconnectBackoff carries the base delay for the target-selection
// retry: up to 5 attempts with backoff 0.2 × attempt seconds.
func reconnectBackoff() *backoff.Backoff {
	return &backoff.Backoff{Min: 200 * time.Millisecond, Factor: 1, Jitter: false}
}
