package kexec

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExecDialer upgrades to a WebSocket and negotiates one of the given
// subprotocols, handing the server-side connection to serve for scripting.
type fakeExecDialer struct {
	server *httptest.Server
	proto  string
}

func newFakeExecServer(t *testing.T, proto string, serve func(conn *websocket.Conn)) *fakeExecDialer {
	t.Helper()
	upgrader := websocket.Upgrader{Subprotocols: []string{proto}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		go serve(conn)
	}))
	t.Cleanup(srv.Close)
	return &fakeExecDialer{server: srv, proto: proto}
}

func (f *fakeExecDialer) OpenWebSocket(ctx context.Context, version, path, namespace string, params url.Values, subprotocols []string) (*websocket.Conn, string, error) {
	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + path
	dialer := websocket.Dialer{Subprotocols: subprotocols}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, "", err
	}
	return conn, f.proto, nil
}

func frame(channel byte, payload []byte) []byte {
	return append([]byte{channel}, payload...)
}

func TestRun_SuccessExit(t *testing.T) {
	dialer := newFakeExecServer(t, SubprotocolV5, func(conn *websocket.Conn) {
		defer conn.Close()
		conn.WriteMessage(websocket.BinaryMessage, frame(ChannelStdout, []byte("hello\n")))
		status, _ := json.Marshal(map[string]string{"status": "Success"})
		conn.WriteMessage(websocket.BinaryMessage, frame(ChannelError, status))
	})

	session, err := Run(context.Background(), dialer, "v1", "/exec", "default", BuildExecParams("c", []string{"echo", "hi"}, false, false, true, true), Options{})
	require.NoError(t, err)

	out, err := io.ReadAll(session.Stdout())
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))

	code, err := session.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestRun_NonZeroExit(t *testing.T) {
	dialer := newFakeExecServer(t, SubprotocolV5, func(conn *websocket.Conn) {
		defer conn.Close()
		status, _ := json.Marshal(map[string]any{
			"status":  "Failure",
			"message": "command terminated with non-zero exit code",
			"details": map[string]any{
				"causes": []map[string]string{{"reason": "ExitCode", "message": "2"}},
			},
		})
		conn.WriteMessage(websocket.BinaryMessage, frame(ChannelError, status))
	})

	session, err := Run(context.Background(), dialer, "v1", "/exec", "default", BuildExecParams("c", []string{"false"}, false, false, true, true), Options{})
	require.NoError(t, err)

	code, err := session.Wait(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, code)
}

func TestRun_RequireV5RejectsV4(t *testing.T) {
	dialer := newFakeExecServer(t, SubprotocolV4, func(conn *websocket.Conn) { conn.Close() })

	_, err := Run(context.Background(), dialer, "v1", "/exec", "default", BuildExecParams("c", nil, false, false, true, true), Options{RequireV5: true})
	require.Error(t, err)
}

func TestCommunicate_WritesInputAndDrains(t *testing.T) {
	received := make(chan []byte, 1)
	dialer := newFakeExecServer(t, SubprotocolV5, func(conn *websocket.Conn) {
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err == nil && len(data) > 0 && data[0] == ChannelStdin {
			received <- data[1:]
		}
		conn.WriteMessage(websocket.BinaryMessage, frame(ChannelStdout, []byte("echoed")))
		status, _ := json.Marshal(map[string]string{"status": "Success"})
		conn.WriteMessage(websocket.BinaryMessage, frame(ChannelError, status))
	})

	session, err := Run(context.Background(), dialer, "v1", "/exec", "default", BuildExecParams("c", []string{"cat"}, false, true, true, true), Options{})
	require.NoError(t, err)

	stdout, _, err := Communicate(context.Background(), session, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "echoed", string(stdout))
	assert.Equal(t, []byte("ping"), <-received)
}
