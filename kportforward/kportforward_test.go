package kportforward

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newEchoServer upgrades to a WebSocket and echoes every data-channel frame
// back on the data channel, simulating a remote port accepting a connection.
func newEchoServer(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{Subprotocols: subprotocols}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if len(data) == 0 || data[0] != dataChannel {
				continue
			}
			echoed := append([]byte{dataChannel}, data[1:]...)
			if err := conn.WriteMessage(websocket.BinaryMessage, echoed); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestForwarder_EchoesThroughTCP(t *testing.T) {
	serverURL := newEchoServer(t)
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http")

	dial := func(ctx context.Context) (*websocket.Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		return conn, err
	}

	fwd := New(Options{
		RemotePort: 8080,
		Target:     StaticTarget{Dial: dial},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, fwd.Start(ctx))
	defer fwd.Stop()

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(fwd.LocalPort())))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ping\n", line)
}

func TestReadyPodsTarget_NoReadyPods(t *testing.T) {
	target := ReadyPodsTarget{
		ReadyPods: func(ctx context.Context) ([]PodRef, error) { return nil, nil },
	}
	_, err := target.Connect(context.Background())
	require.Error(t, err)
}

func TestReadyPodsTarget_RetriesThenSucceeds(t *testing.T) {
	attempts := 0
	target := ReadyPodsTarget{
		ReadyPods: func(ctx context.Context) ([]PodRef, error) {
			return []PodRef{{
				Name: "pod-a",
				Dial: func(ctx context.Context) (*websocket.Conn, error) {
					attempts++
					if attempts < 2 {
						return nil, assertErr{}
					}
					return nil, nil
				},
			}}, nil
		},
	}
	_, err := target.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

type assertErr struct{}

func (assertErr) Error() string { return "dial failed" }

func TestBuildParams(t *testing.T) {
	params := BuildParams(9090)
	assert.Equal(t, url.Values{"ports": {"9090"}}, params)
}
