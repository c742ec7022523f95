package ktransport

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kr8s-go/kr8s/kerrors"
)

const dialerHandshakeTimeout = 30 * time.Second

// execSubprotocols is the fixed offer order for exec/attach and
// port-forward channels: v5.channel.k8s.io preferred, v4.channel.k8s.io
// as fallback.
var execSubprotocols = []string{"v5.channel.k8s.io", "v4.channel.k8s.io"}

// OpenWebSocket implements C4's openWebSocket: scoped acquisition of a
// WebSocket with negotiated subprotocol. subprotocols overrides the
// default exec/attach offer order when non-nil (port-forward reuses the
// same family).
func (s *Session) OpenWebSocket(ctx context.Context, version, path, namespace string, params url.Values, subprotocols []string) (*websocket.Conn, string, error) {
	if subprotocols == nil {
		subprotocols = execSubprotocols
	}

	bundle := s.holder.Current()
	tlsCfg, err := bundle.TLSConfig()
	if err != nil {
		return nil, "", err
	}

	httpURL, err := buildURL(bundle.ServerURL, version, namespace, path, params)
	if err != nil {
		return nil, "", err
	}
	wsURL := toWebSocketURL(httpURL)

	header := http.Header{}
	header.Set("User-Agent", UserAgent)
	if bundle.Token != "" {
		header.Set("Authorization", "Bearer "+bundle.Token)
	}

	dialer := websocket.Dialer{
		TLSClientConfig:  tlsCfg,
		Subprotocols:     subprotocols,
		HandshakeTimeout: dialerHandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, "", mapStatusError(resp.StatusCode, nil)
		}
		return nil, "", err
	}

	negotiated := conn.Subprotocol()
	if !protocolOffered(negotiated, subprotocols) {
		conn.Close()
		return nil, "", &kerrors.ConnectionClosedError{Cause: &kerrors.ValueError{Message: "server negotiated unsupported subprotocol: " + negotiated}}
	}
	return conn, negotiated, nil
}

func protocolOffered(negotiated string, offered []string) bool {
	for _, p := range offered {
		if p == negotiated {
			return true
		}
	}
	return false
}

func toWebSocketURL(httpURL string) string {
	if strings.HasPrefix(httpURL, "https://") {
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	}
	if strings.HasPrefix(httpURL, "http://") {
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	}
	return httpURL
}
