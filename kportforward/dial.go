package kportforward

import (
	"context"

	"github.com/gorilla/websocket"
)

// Open dials one pod's portforward endpoint, negotiating the channel
// subprotocol exactly as exec/attach does. It is the building block
// StaticTarget and ReadyPodsTarget's per-pod Dial funcs are expected to
// call.
func Open(ctx context.Context, dialer Dialer, version, path, namespace string, remotePort int) (*websocket.Conn, error) {
	conn, _, err := dialer.OpenWebSocket(ctx, version, path, namespace, BuildParams(remotePort), subprotocols)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
