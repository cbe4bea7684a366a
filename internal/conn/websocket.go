package conn

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/websocket"

	"github.com/dubwire/dubwire/internal/protocol"
	"github.com/dubwire/dubwire/pkg/types"
)

// Transport is one established, handshaken channel to the service.
// Implementations are created by a [Dialer] and discarded on disconnect;
// the [Manager] never reuses a transport across reconnects.
type Transport interface {
	// ReadMessage blocks until the next inbound message arrives. The
	// returned bytes are a complete UTF-8 JSON message.
	ReadMessage(ctx context.Context) ([]byte, error)

	// WriteBinary sends one outbound PCM16 frame.
	WriteBinary(ctx context.Context, data []byte) error

	// Ping sends a transport-level keep-alive.
	Ping(ctx context.Context) error

	// Close tears the channel down.
	Close() error
}

// Dialer establishes a [Transport]: it opens the websocket, sends the
// handshake, and waits for the server's ready status. Auth rejections must
// be returned wrapping [types.ErrAuthentication]; everything else wrapping
// [types.ErrTransientNetwork].
type Dialer interface {
	Dial(ctx context.Context, endpoint string, hs protocol.Handshake) (Transport, error)
}

// WebsocketDialer is the production [Dialer] built on coder/websocket.
type WebsocketDialer struct {
	// HandshakeTimeout bounds the dial plus the wait for the server's
	// ready status. Default: 10s.
	HandshakeTimeout time.Duration
}

// Dial implements [Dialer].
func (d *WebsocketDialer) Dial(ctx context.Context, endpoint string, hs protocol.Handshake) (Transport, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return nil, classifyDialError(err)
	}
	// Inbound audio messages can be large; the default read limit is 32 KiB.
	ws.SetReadLimit(1 << 20)

	payload, err := hs.Encode()
	if err != nil {
		_ = ws.Close(websocket.StatusInternalError, "handshake encode failed")
		return nil, err
	}
	if err := ws.Write(ctx, websocket.MessageText, payload); err != nil {
		_ = ws.CloseNow()
		return nil, classifyDialError(err)
	}

	// The handshake completes when the server sends its first status
	// message with state "ready". Anything else before that is a failure.
	for {
		_, raw, err := ws.Read(ctx)
		if err != nil {
			_ = ws.CloseNow()
			return nil, classifyDialError(err)
		}
		msg, err := protocol.Parse(raw)
		if err != nil {
			// Noise before the ack is ignored rather than fatal.
			continue
		}
		switch msg.Type {
		case protocol.TypeStatus:
			if msg.Status.State == protocol.StatusReady {
				return &wsTransport{ws: ws}, nil
			}
		case protocol.TypeError:
			_ = ws.Close(websocket.StatusNormalClosure, "handshake rejected")
			return nil, fmt.Errorf("%w: handshake rejected: %s (%s)",
				types.ErrTransientNetwork, msg.Error.Message, msg.Error.Code)
		}
	}
}

// classifyDialError maps websocket failures onto the error taxonomy using
// the close code: the auth rejection code is fatal, everything else is
// transient.
func classifyDialError(err error) error {
	switch websocket.CloseStatus(err) {
	case websocket.StatusCode(protocol.CloseAuthRejected):
		return fmt.Errorf("%w: %v", types.ErrAuthentication, err)
	case websocket.StatusCode(protocol.CloseQuotaExhausted):
		return fmt.Errorf("%w: %v", types.ErrQuotaExceeded, err)
	default:
		return fmt.Errorf("%w: %v", types.ErrTransientNetwork, err)
	}
}

// wsTransport adapts a coder/websocket connection to [Transport].
type wsTransport struct {
	ws *websocket.Conn
}

func (t *wsTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	_, raw, err := t.ws.Read(ctx)
	if err != nil {
		return nil, classifyDialError(err)
	}
	return raw, nil
}

func (t *wsTransport) WriteBinary(ctx context.Context, data []byte) error {
	if err := t.ws.Write(ctx, websocket.MessageBinary, data); err != nil {
		return classifyDialError(err)
	}
	return nil
}

func (t *wsTransport) Ping(ctx context.Context) error {
	return t.ws.Ping(ctx)
}

func (t *wsTransport) Close() error {
	return t.ws.Close(websocket.StatusNormalClosure, "session closed")
}
