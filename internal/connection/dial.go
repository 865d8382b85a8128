package connection

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"

	"github.com/codewiresh/esrpc/internal/protocol"
)

// Target describes where to connect. URL schemes:
//
//	unix:///path/to/sock    local stream socket
//	tcp://host:port          plain TCP
//	tls://host:port          TCP with TLS
//	ws://, wss://            WebSocket; http:// and https:// are converted
type Target struct {
	URL   string
	Token string      // sent as a bearer token on WebSocket upgrades
	TLS   *tls.Config // optional, for tls:// and wss://
}

// Dial establishes a connection to the target and returns a reader and
// writer pair. The caller is responsible for closing both.
func (t *Target) Dial(ctx context.Context) (MessageReader, MessageWriter, error) {
	u, err := url.Parse(t.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing endpoint %q: %w", t.URL, err)
	}

	switch u.Scheme {
	case "unix":
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		return dialNet(ctx, "unix", path, nil)
	case "tcp":
		return dialNet(ctx, "tcp", u.Host, nil)
	case "tls":
		cfg := t.TLS
		if cfg == nil {
			cfg = &tls.Config{ServerName: u.Hostname()}
		}
		return dialNet(ctx, "tcp", u.Host, cfg)
	case "ws", "wss", "http", "https":
		return t.dialWS(ctx)
	default:
		return nil, nil, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
}

func dialNet(ctx context.Context, network, addr string, cfg *tls.Config) (MessageReader, MessageWriter, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to %s %s: %w", network, addr, err)
	}
	if cfg != nil {
		tc := tls.Client(conn, cfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("tls handshake with %s: %w", addr, err)
		}
		conn = tc
	}
	return NewNetReader(conn), NewNetWriter(conn), nil
}

func (t *Target) dialWS(ctx context.Context) (MessageReader, MessageWriter, error) {
	wsURL := WebSocketURL(t.URL)

	// Send token via Authorization header only (not in URL query to avoid log exposure).
	opts := &websocket.DialOptions{}
	if t.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + t.Token}}
	}
	if t.TLS != nil {
		opts.HTTPClient = &http.Client{Transport: &http.Transport{TLSClientConfig: t.TLS}}
	}

	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to remote server: %w", err)
	}
	// Messages are bounded by protocol.MaxMessage, not the websocket default.
	conn.SetReadLimit(protocol.MaxMessage)

	// The dial ctx only bounds the handshake; reads and writes live as long
	// as the connection.
	life := context.Background()
	return NewWSReader(life, conn), NewWSWriter(life, conn), nil
}

// WebSocketURL converts http(s):// to ws(s):// and appends the /rpc path
// when no path is given.
func WebSocketURL(raw string) string {
	switch {
	case strings.HasPrefix(raw, "https://"):
		raw = "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		raw = "ws://" + strings.TrimPrefix(raw, "http://")
	}
	if u, err := url.Parse(raw); err == nil && (u.Path == "" || u.Path == "/") {
		u.Path = "/rpc"
		return u.String()
	}
	return raw
}
