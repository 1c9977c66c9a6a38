package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/GriffinCanCode/SPLookout/internal/shared/fault"
)

const writeWait = 10 * time.Second

// WebSocketDialer connects to an endpoint over a websocket. http(s) endpoint
// URLs are rewritten to ws(s).
type WebSocketDialer struct {
	// Origin is sent as the Origin header of the upgrade request.
	Origin string
	// Header carries extra upgrade headers, e.g. cookies for ambient credentials.
	Header http.Header
	// CompressionThreshold is the transferred-body size above which frames are
	// zstd-compressed. Zero uses DefaultThreshold; negative disables compression.
	CompressionThreshold int
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// Dial opens the websocket. An upgrade refused with 401/403 is classified as
// fault.AuthRequired, since that is how an unauthenticated host answers.
func (d *WebSocketDialer) Dial(ctx context.Context, endpointURL string) (Conn, error) {
	target, err := websocketURL(endpointURL)
	if err != nil {
		return nil, fault.Wrap(fault.Invalid, "dial", err).WithEndpoint(endpointURL)
	}

	header := http.Header{}
	for k, v := range d.Header {
		header[k] = append([]string(nil), v...)
	}
	if d.Origin != "" {
		header.Set("Origin", d.Origin)
	}

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	ws, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fault.New(fault.AuthRequired, "dial", fmt.Sprintf("upgrade refused with HTTP %d", resp.StatusCode)).
				WithEndpoint(endpointURL)
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fault.Wrap(fault.Timeout, "dial", err).WithEndpoint(endpointURL)
		}
		return nil, fault.Wrap(fault.Unknown, "dial", err).WithEndpoint(endpointURL)
	}

	return &wsClient{peer: newPeer(ws, d.threshold())}, nil
}

func (d *WebSocketDialer) threshold() int {
	switch {
	case d.CompressionThreshold == 0:
		return DefaultThreshold
	case d.CompressionThreshold < 0:
		return 0
	default:
		return d.CompressionThreshold
	}
}

// Accept wraps an upgraded server-side websocket as a ServerConn. Frames
// larger than a header plus a decoded body are refused before the handshake
// has had a chance to check the caller.
func Accept(ws *websocket.Conn, origin string, compressionThreshold int) ServerConn {
	return accept(ws, origin, compressionThreshold, maxFrameSize)
}

func accept(ws *websocket.Conn, origin string, compressionThreshold int, readLimit int64) ServerConn {
	if compressionThreshold == 0 {
		compressionThreshold = DefaultThreshold
	}
	ws.SetReadLimit(readLimit)
	return &wsServer{peer: newPeer(ws, compressionThreshold), origin: origin}
}

func websocketURL(endpointURL string) (string, error) {
	u, err := url.Parse(endpointURL)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	u.Fragment = ""
	return u.String(), nil
}

// peer is the framing shared by both ends.
type peer struct {
	ws        *websocket.Conn
	threshold int
	writeMu   sync.Mutex
}

func newPeer(ws *websocket.Conn, threshold int) *peer {
	return &peer{ws: ws, threshold: threshold}
}

func (p *peer) write(hdr wireHeader, body []byte) error {
	frame, err := encodeFrame(hdr, body, p.threshold)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return p.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (p *peer) read() (wireHeader, []byte, error) {
	for {
		kind, data, err := p.ws.ReadMessage()
		if err != nil {
			return wireHeader{}, nil, err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		return decodeFrame(data)
	}
}

func (p *peer) close() error {
	p.writeMu.Lock()
	_ = p.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	p.writeMu.Unlock()
	return p.ws.Close()
}

type wsClient struct{ peer *peer }

func (c *wsClient) Send(req *Request) error {
	return c.peer.write(wireHeader{Request: req}, req.Transfer)
}

func (c *wsClient) Recv() (*Reply, error) {
	hdr, body, err := c.peer.read()
	if err != nil {
		return nil, err
	}
	if hdr.Reply == nil {
		return nil, errors.New("proxy frame carries no reply")
	}
	hdr.Reply.Transfer = body
	return hdr.Reply, nil
}

func (c *wsClient) Close() error { return c.peer.close() }

type wsServer struct {
	peer   *peer
	origin string
}

func (s *wsServer) Recv() (*Request, error) {
	hdr, body, err := s.peer.read()
	if err != nil {
		return nil, err
	}
	if hdr.Request == nil {
		return nil, errors.New("proxy frame carries no request")
	}
	hdr.Request.Transfer = body
	return hdr.Request, nil
}

func (s *wsServer) Send(reply *Reply) error {
	return s.peer.write(wireHeader{Reply: reply}, reply.Transfer)
}

func (s *wsServer) Origin() string { return s.origin }

func (s *wsServer) Close() error { return s.peer.close() }
