package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

const (
	TransportSSE = "sse"
	TransportWS  = "ws"
)

type frameKind int

const (
	frameData frameKind = iota
	frameKeepalive
)

type frame struct {
	kind frameKind
	typ  string
	data []byte
}

// conn is one open push connection. Next blocks until a frame arrives or
// the connection ends; Close unblocks a pending Next.
type conn interface {
	Next() (frame, error)
	Close() error
}

type sseConn struct {
	body    io.ReadCloser
	scanner *sseScanner
	pending []frame
}

func newSSEConn(body io.ReadCloser) *sseConn {
	c := &sseConn{body: body, scanner: newSSEScanner(body)}
	c.scanner.onComment = func(string) {
		c.pending = append(c.pending, frame{kind: frameKeepalive})
	}
	return c
}

func (c *sseConn) Next() (frame, error) {
	if len(c.pending) > 0 {
		return c.pop(), nil
	}
	if c.scanner.Next() {
		ev := c.scanner.Event()
		f := frame{kind: frameData, typ: ev.Type, data: []byte(ev.Data)}
		if len(c.pending) == 0 {
			return f, nil
		}
		c.pending = append(c.pending, f)
		return c.pop(), nil
	}
	if len(c.pending) > 0 {
		return c.pop(), nil
	}
	return frame{}, c.scanner.Err()
}

func (c *sseConn) pop() frame {
	f := c.pending[0]
	c.pending = c.pending[1:]
	return f
}

func (c *sseConn) Close() error {
	return c.body.Close()
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Next() (frame, error) {
	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return frame{}, io.EOF
		}
		return frame{}, err
	}
	// The server pings with empty text frames.
	if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage || len(data) == 0 {
		return frame{kind: frameKeepalive}, nil
	}
	return frame{kind: frameData, data: data}, nil
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// topicURL builds the push endpoint for topic carrying the access token
// as a query parameter.
func topicURL(base, topic, token, transport string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + "/stream/" + topic + "/")
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	if transport == TransportWS {
		switch u.Scheme {
		case "http":
			u.Scheme = "ws"
		case "https":
			u.Scheme = "wss"
		}
	}
	return u.String(), nil
}

func dialSSE(ctx context.Context, client *http.Client, target string) (conn, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		_ = res.Body.Close()
		return nil, connectStatusError(res.StatusCode)
	}
	return newSSEConn(res.Body), nil
}

func dialWS(ctx context.Context, dialer *websocket.Dialer, target string) (conn, error) {
	c, res, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if res != nil && res.StatusCode != http.StatusSwitchingProtocols {
			return nil, connectStatusError(res.StatusCode)
		}
		return nil, err
	}
	return &wsConn{conn: c}, nil
}

func connectStatusError(code int) error {
	switch code {
	case http.StatusUnauthorized:
		return ErrStreamUnauthorized
	case http.StatusForbidden:
		return ErrStreamForbidden
	default:
		return fmt.Errorf("stream connect: http %d", code)
	}
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
