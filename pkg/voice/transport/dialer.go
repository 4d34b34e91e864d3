package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the subset of *websocket.Conn the transport uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	wsWriter
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialError carries the HTTP status of a failed websocket handshake.
type DialError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *DialError) Error() string {
	if e == nil {
		return ""
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("websocket dial %s failed (status %d): %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("websocket dial %s failed: %v", e.URL, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// WSDialer dials a realtime speech endpoint with gorilla/websocket.
type WSDialer struct {
	URL    string
	APIKey string
	Header http.Header
	Dialer *websocket.Dialer
}

func (d WSDialer) Dial(ctx context.Context) (Conn, error) {
	if strings.TrimSpace(d.URL) == "" {
		return nil, fmt.Errorf("websocket url is required")
	}
	headers := make(http.Header)
	for k, vs := range d.Header {
		for _, v := range vs {
			headers.Add(k, v)
		}
	}
	if d.APIKey != "" {
		headers.Set("Authorization", "Bearer "+d.APIKey)
	}

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, d.URL, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		de := &DialError{URL: d.URL, Err: err}
		if resp != nil {
			de.StatusCode = resp.StatusCode
		}
		return nil, de
	}
	return conn, nil
}
