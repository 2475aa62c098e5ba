package session

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const defaultAgentURL = "wss://agent.deepgram.com/v1/agent/converse"

// AgentDialer opens the voice-agent connection for one session.
type AgentDialer interface {
	Dial(ctx context.Context) (*websocket.Conn, error)
}

// WSAgentDialer dials the agent over WebSocket with a static API key.
type WSAgentDialer struct {
	URL              string
	APIKey           string
	HandshakeTimeout time.Duration
}

func (d WSAgentDialer) Dial(ctx context.Context) (*websocket.Conn, error) {
	if strings.TrimSpace(d.APIKey) == "" {
		return nil, fmt.Errorf("agent api key is required")
	}
	wsURL, err := buildAgentURL(d.URL)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Token "+strings.TrimSpace(d.APIKey))

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("agent handshake failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("agent dial failed: %w", err)
	}
	return conn, nil
}

func buildAgentURL(base string) (string, error) {
	if strings.TrimSpace(base) == "" {
		base = defaultAgentURL
	}
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("invalid agent url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https", "":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid agent url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid agent url: missing host")
	}
	return u.String(), nil
}
