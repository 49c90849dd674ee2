package sfu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const defaultHTTPTimeout = 30 * time.Second

// SessionDescription is an SDP offer or answer on the control API wire.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// TrackObject describes one track in a push or pull request. Local pushes
// carry a mid; remote pulls carry the owning session id.
type TrackObject struct {
	Location  string `json:"location"`
	TrackName string `json:"trackName"`
	Mid       string `json:"mid,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

const (
	TrackLocationLocal  = "local"
	TrackLocationRemote = "remote"
)

type TracksRequest struct {
	SessionDescription *SessionDescription `json:"sessionDescription,omitempty"`
	Tracks             []TrackObject       `json:"tracks"`
}

type TracksResponse struct {
	RequiresImmediateRenegotiation bool                `json:"requiresImmediateRenegotiation"`
	SessionDescription             *SessionDescription `json:"sessionDescription,omitempty"`
	Tracks                         []TrackObject       `json:"tracks"`
}

// ProxyTracksRequest is the body of the server-side control proxy: the
// client's session id plus the forwarded tracks request.
type ProxyTracksRequest struct {
	SessionID          string              `json:"sessionId"`
	SessionDescription *SessionDescription `json:"sessionDescription,omitempty"`
	Tracks             []TrackObject       `json:"tracks"`
}

type ProxyRenegotiateRequest struct {
	SessionID          string             `json:"sessionId"`
	SessionDescription SessionDescription `json:"sessionDescription"`
}

type sessionResponse struct {
	SessionID string `json:"sessionId"`
}

// ControlAPI is the routing-service surface the negotiation sequencer and
// the server-side proxy both speak.
type ControlAPI interface {
	NewSession(ctx context.Context) (string, error)
	NewTracks(ctx context.Context, sessionID string, req *TracksRequest) (*TracksResponse, error)
	Renegotiate(ctx context.Context, sessionID string, answer SessionDescription) error
}

// CallsClient talks directly to the external routing service using app
// credentials. Only the server holds these; browsers and CLIs go through
// the proxy endpoints instead.
type CallsClient struct {
	logger  zerolog.Logger
	httpc   *http.Client
	baseURL string
	appID   string
	secret  string
}

func NewCallsClient(baseURL, appID, secret string, logger *zerolog.Logger) *CallsClient {
	return &CallsClient{
		logger:  logger.With().Str("component", "calls-client").Logger(),
		httpc:   &http.Client{Timeout: defaultHTTPTimeout},
		baseURL: baseURL,
		appID:   appID,
		secret:  secret,
	}
}

func (c *CallsClient) NewSession(ctx context.Context) (string, error) {
	var resp sessionResponse
	err := doJSON(ctx, c.httpc, http.MethodPost,
		fmt.Sprintf("%s/apps/%s/sessions/new", c.baseURL, c.appID), c.secret, nil, &resp)
	if err != nil {
		return "", err
	}
	c.logger.Debug().Str("sessionID", resp.SessionID).Msg("session created")
	return resp.SessionID, nil
}

func (c *CallsClient) NewTracks(ctx context.Context, sessionID string, req *TracksRequest) (*TracksResponse, error) {
	var resp TracksResponse
	err := doJSON(ctx, c.httpc, http.MethodPost,
		fmt.Sprintf("%s/apps/%s/sessions/%s/tracks/new", c.baseURL, c.appID, sessionID), c.secret, req, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *CallsClient) Renegotiate(ctx context.Context, sessionID string, answer SessionDescription) error {
	body := struct {
		SessionDescription SessionDescription `json:"sessionDescription"`
	}{answer}
	return doJSON(ctx, c.httpc, http.MethodPut,
		fmt.Sprintf("%s/apps/%s/sessions/%s/renegotiate", c.baseURL, c.appID, sessionID), c.secret, body, nil)
}

// ProxyClient speaks the meeting server's /api/calls endpoints, which
// forward to the routing service with server-held credentials.
type ProxyClient struct {
	logger  zerolog.Logger
	httpc   *http.Client
	baseURL string
}

func NewProxyClient(baseURL string, logger *zerolog.Logger) *ProxyClient {
	return &ProxyClient{
		logger:  logger.With().Str("component", "calls-proxy-client").Logger(),
		httpc:   &http.Client{Timeout: defaultHTTPTimeout},
		baseURL: baseURL,
	}
}

func (c *ProxyClient) NewSession(ctx context.Context) (string, error) {
	var resp sessionResponse
	err := doJSON(ctx, c.httpc, http.MethodPost, c.baseURL+"/api/calls/session", "", nil, &resp)
	if err != nil {
		return "", err
	}
	return resp.SessionID, nil
}

func (c *ProxyClient) NewTracks(ctx context.Context, sessionID string, req *TracksRequest) (*TracksResponse, error) {
	body := &ProxyTracksRequest{
		SessionID:          sessionID,
		SessionDescription: req.SessionDescription,
		Tracks:             req.Tracks,
	}
	var resp TracksResponse
	err := doJSON(ctx, c.httpc, http.MethodPost, c.baseURL+"/api/calls/tracks", "", body, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *ProxyClient) Renegotiate(ctx context.Context, sessionID string, answer SessionDescription) error {
	body := &ProxyRenegotiateRequest{SessionID: sessionID, SessionDescription: answer}
	return doJSON(ctx, c.httpc, http.MethodPost, c.baseURL+"/api/calls/renegotiate", "", body, nil)
}

func doJSON(ctx context.Context, httpc *http.Client, method, url, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := httpc.Do(req)
	if err != nil {
		return fmt.Errorf("control api request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("control api error %d: %s", resp.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode control api response: %w", err)
	}
	return nil
}
