package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/devicelab-dev/agent-device/pkg/core"
)

// HarnessError is a logical failure reported by the harness (ok:false).
// It is never retried.
type HarnessError struct {
	Message string
}

func (e *HarnessError) Error() string {
	return "runner error: " + e.Message
}

// ProtocolError is a reply that is not a valid harness envelope.
type ProtocolError struct {
	Status int
	Body   string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("invalid runner response (HTTP %d)", e.Status)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Body != "" {
		msg += ": " + core.Truncate(e.Body, 200)
	}
	return msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// TransportFailure classifies a failed round trip.
type TransportFailure string

const (
	FailureRefused TransportFailure = "connection refused"
	FailureHangUp  TransportFailure = "socket hang up"
	FailureTimeout TransportFailure = "timed out"
	FailureOther   TransportFailure = "transport error"
)

// TransportError means no reply was received from an endpoint.
type TransportError struct {
	Endpoint string
	Failure  TransportFailure
	Err      error
	// Delivered is set when the request was fully written before the
	// failure. The harness may have acted on it.
	Delivered bool
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Endpoint, e.Failure, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// isRetryableTransport reports refused and hang-up failures, the ones a
// repeated read-only request can recover from.
func isRetryableTransport(err error) bool {
	var terr *TransportError
	if !errors.As(err, &terr) {
		return false
	}
	return terr.Failure == FailureRefused || terr.Failure == FailureHangUp
}

// Client posts commands to a harness endpoint.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a client. A nil httpClient gets one from
// newHTTPClient with the default dial timeout.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = newHTTPClient(defaultDialTimeout)
	}
	return &Client{httpClient: httpClient}
}

// newHTTPClient bounds connection setup only; replies are bounded by the
// caller. Keep-alives are off so a restarted harness is never reached
// through a dead pooled connection.
func newHTTPClient(dialTimeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: dialTimeout}
	return &http.Client{Transport: &http.Transport{
		DialContext:       dialer.DialContext,
		DisableKeepAlives: true,
	}}
}

// CommandURL returns the command endpoint for host and port.
func CommandURL(host string, port int) string {
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/command"
}

// Send posts payload to url and decodes the harness reply. A positive
// timeout bounds the whole round trip.
func (c *Client) Send(ctx context.Context, url string, payload []byte, timeout time.Duration) (map[string]interface{}, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var wrote atomic.Bool
	ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err == nil {
				wrote.Store(true)
			}
		},
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Endpoint: url, Failure: transportFailure(err), Err: err, Delivered: wrote.Load()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Endpoint: url, Failure: transportFailure(err), Err: err, Delivered: true}
	}
	return parseReply(resp.StatusCode, body)
}

type envelope struct {
	OK    *bool           `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// parseReply decodes {"ok":true,"data":{...}} or {"ok":false,"error":{...}}.
func parseReply(status int, body []byte) (map[string]interface{}, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &ProtocolError{Status: status, Body: string(body), Err: err}
	}
	if env.OK == nil {
		return nil, &ProtocolError{Status: status, Body: string(body), Err: errors.New(`missing "ok" field`)}
	}

	if !*env.OK {
		if env.Error == nil || env.Error.Message == "" {
			return nil, &HarnessError{Message: "unknown runner failure"}
		}
		return nil, &HarnessError{Message: env.Error.Message}
	}

	data := map[string]interface{}{}
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, &ProtocolError{Status: status, Body: string(body), Err: fmt.Errorf("data is not an object: %w", err)}
		}
	}
	return data, nil
}

func transportFailure(err error) TransportFailure {
	var netErr net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return FailureRefused
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return FailureHangUp
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return FailureTimeout
	}
	return FailureOther
}
