package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const defaultTimeout = 30 * time.Second

// maxResponseBytes caps how much of a reply is read into memory.
var maxResponseBytes int64 = 8 << 20

// Request describes a single call to the market server.
type Request struct {
	Endpoint string
	Method   string
	Form     url.Values
	JSON     any
	Headers  http.Header
}

// Response carries the market server reply without interpretation.
type Response struct {
	StatusCode int
	Body       []byte
}

// OK reports whether the status is 2xx.
func (response *Response) OK() bool {
	return response.StatusCode >= 200 && response.StatusCode < 300
}

// JSON returns the body as raw JSON; non-JSON bodies are wrapped in a JSON string.
func (response *Response) JSON() json.RawMessage {
	trimmed := bytes.TrimSpace(response.Body)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	encoded, _ := json.Marshal(string(trimmed))
	return encoded
}

// Get reads a field from the JSON body using a gjson path.
func (response *Response) Get(path string) gjson.Result {
	return gjson.GetBytes(response.Body, path)
}

// Doer issues market server requests. Handlers depend on this instead of *Client.
type Doer interface {
	Do(ctx context.Context, request Request) (*Response, error)
}

// Client forwards requests to the market server. It never retries.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a Client for the given base URL.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("upstream.new_client: %w", ErrEmptyBaseURL)
	}
	if _, parseErr := url.ParseRequestURI(trimmed); parseErr != nil {
		return nil, fmt.Errorf("upstream.new_client: %w", parseErr)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    trimmed,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// BaseURL returns the configured market server URL.
func (client *Client) BaseURL() string {
	return client.baseURL
}

// Do sends the request once and returns whatever status the market server answered with.
func (client *Client) Do(ctx context.Context, request Request) (*Response, error) {
	if request.Form != nil && request.JSON != nil {
		return nil, fmt.Errorf("upstream.do: %w", ErrInvalidRequest)
	}
	method := strings.ToUpper(strings.TrimSpace(request.Method))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	contentType := ""
	switch {
	case request.Form != nil:
		body = strings.NewReader(request.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case request.JSON != nil:
		encoded, encodeErr := json.Marshal(request.JSON)
		if encodeErr != nil {
			return nil, fmt.Errorf("upstream.encode: %w", encodeErr)
		}
		body = bytes.NewReader(encoded)
		contentType = "application/json"
	}

	httpRequest, buildErr := http.NewRequestWithContext(ctx, method, client.endpointURL(request.Endpoint), body)
	if buildErr != nil {
		return nil, fmt.Errorf("upstream.build: %w", buildErr)
	}
	for name, values := range request.Headers {
		for _, value := range values {
			httpRequest.Header.Add(name, value)
		}
	}
	if contentType != "" {
		httpRequest.Header.Set("Content-Type", contentType)
	}
	httpRequest.Header.Set("Accept", "application/json")

	httpResponse, doErr := client.httpClient.Do(httpRequest)
	if doErr != nil {
		if isConnectionError(doErr) {
			return nil, fmt.Errorf("upstream.%s %s: %w: %v", strings.ToLower(method), request.Endpoint, ErrConnection, doErr)
		}
		return nil, fmt.Errorf("upstream.%s %s: %w", strings.ToLower(method), request.Endpoint, doErr)
	}
	defer func() { _ = httpResponse.Body.Close() }()

	payload, readErr := io.ReadAll(io.LimitReader(httpResponse.Body, maxResponseBytes+1))
	if readErr != nil {
		return nil, fmt.Errorf("upstream.read %s: %w: %v", request.Endpoint, ErrConnection, readErr)
	}
	if int64(len(payload)) > maxResponseBytes {
		return nil, fmt.Errorf("upstream.read %s: %w", request.Endpoint, ErrResponseTooLarge)
	}
	return &Response{StatusCode: httpResponse.StatusCode, Body: payload}, nil
}

func (client *Client) endpointURL(endpoint string) string {
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return client.baseURL + endpoint
}

func isConnectionError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// BearerHeader builds the Authorization header used for proxied calls.
func BearerHeader(token string) http.Header {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	return header
}
