// shared/api/client.go
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

// HTTPError describes a response with a status code of 400 or above.
type HTTPError struct {
	StatusCode int
	Code       string // client code from an ErrorResponse body, if any
	Message    string
	URL        string
	Method     string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("HTTP %d %s from %s %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Method, e.URL, e.Message)
	}
	return fmt.Sprintf("HTTP %d %s from %s %s", e.StatusCode, http.StatusText(e.StatusCode), e.Method, e.URL)
}

// Status classes. Match with errors.Is.
var (
	ErrNotFound      = eris.New("resource not found")
	ErrConflict      = eris.New("resource conflict")
	ErrBadRequest    = eris.New("bad request")
	ErrUnauthorized  = eris.New("unauthorized")
	ErrForbidden     = eris.New("forbidden")
	ErrInternalError = eris.New("internal server error")
)

// NewDefaultHTTPClient returns a client with connection pooling and a total timeout.
func NewDefaultHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
	}
}

// Client is a JSON client for one base URL.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = NewDefaultHTTPClient(0)
	}
	return &Client{httpClient: httpClient, baseURL: baseURL}
}

// BaseURL is the root every request path is appended to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, result any) error {
	url := c.baseURL + path

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return eris.Wrapf(err, "failed to marshal body for %s %s", method, url)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return eris.Wrapf(err, "failed to create %s request for %s", method, url)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			return eris.Wrapf(ctx.Err(), "%s %s cancelled", method, url)
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return eris.Wrapf(ctx.Err(), "%s %s timed out", method, url)
		}
		return eris.Wrapf(err, "failed to send %s %s", method, url)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return readHTTPError(resp, url, method)
	}
	if result == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return eris.Wrapf(err, "failed to decode %s response from %s", method, url)
	}
	return nil
}

func readHTTPError(resp *http.Response, url, method string) error {
	httpErr := &HTTPError{StatusCode: resp.StatusCode, URL: url, Method: method}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil && len(raw) > 0 {
		var body ErrorResponse
		if json.Unmarshal(raw, &body) == nil && body.Message != "" {
			httpErr.Message, httpErr.Code = body.Message, body.Code
		} else if len(raw) < 500 {
			httpErr.Message = string(raw)
		}
	}

	var class error
	switch resp.StatusCode {
	case http.StatusNotFound:
		class = ErrNotFound
	case http.StatusConflict:
		class = ErrConflict
	case http.StatusBadRequest:
		class = ErrBadRequest
	case http.StatusUnauthorized:
		class = ErrUnauthorized
	case http.StatusForbidden:
		class = ErrForbidden
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		class = ErrInternalError
	default:
		return httpErr
	}
	return &classifiedError{class: class, err: httpErr}
}

// classifiedError matches both its status class and the underlying *HTTPError.
type classifiedError struct {
	class error
	err   *HTTPError
}

func (e *classifiedError) Error() string { return e.err.Error() }

func (e *classifiedError) Unwrap() []error { return []error{e.class, e.err} }

func (c *Client) Get(ctx context.Context, path string, result any) error {
	return c.doRequest(ctx, http.MethodGet, path, nil, result)
}

func (c *Client) Post(ctx context.Context, path string, body, result any) error {
	return c.doRequest(ctx, http.MethodPost, path, body, result)
}

// IsHTTPError reports whether err carries an HTTPError with the given status, or any
// status when status is 0.
func IsHTTPError(err error, status int) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return status == 0 || httpErr.StatusCode == status
	}
	return false
}

// GetHTTPStatusCode extracts the status code of an HTTPError, or 0.
func GetHTTPStatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}
