package kaiseki

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Kaiseki server (e.g. "http://localhost:8080").
	BaseURL string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with the configured Timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 60 seconds;
	// explanation requests may wait on a model round trip.
	Timeout time.Duration

	// PollInterval is the delay between status checks in WaitForCompletion.
	// Defaults to one second.
	PollInterval time.Duration
}

// Client is an HTTP client for the Kaiseki API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL      string
	client       *http.Client
	pollInterval time.Duration
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty or not an absolute URL.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("kaiseki: BaseURL is required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("kaiseki: BaseURL must be an absolute URL, got %q", cfg.BaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}

	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		client:       httpClient,
		pollInterval: poll,
	}, nil
}

// Upload sends a binary for analysis. The name's extension must be one the
// server accepts (by default .exe, .elf or .so). The body is streamed.
func (c *Client) Upload(ctx context.Context, name string, body io.Reader) (*UploadResponse, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", name)
		if err == nil {
			_, err = io.Copy(part, body)
		}
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", pr)
	if err != nil {
		_ = pr.CloseWithError(err)
		return nil, fmt.Errorf("kaiseki: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var resp UploadResponse
	if err := c.do(req, &resp); err != nil {
		_ = pr.CloseWithError(err)
		return nil, err
	}
	return &resp, nil
}

// UploadFile opens path and uploads it under its base name.
func (c *Client) UploadFile(ctx context.Context, path string) (*UploadResponse, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("kaiseki: %w", err)
	}
	defer func() { _ = f.Close() }()
	return c.Upload(ctx, filepath.Base(path), f)
}

// Reanalyze schedules a fresh analysis of a stored upload. The response
// carries a new file ID; the original results are left untouched.
func (c *Client) Reanalyze(ctx context.Context, fileID string) (*UploadResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/reanalyze/"+url.PathEscape(fileID), nil)
	if err != nil {
		return nil, fmt.Errorf("kaiseki: create request: %w", err)
	}
	var resp UploadResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status returns the current analysis state.
func (c *Client) Status(ctx context.Context, fileID string) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.get(ctx, "/status/"+url.PathEscape(fileID), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WaitForCompletion polls Status until the file reaches a terminal state or
// ctx is done. A FAILED file is returned without error; inspect Status.
func (c *Client) WaitForCompletion(ctx context.Context, fileID string) (*StatusResponse, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		st, err := c.Status(ctx, fileID)
		if err != nil {
			return nil, err
		}
		if st.Status.Terminal() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Functions lists the functions discovered in a successfully analyzed file.
func (c *Client) Functions(ctx context.Context, fileID string) (*FunctionsResponse, error) {
	var resp FunctionsResponse
	if err := c.get(ctx, "/functions/"+url.PathEscape(fileID), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Disassembly returns the raw disassembly document for the function at addr.
// addr may be decimal or 0x-prefixed hexadecimal.
func (c *Client) Disassembly(ctx context.Context, fileID, addr string) (*DisassemblyResponse, error) {
	var resp DisassemblyResponse
	if err := c.get(ctx, functionPath("disassembly", fileID, addr), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CFG returns the basic blocks of the function at addr.
func (c *Client) CFG(ctx context.Context, fileID, addr string) (*CFGResponse, error) {
	var resp CFGResponse
	if err := c.get(ctx, functionPath("cfg", fileID, addr), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Explain returns a natural-language explanation of the function at addr,
// generating it on first request.
func (c *Client) Explain(ctx context.Context, fileID, addr string) (*ExplainResponse, error) {
	var resp ExplainResponse
	if err := c.get(ctx, functionPath("explain", fileID, addr), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Metadata returns the summary of a successful analysis.
func (c *Client) Metadata(ctx context.Context, fileID string) (*Metadata, error) {
	var resp Metadata
	if err := c.get(ctx, "/metadata/"+url.PathEscape(fileID), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ErrorRecord returns the diagnostic stored when analysis failed.
func (c *Client) ErrorRecord(ctx context.Context, fileID string) (*ErrorRecord, error) {
	var resp ErrorRecord
	if err := c.get(ctx, "/errors/"+url.PathEscape(fileID), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the server's health status.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func functionPath(kind, fileID, addr string) string {
	return "/" + kind + "/" + url.PathEscape(fileID) + "/" + url.PathEscape(addr)
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("kaiseki: create request: %w", err)
	}
	return c.do(req, dest)
}

func (c *Client) do(req *http.Request, dest any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("kaiseki: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("kaiseki: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := parseErrorResponse(resp.StatusCode, bodyBytes)
		apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return apiErr
	}
	if dest == nil {
		return nil
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("kaiseki: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return errors.New("kaiseki: response has no data")
	}
	if err := json.Unmarshal(envelope.Data, dest); err != nil {
		return fmt.Errorf("kaiseki: decode response: %w", err)
	}
	return nil
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
