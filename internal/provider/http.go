package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/courier/internal/model"
)

// HTTPClient implements Client against the provider's REST API. It
// handles bearer authentication, JSON marshaling, and mapping of the
// provider's failure status codes onto the wire-level errors.
type HTTPClient struct {
	baseURL    string
	session    *model.Session
	httpClient *http.Client
	log        zerolog.Logger
}

// NewHTTPClient creates a provider client rooted at baseURL,
// authenticated by the given session.
func NewHTTPClient(baseURL string, session *model.Session, log zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		session: session,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log.With().Str("component", "provider").Logger(),
	}
}

// do performs a JSON request/response round trip and maps error
// statuses.
func (c *HTTPClient) do(
	ctx context.Context,
	method string,
	path string,
	body interface{},
	result interface{},
) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.session.AuthToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, method, path); err != nil {
		return err
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decoding %s %s response: %w", method, path, err)
		}
	}
	return nil
}

// checkStatus maps non-2xx responses to wire-level errors.
func (c *HTTPClient) checkStatus(resp *http.Response, method, path string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%s %s: %w: %s", method, path, ErrUnauthorized, msg)
	case http.StatusForbidden:
		return fmt.Errorf("%s %s: %w: %s", method, path, ErrAccessDenied, msg)
	case http.StatusConflict:
		return fmt.Errorf("%s %s: %w: %s", method, path, ErrVersionMismatch, msg)
	default:
		return fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, msg)
	}
}

// Upload submits the instruction, metadata, and file parts as one
// multipart request.
func (c *HTTPClient) Upload(
	ctx context.Context,
	instr Instruction,
	meta Metadata,
	parts []FilePart,
) (*UploadResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	writeJSONPart := func(name string, v interface{}) error {
		w, err := mw.CreateFormField(name)
		if err != nil {
			return err
		}
		return json.NewEncoder(w).Encode(v)
	}

	if err := writeJSONPart("instruction", instr); err != nil {
		return nil, fmt.Errorf("writing upload instruction: %w", err)
	}
	if err := writeJSONPart("metadata", meta); err != nil {
		return nil, fmt.Errorf("writing upload metadata: %w", err)
	}

	for _, p := range parts {
		name := "payload"
		if p.IsThumbnail {
			name = "thumbnail"
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(
			`form-data; name=%q; filename=%q`, name, p.Key,
		))
		h.Set("Content-Type", p.ContentType)
		w, err := mw.CreatePart(h)
		if err != nil {
			return nil, fmt.Errorf("writing upload part %s: %w", p.Key, err)
		}
		if _, err := w.Write(p.Data); err != nil {
			return nil, fmt.Errorf("writing upload part %s: %w", p.Key, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("finalizing upload body: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.baseURL+"/drive/files/upload", &buf,
	)
	if err != nil {
		return nil, fmt.Errorf("building upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.session.AuthToken)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("uploading: %w", err)
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, http.MethodPost, "/drive/files/upload"); err != nil {
		return nil, err
	}

	var result UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding upload response: %w", err)
	}
	return &result, nil
}

// QueryBatch pages file headers out of a drive.
func (c *HTTPClient) QueryBatch(ctx context.Context, q BatchQuery) (*BatchResult, error) {
	var result BatchResult
	if err := c.do(ctx, http.MethodPost, "/drive/query/batch", q, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ProcessInbox asks the provider to consume up to maxRecords backlog
// items for the drive.
func (c *HTTPClient) ProcessInbox(
	ctx context.Context,
	drive model.Drive,
	maxRecords int,
) (int, error) {
	req := struct {
		Drive      model.Drive `json:"drive"`
		MaxRecords int         `json:"maxRecords"`
	}{Drive: drive, MaxRecords: maxRecords}

	var resp struct {
		ProcessedCount int `json:"processedCount"`
	}
	if err := c.do(ctx, http.MethodPost, "/transit/inbox/process", req, &resp); err != nil {
		return 0, err
	}
	return resp.ProcessedCount, nil
}

// Subscribe opens the push channel as a server-sent event stream.
func (c *HTTPClient) Subscribe(
	ctx context.Context,
	drives []model.Drive,
	kinds []NotificationType,
) (Stream, error) {
	body := struct {
		Drives []model.Drive      `json:"drives"`
		Kinds  []NotificationType `json:"kinds"`
	}{Drives: drives, Kinds: kinds}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling subscription: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.baseURL+"/notify/subscribe", bytes.NewReader(data),
	)
	if err != nil {
		return nil, fmt.Errorf("building subscribe request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.session.AuthToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	// The push connection stays open indefinitely; the shared client's
	// request timeout must not apply to it.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("opening push channel: %w", err)
	}

	if err := c.checkStatus(resp, http.MethodPost, "/notify/subscribe"); err != nil {
		resp.Body.Close()
		return nil, err
	}

	s := &httpStream{
		body:   resp.Body,
		events: make(chan Notification, 16),
	}
	go s.read(c.log)
	return s, nil
}

// httpStream reads server-sent events off a streaming response body.
type httpStream struct {
	body   io.ReadCloser
	events chan Notification

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *httpStream) Events() <-chan Notification { return s.events }

func (s *httpStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *httpStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.body.Close()
}

// read parses "data:" lines until the connection drops, then records
// the terminal error and closes the event channel.
func (s *httpStream) read(log zerolog.Logger) {
	defer close(s.events)

	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		var n Notification
		if err := json.Unmarshal([]byte(payload), &n); err != nil {
			log.Warn().Err(err).Msg("skipping malformed push event")
			continue
		}
		s.events <- n
	}

	s.mu.Lock()
	if !s.closed {
		s.err = scanner.Err()
		if s.err == nil {
			s.err = io.EOF
		}
	}
	s.mu.Unlock()
}
