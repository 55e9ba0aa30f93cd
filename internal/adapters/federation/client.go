// Package federation posts diagnosis key batches to the federation gateway and
// translates its per-key response into an UploadOutcome.
package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/okian/fedkeys/internal/adapters/wire"
	"github.com/okian/fedkeys/internal/domain/model"
	"github.com/okian/fedkeys/pkg/logger"
	"github.com/okian/fedkeys/pkg/metrics"
)

const (
	// UploadPath is appended to the base URL for batch uploads.
	UploadPath = "/diagnosiskeys/upload"
	// BatchTagHeader carries the batch identifier.
	BatchTagHeader = "batchTag"

	DefaultTimeout = 30 * time.Second

	maxResponseBytes = 1 << 20
)

// Client uploads batches over HTTP. It is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	log     logger.Logger
}

// Option applies a configuration option to the Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithTimeout sets the per-request timeout. It applies to a copy of the
// current HTTP client so a client passed to WithHTTPClient is not modified.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			c := *cl.http
			c.Timeout = d
			cl.http = &c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(cl *Client) {
		if l != nil {
			cl.log = l
		}
	}
}

// New creates a Client for the gateway at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, ErrNoBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
		log:     logger.Get().Named("federation"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// PostBatch uploads one batch. The returned outcome indexes the batch's
// canonical key ordering. Any failure to obtain a usable response is returned
// as an error wrapping ErrTransport; the caller treats it as a transient
// failure of the whole batch.
func (c *Client) PostBatch(ctx context.Context, batch model.UploadBatch) (model.UploadOutcome, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+UploadPath, bytes.NewReader(batch.Payload()))
	if err != nil {
		return model.UploadOutcome{}, fmt.Errorf("%w: build request: %w", ErrTransport, err)
	}
	req.Header.Set("Content-Type", wire.ContentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(BatchTagHeader, batch.Tag())

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordFederationRequest("error", time.Since(start))
		return model.UploadOutcome{}, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	metrics.RecordFederationRequest(strconv.Itoa(resp.StatusCode), time.Since(start))
	if err != nil {
		return model.UploadOutcome{}, fmt.Errorf("%w: read response: %w", ErrTransport, err)
	}

	switch resp.StatusCode {
	case http.StatusCreated:
		return model.AllAccepted(batch.Len()), nil
	case http.StatusMultiStatus:
		outcome, err := parseMultiStatus(body)
		if err != nil {
			return model.UploadOutcome{}, err
		}
		c.log.Debug(ctx, "partial batch result",
			logger.String("batch_tag", batch.Tag()),
			logger.Int("accepted", len(outcome.Accepted)),
			logger.Int("conflicted", len(outcome.Conflicted)),
			logger.Int("failed", len(outcome.TransientFailure)))
		return outcome, nil
	default:
		return model.UploadOutcome{}, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
}

// multiStatus is the 207 body: status code to key indices.
type multiStatus struct {
	Accepted  indexList `json:"201"`
	Conflict  indexList `json:"409"`
	Retryable indexList `json:"500"`
}

func parseMultiStatus(body []byte) (model.UploadOutcome, error) {
	var ms multiStatus
	if err := json.Unmarshal(body, &ms); err != nil {
		return model.UploadOutcome{}, fmt.Errorf("%w: %w: %w", ErrTransport, ErrInvalidResponse, err)
	}
	return model.UploadOutcome{
		Accepted:         []int(ms.Accepted),
		Conflicted:       []int(ms.Conflict),
		TransientFailure: []int(ms.Retryable),
	}, nil
}

// indexList accepts indices as JSON numbers or numeric strings.
type indexList []int

func (l *indexList) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make([]int, 0, len(raw))
	for _, r := range raw {
		var n int
		if err := json.Unmarshal(r, &n); err == nil {
			out = append(out, n)
			continue
		}
		var s string
		if err := json.Unmarshal(r, &s); err != nil {
			return fmt.Errorf("index %s: %w", r, err)
		}
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("index %q: %w", s, err)
		}
		out = append(out, n)
	}
	*l = out
	return nil
}

// StatusError is returned for responses other than 201 and 207.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("federation gateway responded %d", e.Code)
	}
	return fmt.Sprintf("federation gateway responded %d: %s", e.Code, e.Body)
}

// Unwrap lets errors.Is match ErrTransport.
func (e *StatusError) Unwrap() error { return ErrTransport }

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
