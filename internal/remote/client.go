// Package remote provides the HTTP client for the memory feed service.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/memofeed/internal/errors"
	"github.com/kimhsiao/memofeed/internal/models"
)

// DefaultPageSize is the fetch batch size when the caller does not set one.
const DefaultPageSize = 30

// Config holds remote service connection configuration.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client talks to the memory feed service over JSON/HTTP.
type Client struct {
	config     *Config
	httpClient *http.Client
}

// Page is one keyset-paginated slice of the remote feed.
type Page struct {
	Memories   []*models.Memory `json:"memories"`
	NextCursor *models.Cursor   `json:"next_cursor"`
	HasMore    bool             `json:"has_more"`
}

// PageRequest describes which slice of the feed to fetch.
type PageRequest struct {
	Limit  int
	Cursor models.Cursor
	Year   int
	Tag    string
}

// NewClient creates a new Client.
func NewClient(config *Config) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:       10,
				IdleConnTimeout:    30 * time.Second,
				DisableCompression: false,
			},
		},
	}
}

// FetchPage fetches one page of memories, newest first.
func (c *Client) FetchPage(ctx context.Context, page PageRequest) (*Page, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}

	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	if !page.Cursor.IsZero() {
		query.Set("cursor_captured_at", strconv.FormatInt(page.Cursor.CapturedAt, 10))
		query.Set("cursor_id", page.Cursor.ID)
	}
	if page.Year > 0 {
		query.Set("year", strconv.Itoa(page.Year))
	}
	if page.Tag != "" {
		query.Set("tag", page.Tag)
	}

	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/memories?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var result Page
	if err := c.doJSON(req, "fetch page", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// FetchByID fetches a single memory. A deleted or unknown id yields a
// not-found error.
func (c *Client) FetchByID(ctx context.Context, id string) (*models.Memory, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/memories/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}

	var memory models.Memory
	if err := c.doJSON(req, "fetch memory", &memory); err != nil {
		return nil, err
	}
	return &memory, nil
}

// FetchYears fetches the distinct capture years present on the service,
// newest first. Used to build year buckets on the first page.
func (c *Client) FetchYears(ctx context.Context) ([]int, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/memories/years", nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Years []int `json:"years"`
	}
	if err := c.doJSON(req, "fetch years", &result); err != nil {
		return nil, err
	}
	return result.Years, nil
}

// Create writes a new memory. clientRef is the mutation's local id; the
// service deduplicates on it, so retrying a create that already landed
// returns the existing record instead of a duplicate.
func (c *Client) Create(ctx context.Context, clientRef string, draft *models.MemoryDraft) (*models.Memory, error) {
	body := struct {
		ClientRef  string   `json:"client_ref"`
		Title      string   `json:"title,omitempty"`
		Text       string   `json:"text"`
		Tags       []string `json:"tags,omitempty"`
		CapturedAt int64    `json:"captured_at"`
	}{
		ClientRef:  clientRef,
		Title:      draft.Title,
		Text:       draft.Text,
		Tags:       draft.Tags,
		CapturedAt: draft.CapturedAt,
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/memories", body)
	if err != nil {
		return nil, err
	}

	var memory models.Memory
	if err := c.doJSON(req, "create memory", &memory); err != nil {
		return nil, err
	}
	return &memory, nil
}

// Update rewrites an existing memory's editable fields.
func (c *Client) Update(ctx context.Context, id string, draft *models.MemoryDraft) (*models.Memory, error) {
	req, err := c.newRequest(ctx, http.MethodPatch, "/api/v1/memories/"+url.PathEscape(id), draft)
	if err != nil {
		return nil, err
	}

	var memory models.Memory
	if err := c.doJSON(req, "update memory", &memory); err != nil {
		return nil, err
	}
	return &memory, nil
}

// Health probes the service. A nil return means reachable.
func (c *Client) Health(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/health", nil)
	if err != nil {
		return err
	}
	return c.doJSON(req, "health check", nil)
}

// newRequest creates an authenticated JSON request.
func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrInternal, "failed to encode request body")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrInternal, "failed to create request")
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}
	return req, nil
}

// doJSON executes the request, maps error statuses, and decodes the
// response body into out when out is non-nil.
func (c *Client) doJSON(req *http.Request, op string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrNetwork, op+" request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		message := fmt.Sprintf("%s failed with status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body)))
		switch resp.StatusCode {
		case http.StatusNotFound, http.StatusGone:
			return apperrors.New(apperrors.ErrNotFound, message)
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			return apperrors.New(apperrors.ErrValidation, message)
		default:
			return apperrors.New(apperrors.ErrNetwork, message)
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(err, apperrors.ErrNetwork, "failed to parse "+op+" response")
	}
	return nil
}
