package pulse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultHistoryPageSize = 50
	DefaultHistoryTimeout  = 30 * time.Second
)

// HistoryPage is one page of server history, oldest message first.
type HistoryPage struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"nextCursor,omitempty"`
	HasMore    bool      `json:"hasMore"`
}

// History fetches conversation history in pages. An empty cursor requests the
// newest page; NextCursor walks backwards in time.
type History interface {
	Page(ctx context.Context, conversationID, cursor string, limit int) (*HistoryPage, error)
}

// ============================================================================
// HTTP History Client
// ============================================================================

// HistoryClient reads history over the REST API.
type HistoryClient struct {
	baseURL    string
	session    Session
	httpClient *http.Client
}

type HistoryOption func(*HistoryClient)

func WithHistoryHTTPClient(client *http.Client) HistoryOption {
	return func(c *HistoryClient) { c.httpClient = client }
}

func WithHistoryTimeout(timeout time.Duration) HistoryOption {
	return func(c *HistoryClient) { c.httpClient.Timeout = timeout }
}

// NewHistoryClient creates a client for the API rooted at baseURL. The
// session's access token is read on every request.
func NewHistoryClient(baseURL string, session Session, opts ...HistoryOption) *HistoryClient {
	c := &HistoryClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		session: session,
		httpClient: &http.Client{
			Timeout: DefaultHistoryTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Page implements History.
func (c *HistoryClient) Page(ctx context.Context, conversationID, cursor string, limit int) (*HistoryPage, error) {
	if limit <= 0 {
		limit = DefaultHistoryPageSize
	}
	query := map[string]string{"limit": strconv.Itoa(limit)}
	if cursor != "" {
		query["cursor"] = cursor
	}
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"

	data, err := c.doRequest(ctx, http.MethodGet, path, query)
	if err != nil {
		return nil, err
	}
	var result APIResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !result.OK {
		if result.Error != nil {
			return nil, result.Error
		}
		return nil, &APIError{Code: "UNKNOWN", Message: "history request failed"}
	}
	var page HistoryPage
	if err := result.Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	for i := range page.Messages {
		if page.Messages[i].ConversationID == "" {
			page.Messages[i].ConversationID = conversationID
		}
		page.Messages[i].SendState = SendSent
	}
	return &page, nil
}

func (c *HistoryClient) doRequest(ctx context.Context, method, path string, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	token := c.session.AccessToken()
	if token == "" {
		return nil, ErrNotAuthenticated
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}
