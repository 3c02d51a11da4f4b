package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"usecasehub/pkg/domain"
)

// TokenProvider supplies bearer tokens for outbound calls. Invalidate drops
// a cached token so the next call acquires a fresh one.
type TokenProvider interface {
	Token(ctx context.Context, sessionID string) (string, error)
	Invalidate(sessionID string)
}

// Client is the authenticated HTTP client for the knowledge backend. Every
// request carries a bearer token and bypasses intermediary caches.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenProvider
}

// NewClient constructs a backend client. tokens may be nil, in which case the
// principal's own bearer token is forwarded unchanged.
func NewClient(baseURL string, tokens TokenProvider) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		tokens:     tokens,
	}
}

// LandingResponse is the combined payload of the landing endpoint.
type LandingResponse struct {
	UsecaseTypes []domain.TenantSettings `json:"usecasetypes"`
	Metadata     domain.Metadata         `json:"metadata"`
}

// Landing fetches the tenant list, per-tenant settings and metadata.
func (c *Client) Landing(ctx context.Context, p domain.Principal) (LandingResponse, error) {
	var out LandingResponse
	if err := c.doJSON(ctx, p, http.MethodGet, "/api/usecasetypes", nil, &out); err != nil {
		return LandingResponse{}, err
	}
	return out, nil
}

// ListIndices returns the indices of one usecase type.
func (c *Client) ListIndices(ctx context.Context, p domain.Principal, tenantID string) ([]domain.Index, error) {
	var out struct {
		Indices []domain.Index `json:"indices"`
	}
	path := fmt.Sprintf("/api/usecasetypes/%s/indices", url.PathEscape(tenantID))
	if err := c.doJSON(ctx, p, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Indices, nil
}

// CreateIndex submits a new index as an id-correlated multipart form.
func (c *Client) CreateIndex(ctx context.Context, p domain.Principal, tenantID string, form *Form) error {
	path := fmt.Sprintf("/api/usecasetypes/%s/indices", url.PathEscape(tenantID))
	return c.doForm(ctx, p, http.MethodPost, path, form, nil)
}

// UpdateIndex updates index fields with a JSON payload.
func (c *Client) UpdateIndex(ctx context.Context, p domain.Principal, tenantID, indexID string, payload any) error {
	path := fmt.Sprintf("/api/usecasetypes/%s/indices/%s", url.PathEscape(tenantID), url.PathEscape(indexID))
	return c.doJSON(ctx, p, http.MethodPut, path, payload, nil)
}

// DeleteIndex removes an index and everything below it.
func (c *Client) DeleteIndex(ctx context.Context, p domain.Principal, tenantID, indexID string) error {
	path := fmt.Sprintf("/api/usecasetypes/%s/indices/%s", url.PathEscape(tenantID), url.PathEscape(indexID))
	return c.doJSON(ctx, p, http.MethodDelete, path, nil, nil)
}

// ListCategories returns the categories of one index.
func (c *Client) ListCategories(ctx context.Context, p domain.Principal, tenantID, indexID string) ([]domain.Category, error) {
	var out struct {
		Categories []domain.Category `json:"categories"`
	}
	path := fmt.Sprintf("/api/usecasetypes/%s/indices/%s/categories", url.PathEscape(tenantID), url.PathEscape(indexID))
	if err := c.doJSON(ctx, p, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Categories, nil
}

// CreateCategory submits a new category as an id-correlated multipart form.
func (c *Client) CreateCategory(ctx context.Context, p domain.Principal, tenantID, indexID string, form *Form) error {
	path := fmt.Sprintf("/api/usecasetypes/%s/indices/%s/categories", url.PathEscape(tenantID), url.PathEscape(indexID))
	return c.doForm(ctx, p, http.MethodPost, path, form, nil)
}

// UpdateCategory updates a category as an id-correlated multipart form.
func (c *Client) UpdateCategory(ctx context.Context, p domain.Principal, tenantID, indexID, categoryID string, form *Form) error {
	path := fmt.Sprintf("/api/usecasetypes/%s/indices/%s/categories/%s",
		url.PathEscape(tenantID), url.PathEscape(indexID), url.PathEscape(categoryID))
	return c.doForm(ctx, p, http.MethodPut, path, form, nil)
}

// DeleteCategory removes a category.
func (c *Client) DeleteCategory(ctx context.Context, p domain.Principal, tenantID, indexID, categoryID string) error {
	path := fmt.Sprintf("/api/usecasetypes/%s/indices/%s/categories/%s",
		url.PathEscape(tenantID), url.PathEscape(indexID), url.PathEscape(categoryID))
	return c.doJSON(ctx, p, http.MethodDelete, path, nil, nil)
}

// Ask posts one chat turn to the conversation endpoint.
func (c *Client) Ask(ctx context.Context, p domain.Principal, tenantID, indexID, categoryID, conversationID string, req domain.ChatRequest) (domain.AskResponse, error) {
	var out domain.AskResponse
	path := fmt.Sprintf("%s/chat/%s", c.categoryPath(tenantID, indexID, categoryID), url.PathEscape(conversationID))
	if err := c.doJSON(ctx, p, http.MethodPost, path, req, &out); err != nil {
		return domain.AskResponse{}, err
	}
	return out, nil
}

// Conversations lists the caller's conversations for a category.
func (c *Client) Conversations(ctx context.Context, p domain.Principal, tenantID, indexID, categoryID string) ([]domain.HistoryEntry, error) {
	var out struct {
		Conversations []domain.HistoryEntry `json:"conversations"`
	}
	path := c.categoryPath(tenantID, indexID, categoryID) + "/chat"
	if err := c.doJSON(ctx, p, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// ExampleQuestions returns the suggested starter questions of a category.
func (c *Client) ExampleQuestions(ctx context.Context, p domain.Principal, tenantID, indexID, categoryID string) ([]string, error) {
	var out struct {
		ExampleQuestions []string `json:"example_questions"`
	}
	path := c.categoryPath(tenantID, indexID, categoryID) + "/chat/example_questions"
	if err := c.doJSON(ctx, p, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.ExampleQuestions, nil
}

// Conversation fetches the raw alternating history of one conversation.
func (c *Client) Conversation(ctx context.Context, p domain.Principal, tenantID, indexID, categoryID, conversationID string) ([]string, error) {
	var out struct {
		History []string `json:"history"`
	}
	path := fmt.Sprintf("%s/chat/%s", c.categoryPath(tenantID, indexID, categoryID), url.PathEscape(conversationID))
	if err := c.doJSON(ctx, p, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.History, nil
}

// DeleteConversation removes one conversation.
func (c *Client) DeleteConversation(ctx context.Context, p domain.Principal, tenantID, indexID, categoryID, conversationID string) error {
	path := fmt.Sprintf("%s/chat/%s", c.categoryPath(tenantID, indexID, categoryID), url.PathEscape(conversationID))
	return c.doJSON(ctx, p, http.MethodDelete, path, nil, nil)
}

func (c *Client) categoryPath(tenantID, indexID, categoryID string) string {
	return fmt.Sprintf("/api/usecasetypes/%s/indices/%s/categories/%s",
		url.PathEscape(tenantID), url.PathEscape(indexID), url.PathEscape(categoryID))
}

func (c *Client) doJSON(ctx context.Context, p domain.Principal, method, path string, payload, out any) error {
	var body []byte
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		body = data
	}
	return c.do(ctx, p, method, path, func() (io.Reader, string) {
		if body == nil {
			return nil, ""
		}
		return bytes.NewReader(body), "application/json"
	}, out)
}

func (c *Client) doForm(ctx context.Context, p domain.Principal, method, path string, form *Form, out any) error {
	data, contentType, err := form.Encode()
	if err != nil {
		return fmt.Errorf("encode form: %w", err)
	}
	return c.do(ctx, p, method, path, func() (io.Reader, string) {
		return bytes.NewReader(data), contentType
	}, out)
}

// do executes one request with a bearer token. A 401 is retried once after
// forcing fresh token acquisition; body() is called per attempt so the
// request body can be replayed.
func (c *Client) do(ctx context.Context, p domain.Principal, method, path string, body func() (io.Reader, string), out any) error {
	retried := false
	for {
		token, err := c.token(ctx, p)
		if err != nil {
			return &AuthenticationError{Message: err.Error()}
		}
		reader, contentType := body()
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Cache-Control", "no-cache")
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("backend request: %w", err)
		}
		if resp.StatusCode == http.StatusUnauthorized && c.tokens != nil && !retried {
			resp.Body.Close()
			c.tokens.Invalidate(p.Subject)
			retried = true
			continue
		}
		return decodeResponse(resp, out)
	}
}

func (c *Client) token(ctx context.Context, p domain.Principal) (string, error) {
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx, p.Subject)
		if err == nil {
			return token, nil
		}
		if p.Token == "" {
			return "", err
		}
	}
	if p.Token == "" {
		return "", errors.New("no bearer token available")
	}
	return p.Token, nil
}

func decodeResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &AuthenticationError{}
	case resp.StatusCode == http.StatusInternalServerError:
		var errResp struct {
			Error     string `json:"error"`
			Traceback string `json:"traceback"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return &ServerError{TraceID: strings.TrimSpace(errResp.Traceback)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &RequestError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
