// Package issue creates tickets in the issue tracker for error groups.
package issue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Sentinel errors for issue tracker failures.
var (
	ErrUnavailable = errors.New("issue tracker unavailable")
	ErrBadRequest  = errors.New("issue tracker rejected request")
	ErrServer      = errors.New("issue tracker server error")
	ErrNotEnabled  = errors.New("issue tracking not configured")
)

// Tracker creates issues and returns their key, e.g. "OPS-123".
type Tracker interface {
	CreateIssue(ctx context.Context, req CreateRequest) (string, error)
}

type CreateRequest struct {
	Project     string
	IssueType   string
	Summary     string
	Description string
}

// JiraClient implements Tracker against the Jira REST API v2.
type JiraClient struct {
	baseURL  string
	username string
	token    string
	client   *http.Client
}

func NewJiraClient(baseURL, username, token string, timeout time.Duration) *JiraClient {
	return &JiraClient{
		baseURL:  baseURL,
		username: username,
		token:    token,
		client:   &http.Client{Timeout: timeout},
	}
}

func (c *JiraClient) CreateIssue(ctx context.Context, req CreateRequest) (string, error) {
	body := jiraCreateIssueRequest{Fields: jiraIssueFields{
		Project:     jiraKey{Key: req.Project},
		IssueType:   jiraName{Name: req.IssueType},
		Summary:     req.Summary,
		Description: req.Description,
	}}
	if c.username != "" {
		body.Fields.Reporter = &jiraName{Name: c.username}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encoding issue: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rest/api/2/issue", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.username != "" && c.token != "" {
		httpReq.SetBasicAuth(c.username, c.token)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", fmt.Errorf("%w: status %d", ErrBadRequest, resp.StatusCode)
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: status %d", ErrServer, resp.StatusCode)
	}

	var created jiraCreateIssueResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("%w: decoding response: %v", ErrServer, err)
	}
	if created.Key == "" {
		return "", fmt.Errorf("%w: response carries no issue key", ErrServer)
	}

	slog.Info("issue created", "key", created.Key, "project", req.Project)
	return created.Key, nil
}

// --- Jira request/response types ---

type jiraCreateIssueRequest struct {
	Fields jiraIssueFields `json:"fields"`
}

type jiraIssueFields struct {
	Project     jiraKey   `json:"project"`
	IssueType   jiraName  `json:"issuetype"`
	Summary     string    `json:"summary"`
	Description string    `json:"description"`
	Reporter    *jiraName `json:"reporter,omitempty"`
}

type jiraKey struct {
	Key string `json:"key"`
}

type jiraName struct {
	Name string `json:"name"`
}

type jiraCreateIssueResponse struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Self string `json:"self"`
}

var _ Tracker = (*JiraClient)(nil)
