package issue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJiraClient_CreateIssue(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/rest/api/2/issue", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "bot", user)
		assert.Equal(t, "tok", pass)

		var body map[string]map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		fields := body["fields"]
		assert.Equal(t, map[string]any{"key": "OPS"}, fields["project"])
		assert.Equal(t, map[string]any{"name": "Bug"}, fields["issuetype"])
		assert.Equal(t, "summary", fields["summary"])
		assert.Equal(t, map[string]any{"name": "bot"}, fields["reporter"])

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"10001","key":"OPS-42","self":"http://jira/rest/api/2/issue/10001"}`))
	}))
	defer ts.Close()

	c := NewJiraClient(ts.URL, "bot", "tok", 5*time.Second)
	key, err := c.CreateIssue(context.Background(), CreateRequest{
		Project: "OPS", IssueType: "Bug", Summary: "summary", Description: "description",
	})
	require.NoError(t, err)
	assert.Equal(t, "OPS-42", key)
}

func TestJiraClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"bad request", http.StatusBadRequest, `{"errors":{"project":"unknown"}}`, ErrBadRequest},
		{"server error", http.StatusBadGateway, ``, ErrServer},
		{"missing key", http.StatusCreated, `{"id":"1"}`, ErrServer},
		{"garbage", http.StatusCreated, `not json`, ErrServer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer ts.Close()

			_, err := NewJiraClient(ts.URL, "", "", 5*time.Second).CreateIssue(context.Background(), CreateRequest{Project: "OPS"})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestJiraClient_Unreachable(t *testing.T) {
	_, err := NewJiraClient("http://127.0.0.1:1", "", "", time.Second).CreateIssue(context.Background(), CreateRequest{})
	assert.ErrorIs(t, err, ErrUnavailable)
}
