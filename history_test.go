package pulse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryClientPage(t *testing.T) {
	var gotPath, gotAuth, gotLimit, gotCursor string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotAuth = r.Header.Get("Authorization")
		gotLimit = r.URL.Query().Get("limit")
		gotCursor = r.URL.Query().Get("cursor")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"data":{
			"messages":[{"id":"m1","senderId":"peer","content":"hi","timestamp":"2024-03-01T12:00:00Z","readBy":["me"]}],
			"nextCursor":"abc","hasMore":true}}`))
	}))
	defer srv.Close()

	client := NewHistoryClient(srv.URL+"/", StaticSession{ID: "me", Token: "tok"})
	page, err := client.Page(context.Background(), "c/1", "p0", 20)
	require.NoError(t, err)

	assert.Equal(t, "/api/conversations/c%2F1/messages", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "20", gotLimit)
	assert.Equal(t, "p0", gotCursor)

	assert.Equal(t, "abc", page.NextCursor)
	assert.True(t, page.HasMore)
	require.Len(t, page.Messages, 1)
	m := page.Messages[0]
	assert.Equal(t, "c/1", m.ConversationID)
	assert.Equal(t, SendSent, m.SendState)
	assert.Equal(t, "hi", m.Text())
	assert.Equal(t, []string{"me"}, m.ReadBy)
}

func TestHistoryClientDefaultsAndFirstPage(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		w.Write([]byte(`{"ok":true,"data":{"messages":[],"hasMore":false}}`))
	}))
	defer srv.Close()

	page, err := NewHistoryClient(srv.URL, StaticSession{Token: "tok"}).Page(context.Background(), "c1", "", 0)
	require.NoError(t, err)

	assert.Equal(t, "limit=50", query)
	assert.Empty(t, page.Messages)
	assert.False(t, page.HasMore)
}

func TestHistoryClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("cursor") {
		case "forbidden":
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"ok":false,"error":{"code":"FORBIDDEN","message":"not a participant"}}`))
		case "bare":
			w.Write([]byte(`{"ok":false}`))
		default:
			w.Write([]byte(`not json`))
		}
	}))
	defer srv.Close()
	client := NewHistoryClient(srv.URL, StaticSession{Token: "tok"})

	_, err := client.Page(context.Background(), "c1", "forbidden", 10)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "FORBIDDEN", apiErr.Code)

	_, err = client.Page(context.Background(), "c1", "bare", 10)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "UNKNOWN", apiErr.Code)

	_, err = client.Page(context.Background(), "c1", "junk", 10)
	assert.Error(t, err)

	_, err = NewHistoryClient(srv.URL, StaticSession{}).Page(context.Background(), "c1", "", 10)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}
