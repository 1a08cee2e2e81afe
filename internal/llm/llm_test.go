// ABOUTME: Tests for the OpenAI-compatible client against a local HTTP server
// ABOUTME: Verifies prompt shape, empty replies and the request timeout

package llm

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

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func completionServer(t *testing.T, reply string, seen *chatRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		if seen != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","model":"test-model",` +
			`"choices":[{"index":0,"message":{"role":"assistant","content":` + reply + `},"finish_reason":"stop"}],` +
			`"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestComplete_SendsSystemAndTurns(t *testing.T) {
	var seen chatRequest
	srv := completionServer(t, `"  Hello Ana!  "`, &seen)

	c, err := New(Config{BaseURL: srv.URL, APIKey: "sk-test", Model: "test-model"}, nil)
	require.NoError(t, err)

	text, err := c.Complete(context.Background(), Request{
		System: "You are a support agent.",
		Turns: []Turn{
			{Role: RoleUser, Content: "hi"},
			{Role: RoleAssistant, Content: "hello"},
			{Role: RoleUser, Content: "where is my order"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello Ana!", text)

	assert.Equal(t, "test-model", seen.Model)
	require.Len(t, seen.Messages, 4)
	assert.Equal(t, "system", seen.Messages[0].Role)
	assert.Equal(t, "assistant", seen.Messages[2].Role)
	assert.Equal(t, "where is my order", seen.Messages[3].Content)
}

func TestComplete_EmptyReply(t *testing.T) {
	srv := completionServer(t, `""`, nil)
	c, err := New(Config{BaseURL: srv.URL, APIKey: "sk-test", Model: "m"}, nil)
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), Request{Turns: []Turn{{Role: RoleUser, Content: "hi"}}})
	assert.ErrorIs(t, err, ErrEmptyReply)
}

func TestComplete_Timeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(block)
		srv.Close()
	})

	c, err := New(Config{BaseURL: srv.URL, APIKey: "sk-test", Model: "m", Timeout: 50 * time.Millisecond}, nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Complete(context.Background(), Request{Turns: []Turn{{Role: RoleUser, Content: "hi"}}})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestNew_RequiresModel(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)
}
