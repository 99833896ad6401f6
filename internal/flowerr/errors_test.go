package flowerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type httpError struct{ status int }

func (e *httpError) Error() string   { return fmt.Sprintf("http %d", e.status) }
func (e *httpError) StatusCode() int { return e.status }

func TestScrub(t *testing.T) {
	got := Scrub(map[string]interface{}{"apiKey": "sk-live-x", "retries": 2})
	assert.Equal(t, map[string]interface{}{"retries": 2}, got)
}

func TestScrub_Nested(t *testing.T) {
	got := Scrub(map[string]interface{}{
		"request": map[string]interface{}{
			"Authorization": "Bearer abc",
			"url":           "https://example.com",
		},
		"attempts": []interface{}{
			map[string]interface{}{"access_token": "t", "n": 1},
		},
		"db_password": "hunter2",
		"maxTokens":   256,
	})

	assert.Equal(t, map[string]interface{}{
		"request":   map[string]interface{}{"url": "https://example.com"},
		"attempts":  []interface{}{map[string]interface{}{"n": 1}},
		"maxTokens": 256,
	}, got)
}

func TestScrub_Nil(t *testing.T) {
	assert.Nil(t, Scrub(nil))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind Kind
		code Code
	}{
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), KindNetwork, CodeTimeout},
		{"unauthorized status", &httpError{401}, KindSecurity, CodeAuthenticationFailed},
		{"rate limited status", &httpError{429}, KindProvider, CodeProviderRejected},
		{"server status", &httpError{503}, KindProvider, CodeProviderUnavailable},
		{"message substring", errors.New("dial tcp: connection refused"), KindNetwork, CodeConnectionFailed},
		{"model message", errors.New("The model gpt-x does not exist"), KindProvider, CodeModelUnavailable},
		{"fallback", errors.New("something odd"), KindSystem, CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			require.NotNil(t, got)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.code, got.Code)
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestClassify_KeepsClassified(t *testing.T) {
	orig := New(CodeCompileFailed, "tsc exited with %d", 2)
	got := Classify(fmt.Errorf("node x: %w", orig))
	assert.Same(t, orig, got)
	assert.Equal(t, KindCodeExecution, got.Kind)
	assert.Nil(t, Classify(nil))
}

func TestWithDetailsScrubs(t *testing.T) {
	e := New(CodeProviderRejected, "rejected").WithDetails(map[string]interface{}{
		"apiKey":  "sk-live-x",
		"retries": 2,
	})
	assert.Equal(t, map[string]interface{}{"retries": 2}, e.Details)
}
