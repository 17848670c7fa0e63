package analyze

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antonkrylov/shellbox/internal/shell"
)

func writeCapture(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func testConfig(baseURL string) Config {
	return Config{
		Enabled:       true,
		BaseURL:       baseURL,
		APIKey:        "test-key",
		Model:         "test-model",
		ChatPath:      "/v1/chat/completions",
		Timeout:       5 * time.Second,
		MaxInputBytes: 1024,
	}
}

func TestNewDisabled(t *testing.T) {
	a, err := New(Config{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestNewRejectsIncompleteConfig(t *testing.T) {
	_, err := New(Config{Enabled: true, BaseURL: "http://x"})
	require.Error(t, err)
}

func TestSummarize(t *testing.T) {
	var gotAuth string
	var gotBody chatReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "  The build passed.  "}},
			},
		})
	}))
	defer srv.Close()

	a, err := New(testConfig(srv.URL))
	require.NoError(t, err)

	ec := 0
	summary, err := a.Summarize(context.Background(), shell.AnalyzeRequest{
		Command:    "make build",
		Pid:        123,
		ExitCode:   &ec,
		StdoutPath: writeCapture(t, "out", "compiling...\nok\n"),
		StderrPath: writeCapture(t, "err", ""),
	})
	require.NoError(t, err)
	assert.Equal(t, "The build passed.", summary)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "test-model", gotBody.Model)
	require.Len(t, gotBody.Messages, 2)
	assert.Contains(t, gotBody.Messages[1].Content, "make build")
	assert.Contains(t, gotBody.Messages[1].Content, "Exit code: 0")
	assert.Contains(t, gotBody.Messages[1].Content, "compiling...")
}

func TestSummarizeHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	a, err := New(testConfig(srv.URL))
	require.NoError(t, err)

	_, err = a.Summarize(context.Background(), shell.AnalyzeRequest{
		Command:    "true",
		StdoutPath: writeCapture(t, "out", ""),
		StderrPath: writeCapture(t, "err", ""),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestSummarizeAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "model overloaded"},
		})
	}))
	defer srv.Close()

	a, err := New(testConfig(srv.URL))
	require.NoError(t, err)

	_, err = a.Summarize(context.Background(), shell.AnalyzeRequest{
		Command:    "true",
		StdoutPath: writeCapture(t, "out", ""),
		StderrPath: writeCapture(t, "err", ""),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestReadTailBounds(t *testing.T) {
	p := writeCapture(t, "big", strings.Repeat("x", 200)+"THE-END")
	got := readTail(p, 50)
	assert.Contains(t, got, "THE-END")
	assert.Contains(t, got, "bytes omitted")
	assert.LessOrEqual(t, len(got), 120)
}

func TestReadTailMissingFile(t *testing.T) {
	got := readTail(filepath.Join(t.TempDir(), "nope"), 100)
	assert.Contains(t, got, "unreadable")
}
