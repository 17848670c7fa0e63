package analyze

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/antonkrylov/shellbox/internal/shell"
)

const systemPrompt = "You summarize the output of a finished shell command for a coding agent. " +
	"Report what the command did, whether it succeeded, and quote the decisive lines " +
	"(errors, final counts, paths). Be concise; a few sentences at most."

// New builds the analyzer from config: nil when analysis is disabled, so the
// engine falls back to raw output.
func New(cfg Config) (shell.Analyzer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("SHELLBOX_ANALYZE_BASE_URL: %w", err)
	}
	return &client{
		http: &http.Client{Timeout: cfg.Timeout},
		cfg:  cfg,
		u:    base,
	}, nil
}

// client talks to an OpenAI-compatible chat-completions endpoint. No vendor
// SDK: the wire format is three small structs and one POST.
type client struct {
	http *http.Client
	cfg  Config
	u    *url.URL
}

type chatReq struct {
	Model    string    `json:"model"`
	Messages []chatMsg `json:"messages"`
}

type chatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResp struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *client) Summarize(ctx context.Context, req shell.AnalyzeRequest) (string, error) {
	stdout := readTail(req.StdoutPath, c.cfg.MaxInputBytes)
	stderr := readTail(req.StderrPath, c.cfg.MaxInputBytes)

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Command: %s\n", req.Command)
	if req.ExitCode != nil {
		fmt.Fprintf(&prompt, "Exit code: %d\n", *req.ExitCode)
	} else {
		prompt.WriteString("Exit code: unknown\n")
	}
	fmt.Fprintf(&prompt, "\n--- stdout (tail) ---\n%s\n--- stderr (tail) ---\n%s\n", stdout, stderr)

	payload := chatReq{
		Model: c.cfg.Model,
		Messages: []chatMsg{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt.String()},
		},
	}
	body, _ := json.Marshal(payload)

	reqURL := c.u.ResolveReference(&url.URL{Path: strings.TrimSpace(c.cfg.ChatPath)})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL.String(), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return "", fmt.Errorf("analyze http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}
	var out chatResp
	if err := json.Unmarshal(b, &out); err != nil {
		return "", fmt.Errorf("analyze decode: %w", err)
	}
	if out.Error != nil && strings.TrimSpace(out.Error.Message) != "" {
		return "", fmt.Errorf("analyze error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("analyze: empty choices")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

// readTail returns up to limit bytes from the end of the file; the tail
// holds the conclusion of the command's output.
func readTail(path string, limit int) string {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Sprintf("[unreadable: %v]", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Sprintf("[unreadable: %v]", err)
	}
	off := int64(0)
	size := fi.Size()
	if size > int64(limit) {
		off = size - int64(limit)
	}
	buf := make([]byte, size-off)
	if _, err := f.ReadAt(buf, off); err != nil && err != io.EOF {
		return fmt.Sprintf("[unreadable: %v]", err)
	}
	if off > 0 {
		return fmt.Sprintf("[first %d bytes omitted]\n%s", off, buf)
	}
	return string(buf)
}
