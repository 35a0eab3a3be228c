package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/studyloop/studyloop-backend/internal/logger"
	"github.com/studyloop/studyloop-backend/internal/pkg/httpx"
)

// ToolDefinition declares one callable function exposed to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is one function invocation the model asked for.
type ToolCall struct {
	CallID    string
	Name      string
	Arguments string // raw JSON
}

// ConversationItem is one entry of the running agent conversation. Exactly
// one of the role/call fields applies depending on Type.
type ConversationItem struct {
	Type string // "message" | "function_call" | "function_call_output"

	// message
	Role    string
	Content string

	// function_call (echoed back to the model)
	CallID    string
	Name      string
	Arguments string

	// function_call_output
	Output string
}

func UserMessage(content string) ConversationItem {
	return ConversationItem{Type: "message", Role: "user", Content: content}
}

func AssistantToolCall(tc ToolCall) ConversationItem {
	return ConversationItem{Type: "function_call", CallID: tc.CallID, Name: tc.Name, Arguments: tc.Arguments}
}

func ToolOutput(callID string, output string) ConversationItem {
	return ConversationItem{Type: "function_call_output", CallID: callID, Output: output}
}

// Turn is the model's reply for one round-trip: tool calls to execute, or a
// final plain message when the model stopped calling tools.
type Turn struct {
	ToolCalls []ToolCall
	Text      string
}

// Client is the model-calling capability consumed by the agent orchestrator.
type Client interface {
	GenerateToolCalls(ctx context.Context, system string, conversation []ConversationItem, tools []ToolDefinition) (*Turn, error)
}

type client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	maxRetries int
}

func NewClient(log *logger.Logger) (Client, error) {
	apiKey := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("missing OPENAI_API_KEY")
	}

	baseURL := strings.TrimSpace(os.Getenv("OPENAI_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(os.Getenv("OPENAI_MODEL"))
	if model == "" {
		model = "gpt-4.1"
	}

	return &client{
		log:        log.With("client", "OpenAIClient"),
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		maxRetries: 3,
	}, nil
}

type openAIHTTPError struct {
	StatusCode int
	Body       string
}

func (e *openAIHTTPError) Error() string {
	return fmt.Sprintf("openai http %d: %s", e.StatusCode, e.Body)
}

func (e *openAIHTTPError) HTTPStatusCode() int { return e.StatusCode }

// -------------------- Responses API --------------------

type responsesRequest struct {
	Model      string             `json:"model"`
	Input      []map[string]any   `json:"input"`
	Tools      []map[string]any   `json:"tools,omitempty"`
	ToolChoice string             `json:"tool_choice,omitempty"`
}

type responsesResponse struct {
	Output []struct {
		Type      string `json:"type"`
		CallID    string `json:"call_id"`
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
		Content   []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *client) GenerateToolCalls(ctx context.Context, system string, conversation []ConversationItem, tools []ToolDefinition) (*Turn, error) {
	input := make([]map[string]any, 0, len(conversation)+1)
	if strings.TrimSpace(system) != "" {
		input = append(input, map[string]any{"role": "system", "content": system})
	}
	for _, item := range conversation {
		switch item.Type {
		case "message":
			input = append(input, map[string]any{"role": item.Role, "content": item.Content})
		case "function_call":
			input = append(input, map[string]any{
				"type":      "function_call",
				"call_id":   item.CallID,
				"name":      item.Name,
				"arguments": item.Arguments,
			})
		case "function_call_output":
			input = append(input, map[string]any{
				"type":    "function_call_output",
				"call_id": item.CallID,
				"output":  item.Output,
			})
		default:
			return nil, fmt.Errorf("unknown conversation item type %q", item.Type)
		}
	}

	toolSpecs := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		toolSpecs = append(toolSpecs, map[string]any{
			"type":        "function",
			"name":        t.Name,
			"description": t.Description,
			"parameters":  t.Parameters,
			"strict":      true,
		})
	}

	req := responsesRequest{
		Model:      c.model,
		Input:      input,
		Tools:      toolSpecs,
		ToolChoice: "auto",
	}

	var resp responsesResponse
	if err := c.do(ctx, "POST", "/v1/responses", &req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("openai: %s", resp.Error.Message)
	}

	turn := &Turn{}
	var textParts []string
	for _, out := range resp.Output {
		switch out.Type {
		case "function_call":
			turn.ToolCalls = append(turn.ToolCalls, ToolCall{
				CallID:    out.CallID,
				Name:      out.Name,
				Arguments: out.Arguments,
			})
		case "message":
			for _, part := range out.Content {
				if part.Type == "output_text" && strings.TrimSpace(part.Text) != "" {
					textParts = append(textParts, part.Text)
				}
			}
		}
	}
	turn.Text = strings.TrimSpace(strings.Join(textParts, "\n"))
	if len(turn.ToolCalls) == 0 && turn.Text == "" {
		return nil, fmt.Errorf("openai: response contained neither tool calls nor text")
	}
	return turn, nil
}

// -------------------- transport --------------------

func (c *client) doOnce(ctx context.Context, method, path string, body any) (*http.Response, []byte, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}

	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, nil, readErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, raw, &openAIHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, raw, nil
}

func (c *client) do(ctx context.Context, method, path string, body any, out any) error {
	backoff := 1 * time.Second

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		resp, raw, err := c.doOnce(ctx, method, path, body)
		if err == nil {
			if out == nil {
				return nil
			}
			if uErr := json.Unmarshal(raw, out); uErr != nil {
				return fmt.Errorf("openai decode error: %w; raw=%s", uErr, string(raw))
			}
			return nil
		}

		if !httpx.IsRetryableError(err) || attempt == c.maxRetries {
			return err
		}

		sleepFor := httpx.RetryAfterDuration(resp, backoff, 10*time.Second)
		sleepFor = httpx.JitterSleep(sleepFor)

		c.log.Warn("OpenAI request retrying",
			"path", path,
			"attempt", attempt+1,
			"max_retries", c.maxRetries,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)

		time.Sleep(sleepFor)
		backoff *= 2
	}

	return fmt.Errorf("unreachable retry loop")
}
