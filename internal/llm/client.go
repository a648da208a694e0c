// Package llm is a thin client for an OpenAI-compatible chat completions
// API, used by the AI tool bridge.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type ToolDef struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

type FunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type Request struct {
	Messages []Message
	Tools    []ToolDef
}

// Result summarizes one streamed completion: why it stopped and any tool
// calls the model requested.
type Result struct {
	FinishReason string
	ToolCalls    []ToolCall
}

type Client struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

func NewClient(baseURL, apiKey, model string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		http:    &http.Client{Timeout: 120 * time.Second},
	}
}

type wireRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Tools    []ToolDef `json:"tools,omitempty"`
	Stream   bool      `json:"stream"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// StreamChat issues one streaming completion. Text deltas are handed to
// onDelta as they arrive; tool-call deltas are accumulated across chunks
// and returned whole once the stream finishes.
func (c *Client) StreamChat(ctx context.Context, req Request, onDelta func(text string) error) (Result, error) {
	payload, err := json.Marshal(wireRequest{
		Model:    c.model,
		Messages: req.Messages,
		Tools:    req.Tools,
		Stream:   true,
	})
	if err != nil {
		return Result{}, fmt.Errorf("encode completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, fmt.Errorf("completion request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result Result
	calls := map[int]*ToolCall{}
	maxIndex := -1

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return Result{}, fmt.Errorf("decode stream chunk: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" && onDelta != nil {
			if err := onDelta(choice.Delta.Content); err != nil {
				return Result{}, err
			}
		}

		for _, delta := range choice.Delta.ToolCalls {
			call, ok := calls[delta.Index]
			if !ok {
				call = &ToolCall{}
				calls[delta.Index] = call
				if delta.Index > maxIndex {
					maxIndex = delta.Index
				}
			}
			if delta.ID != "" {
				call.ID = delta.ID
			}
			if delta.Type != "" {
				call.Type = delta.Type
			}
			if delta.Function.Name != "" {
				call.Function.Name = delta.Function.Name
			}
			call.Function.Arguments += delta.Function.Arguments
		}

		if choice.FinishReason != "" {
			result.FinishReason = choice.FinishReason
		}
	}
	if err := scanner.Err(); err != nil {
		return Result{}, fmt.Errorf("read stream: %w", err)
	}

	for i := 0; i <= maxIndex; i++ {
		if call, ok := calls[i]; ok {
			result.ToolCalls = append(result.ToolCalls, *call)
		}
	}
	return result, nil
}
