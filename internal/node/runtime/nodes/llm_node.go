// Package nodes provides built-in node implementations
package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/flowmaestro/flowmaestro/internal/node/runtime"
)

// LLMNode is the "llm" node type: a prompt completion
// call against a configured model-provider HTTP endpoint. It reuses
// HTTPRequestNode's transport/error-classification style rather than a
// vendor SDK, since the provider surface (chat-completions style JSON
// over HTTPS with a bearer key) is already fully expressible with the
// stack http_request.go uses.
type LLMNode struct {
	client *http.Client
}

func NewLLMNode() *LLMNode {
	return &LLMNode{client: &http.Client{Timeout: 60 * time.Second}}
}

func (n *LLMNode) GetType() string { return "llm" }

func (n *LLMNode) Validate(config map[string]interface{}) error {
	if getStringConfig(config, "endpoint", "") == "" {
		return fmt.Errorf("endpoint is required")
	}
	if getStringConfig(config, "prompt", "") == "" {
		return fmt.Errorf("prompt is required")
	}
	return nil
}

func (n *LLMNode) GetMetadata() runtime.NodeMetadata {
	return runtime.NodeMetadata{
		Type:        "llm",
		Name:        "LLM",
		Description: "Send a prompt to a configured language model endpoint",
		Category:    "ai",
		Icon:        "cpu",
		Color:       "#7C4DFF",
		Version:     "1.0.0",
		Inputs:      []runtime.PortDefinition{{Name: "main", Type: "any", Description: "Input data"}},
		Outputs:     []runtime.PortDefinition{{Name: "main", Type: "any", Description: "Model completion"}},
		Properties: []runtime.PropertyDefinition{
			{Name: "endpoint", Type: "string", Required: true, Description: "Chat-completions style HTTPS endpoint"},
			{Name: "model", Type: "string", Required: true, Description: "Model identifier"},
			{Name: "prompt", Type: "string", Required: true, Description: "User prompt, may contain ${...} interpolation"},
			{Name: "systemPrompt", Type: "string", Description: "Optional system prompt"},
			{Name: "temperature", Type: "number", Default: 0.7, Description: "Sampling temperature"},
			{Name: "maxTokens", Type: "number", Default: 1024, Description: "Maximum completion tokens"},
		},
	}
}

type llmRequestBody struct {
	Model       string      `json:"model"`
	Messages    []llmMessage `json:"messages"`
	Temperature float64     `json:"temperature"`
	MaxTokens   int         `json:"max_tokens"`
}

type llmMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type llmResponseBody struct {
	Choices []struct {
		Message llmMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (n *LLMNode) Execute(ctx context.Context, input *runtime.ExecutionInput) (*runtime.ExecutionOutput, error) {
	startTime := time.Now()
	output := &runtime.ExecutionOutput{Data: make(map[string]interface{}), Logs: []runtime.LogEntry{}}

	endpoint := getStringConfig(input.NodeConfig, "endpoint", "")
	model := getStringConfig(input.NodeConfig, "model", "")
	prompt := getStringConfig(input.NodeConfig, "prompt", "")
	systemPrompt := getStringConfig(input.NodeConfig, "systemPrompt", "")
	temperature := getFloatConfig(input.NodeConfig, "temperature", 0.7)
	maxTokens := getIntConfig(input.NodeConfig, "maxTokens", 1024)

	var messages []llmMessage
	if systemPrompt != "" {
		messages = append(messages, llmMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, llmMessage{Role: "user", Content: prompt})

	reqBody, err := json.Marshal(llmRequestBody{Model: model, Messages: messages, Temperature: temperature, MaxTokens: maxTokens})
	if err != nil {
		output.Error = runtime.NewNodeError(runtime.ErrorKindValidation, fmt.Sprintf("failed to marshal request: %v", err), err)
		return output, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		output.Error = runtime.NewNodeError(runtime.ErrorKindValidation, fmt.Sprintf("failed to create request: %v", err), err)
		return output, nil
	}
	req.Header.Set("Content-Type", "application/json")
	if input.Credentials != nil {
		if apiKey, ok := input.Credentials["apiKey"].(string); ok && apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+apiKey)
		}
	}

	output.Logs = append(output.Logs, runtime.LogEntry{
		Level: "info", Message: fmt.Sprintf("calling model %s at %s", model, endpoint),
		Timestamp: time.Now().UnixMilli(), NodeID: input.NodeID,
	})

	resp, err := n.client.Do(req)
	if err != nil {
		output.Error = classifyHTTPError(err)
		return output, nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		output.Error = runtime.NewNodeError(runtime.ErrorKindNetwork, fmt.Sprintf("failed to read response: %v", err), err)
		return output, nil
	}

	if resp.StatusCode >= 400 {
		output.Error = classifyLLMStatus(resp.StatusCode, string(respBody))
		return output, nil
	}

	var parsed llmResponseBody
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		output.Error = runtime.NewNodeError(runtime.ErrorKindServer, fmt.Sprintf("failed to parse model response: %v", err), err)
		return output, nil
	}

	completion := ""
	if len(parsed.Choices) > 0 {
		completion = parsed.Choices[0].Message.Content
	}

	output.Data["completion"] = completion
	output.Data["model"] = model
	output.Data["usage"] = map[string]interface{}{
		"promptTokens":     parsed.Usage.PromptTokens,
		"completionTokens": parsed.Usage.CompletionTokens,
		"totalTokens":      parsed.Usage.TotalTokens,
	}

	output.Metrics = runtime.ExecutionMetrics{
		StartTime:  startTime.UnixMilli(),
		EndTime:    time.Now().UnixMilli(),
		DurationMs: time.Since(startTime).Milliseconds(),
		BytesRead:  int64(len(respBody)),
	}
	return output, nil
}

func classifyLLMStatus(statusCode int, body string) *runtime.NodeError {
	switch {
	case statusCode == 401 || statusCode == 403:
		return runtime.NewNodeError(runtime.ErrorKindAuth, fmt.Sprintf("auth failed: %s", body), nil)
	case statusCode == 429:
		return runtime.NewNodeError(runtime.ErrorKindRateLimited, fmt.Sprintf("rate limited: %s", body), nil)
	case statusCode == 408:
		return runtime.NewNodeError(runtime.ErrorKindTimeout, fmt.Sprintf("timed out: %s", body), nil)
	case statusCode >= 500:
		return runtime.NewNodeError(runtime.ErrorKindServer, fmt.Sprintf("provider error %d: %s", statusCode, body), nil)
	default:
		return runtime.NewNodeError(runtime.ErrorKindValidation, fmt.Sprintf("request rejected %d: %s", statusCode, body), nil)
	}
}

func getFloatConfig(config map[string]interface{}, key string, defaultVal float64) float64 {
	if v, ok := config[key]; ok {
		switch val := v.(type) {
		case float64:
			return val
		case int:
			return float64(val)
		}
	}
	return defaultVal
}

func init() {
	runtime.Register(NewLLMNode())
}
