// Package inference is the client for the local Ollama-compatible daemon.
// It discovers models, estimates their memory footprints for slot
// accounting, and runs unary and streaming generation. The client is
// single-attempt: task retries belong to the agent manager so retry
// bookkeeping lands on the task record.
package inference

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

	"filenerd/internal/logging"
)

// =============================================================================
// CLIENT
// =============================================================================

// Config holds client construction parameters.
type Config struct {
	Endpoint string
	Model    string // Default model for requests that name none
	Timeout  time.Duration
}

// DefaultConfig returns defaults for a stock local daemon.
func DefaultConfig() Config {
	return Config{
		Endpoint: "http://localhost:11434",
		Model:    "llama3.2",
		Timeout:  120 * time.Second,
	}
}

// Client talks to one daemon endpoint.
type Client struct {
	endpoint string
	model    string
	client   *http.Client
}

// New creates a client, filling zero config fields with defaults.
func New(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.Endpoint == "" {
		cfg.Endpoint = def.Endpoint
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Client{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		model:    cfg.Model,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Endpoint returns the daemon base URL.
func (c *Client) Endpoint() string { return c.endpoint }

// DefaultModel returns the model used when a request names none.
func (c *Client) DefaultModel() string { return c.model }

// =============================================================================
// API TYPES
// =============================================================================

// ModelInfo describes one installed model.
type ModelInfo struct {
	Name          string
	Digest        string
	Size          int64 // Bytes on disk
	Family        string
	ParameterSize string
	Quantization  string
	ModifiedAt    time.Time
}

// GenerateRequest is one generation call.
type GenerateRequest struct {
	Model       string  // Empty means the client default
	Prompt      string
	System      string
	Format      string // "json" forces JSON output, empty for text
	Temperature float64
	MaxTokens   int // num_predict; 0 leaves the daemon default
}

// GenerateResult is the assembled outcome of a generation call.
type GenerateResult struct {
	Model         string
	Response      string
	DoneReason    string
	TotalDuration time.Duration
	EvalCount     int
	ExecutionTime time.Duration // Wall clock observed by this client
}

type tagsResponse struct {
	Models []struct {
		Name       string    `json:"name"`
		Digest     string    `json:"digest"`
		Size       int64     `json:"size"`
		ModifiedAt time.Time `json:"modified_at"`
		Details    struct {
			Family            string `json:"family"`
			ParameterSize     string `json:"parameter_size"`
			QuantizationLevel string `json:"quantization_level"`
		} `json:"details"`
	} `json:"models"`
}

type showRequest struct {
	Model string `json:"model"`
}

type showResponse struct {
	Details struct {
		Family            string `json:"family"`
		ParameterSize     string `json:"parameter_size"`
		QuantizationLevel string `json:"quantization_level"`
	} `json:"details"`
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	System  string          `json:"system,omitempty"`
	Format  string          `json:"format,omitempty"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options,omitempty"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type generateResponse struct {
	Model         string `json:"model"`
	Response      string `json:"response"`
	Done          bool   `json:"done"`
	DoneReason    string `json:"done_reason"`
	TotalDuration int64  `json:"total_duration"` // Nanoseconds
	EvalCount     int    `json:"eval_count"`
	Error         string `json:"error"`
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Ping probes daemon liveness via /api/version.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.endpoint+"/api/version", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return classify("ping", "", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classify("ping", "", resp.StatusCode, nil)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// ListModels returns the installed models from /api/tags.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.endpoint+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classify("list-models", "", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, classify("list-models", "", resp.StatusCode, fmt.Errorf("%s", strings.TrimSpace(string(body))))
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, classify("list-models", "", 0, fmt.Errorf("failed to decode response: %w", err))
	}

	models := make([]ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, ModelInfo{
			Name:          m.Name,
			Digest:        m.Digest,
			Size:          m.Size,
			Family:        m.Details.Family,
			ParameterSize: m.Details.ParameterSize,
			Quantization:  m.Details.QuantizationLevel,
			ModifiedAt:    m.ModifiedAt,
		})
	}

	logging.InferenceDebug("list-models: %d installed", len(models))
	return models, nil
}

// ShowModel fetches detail fields for one model via /api/show.
func (c *Client) ShowModel(ctx context.Context, name string) (ModelInfo, error) {
	body, err := json.Marshal(showRequest{Model: name})
	if err != nil {
		return ModelInfo{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint+"/api/show", bytes.NewReader(body))
	if err != nil {
		return ModelInfo{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return ModelInfo{}, classify("show", name, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return ModelInfo{}, classify("show", name, resp.StatusCode, fmt.Errorf("%s", strings.TrimSpace(string(respBody))))
	}

	var show showResponse
	if err := json.NewDecoder(resp.Body).Decode(&show); err != nil {
		return ModelInfo{}, classify("show", name, 0, fmt.Errorf("failed to decode response: %w", err))
	}

	return ModelInfo{
		Name:          name,
		Family:        show.Details.Family,
		ParameterSize: show.Details.ParameterSize,
		Quantization:  show.Details.QuantizationLevel,
	}, nil
}

// Generate runs one unary generation call. The model's error field and
// HTTP status are both classified; a 404 maps to model-not-found.
func (c *Client) Generate(ctx context.Context, greq GenerateRequest) (GenerateResult, error) {
	// Auto-apply timeout if context has no deadline
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.client.Timeout)
		defer cancel()
	}

	model := greq.Model
	if model == "" {
		model = c.model
	}

	start := time.Now()
	logging.InferenceDebug("generate: model=%s prompt_len=%d format=%s", model, len(greq.Prompt), greq.Format)

	body, err := json.Marshal(generateRequest{
		Model:  model,
		Prompt: greq.Prompt,
		System: greq.System,
		Format: greq.Format,
		Stream: false,
		Options: generateOptions{
			Temperature: greq.Temperature,
			NumPredict:  greq.MaxTokens,
		},
	})
	if err != nil {
		return GenerateResult{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return GenerateResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return GenerateResult{}, classify("generate", model, 0, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return GenerateResult{}, classify("generate", model, resp.StatusCode, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return GenerateResult{}, classify("generate", model, resp.StatusCode, fmt.Errorf("%s", strings.TrimSpace(string(respBody))))
	}

	var gr generateResponse
	if err := json.Unmarshal(respBody, &gr); err != nil {
		return GenerateResult{}, classify("generate", model, 0, fmt.Errorf("failed to parse response: %w", err))
	}
	if gr.Error != "" {
		return GenerateResult{}, classify("generate", model, resp.StatusCode, fmt.Errorf("daemon error: %s", gr.Error))
	}

	elapsed := time.Since(start)
	logging.Inference("generate: model=%s completed in %v eval=%d", model, elapsed, gr.EvalCount)

	return GenerateResult{
		Model:         gr.Model,
		Response:      gr.Response,
		DoneReason:    gr.DoneReason,
		TotalDuration: time.Duration(gr.TotalDuration),
		EvalCount:     gr.EvalCount,
		ExecutionTime: elapsed,
	}, nil
}

// GenerateStream runs a streaming generation call, invoking onDelta for
// each response fragment. The assembled result is returned once the
// daemon reports done:true. Cancelling the context aborts mid-stream.
func (c *Client) GenerateStream(ctx context.Context, greq GenerateRequest, onDelta func(string)) (GenerateResult, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.client.Timeout)
		defer cancel()
	}

	model := greq.Model
	if model == "" {
		model = c.model
	}

	start := time.Now()
	logging.InferenceDebug("generate-stream: model=%s prompt_len=%d", model, len(greq.Prompt))

	body, err := json.Marshal(generateRequest{
		Model:  model,
		Prompt: greq.Prompt,
		System: greq.System,
		Format: greq.Format,
		Stream: true,
		Options: generateOptions{
			Temperature: greq.Temperature,
			NumPredict:  greq.MaxTokens,
		},
	})
	if err != nil {
		return GenerateResult{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return GenerateResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return GenerateResult{}, classify("generate", model, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return GenerateResult{}, classify("generate", model, resp.StatusCode, fmt.Errorf("%s", strings.TrimSpace(string(respBody))))
	}

	// One JSON object per line, final line has done:true
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var sb strings.Builder
	result := GenerateResult{Model: model}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return GenerateResult{}, classify("generate", model, 0, ctx.Err())
		default:
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk generateResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			return GenerateResult{}, classify("generate", model, 0, fmt.Errorf("daemon error: %s", chunk.Error))
		}

		if chunk.Response != "" {
			sb.WriteString(chunk.Response)
			if onDelta != nil {
				onDelta(chunk.Response)
			}
		}

		if chunk.Done {
			result.Response = sb.String()
			result.DoneReason = chunk.DoneReason
			result.TotalDuration = time.Duration(chunk.TotalDuration)
			result.EvalCount = chunk.EvalCount
			result.ExecutionTime = time.Since(start)
			logging.Inference("generate-stream: model=%s completed in %v eval=%d",
				model, result.ExecutionTime, result.EvalCount)
			return result, nil
		}
	}

	if err := scanner.Err(); err != nil {
		return GenerateResult{}, classify("generate", model, 0, fmt.Errorf("stream error: %w", err))
	}
	// Stream ended without done:true
	return GenerateResult{}, classify("generate", model, 0, io.ErrUnexpectedEOF)
}

// =============================================================================
// RETRY HELPER
// =============================================================================

// Retry runs fn up to attempts times with exponential backoff from base,
// retrying only transient failures. Task execution does not use this;
// the agent manager re-enqueues failed tasks so retry counts land on the
// task record. This helper serves model refresh and CLI callers.
func Retry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	if base <= 0 {
		base = time.Second
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			backoff := base * time.Duration(1<<uint(i-1))
			logging.InferenceWarn("retry %d/%d after %v: %v", i+1, attempts, backoff, lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}
