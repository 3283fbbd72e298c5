// Package completion sends one chat completion request upstream with a
// resolved credential and classifies anything that goes wrong.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// LengthMarker is appended when the upstream stopped at its token limit.
const LengthMarker = "\n\n[error: maximum length exceeded]"

// Model selects between the configured fast and large upstream models.
type Model string

const (
	ModelFast  Model = "fast"
	ModelLarge Model = "large"
)

// Valid reports whether m names one of the configured models.
func (m Model) Valid() bool { return m == ModelFast || m == ModelLarge }

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one completion. Exactly one of Prompt or Messages is set; a
// Prompt is sent as a single user message.
type Request struct {
	Prompt   string
	Messages []Message
	Model    Model
	// N candidates are requested; with N > 1 the highest Score wins.
	N     int
	Score func(text string) float64
}

// Result holds the raw upstream body and the chosen, trimmed text.
type Result struct {
	Raw  json.RawMessage
	Text string
}

type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	FastModel  string
	LargeModel string
	Timeout    time.Duration
	// Temperature is sent as given; zero asks for deterministic sampling.
	Temperature float64
	MaxTokens   int
}

type Executor struct {
	cfg Config
}

func NewExecutor(cfg Config) *Executor {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1000
	}
	return &Executor{cfg: cfg}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	N           int       `json:"n"`
}

type chatResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
}

func (e *Executor) model(m Model) string {
	if m == ModelLarge && e.cfg.LargeModel != "" {
		return e.cfg.LargeModel
	}
	return e.cfg.FastModel
}

func fail(kind Kind, status int, err error) (Result, error) {
	return Result{Text: kind.Message()}, &Error{Kind: kind, Status: status, Err: err}
}

// Execute makes exactly one upstream call. On failure the returned Result
// carries the user-facing message in Text and the error is an *Error.
func (e *Executor) Execute(ctx context.Context, key string, req Request) (Result, error) {
	if (req.Prompt == "") == (len(req.Messages) == 0) {
		return fail(MalformedRequest, 0, errors.New("exactly one of prompt or messages is required"))
	}
	if strings.TrimSpace(key) == "" {
		return fail(AuthInvalid, 0, errors.New("credential is required"))
	}
	messages := req.Messages
	if req.Prompt != "" {
		messages = []Message{{Role: "user", Content: req.Prompt}}
	}
	n := req.N
	if n < 1 {
		n = 1
	}

	body, err := json.Marshal(chatRequest{
		Model:       e.model(req.Model),
		Messages:    messages,
		Temperature: e.cfg.Temperature,
		MaxTokens:   e.cfg.MaxTokens,
		N:           n,
	})
	if err != nil {
		return fail(MalformedRequest, 0, fmt.Errorf("marshal completion request: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(e.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return fail(UnknownUpstreamError, 0, fmt.Errorf("build completion request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)

	res, err := e.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return fail(classifyTransport(err), 0, fmt.Errorf("completion request failed: %w", err))
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		out, err := fail(KindForStatus(res.StatusCode), res.StatusCode, fmt.Errorf("upstream: %s", strings.TrimSpace(string(errBody))))
		out.Raw = rawOrNil(errBody)
		return out, err
	}

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return fail(classifyTransport(err), res.StatusCode, fmt.Errorf("read completion response: %w", err))
	}
	var payload chatResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fail(UnknownUpstreamError, res.StatusCode, fmt.Errorf("decode completion response: %w", err))
	}
	if len(payload.Choices) == 0 {
		return fail(UnknownUpstreamError, res.StatusCode, errors.New("completion response has no choices"))
	}

	best := 0
	if len(payload.Choices) > 1 && req.Score != nil {
		bestScore := req.Score(payload.Choices[0].Message.Content)
		for i := 1; i < len(payload.Choices); i++ {
			if s := req.Score(payload.Choices[i].Message.Content); s > bestScore {
				best, bestScore = i, s
			}
		}
	}
	choice := payload.Choices[best]
	text := choice.Message.Content
	if choice.FinishReason == "length" {
		text += LengthMarker
	}
	return Result{Raw: raw, Text: strings.TrimSpace(text)}, nil
}

func classifyTransport(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Timeout
	}
	return UnknownUpstreamError
}

func rawOrNil(b []byte) json.RawMessage {
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	return nil
}
