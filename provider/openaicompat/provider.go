package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/quayrun/quay"
)

// Provider streams chat completions from an OpenAI-compatible endpoint.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	temp    *float64
	topP    *float64
}

// Option configures the provider.
type Option func(*Provider)

// WithName overrides the provider name reported to observers and logs.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient swaps the HTTP client (custom transport, proxy, test server).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithTemperature sets the sampling temperature on every request.
func WithTemperature(t float64) Option {
	return func(p *Provider) { p.temp = &t }
}

// WithTopP sets nucleus sampling on every request.
func WithTopP(t float64) Option {
	return func(p *Provider) { p.topP = &t }
}

// New creates a provider against baseURL (e.g. "https://api.openai.com/v1",
// "http://localhost:11434/v1"). The /chat/completions path is appended.
func New(apiKey, model, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the configured provider name.
func (p *Provider) Name() string { return p.name }

// Stream sends one streaming completion request, decoding SSE into chunks on
// ch. It never closes ch; the caller owns the channel. Failures before the
// first byte of the stream are classified so the loop's retry policy can act
// on them.
func (p *Provider) Stream(ctx context.Context, req quay.ChatRequest, ch chan<- quay.StreamChunk) error {
	body := buildBody(req, p.model)
	body.Stream = true
	body.StreamOptions = &streamOptions{IncludeUsage: true}
	body.Temperature = p.temp
	body.TopP = p.topP

	payload, err := json.Marshal(body)
	if err != nil {
		return &quay.ProviderError{Kind: quay.ProviderBadRequest, Message: fmt.Sprintf("marshal request: %v", err)}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return &quay.ProviderError{Kind: quay.ProviderBadRequest, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return p.classifyTransport(ctx, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return p.httpError(resp)
	}

	if err := decodeSSE(ctx, resp.Body, ch); err != nil {
		return p.classifyTransport(ctx, err)
	}
	return nil
}

// classifyTransport maps a transport-level failure onto the error taxonomy.
func (p *Provider) classifyTransport(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &quay.ProviderError{Kind: quay.ProviderCancelled, Message: err.Error()}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &quay.ProviderError{Kind: quay.ProviderNetwork, Message: err.Error()}
	}
	return &quay.ProviderError{Kind: quay.ProviderNetwork, Message: err.Error()}
}

// httpError reads the error body and classifies by status, honoring
// Retry-After on 429/503 responses.
func (p *Provider) httpError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	msg := string(raw)
	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil && eb.Error.Message != "" {
		msg = eb.Error.Message
	}
	return &quay.ProviderError{
		Kind:       quay.ClassifyStatus(resp.StatusCode),
		Status:     resp.StatusCode,
		Message:    msg,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

var _ quay.Provider = (*Provider)(nil)
