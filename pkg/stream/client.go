package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-go-golems/arbor/pkg/prompt"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var ErrIdleTimeout = errors.New("no data received from completion stream")

// APIError is a non-2xx answer or an error object sent inside the stream.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("completion API error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("completion API error: %s", e.Message)
}

// Client talks to an OpenAI-compatible /chat/completions endpoint with stream=true.
type Client struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	idleTimeout time.Duration
	headers     map[string]string
}

type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithIdleTimeout aborts a stream when no bytes arrive for d. Zero disables it.
func WithIdleTimeout(d time.Duration) ClientOption {
	return func(client *Client) {
		client.idleTimeout = d
	}
}

func WithHeader(key, value string) ClientOption {
	return func(client *Client) {
		client.headers[key] = value
	}
}

func NewClient(baseURL, apiKey string, options ...ClientOption) *Client {
	ret := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: http.DefaultClient,
		headers:    map[string]string{},
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

type wireImageURL struct {
	URL string `json:"url"`
}

type wirePart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *wireImageURL `json:"image_url,omitempty"`
}

type wireMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type wireStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type wireRequest struct {
	Model         string             `json:"model"`
	Messages      []wireMessage      `json:"messages"`
	Stream        bool               `json:"stream"`
	StreamOptions *wireStreamOptions `json:"stream_options,omitempty"`
}

type wireError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type wireChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage     `json:"usage"`
	Error *wireError `json:"error"`
}

func toWireMessages(turns []prompt.Turn) []wireMessage {
	ret := make([]wireMessage, 0, len(turns))
	for _, t := range turns {
		if !t.IsMultimodal() {
			ret = append(ret, wireMessage{Role: string(t.Role), Content: t.Text()})
			continue
		}
		parts := make([]wirePart, 0, len(t.Parts))
		for _, p := range t.Parts {
			switch p.Type {
			case prompt.PartText:
				parts = append(parts, wirePart{Type: "text", Text: p.Text})
			case prompt.PartImage:
				parts = append(parts, wirePart{Type: "image_url", ImageURL: &wireImageURL{URL: p.ImageURL}})
			}
		}
		ret = append(ret, wireMessage{Role: string(t.Role), Content: parts})
	}
	return ret
}

func (c *Client) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	body, err := json.Marshal(wireRequest{
		Model:         req.Model,
		Messages:      toWireMessages(req.Turns),
		Stream:        true,
		StreamOptions: &wireStreamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not encode completion request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "could not create completion request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

// StreamCompletion opens one request and decodes its body. See Generator.
func (c *Client) StreamCompletion(ctx context.Context, req Request) <-chan Event {
	ch := make(chan Event)
	go c.run(ctx, req, ch)
	return ch
}

func (c *Client) run(ctx context.Context, req Request, ch chan<- Event) {
	defer close(ch)

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var idle atomic.Bool
	var timer *time.Timer
	if c.idleTimeout > 0 {
		timer = time.AfterFunc(c.idleTimeout, func() {
			idle.Store(true)
			cancel()
		})
		defer timer.Stop()
	}

	// terminal decides between cancellation and failure once a read or the request itself failed
	terminal := func(err error) Event {
		if ctx.Err() != nil {
			return Event{Type: EventCancelled, Err: ctx.Err()}
		}
		if idle.Load() {
			return Event{Type: EventError, Err: errors.Wrapf(ErrIdleTimeout, "after %s", c.idleTimeout)}
		}
		return Event{Type: EventError, Err: err}
	}

	httpReq, err := c.newRequest(reqCtx, req)
	if err != nil {
		ch <- Event{Type: EventError, Err: err}
		return
	}

	log.Debug().Str("model", req.Model).Int("turns", len(req.Turns)).Msg("Opening completion stream")
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		ch <- terminal(errors.Wrap(err, "completion request failed"))
		return
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ch <- terminal(readAPIError(resp))
		return
	}

	var body io.Reader = resp.Body
	if timer != nil {
		body = &idleReader{r: resp.Body, timer: timer, d: c.idleTimeout}
	}

	decoder := NewDecoder(body)
	var usage *Usage
	finishReason := ""
	frames := 0
	for {
		frame, err := decoder.Next()
		if err == io.EOF {
			if ctx.Err() != nil {
				ch <- terminal(ctx.Err())
				return
			}
			if finishReason == "" {
				log.Warn().Int("frames", frames).Msg("Completion stream closed before the reply finished")
				ch <- Event{Type: EventError, Err: ErrStreamClosed}
				return
			}
			log.Debug().Int("frames", frames).Str("finish_reason", finishReason).
				Msg("Completion stream ended without done sentinel")
			break
		}
		if err != nil {
			ch <- terminal(errors.Wrap(err, "could not read completion stream"))
			return
		}
		frames++

		if frame.IsDone() {
			break
		}
		if frame.Data == "" {
			continue
		}

		var chunk wireChunk
		if err := json.Unmarshal([]byte(frame.Data), &chunk); err != nil {
			log.Debug().Err(err).Str("data", frame.Data).Msg("Skipping malformed stream frame")
			continue
		}
		if chunk.Error != nil {
			ch <- Event{Type: EventError, Err: &APIError{Type: chunk.Error.Type, Message: chunk.Error.Message}}
			return
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		for _, choice := range chunk.Choices {
			if choice.FinishReason != nil {
				finishReason = *choice.FinishReason
			}
			if choice.Delta.Content == "" {
				continue
			}
			select {
			case ch <- Event{Type: EventDelta, Delta: choice.Delta.Content}:
			case <-ctx.Done():
				ch <- terminal(ctx.Err())
				return
			}
		}
	}

	if ctx.Err() != nil {
		ch <- terminal(ctx.Err())
		return
	}
	if usage != nil {
		ch <- Event{Type: EventUsage, Usage: usage}
	}
	ch <- Event{Type: EventDone, FinishReason: finishReason}
}

func readAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var payload struct {
		Error *wireError `json:"error"`
	}
	msg := strings.TrimSpace(string(b))
	ret := &APIError{StatusCode: resp.StatusCode, Message: msg}
	if err := json.Unmarshal(b, &payload); err == nil && payload.Error != nil {
		ret.Message = payload.Error.Message
		ret.Type = payload.Error.Type
	}
	if ret.Message == "" {
		ret.Message = http.StatusText(resp.StatusCode)
	}
	return ret
}

// idleReader pushes the idle deadline back every time bytes arrive.
type idleReader struct {
	r     io.Reader
	timer *time.Timer
	d     time.Duration
}

func (i *idleReader) Read(p []byte) (int, error) {
	n, err := i.r.Read(p)
	if n > 0 {
		i.timer.Reset(i.d)
	}
	return n, err
}

var _ Generator = (*Client)(nil)
