// Package mock provides a scriptable in-memory [llm.Provider] for tests.
package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/lumora-ai/lumora/pkg/provider/llm"
)

// Compile-time interface assertion.
var _ llm.Provider = (*Provider)(nil)

// Provider is a scriptable LLM mock. Responses are served in FIFO order from
// the queued list; when the queue is empty, Default is returned. All methods
// are safe for concurrent use.
type Provider struct {
	mu        sync.Mutex
	queued    []string
	errs      []error
	requests  []llm.Request
	cancelled int

	// Default is returned when no queued response remains.
	Default string

	// ChunkSize is the number of bytes per streamed chunk. Zero means the
	// whole response in one chunk.
	ChunkSize int

	// ChunkDelay is an optional pause before each streamed chunk, used by
	// latency and barge-in tests.
	ChunkDelay time.Duration

	// Model is reported by ModelID. Defaults to "mock-llm".
	Model string
}

// New returns an empty mock with Default set to a short canned answer.
func New() *Provider {
	return &Provider{Default: "mock answer"}
}

// Queue appends scripted responses served by subsequent calls.
func (p *Provider) Queue(responses ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queued = append(p.queued, responses...)
}

// QueueError makes the next call fail with err before consuming a response.
func (p *Provider) QueueError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs = append(p.errs, err)
}

// Requests returns a copy of every request received so far.
func (p *Provider) Requests() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.Request, len(p.requests))
	copy(out, p.requests)
	return out
}

// Calls returns the number of requests received.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// Cancelled returns how many streams ended due to context cancellation.
func (p *Provider) Cancelled() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

// next records req and pops the next scripted error or response.
func (p *Provider) next(req llm.Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		return "", err
	}
	if len(p.queued) > 0 {
		r := p.queued[0]
		p.queued = p.queued[1:]
		return r, nil
	}
	return p.Default, nil
}

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content, err := p.next(req)
	if err != nil {
		return nil, err
	}
	return &llm.Response{
		Content: content,
		Usage: llm.Usage{
			PromptTokens:     lenTokens(req),
			CompletionTokens: (len(content) + 3) / 4,
		},
	}, nil
}

// CompleteStream implements [llm.Provider]. The response is split into
// ChunkSize-byte pieces and emitted with ChunkDelay pauses.
func (p *Provider) CompleteStream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	content, err := p.next(req)
	if err != nil {
		return nil, err
	}

	size := p.ChunkSize
	if size <= 0 {
		size = len(content)
	}

	ch := make(chan llm.Chunk, 8)
	go func() {
		defer close(ch)
		for i := 0; i < len(content); i += size {
			if p.ChunkDelay > 0 {
				select {
				case <-time.After(p.ChunkDelay):
				case <-ctx.Done():
					p.mu.Lock()
					p.cancelled++
					p.mu.Unlock()
					return
				}
			}
			end := i + size
			if end > len(content) {
				end = len(content)
			}
			select {
			case ch <- llm.Chunk{Text: content[i:end]}:
			case <-ctx.Done():
				p.mu.Lock()
				p.cancelled++
				p.mu.Unlock()
				return
			}
		}
		select {
		case ch <- llm.Chunk{FinishReason: "stop"}:
		case <-ctx.Done():
		}
	}()

	return ch, nil
}

// ModelID implements [llm.Provider].
func (p *Provider) ModelID() string {
	if p.Model != "" {
		return p.Model
	}
	return "mock-llm"
}

func lenTokens(req llm.Request) int {
	var b strings.Builder
	b.WriteString(req.SystemPrompt)
	for _, m := range req.Messages {
		b.WriteString(m.Content)
	}
	return (b.Len() + 3) / 4
}
