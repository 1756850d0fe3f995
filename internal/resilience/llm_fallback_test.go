package resilience

import (
	"context"
	"testing"

	"github.com/lumora-ai/lumora/pkg/provider/llm"
	llmmock "github.com/lumora-ai/lumora/pkg/provider/llm/mock"
	"github.com/lumora-ai/lumora/pkg/types"
)

func chatRequest(text string) llm.Request {
	return llm.Request{
		Messages: []types.Message{{Role: types.RoleUser, Content: text}},
	}
}

func TestLLMFallback_PrimaryServes(t *testing.T) {
	primary := llmmock.New()
	primary.Queue("from primary")
	secondary := llmmock.New()

	f := NewLLMFallback(primary, "openai", FallbackConfig{})
	f.AddFallback("anthropic", secondary)

	resp, err := f.Complete(context.Background(), chatRequest("hi"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from primary" {
		t.Fatalf("content = %q, want from primary", resp.Content)
	}
	if secondary.Calls() != 0 {
		t.Fatalf("secondary calls = %d, want 0", secondary.Calls())
	}
}

func TestLLMFallback_FailsOverOnError(t *testing.T) {
	primary := llmmock.New()
	primary.QueueError(errTest)
	secondary := llmmock.New()
	secondary.Queue("from secondary")

	f := NewLLMFallback(primary, "openai", FallbackConfig{})
	f.AddFallback("anthropic", secondary)

	resp, err := f.Complete(context.Background(), chatRequest("hi"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from secondary" {
		t.Fatalf("content = %q, want from secondary", resp.Content)
	}
}

func TestLLMFallback_StreamFailsOverOnStartError(t *testing.T) {
	primary := llmmock.New()
	primary.QueueError(errTest)
	secondary := llmmock.New()
	secondary.Queue("streamed")

	f := NewLLMFallback(primary, "openai", FallbackConfig{})
	f.AddFallback("anthropic", secondary)

	ch, err := f.CompleteStream(context.Background(), chatRequest("hi"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got string
	for chunk := range ch {
		got += chunk.Text
	}
	if got != "streamed" {
		t.Fatalf("streamed content = %q, want streamed", got)
	}
}

func TestLLMFallback_ModelIDIsPrimary(t *testing.T) {
	primary := llmmock.New()
	primary.Model = "gpt-4o-mini"

	f := NewLLMFallback(primary, "openai", FallbackConfig{})
	f.AddFallback("anthropic", llmmock.New())

	if got := f.ModelID(); got != "gpt-4o-mini" {
		t.Fatalf("ModelID = %q, want gpt-4o-mini", got)
	}
}
