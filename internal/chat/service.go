// Package chat implements the per-turn conversation pipeline: session
// resolution, intent routing, optional retrieval, grounded generation, a
// garbage-output guard, and persistence of both turns.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/lumora-ai/lumora/internal/fault"
	"github.com/lumora-ai/lumora/internal/intent"
	"github.com/lumora-ai/lumora/internal/observe"
	"github.com/lumora-ai/lumora/internal/retrieval"
	"github.com/lumora-ai/lumora/internal/session"
	"github.com/lumora-ai/lumora/pkg/provider/llm"
	"github.com/lumora-ai/lumora/pkg/provider/tts"
	"github.com/lumora-ai/lumora/pkg/types"
)

// historyMessages is how much prior conversation the LLM sees per turn:
// ten exchanges, twenty messages.
const historyMessages = 20

// Config tunes the chat service.
type Config struct {
	// TurnDeadline bounds one whole turn end to end.
	TurnDeadline time.Duration

	// DefaultLanguage is used when the request carries no language tag.
	DefaultLanguage string

	// Voice is the synthesis voice for answers requested with audio.
	Voice tts.Voice
}

// Request is one user turn.
type Request struct {
	UserID   string
	Message  string
	Language string

	// CourseID scopes retrieval; empty falls back to the session's current
	// course.
	CourseID string

	// ClientInfo is attached to a newly created session.
	ClientInfo map[string]string

	// WithAudio asks for a synthesised rendition of the answer.
	WithAudio bool
}

// Source is a citation attached to a grounded answer.
type Source struct {
	ChunkID  string  `json:"chunk_id"`
	SourceID string  `json:"source_id"`
	Page     int     `json:"page,omitempty"`
	Score    float64 `json:"score"`
}

// Response is the turn result.
type Response struct {
	Answer     string   `json:"answer"`
	SessionID  string   `json:"session_id"`
	Route      string   `json:"route"`
	Confidence float64  `json:"confidence"`
	Sources    []Source `json:"sources"`

	// Degraded is set when a backend outage reduced answer quality.
	Degraded bool `json:"degraded,omitempty"`

	// Audio is the synthesised answer, present only when requested.
	Audio []byte `json:"audio,omitempty"`
}

// Service runs chat turns. Safe for concurrent use.
type Service struct {
	sessions  *session.Manager
	intents   *intent.Router
	retriever *retrieval.Retriever
	llm       llm.Provider
	tts       tts.Provider // nil disables audio answers
	cfg       Config
	metrics   *observe.Metrics
	log       *slog.Logger
}

// New creates a Service. speech may be nil.
func New(sessions *session.Manager, intents *intent.Router, retriever *retrieval.Retriever, llmProvider llm.Provider, speech tts.Provider, cfg Config, metrics *observe.Metrics) *Service {
	if cfg.TurnDeadline <= 0 {
		cfg.TurnDeadline = 90 * time.Second
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "en"
	}
	return &Service{
		sessions:  sessions,
		intents:   intents,
		retriever: retriever,
		llm:       llmProvider,
		tts:       speech,
		cfg:       cfg,
		metrics:   metrics,
		log:       slog.Default().With("component", "chat"),
	}
}

// Turn runs one user turn through the full pipeline.
func (s *Service) Turn(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, fault.E(fault.InvalidInput, "message is empty", nil)
	}
	if req.Language == "" {
		req.Language = s.cfg.DefaultLanguage
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.TurnDeadline)
	defer cancel()
	ctx, span := observe.StartSpan(ctx, "chat.turn")
	defer span.End()
	start := time.Now()

	sess, err := s.sessions.GetOrCreate(ctx, req.UserID, req.ClientInfo)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		observe.AttrSessionID.String(sess.ID),
		observe.AttrCourseID.String(req.CourseID),
	)
	history, err := s.sessions.History(ctx, sess.ID, historyMessages)
	if err != nil {
		return nil, err
	}

	decision := s.intents.Classify(ctx, req.Message)
	route := decision.Label
	span.SetAttributes(observe.AttrRoute.String(string(route)))

	userTurn := &types.StoredMessage{
		UserID:    req.UserID,
		SessionID: sess.ID,
		Role:      types.RoleUser,
		Content:   req.Message,
		Type:      types.MessageText,
		CourseID:  req.CourseID,
		Metadata: map[string]string{
			"route":      string(route),
			"confidence": formatConfidence(decision.Confidence),
		},
	}
	if _, err := s.sessions.Append(ctx, userTurn); err != nil {
		return nil, err
	}

	resp := &Response{
		SessionID:  sess.ID,
		Confidence: decision.Confidence,
		Sources:    []Source{},
	}

	answer, sources, degraded, err := s.generate(ctx, &route, req, sess, history)
	if err != nil {
		return nil, err
	}
	resp.Route = string(route)
	resp.Answer = answer
	resp.Sources = sources
	resp.Degraded = degraded

	if req.WithAudio && s.tts != nil {
		audio, err := tts.Synthesize(ctx, s.tts, answer, s.cfg.Voice)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.log.Warn("answer synthesis failed, returning text only", "error", err)
			resp.Degraded = true
		} else {
			resp.Audio = audio
		}
	}

	assistantTurn := &types.StoredMessage{
		UserID:    req.UserID,
		SessionID: sess.ID,
		Role:      types.RoleAssistant,
		Content:   answer,
		Type:      types.MessageText,
		CourseID:  req.CourseID,
		Metadata: map[string]string{
			"route":      string(route),
			"confidence": formatConfidence(decision.Confidence),
			"model":      s.llm.ModelID(),
			"sources":    strconv.Itoa(len(sources)),
		},
	}
	if _, err := s.sessions.Append(ctx, assistantTurn); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordChatTurn(ctx, string(route), "text")
		s.metrics.ChatTurnDuration.Record(ctx, time.Since(start).Seconds())
		if resp.Degraded {
			s.metrics.RecordDegraded(ctx, "chat")
		}
	}
	return resp, nil
}

// generate produces the answer for the routed label. route is updated in
// place when the turn downgrades (empty retrieval, garbage guard).
func (s *Service) generate(ctx context.Context, route *intent.Label, req Request, sess *types.Session, history []types.StoredMessage) (string, []Source, bool, error) {
	if *route == intent.LabelGreeting {
		return localized(cannedGreetings, req.Language), []Source{}, false, nil
	}

	var (
		sources  = []Source{}
		degraded bool
		system   = fmt.Sprintf(generalSystemPrompt, req.Language)
	)

	if *route == intent.LabelCourseQuery {
		courseID := req.CourseID
		if courseID == "" {
			courseID = sess.CurrentCourseID
		}
		res, err := s.retriever.Retrieve(ctx, req.Message, types.ChunkFilter{
			CourseID: courseID,
			Language: req.Language,
		})
		if err != nil {
			return "", nil, false, err
		}
		degraded = res.Degraded

		if len(res.Chunks) == 0 {
			// Nothing to ground on; answer as a general question instead of
			// hallucinating course content.
			*route = intent.LabelGeneralQuestion
		} else {
			system = groundedPrompt(req.Language, res.Chunks)
			for _, sc := range res.Chunks {
				sources = append(sources, Source{
					ChunkID:  sc.Chunk.ID,
					SourceID: sc.Chunk.SourceID,
					Page:     sc.Chunk.Page,
					Score:    sc.Score,
				})
			}
		}
	}

	answer, err := s.complete(ctx, system, history, req.Message)
	if err != nil {
		return "", nil, false, err
	}

	if IsGarbage(answer) {
		// One retry as a plain general question, then give up with the
		// canned fallback.
		s.log.Warn("garbage output detected, downgrading and retrying",
			"route", string(*route), "session_id", sess.ID)
		*route = intent.LabelGeneralQuestion
		sources = []Source{}

		answer, err = s.complete(ctx, fmt.Sprintf(generalSystemPrompt, req.Language), history, req.Message)
		if err != nil {
			return "", nil, false, err
		}
		if IsGarbage(answer) {
			return localized(fallbackAnswers, req.Language), []Source{}, true, nil
		}
		degraded = true
	}
	return answer, sources, degraded, nil
}

func (s *Service) complete(ctx context.Context, system string, history []types.StoredMessage, userMessage string) (string, error) {
	start := time.Now()
	resp, err := s.llm.Complete(ctx, llm.Request{
		Messages:     transcript(history, userMessage),
		SystemPrompt: system,
		Temperature:  0.7,
	})
	if s.metrics != nil {
		s.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		return "", fmt.Errorf("chat: completion: %w", err)
	}
	return resp.Content, nil
}

func formatConfidence(c float64) string {
	return strconv.FormatFloat(c, 'f', 3, 64)
}
