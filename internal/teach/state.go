package teach

import (
	"strings"
	"time"

	"github.com/lumora-ai/lumora/pkg/types"
)

// Phase is the orchestrator's state-machine phase.
type Phase string

const (
	// PhaseIdle is the start phase: connected, nothing taught yet.
	PhaseIdle Phase = "idle"

	// PhaseTeaching means a segment is being delivered.
	PhaseTeaching Phase = "teaching"

	// PhaseWaiting means delivery paused for the user to respond or continue.
	PhaseWaiting Phase = "waiting_for_user"

	// PhaseAnswering means the qa or assessment agent is responding.
	PhaseAnswering Phase = "answering"

	// PhaseListening means output was interrupted and the user is speaking.
	PhaseListening Phase = "listening"

	// PhaseEnded is terminal.
	PhaseEnded Phase = "ended"
)

// Agent labels for routing and checkpoint bookkeeping.
const (
	AgentTeaching   = "teaching_agent"
	AgentQA         = "qa_agent"
	AgentAssessment = "assessment_agent"
	AgentNavigation = "navigation_agent"
)

// maxStateMessages bounds the rolling transcript carried in the state.
const maxStateMessages = 20

// State is the full mutable state of one voice session. The supervisor loop
// is its only writer; every transition is checkpointed, and a checkpoint
// alone must reconstruct the machine on a new process.
type State struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`

	CourseID   string `json:"course_id"`
	ModuleWeek int    `json:"module_week"`
	TopicIndex int    `json:"topic_index"`

	// Language is the BCP 47 tag of the session, driving STT recognition,
	// agent responses, and canned lines.
	Language string `json:"language"`

	// Segment is the current position within the topic's segments;
	// TotalSegments is how many the topic has.
	Segment       int `json:"segment"`
	TotalSegments int `json:"total_segments"`

	// ResumeSegment remembers where teaching was interrupted so answering
	// returns to the same position, not the topic start.
	ResumeSegment int `json:"resume_segment"`

	// TeachingContent is the current topic's full text, the source the
	// segments are cut from.
	TeachingContent string `json:"teaching_content"`

	// Messages is the bounded rolling transcript given to agents as context.
	Messages []types.Message `json:"messages"`

	QuestionsAsked       int `json:"questions_asked"`
	Interruptions        int `json:"interruptions"`
	AssessmentsCompleted int `json:"assessments_completed"`

	Agent     string `json:"agent"`
	LastAgent string `json:"last_agent"`

	Phase Phase `json:"phase"`

	// PendingQuiz holds the active assessment item, if one was asked.
	PendingQuiz *PendingQuiz `json:"pending_quiz,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// PendingQuiz is an assessment question waiting for the user's answer.
type PendingQuiz struct {
	Question types.QuizQuestion `json:"question"`
}

// newState returns the idle state for a fresh voice session.
func newState(sess *types.Session) *State {
	return &State{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		CourseID:  sess.CurrentCourseID,
		Phase:     PhaseIdle,
		UpdatedAt: time.Now(),
	}
}

// setPhase records a transition, keeping the agent audit trail.
func (s *State) setPhase(phase Phase, agent string) {
	s.Phase = phase
	if agent != "" && agent != s.Agent {
		s.LastAgent = s.Agent
		s.Agent = agent
	}
	s.UpdatedAt = time.Now()
}

// languageOr returns the session language, or fallback when unset.
func (s *State) languageOr(fallback string) string {
	if s.Language != "" {
		return s.Language
	}
	return fallback
}

// remember appends a turn to the rolling transcript, trimming the oldest.
func (s *State) remember(role types.Role, content string) {
	s.Messages = append(s.Messages, types.Message{Role: role, Content: content})
	if len(s.Messages) > maxStateMessages {
		s.Messages = s.Messages[len(s.Messages)-maxStateMessages:]
	}
}

// segmentTargetRunes is the rough size of one spoken lesson segment.
const segmentTargetRunes = 400

// segmentContent splits topic content into delivery segments. The split is
// deterministic, so a checkpoint only needs the content and the segment
// index to restore position. Paragraph breaks win; oversized paragraphs are
// cut at sentence boundaries near the target size.
func segmentContent(text string) []string {
	var segments []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if len([]rune(para)) <= segmentTargetRunes {
			segments = append(segments, para)
			continue
		}
		segments = append(segments, splitSentences(para)...)
	}
	return segments
}

// splitSentences groups sentences into chunks of roughly segmentTargetRunes.
func splitSentences(para string) []string {
	var (
		chunks []string
		cur    strings.Builder
		curLen int
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
		curLen = 0
	}
	start := 0
	runes := []rune(para)
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && runes[i+1] != ' ' && runes[i+1] != '\n' {
			continue
		}
		sentence := string(runes[start : i+1])
		cur.WriteString(sentence)
		cur.WriteString(" ")
		curLen += len([]rune(sentence))
		start = i + 1
		if curLen >= segmentTargetRunes {
			flush()
		}
	}
	if start < len(runes) {
		cur.WriteString(string(runes[start:]))
	}
	flush()
	return chunks
}
