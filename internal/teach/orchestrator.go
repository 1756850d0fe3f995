// Package teach drives interactive voice tutoring sessions: continuous
// speech-to-text in, streamed speech out, and supervisor routing among the
// teaching, qa, assessment, and navigation agents.
//
// One [Orchestrator.Run] call owns one voice session. A single router
// goroutine consumes STT events and agent completions and is the only writer
// of the session [State]; content generation and synthesis run concurrently
// under a cancellable context so barge-in can stop playback immediately.
// Every state transition is checkpointed through a [Checkpointer], and a
// checkpoint alone is enough to resume the session on another process.
package teach

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lumora-ai/lumora/internal/fault"
	"github.com/lumora-ai/lumora/internal/observe"
	"github.com/lumora-ai/lumora/internal/retrieval"
	"github.com/lumora-ai/lumora/pkg/provider/llm"
	"github.com/lumora-ai/lumora/pkg/provider/stt"
	"github.com/lumora-ai/lumora/pkg/provider/tts"
	"github.com/lumora-ai/lumora/pkg/store"
	"github.com/lumora-ai/lumora/pkg/types"
)

// OutputKind discriminates the events a voice session sends to the client.
type OutputKind string

const (
	// OutputText is an incremental agent text chunk.
	OutputText OutputKind = "agent_text"

	// OutputAudio is a synthesised PCM audio chunk.
	OutputAudio OutputKind = "audio_chunk"

	// OutputState announces a state-machine transition.
	OutputState OutputKind = "state_change"

	// OutputTranscript echoes the user's recognised speech for captions.
	OutputTranscript OutputKind = "transcript"
)

// Output is one event on a voice session's outbound stream.
type Output struct {
	Kind  OutputKind `json:"kind"`
	Agent string     `json:"agent,omitempty"`
	Text  string     `json:"text,omitempty"`
	Audio []byte     `json:"audio,omitempty"`
	Phase Phase      `json:"phase,omitempty"`

	// Final marks an authoritative transcript, as opposed to a partial.
	Final bool `json:"final,omitempty"`
}

// Config tunes a voice session.
type Config struct {
	// Language is the default BCP 47 tag when the session has none.
	Language string

	// Voice selects the synthesis voice.
	Voice tts.Voice

	// SampleRate is the inbound PCM sample rate in Hz.
	SampleRate int

	// SilenceTimeout is passed to the STT stream. Zero uses the provider
	// default.
	SilenceTimeout time.Duration

	// FailureLimit and FailureWindow bound tolerated component failures:
	// when FailureLimit failures land within FailureWindow the session ends
	// with a recoverable error.
	FailureLimit  int
	FailureWindow time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Language:      "en",
		SampleRate:    16000,
		FailureLimit:  3,
		FailureWindow: time.Minute,
	}
}

// Orchestrator runs voice tutoring sessions. Safe for concurrent use; each
// Run call is independent.
type Orchestrator struct {
	llm       llm.Provider
	stt       stt.Provider
	tts       tts.Provider
	retriever *retrieval.Retriever
	courses   store.CourseStore
	ckpt      *Checkpointer
	cfg       Config
	metrics   *observe.Metrics
	log       *slog.Logger
}

// New wires an orchestrator. retriever and courses may be nil for sessions
// without a course; tts may be nil for text-only clients; ckpt may be nil in
// tests that do not exercise recovery.
func New(llmP llm.Provider, sttP stt.Provider, ttsP tts.Provider, retriever *retrieval.Retriever, courses store.CourseStore, ckpt *Checkpointer, cfg Config, metrics *observe.Metrics) *Orchestrator {
	def := DefaultConfig()
	if cfg.Language == "" {
		cfg.Language = def.Language
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.FailureLimit <= 0 {
		cfg.FailureLimit = def.FailureLimit
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = def.FailureWindow
	}
	return &Orchestrator{
		llm:       llmP,
		stt:       sttP,
		tts:       ttsP,
		retriever: retriever,
		courses:   courses,
		ckpt:      ckpt,
		cfg:       cfg,
		metrics:   metrics,
		log:       slog.Default().With("component", "teach"),
	}
}

// Run drives the session until the user ends it, the context is cancelled,
// or repeated component failures cross the configured threshold. audioIn
// carries raw PCM from the client; out receives the session's event stream.
// Run is the only sender on out but does not close it.
func (o *Orchestrator) Run(ctx context.Context, sess *types.Session, audioIn <-chan []byte, out chan<- Output) error {
	if sess == nil || sess.ID == "" {
		return fault.Errorf(fault.InvalidInput, "teach: session is required")
	}

	st, restored := o.restore(ctx, sess)
	// Every exit path, error or not, releases the checkpoint bookkeeping for
	// this session; the snapshot itself stays for resume unless the loop
	// deleted it on a clean end.
	if o.ckpt != nil {
		defer o.ckpt.Release(sess.ID)
	}
	r := &runner{
		o:        o,
		st:       st,
		out:      out,
		genDone:  make(chan genResult, 4),
		failures: newFailureTracker(o.cfg.FailureLimit, o.cfg.FailureWindow),
		log:      o.log.With("session_id", sess.ID),
	}

	if st.CourseID != "" && o.courses != nil {
		course, err := o.courses.GetCourse(ctx, st.CourseID)
		if err != nil {
			r.log.Warn("course load failed, continuing without teaching content",
				"course_id", st.CourseID, "error", err)
		} else {
			r.course = course
			r.loadTopic()
		}
	}

	handle, err := o.stt.StartStream(ctx, o.streamConfig(st))
	if err != nil {
		return fault.E(fault.Transient, "teach: stt stream", err)
	}
	r.setSTT(handle)
	defer func() { _ = r.sttHandle().Close() }()

	if o.metrics != nil {
		o.metrics.ActiveVoiceStreams.Add(ctx, 1)
		defer o.metrics.ActiveVoiceStreams.Add(ctx, -1)
	}

	go pumpAudio(ctx, audioIn, r)

	lang := st.languageOr(o.cfg.Language)
	if restored {
		r.emit(ctx, Output{Kind: OutputState, Phase: st.Phase, Agent: st.Agent})
		r.say(ctx, st.Agent, localizedLine(welcomeBacks, lang), afterLine)
	} else {
		r.say(ctx, AgentTeaching, localizedLine(greetings, lang), afterLine)
	}

	return r.loop(ctx)
}

// restore loads a checkpoint when one exists, placing the machine in the
// waiting phase regardless of where it was interrupted.
func (o *Orchestrator) restore(ctx context.Context, sess *types.Session) (*State, bool) {
	if o.ckpt != nil {
		st, err := o.ckpt.Load(ctx, sess.ID)
		if err == nil && st.Phase != PhaseEnded {
			st.setPhase(PhaseWaiting, st.Agent)
			if st.Language == "" {
				st.Language = o.cfg.Language
			}
			return st, true
		}
	}
	st := newState(sess)
	st.Language = o.cfg.Language
	return st, false
}

func (o *Orchestrator) streamConfig(st *State) stt.StreamConfig {
	return stt.StreamConfig{
		SampleRate:     o.cfg.SampleRate,
		Channels:       1,
		Language:       st.languageOr(o.cfg.Language),
		SilenceTimeout: o.cfg.SilenceTimeout,
	}
}

// pumpAudio forwards client PCM into the STT stream until the input closes.
// A send failure means the STT session died; the router notices through its
// event channel.
func pumpAudio(ctx context.Context, audioIn <-chan []byte, r *runner) {
	for {
		select {
		case chunk, ok := <-audioIn:
			if !ok {
				return
			}
			if err := r.sttHandle().SendAudio(chunk); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Router
// ─────────────────────────────────────────────────────────────────────────────

// afterGen tells the router what a finished generation was for.
type afterGen int

const (
	// afterLine: a canned line; no follow-up beyond settling the phase.
	afterLine afterGen = iota

	// afterTeachingSegment: advance and wait for the user.
	afterTeachingSegment

	// afterAnswer: resume interrupted teaching, if any.
	afterAnswer

	// afterFarewell: the goodbye before the session closes.
	afterFarewell
)

type genSpec struct {
	agent  string
	system string
	msgs   []types.Message
	fixed  string
	next   afterGen
}

type genResult struct {
	seq         int
	agent       string
	next        afterGen
	text        string
	err         error
	interrupted bool
}

// runner is the per-session router. Its fields are owned by the single loop
// goroutine; only sttHandle is read from the audio pump.
type runner struct {
	o   *Orchestrator
	st  *State
	out chan<- Output
	log *slog.Logger

	course     *types.Course
	topicTitle string
	segments   []string

	// sttMu guards the handle, which the router swaps on stream reopen
	// while the audio pump keeps sending.
	sttMu sync.Mutex
	stt   stt.SessionHandle

	genDone   chan genResult
	genCancel context.CancelFunc
	genActive bool
	genSeq    int

	// teachingInterrupted is set when a barge-in or question cut into a
	// segment, so the answer path knows to resume delivery afterwards.
	teachingInterrupted bool

	failures *failureTracker
	endErr   error
}

func (r *runner) sttHandle() stt.SessionHandle {
	r.sttMu.Lock()
	defer r.sttMu.Unlock()
	return r.stt
}

func (r *runner) setSTT(handle stt.SessionHandle) {
	r.sttMu.Lock()
	r.stt = handle
	r.sttMu.Unlock()
}

func (r *runner) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.cancelGen()
			r.checkpoint(context.WithoutCancel(ctx))
			r.flush()
			return ctx.Err()

		case res := <-r.genDone:
			r.onGenDone(ctx, res)

		case ev, ok := <-r.sttHandle().Events():
			if !ok {
				r.cancelGen()
				if r.st.Phase != PhaseEnded {
					r.transition(ctx, PhaseEnded, r.st.Agent)
				}
				r.flush()
				return r.endErr
			}
			r.onEvent(ctx, ev)
		}

		if r.st.Phase == PhaseEnded && !r.genActive {
			r.flush()
			if r.endErr != nil {
				return r.endErr
			}
			if r.o.ckpt != nil {
				r.o.ckpt.Delete(context.WithoutCancel(ctx), r.st.SessionID)
			}
			return nil
		}
	}
}

func (r *runner) flush() {
	if r.o.ckpt != nil {
		r.o.ckpt.Flush()
	}
}

func (r *runner) onEvent(ctx context.Context, ev stt.Event) {
	switch ev.Type {
	case stt.SpeechStarted:
		r.bargeIn(ctx)
	case stt.Partial:
		r.emit(ctx, Output{Kind: OutputTranscript, Text: ev.Text})
	case stt.Final:
		r.emit(ctx, Output{Kind: OutputTranscript, Text: ev.Text, Final: true})
		r.onFinal(ctx, ev.Text)
	case stt.SilenceTimeout:
		r.onSilence(ctx)
	case stt.Error:
		r.onSTTError(ctx, ev.Err)
	}
}

// bargeIn stops all in-flight output the moment the user starts speaking.
// STT itself is never touched; listening continues through playback.
func (r *runner) bargeIn(ctx context.Context) {
	if !r.genActive {
		return
	}
	if r.st.Phase == PhaseTeaching {
		r.st.ResumeSegment = r.st.Segment
		r.teachingInterrupted = true
	}
	r.cancelGen()
	r.st.Interruptions++
	if r.o.metrics != nil {
		r.o.metrics.BargeIns.Add(ctx, 1)
	}
	r.transition(ctx, PhaseListening, r.st.Agent)
}

func (r *runner) onFinal(ctx context.Context, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if cmd := parseCommand(text); cmd != CommandNone {
		r.onCommand(ctx, cmd)
		return
	}
	r.cancelGen()
	if r.st.PendingQuiz != nil {
		r.gradeAssessment(ctx, text)
		return
	}
	if wantsAssessment(text) {
		r.startAssessment(ctx)
		return
	}
	r.startAnswer(ctx, text)
}

// onCommand executes a navigation command. Commands always win: any
// in-flight generation is cancelled first.
func (r *runner) onCommand(ctx context.Context, cmd Command) {
	r.cancelGen()
	lang := r.st.languageOr(r.o.cfg.Language)
	switch cmd {
	case CommandPause:
		r.teachingInterrupted = false
		r.transition(ctx, PhaseWaiting, AgentNavigation)
		r.say(ctx, AgentNavigation, localizedLine(pausedLines, lang), afterLine)
	case CommandResume, CommandRepeat:
		r.startTeaching(ctx, r.st.Segment)
	case CommandNext:
		if r.advanceSegment() {
			r.transition(ctx, PhaseWaiting, AgentNavigation)
			r.say(ctx, AgentNavigation, localizedLine(courseDoneLines, lang), afterLine)
			return
		}
		r.startTeaching(ctx, r.st.Segment)
	case CommandPrevious:
		if r.st.Segment > 0 {
			r.st.Segment--
		}
		r.startTeaching(ctx, r.st.Segment)
	case CommandEnd:
		r.teachingInterrupted = false
		r.transition(ctx, PhaseEnded, AgentNavigation)
		r.say(ctx, AgentNavigation, localizedLine(goodbyes, lang), afterFarewell)
	}
}

// startTeaching delivers the segment at index seg.
func (r *runner) startTeaching(ctx context.Context, seg int) {
	lang := r.st.languageOr(r.o.cfg.Language)
	if r.course == nil || len(r.segments) == 0 {
		r.transition(ctx, PhaseWaiting, AgentNavigation)
		r.say(ctx, AgentNavigation, localizedLine(noCourseLines, lang), afterLine)
		return
	}
	if seg < 0 {
		seg = 0
	}
	if seg >= len(r.segments) {
		seg = len(r.segments) - 1
	}
	r.st.Segment = seg
	r.st.ResumeSegment = seg
	r.teachingInterrupted = false
	r.transition(ctx, PhaseTeaching, AgentTeaching)

	sys, msgs := teachingRequest(r.st, r.topicTitle, r.segments[seg])
	r.startGen(ctx, genSpec{agent: AgentTeaching, system: sys, msgs: msgs, next: afterTeachingSegment})
}

// startAnswer routes a question to the qa agent, grounding it in the course
// corpus when one is attached.
func (r *runner) startAnswer(ctx context.Context, question string) {
	if r.st.Phase == PhaseTeaching {
		r.st.ResumeSegment = r.st.Segment
		r.teachingInterrupted = true
	}
	r.st.QuestionsAsked++
	r.transition(ctx, PhaseAnswering, AgentQA)

	var chunks []types.ScoredChunk
	if r.o.retriever != nil && r.st.CourseID != "" {
		res, err := r.o.retriever.Retrieve(ctx, question, types.ChunkFilter{CourseID: r.st.CourseID})
		if err != nil {
			r.log.Warn("retrieval failed, answering ungrounded", "error", err)
		} else {
			chunks = res.Chunks
		}
	}

	sys, msgs := qaRequest(r.st, question, chunks)
	r.st.remember(types.RoleUser, question)
	r.startGen(ctx, genSpec{agent: AgentQA, system: sys, msgs: msgs, next: afterAnswer})
}

// startAssessment generates one quiz item over the current material and asks
// it. The item is parsed strictly; one malformed response gets one retry.
func (r *runner) startAssessment(ctx context.Context) {
	lang := r.st.languageOr(r.o.cfg.Language)
	material := r.st.TeachingContent
	if len(r.segments) > 0 && r.st.Segment < len(r.segments) {
		material = r.segments[r.st.Segment]
	}
	if strings.TrimSpace(material) == "" {
		r.transition(ctx, PhaseWaiting, AgentAssessment)
		r.say(ctx, AgentAssessment, localizedLine(noCourseLines, lang), afterLine)
		return
	}
	r.transition(ctx, PhaseAnswering, AgentAssessment)

	question, err := r.generateQuizItem(ctx, lang, material)
	if err != nil {
		r.componentFailure(ctx, "llm", err)
		return
	}
	r.st.PendingQuiz = &PendingQuiz{Question: *question}
	spoken := speakQuestion(question, lang)
	r.st.remember(types.RoleAssistant, spoken)
	r.say(ctx, AgentAssessment, spoken, afterLine)
}

func (r *runner) generateQuizItem(ctx context.Context, lang, material string) (*types.QuizQuestion, error) {
	req := llm.Request{
		SystemPrompt: fmt.Sprintf(assessmentSystemPrompt, lang),
		Messages:     []types.Message{{Role: types.RoleUser, Content: material}},
		Temperature:  0.3,
	}
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := r.o.llm.Complete(ctx, req)
		if err != nil {
			return nil, err
		}
		question, err := parseAssessment(resp.Content)
		if err == nil {
			return question, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// gradeAssessment resolves the pending quiz item against the spoken answer.
func (r *runner) gradeAssessment(ctx context.Context, text string) {
	lang := r.st.languageOr(r.o.cfg.Language)
	q := r.st.PendingQuiz.Question
	key := detectAnswerKey(text, q.Options)
	if key == "" {
		r.say(ctx, AgentAssessment, localizedLine(quizUnclear, lang), afterLine)
		return
	}
	r.st.PendingQuiz = nil
	r.st.AssessmentsCompleted++
	r.st.remember(types.RoleUser, text)

	var line string
	if key == q.CorrectAnswer {
		line = localizedLine(quizCorrect, lang)
	} else {
		correct := q.Options[q.CorrectAnswer[0]-'A']
		line = fmt.Sprintf(localizedLine(quizWrong, lang), q.CorrectAnswer, correct)
	}
	r.transition(ctx, PhaseAnswering, AgentAssessment)
	r.say(ctx, AgentAssessment, line, afterAnswer)
}

func (r *runner) onSilence(ctx context.Context) {
	if r.genActive || r.st.Phase != PhaseListening {
		return
	}
	if r.teachingInterrupted && len(r.segments) > 0 {
		// Barge-in with nothing said: pick the lesson back up.
		r.startTeaching(ctx, r.st.ResumeSegment)
		return
	}
	r.transition(ctx, PhaseWaiting, r.st.Agent)
}

// onSTTError notifies the client and reopens the transcription stream. The
// session stays alive unless failures cross the threshold.
func (r *runner) onSTTError(ctx context.Context, cause error) {
	lang := r.st.languageOr(r.o.cfg.Language)
	r.log.Warn("stt stream error", "error", cause)
	if r.o.metrics != nil {
		r.o.metrics.RecordDegraded(ctx, "stt")
	}
	r.emit(ctx, Output{Kind: OutputText, Agent: r.st.Agent, Text: localizedLine(sttTrouble, lang)})

	if r.failures.record(time.Now()) {
		r.endErr = fault.E(fault.Degraded, "teach: repeated component failures", cause)
		r.cancelGen()
		r.transition(ctx, PhaseEnded, r.st.Agent)
		return
	}

	_ = r.sttHandle().Close()
	handle, err := r.o.stt.StartStream(ctx, r.o.streamConfig(r.st))
	if err != nil {
		r.log.Warn("stt stream reopen failed", "error", err)
		return
	}
	r.setSTT(handle)
}

// componentFailure applies the shared failure policy: apologise and return
// to a stable phase, or end the session once the threshold is crossed.
func (r *runner) componentFailure(ctx context.Context, component string, cause error) {
	lang := r.st.languageOr(r.o.cfg.Language)
	r.log.Warn("component failure", "component", component, "error", cause)
	if r.o.metrics != nil {
		r.o.metrics.RecordDegraded(ctx, component)
	}
	if r.failures.record(time.Now()) {
		r.endErr = fault.E(fault.Degraded, "teach: repeated component failures", cause)
		r.cancelGen()
		r.transition(ctx, PhaseEnded, r.st.Agent)
		return
	}
	stable := PhaseWaiting
	if r.st.Phase == PhaseIdle {
		stable = PhaseIdle
	}
	r.transition(ctx, stable, r.st.Agent)
	r.say(ctx, r.st.Agent, localizedLine(apologies, lang), afterLine)
}

func (r *runner) onGenDone(ctx context.Context, res genResult) {
	if res.seq != r.genSeq {
		return
	}
	r.genActive = false
	if res.interrupted {
		return
	}
	if res.err != nil {
		r.componentFailure(ctx, "llm", res.err)
		return
	}
	if res.text != "" && res.next != afterLine && res.next != afterFarewell {
		r.st.remember(types.RoleAssistant, res.text)
	}

	lang := r.st.languageOr(r.o.cfg.Language)
	switch res.next {
	case afterTeachingSegment:
		if r.advanceSegment() {
			r.transition(ctx, PhaseWaiting, AgentTeaching)
			r.say(ctx, AgentTeaching, localizedLine(courseDoneLines, lang), afterLine)
			return
		}
		r.transition(ctx, PhaseWaiting, AgentTeaching)
		r.emit(ctx, Output{Kind: OutputText, Agent: AgentTeaching, Text: localizedLine(segmentDoneLines, lang)})

	case afterAnswer:
		if r.teachingInterrupted && len(r.segments) > 0 {
			r.startTeaching(ctx, r.st.ResumeSegment)
			return
		}
		r.transition(ctx, PhaseWaiting, r.st.Agent)

	case afterFarewell:
		// Terminal; the loop tears down.

	case afterLine:
		if r.st.Phase == PhaseAnswering {
			// Assessment question asked; wait for the answer.
			r.transition(ctx, PhaseWaiting, r.st.Agent)
		}
	}
}

// advanceSegment moves one delivery step forward, crossing topic and module
// boundaries. Returns true when the whole course is done.
func (r *runner) advanceSegment() bool {
	r.st.Segment++
	if r.st.Segment < r.st.TotalSegments {
		r.st.ResumeSegment = r.st.Segment
		return false
	}
	mod := r.currentModule()
	if mod == nil {
		return true
	}
	if r.st.TopicIndex+1 < len(mod.Topics) {
		r.st.TopicIndex++
		r.st.Segment = 0
		r.loadTopic()
		return false
	}
	for i, m := range r.course.Modules {
		if m.Week == r.st.ModuleWeek && i+1 < len(r.course.Modules) {
			r.st.ModuleWeek = r.course.Modules[i+1].Week
			r.st.TopicIndex = 0
			r.st.Segment = 0
			r.loadTopic()
			return len(r.segments) == 0
		}
	}
	return true
}

// loadTopic points the runner at the current topic and recomputes segments.
func (r *runner) loadTopic() {
	mod := r.currentModule()
	if mod == nil || len(mod.Topics) == 0 {
		r.segments = nil
		r.st.TotalSegments = 0
		return
	}
	if r.st.TopicIndex >= len(mod.Topics) {
		r.st.TopicIndex = 0
	}
	topic := mod.Topics[r.st.TopicIndex]
	r.topicTitle = topic.Title
	r.st.TeachingContent = topic.Content
	r.segments = segmentContent(topic.Content)
	r.st.TotalSegments = len(r.segments)
	if r.st.Segment >= len(r.segments) {
		r.st.Segment = 0
	}
	if r.st.ResumeSegment >= len(r.segments) {
		r.st.ResumeSegment = r.st.Segment
	}
}

func (r *runner) currentModule() *types.Module {
	if r.course == nil || len(r.course.Modules) == 0 {
		return nil
	}
	if r.st.ModuleWeek == 0 {
		r.st.ModuleWeek = r.course.Modules[0].Week
	}
	for i := range r.course.Modules {
		if r.course.Modules[i].Week == r.st.ModuleWeek {
			return &r.course.Modules[i]
		}
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Generation
// ─────────────────────────────────────────────────────────────────────────────

func (r *runner) say(ctx context.Context, agent, line string, next afterGen) {
	r.startGen(ctx, genSpec{agent: agent, fixed: line, next: next})
}

func (r *runner) startGen(ctx context.Context, spec genSpec) {
	r.cancelGen()
	r.genSeq++
	seq := r.genSeq
	gctx, cancel := context.WithCancel(ctx)
	r.genCancel = cancel
	r.genActive = true
	go func() {
		res := r.o.generate(gctx, spec, r.out)
		res.seq = seq
		select {
		case r.genDone <- res:
		case <-ctx.Done():
		}
	}()
}

func (r *runner) cancelGen() {
	if r.genCancel != nil {
		r.genCancel()
		r.genCancel = nil
	}
	r.genActive = false
}

// generate produces one agent response: text chunks go to the client as they
// arrive and are teed into TTS concurrently. Cancelling ctx stops both
// streams; a TTS failure downgrades the response to text only.
func (o *Orchestrator) generate(ctx context.Context, spec genSpec, out chan<- Output) genResult {
	res := genResult{agent: spec.agent, next: spec.next}

	textCh := make(chan string, 32)
	var audioDone chan struct{}
	ttsOK := false
	if o.tts != nil {
		audioCh, err := o.tts.SynthesizeStream(ctx, textCh, o.cfg.Voice)
		if err != nil {
			o.log.Warn("tts unavailable, delivering text only", "error", err)
			if o.metrics != nil {
				o.metrics.RecordDegraded(ctx, "tts")
			}
		} else {
			ttsOK = true
			audioDone = make(chan struct{})
			go func() {
				defer close(audioDone)
				for chunk := range audioCh {
					emitOut(ctx, out, Output{Kind: OutputAudio, Agent: spec.agent, Audio: chunk})
				}
			}()
		}
	}
	feed := func(s string) {
		if !ttsOK {
			return
		}
		select {
		case textCh <- s:
		case <-ctx.Done():
		}
	}

	var full strings.Builder
	if spec.fixed != "" {
		emitOut(ctx, out, Output{Kind: OutputText, Agent: spec.agent, Text: spec.fixed})
		feed(spec.fixed)
		full.WriteString(spec.fixed)
	} else {
		stream, err := o.llm.CompleteStream(ctx, llm.Request{
			Messages:     spec.msgs,
			SystemPrompt: spec.system,
			Temperature:  0.7,
		})
		if err != nil {
			close(textCh)
			if ttsOK {
				<-audioDone
			}
			res.err = err
			return res
		}
		for chunk := range stream {
			if chunk.FinishReason == "error" {
				res.err = fault.Errorf(fault.Transient, "teach: llm stream: %s", chunk.Text)
				break
			}
			if chunk.Text == "" {
				continue
			}
			emitOut(ctx, out, Output{Kind: OutputText, Agent: spec.agent, Text: chunk.Text})
			feed(chunk.Text)
			full.WriteString(chunk.Text)
		}
	}

	close(textCh)
	if ttsOK {
		<-audioDone
	}
	if ctx.Err() != nil {
		res.interrupted = true
		return res
	}
	res.text = full.String()
	return res
}

func (r *runner) emit(ctx context.Context, ev Output) {
	emitOut(ctx, r.out, ev)
}

func emitOut(ctx context.Context, out chan<- Output, ev Output) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

// transition moves the state machine, checkpoints, and notifies the client.
// The checkpoint comes first so an observer of the state event can rely on
// the snapshot being on its way.
func (r *runner) transition(ctx context.Context, phase Phase, agent string) {
	r.st.setPhase(phase, agent)
	r.checkpoint(ctx)
	r.emit(ctx, Output{Kind: OutputState, Phase: phase, Agent: r.st.Agent})
}

func (r *runner) checkpoint(ctx context.Context) {
	if r.o.ckpt == nil {
		return
	}
	if err := r.o.ckpt.Save(ctx, r.st); err != nil {
		r.log.Warn("checkpoint save failed", "error", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Failure tracking
// ─────────────────────────────────────────────────────────────────────────────

// failureTracker counts component failures in a sliding window.
type failureTracker struct {
	limit  int
	window time.Duration
	times  []time.Time
}

func newFailureTracker(limit int, window time.Duration) *failureTracker {
	return &failureTracker{limit: limit, window: window}
}

// record registers a failure at now and reports whether the threshold is
// reached.
func (f *failureTracker) record(now time.Time) bool {
	cutoff := now.Add(-f.window)
	kept := f.times[:0]
	for _, t := range f.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	f.times = append(kept, now)
	return len(f.times) >= f.limit
}
