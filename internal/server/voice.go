package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lumora-ai/lumora/internal/fault"
	"github.com/lumora-ai/lumora/internal/teach"
)

// voiceAudioBuffer is the inbound PCM channel depth. The orchestrator's audio
// pump drains continuously; the buffer only absorbs scheduler jitter.
const voiceAudioBuffer = 64

// voiceOutBuffer is the outbound event channel depth. Audio chunks dominate,
// so it is sized for a few seconds of synthesis ahead of a slow client.
const voiceOutBuffer = 256

// clientFrame is the JSON shape of inbound text frames. Binary frames are
// raw PCM and skip the envelope entirely.
type clientFrame struct {
	Kind string `json:"kind"`

	// Audio is base64 in JSON per encoding/json convention.
	Audio []byte `json:"audio,omitempty"`
}

// errorFrame is the terminal frame sent when a voice session fails.
type errorFrame struct {
	Kind      string `json:"kind"`
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}

// handleVoice upgrades to a WebSocket and bridges it onto one orchestrator
// run: inbound frames feed the STT stream, outbound orchestrator events are
// forwarded as JSON frames. The connection closes when the session ends, the
// client disconnects, or the orchestrator gives up.
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := q.Get("session_id")
	if sessionID == "" {
		writeError(w, fault.Errorf(fault.InvalidInput, "session_id is required"))
		return
	}

	sess, err := s.sessions.Get(r.Context(), sessionID)
	if err != nil {
		writeError(w, sessionError(err))
		return
	}
	if courseID := q.Get("course_id"); courseID != "" && courseID != sess.CurrentCourseID {
		if err := s.sessions.SetCurrentCourse(r.Context(), sessionID, courseID); err != nil {
			writeError(w, err)
			return
		}
		sess.CurrentCourseID = courseID
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Accept already answered the HTTP request.
		s.log.Warn("voice upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	audioIn := make(chan []byte, voiceAudioBuffer)
	out := make(chan teach.Output, voiceOutBuffer)
	done := make(chan error, 1)

	go func() { done <- s.voice.Run(ctx, sess, audioIn, out) }()
	go readFrames(ctx, cancel, conn, audioIn)

	s.log.Info("voice session connected", "session_id", sessionID, "user_id", sess.UserID)

	for {
		select {
		case ev := <-out:
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				cancel()
				<-done
				return
			}
		case err := <-done:
			flushOut(ctx, conn, out)
			s.closeVoice(ctx, conn, sessionID, err)
			return
		}
	}
}

// readFrames feeds client audio into the orchestrator until the connection
// drops. Any read error cancels the session; a clean client close reads as
// one too.
func readFrames(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, audioIn chan<- []byte) {
	defer cancel()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var chunk []byte
		switch typ {
		case websocket.MessageBinary:
			chunk = data
		case websocket.MessageText:
			var frame clientFrame
			if err := json.Unmarshal(data, &frame); err != nil || frame.Kind != "audio_chunk" {
				continue
			}
			chunk = frame.Audio
		}
		if len(chunk) == 0 {
			continue
		}
		select {
		case audioIn <- chunk:
		case <-ctx.Done():
			return
		}
	}
}

// flushOut forwards events the orchestrator emitted before returning, so the
// client sees the final state change and farewell.
func flushOut(ctx context.Context, conn *websocket.Conn, out <-chan teach.Output) {
	for {
		select {
		case ev := <-out:
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Server) closeVoice(ctx context.Context, conn *websocket.Conn, sessionID string, err error) {
	switch {
	case err == nil:
		s.log.Info("voice session ended", "session_id", sessionID)
		_ = conn.Close(websocket.StatusNormalClosure, "session ended")
	case errors.Is(err, context.Canceled):
		s.log.Info("voice session disconnected", "session_id", sessionID)
		_ = conn.Close(websocket.StatusGoingAway, "client disconnected")
	default:
		s.log.Warn("voice session failed", "session_id", sessionID, "error", err)
		_ = wsjson.Write(ctx, conn, errorFrame{
			Kind:      "error",
			ErrorKind: string(fault.KindOf(err)),
			Message:   errorMessage(err, fault.KindOf(err)),
		})
		_ = conn.Close(websocket.StatusInternalError, "session failed")
	}
}
