package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	. "github.com/roelfdiedericks/chatrelay/internal/logging"
	"github.com/roelfdiedericks/chatrelay/internal/metrics"
	"github.com/roelfdiedericks/chatrelay/internal/queue"
	"github.com/roelfdiedericks/chatrelay/internal/relay"
	"github.com/roelfdiedericks/chatrelay/internal/text"
)

// Stream chunks are marshalled from local structs so the wire framing
// stays byte-stable; the openai package still owns request parsing and
// the non-stream response body.
type streamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []streamChoice `json:"choices"`
}

type streamChoice struct {
	Delta        streamDelta `json:"delta"`
	Index        int         `json:"index"`
	FinishReason *string     `json:"finish_reason"`
}

type streamDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func newChatID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// handleChatCompletions handles POST /v1/chat/completions
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	// Admission first: parsing a request we cannot serve helps nobody
	ticket, err := s.queue.Enter(r.Context())
	if err != nil {
		if errors.Is(err, queue.ErrTimeout) {
			writeError(w, http.StatusRequestTimeout, "Request timeout in queue")
			return
		}
		// Client went away while waiting
		L_debug("http: caller left the queue", "error", err)
		return
	}
	defer s.queue.Leave(ticket)

	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	merged := text.MergeMessages(req.Messages)
	if merged == "" {
		writeError(w, http.StatusBadRequest, "No valid content in messages")
		return
	}

	model := req.Model
	if model == "" {
		model = s.cfg.Model
	}

	sess, err := s.pool.Acquire()
	if err != nil {
		L_error("http: session acquire failed", "error", err)
		writeError(w, http.StatusInternalServerError, "No browser session available")
		return
	}

	// The session goes back to the pool however this request ends; a dead
	// one is destroyed instead.
	dead := false
	defer func() {
		if dead {
			s.pool.Discard(sess)
		} else {
			s.pool.Release(sess)
		}
	}()

	chatID := newChatID()
	created := time.Now().Unix()

	driver := relay.New(sess.Driver, s.page, s.relay)
	turn, err := driver.StartTurn(r.Context(), merged)
	if err != nil {
		dead = errors.Is(err, relay.ErrSessionDead)
		L_error("http: turn start failed", "session", sess.ID, "dead", dead, "error", err)
		writeError(w, http.StatusBadGateway, "Upstream chat page failed")
		return
	}

	if req.Stream {
		dead = s.streamCompletion(w, r, turn, chatID, created, model)
		return
	}

	reply, err := turn.CollectFull(r.Context())
	if err != nil {
		dead = errors.Is(err, relay.ErrSessionDead)
		L_error("http: turn failed", "session", sess.ID, "dead", dead, "error", err)
		writeError(w, http.StatusBadGateway, "Upstream chat page failed")
		return
	}

	resp := openai.ChatCompletionResponse{
		ID:      chatID,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []openai.ChatCompletionChoice{{
			Index: 0,
			Message: openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: reply,
			},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: openai.Usage{},
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(resp)
}

// streamCompletion relays diff-engine events as SSE chunks. Returns true
// if the session died mid-stream.
func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, turn *relay.Turn, chatID string, created int64, model string) bool {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return false
	}

	writeChunk := func(choice streamChoice) {
		chunk := streamChunk{
			ID:      chatID,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []streamChoice{choice},
		}
		data, err := json.Marshal(chunk)
		if err != nil {
			L_error("http: chunk marshal failed", "error", err)
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	for ev := range turn.Stream(r.Context()) {
		switch ev.Type {
		case relay.EventOpen:
			writeChunk(streamChoice{Delta: streamDelta{Role: "assistant"}})
		case relay.EventDelta:
			writeChunk(streamChoice{Delta: streamDelta{Content: ev.Delta}})
		case relay.EventDone:
			reason := ev.StopReason
			writeChunk(streamChoice{FinishReason: &reason})
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
		case relay.EventError:
			// Headers are long gone; all we can do is cut the stream
			L_error("http: stream failed", "error", ev.Err)
			return errors.Is(ev.Err, relay.ErrSessionDead)
		}
	}

	return false
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	resp := struct {
		Status       string         `json:"status"`
		IdleSessions int            `json:"idle_sessions"`
		QueueLength  int            `json:"queue_length"`
		MemoryMB     uint64         `json:"memory_mb"`
		Metrics      metrics.Report `json:"metrics"`
	}{
		Status:       "healthy",
		IdleSessions: s.pool.IdleCount(),
		QueueLength:  s.queue.Len(),
		MemoryMB:     mem.HeapAlloc / 1024 / 1024,
		Metrics:      metrics.GetInstance().Export(),
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(resp)
}
