package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flitsinc/go-hostagent/internal/a2a"
	"github.com/flitsinc/go-hostagent/internal/eventbus"
	"github.com/flitsinc/go-hostagent/internal/orchestrator"
	"github.com/flitsinc/go-hostagent/internal/remote"
	"github.com/flitsinc/go-hostagent/internal/store"
	"github.com/flitsinc/go-hostagent/internal/tasks"
)

var errNoBus = errors.New("stream bus unavailable")

type Server struct {
	Store        *store.Store
	Bus          *eventbus.Bus
	Orchestrator *orchestrator.Orchestrator
	Registry     *remote.Registry
	StartedAt    time.Time
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/messages", s.handleMessages)
	mux.HandleFunc("/api/messages/pending", s.handlePendingMessages)
	mux.HandleFunc("/api/conversations", s.handleConversations)
	mux.HandleFunc("/api/conversations/", s.handleConversationItem)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTaskItem)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/agents", s.handleAgents)
	mux.HandleFunc("/api/agents/", s.handleAgentItem)
	mux.HandleFunc("/api/streams/subscribe", s.handleStreamSubscribe)
	mux.HandleFunc("/api/streams/ws", s.handleStreamWS)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	conversations, err := s.Store.ListConversations(r.Context(), 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	agents, err := s.Store.ListRemoteAgents(r.Context(), true)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"time":          time.Now().UTC(),
		"started":       s.StartedAt,
		"conversations": len(conversations),
		"agents":        len(agents),
	})
}

// handleMessages accepts a message and acknowledges immediately; processing
// continues asynchronously and is observed over /api/streams.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var msg a2a.Message
	if err := decodeJSON(r.Body, &msg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ack, err := s.Orchestrator.Submit(r.Context(), msg)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, ack)
}

func (s *Server) handlePendingMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	pending, err := s.Store.ListPendingMessages(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if pending == nil {
		pending = []store.PendingMessage{}
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := parseInt(r.URL.Query().Get("limit"), 100)
		items, err := s.Store.ListConversations(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if items == nil {
			items = []store.Conversation{}
		}
		writeJSON(w, http.StatusOK, items)
	case http.MethodPost:
		var payload struct {
			Name string `json:"name"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		conv, err := s.Store.CreateConversation(r.Context(), payload.Name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusCreated, conv)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleConversationItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errors.New("conversation id required"))
		return
	}
	id := segments[0]
	if len(segments) == 1 {
		conv, err := s.Store.GetConversation(r.Context(), id)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
		return
	}
	if segments[1] != "messages" {
		writeError(w, http.StatusNotFound, errors.New("unknown conversation resource"))
		return
	}
	msgs, err := s.Store.ListMessages(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if msgs == nil {
		msgs = []a2a.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	filter := store.TaskFilter{
		ConversationID: r.URL.Query().Get("conversation_id"),
		ContextID:      r.URL.Query().Get("context_id"),
		State:          a2a.TaskState(r.URL.Query().Get("state")),
		Limit:          parseInt(r.URL.Query().Get("limit"), 100),
	}
	items, err := s.Store.ListTasks(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if items == nil {
		items = []a2a.Task{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleTaskItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errors.New("task id required"))
		return
	}
	taskID := segments[0]
	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		task, err := s.Store.GetTask(r.Context(), taskID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, task)
		return
	}
	switch segments[1] {
	case "events":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		limit := parseInt(r.URL.Query().Get("limit"), 200)
		frames, err := s.Bus.History(r.Context(), taskID, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if frames == nil {
			frames = []eventbus.Frame{}
		}
		writeJSON(w, http.StatusOK, frames)
	case "cancel":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		if err := s.Orchestrator.Cancel(r.Context(), taskID); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown task resource"))
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	conversationID := r.URL.Query().Get("conversation_id")
	limit := parseInt(r.URL.Query().Get("limit"), 100)
	events, err := s.Store.ListEvents(r.Context(), conversationID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		activeOnly := r.URL.Query().Get("all") == ""
		records, err := s.Store.ListRemoteAgents(r.Context(), activeOnly)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if records == nil {
			records = []store.RemoteAgentRecord{}
		}
		writeJSON(w, http.StatusOK, records)
	case http.MethodPost:
		var payload struct {
			URL string `json:"url"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if payload.URL == "" {
			writeError(w, http.StatusBadRequest, errors.New("url is required"))
			return
		}
		rec, err := s.Registry.Register(r.Context(), payload.URL)
		if err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, http.StatusCreated, rec)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleAgentItem(w http.ResponseWriter, r *http.Request) {
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/agents/"), "/")
	if name == "" {
		writeError(w, http.StatusNotFound, errors.New("agent name required"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		rec, err := s.Store.GetRemoteAgent(r.Context(), name)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	case http.MethodDelete:
		if err := s.Store.DeactivateRemoteAgent(r.Context(), name); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeMethodNotAllowed(w)
	}
}

// handleStreamSubscribe delivers live task frames over SSE. Terminal frames
// carry the full response message so clients never need a follow-up read.
func (s *Server) handleStreamSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	filter := eventbus.Filter{
		TaskID:    r.URL.Query().Get("task_id"),
		ContextID: r.URL.Query().Get("context_id"),
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	_, _ = w.Write([]byte(":ok\n\n"))
	flusher.Flush()

	ctx := r.Context()
	sub := s.Bus.Subscribe(ctx, filter)

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-sub:
			if !ok {
				return
			}
			payload, _ := json.Marshal(frame)
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
			if frame.Final {
				return
			}
		}
	}
}

func decodeJSON(body io.Reader, dest any) error {
	return json.NewDecoder(body).Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, a2a.ErrInvalidMessage):
		return http.StatusBadRequest
	case errors.Is(err, tasks.ErrInvalidStateTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
