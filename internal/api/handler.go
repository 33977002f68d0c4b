package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/abhishekj44/genai-test/internal/db"
	"github.com/abhishekj44/genai-test/internal/metrics"
	"github.com/abhishekj44/genai-test/internal/models"
	"github.com/abhishekj44/genai-test/internal/rag"
	"go.uber.org/zap"
)

// EngineFactory builds a fresh engine session. Each request gets its own so
// concurrent sessions never share ambient user/instance state.
type EngineFactory func() *rag.Engine

type Handler struct {
	store      *db.Store
	newEngine  EngineFactory
	experiment string
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

func NewHandler(store *db.Store, newEngine EngineFactory, experiment string, logger *zap.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		store:      store,
		newEngine:  newEngine,
		experiment: experiment,
		logger:     logger,
		metrics:    m,
	}
}

// session builds an engine bound to the request's user and instance.
func (h *Handler) session(user string, instanceID int64) (*rag.Engine, error) {
	engine := h.newEngine()
	if err := engine.ChangeUser(user); err != nil {
		return nil, err
	}
	if instanceID != 0 {
		if err := engine.ChangeInstance(instanceID); err != nil {
			return nil, err
		}
	}
	return engine, nil
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, db.ErrUserNotFound), errors.Is(err, db.ErrInstanceNotFound):
		return http.StatusNotFound
	case errors.Is(err, rag.ErrUnauthorizedInstance):
		return http.StatusForbidden
	case errors.Is(err, db.ErrDuplicateUser):
		return http.StatusConflict
	case errors.Is(err, rag.ErrNoActiveInstance), errors.Is(err, rag.ErrNoActiveUser):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type QueryRequest struct {
	User           string         `json:"user"`
	InstanceID     int64          `json:"instance_id"`
	Prompt         string         `json:"prompt"`
	FileContent    string         `json:"file_content,omitempty"`
	Where          map[string]any `json:"where,omitempty"`
	ForceRetrieval bool           `json:"force_retrieval"`
}

type QueryResponse struct {
	Completion *models.Completion      `json:"completion"`
	Context    *models.RetrievalResult `json:"context,omitempty"`
}

func (h *Handler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	engine, err := h.session(req.User, req.InstanceID)
	if err != nil {
		h.logger.Error("Failed to open session", zap.Error(err), zap.String("user", req.User))
		http.Error(w, err.Error(), statusForError(err))
		return
	}

	start := time.Now()
	completion, retrieved, err := engine.Query(r.Context(), req.Prompt, req.FileContent, req.Where, req.ForceRetrieval)
	h.metrics.QueryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		h.metrics.QueriesTotal.WithLabelValues("error").Inc()
		var completionErr *rag.CompletionError
		if errors.As(err, &completionErr) {
			h.metrics.CompletionErrorsTotal.Inc()
		}
		h.logger.Error("Query failed", zap.Error(err), zap.Int64("instance", req.InstanceID))
		http.Error(w, fmt.Sprintf("Query failed: %v", err), statusForError(err))
		return
	}
	h.metrics.QueriesTotal.WithLabelValues("ok").Inc()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(QueryResponse{Completion: completion, Context: retrieved}); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

type CreateConversationRequest struct {
	User string `json:"user"`
	Name string `json:"name"`
}

func (h *Handler) HandleConversations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		user := r.URL.Query().Get("user")
		if user == "" {
			http.Error(w, "Query parameter 'user' is required", http.StatusBadRequest)
			return
		}
		instances, err := h.store.InstancesForUser(user, h.experiment)
		if err != nil {
			h.logger.Error("Failed to list conversations", zap.Error(err), zap.String("user", user))
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(instances)

	case http.MethodPost:
		var req CreateConversationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		instance, err := h.store.CreateInstance(req.User, h.experiment, req.Name)
		if err != nil {
			h.logger.Error("Failed to create conversation", zap.Error(err), zap.String("user", req.User))
			http.Error(w, err.Error(), statusForError(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(instance)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

type CreateUserRequest struct {
	ID string `json:"id"`
}

func (h *Handler) HandleUsers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		includeSystem, _ := strconv.ParseBool(r.URL.Query().Get("include_system"))
		users, err := h.store.ListUsers(includeSystem)
		if err != nil {
			h.logger.Error("Failed to list users", zap.Error(err))
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(users)

	case http.MethodPost:
		var req CreateUserRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if err := h.store.CreateUser(req.ID); err != nil {
			h.logger.Error("Failed to create user", zap.Error(err), zap.String("user", req.ID))
			http.Error(w, err.Error(), statusForError(err))
			return
		}
		w.WriteHeader(http.StatusCreated)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

type ShareRequest struct {
	User       string `json:"user"`
	InstanceID int64  `json:"instance_id"`
}

type ShareResponse struct {
	Result string `json:"result"`
}

func (h *Handler) HandleShare(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ShareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	already, err := h.store.ShareInstance(req.User, req.InstanceID)
	if err != nil {
		h.logger.Error("Failed to share conversation", zap.Error(err), zap.Int64("instance", req.InstanceID))
		http.Error(w, err.Error(), statusForError(err))
		return
	}

	result := "shared"
	if already {
		result = "already shared"
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ShareResponse{Result: result})
}

type FeedbackRequest struct {
	User       string `json:"user"`
	InstanceID int64  `json:"instance_id"`
	MessageID  string `json:"message_id"`
	Score      int    `json:"score"`
	Text       string `json:"text,omitempty"`
}

func (h *Handler) HandleFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	engine, err := h.session(req.User, req.InstanceID)
	if err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	if err := engine.SetFeedback(req.MessageID, models.Feedback{Score: req.Score, Text: req.Text}); err != nil {
		h.logger.Error("Failed to set feedback", zap.Error(err), zap.Int64("instance", req.InstanceID))
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

type SummarizeRequest struct {
	Text         string `json:"text"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

type SummarizeResponse struct {
	Summary string `json:"summary"`
}

func (h *Handler) HandleSummarize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req SummarizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	summary, err := h.newEngine().Summarize(r.Context(), req.Text, req.SystemPrompt)
	if err != nil {
		h.logger.Error("Summarisation failed", zap.Error(err))
		http.Error(w, fmt.Sprintf("Summarisation failed: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(SummarizeResponse{Summary: summary})
}
