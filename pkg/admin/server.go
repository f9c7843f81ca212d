package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-exchange/pkg/exchange"
	"github.com/zoff-tech/go-exchange/pkg/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	shutdownTimeout  = 5 * time.Second
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// messageView is the JSON shape of a dead letter.
type messageView struct {
	ID                 string          `json:"id"`
	MessageID          string          `json:"messageId"`
	CorrelationKey     string          `json:"correlationKey"`
	Type               string          `json:"type"`
	Source             string          `json:"source,omitempty"`
	Status             store.Status    `json:"status"`
	CompletionAttempts int             `json:"completionAttempts"`
	Date               time.Time       `json:"date"`
	LastError          string          `json:"lastError,omitempty"`
	UpdatedAt          time.Time       `json:"updatedAt"`
	Payload            json.RawMessage `json:"payload,omitempty"`
}

func viewOf(msg *store.Message) messageView {
	v := messageView{
		ID:                 msg.ID,
		MessageID:          msg.MessageID,
		CorrelationKey:     msg.CorrelationKey,
		Type:               msg.Type,
		Source:             msg.Source,
		Status:             msg.Status,
		CompletionAttempts: msg.CompletionAttempts,
		Date:               msg.Date,
		LastError:          msg.LastError,
		UpdatedAt:          msg.UpdatedAt,
	}
	if json.Valid(msg.Payload) {
		v.Payload = msg.Payload
	}
	return v
}

// Server exposes metrics, health and the dead-letter operations over HTTP.
type Server struct {
	addr        string
	deadLetters *exchange.DeadLetters
	gatherer    prometheus.Gatherer
	logger      *zap.Logger
	router      *mux.Router
}

func NewServer(addr string, deadLetters *exchange.DeadLetters, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		addr:        addr,
		deadLetters: deadLetters,
		gatherer:    gatherer,
		logger:      logger.Named("admin"),
		router:      mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.health).Methods(http.MethodGet)

	dl := s.router.PathPrefix("/dead-letters").Subrouter()
	dl.HandleFunc("/{role}", s.listDeadLetters).Methods(http.MethodGet)
	dl.HandleFunc("/{role}/{id}/requeue", s.requeueDeadLetter).Methods(http.MethodPost)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin server listening", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	role, ok := s.role(w, r)
	if !ok {
		return
	}

	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 || parsed > maxListLimit {
			writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be between 1 and 500")
			return
		}
		limit = parsed
	}

	msgs, err := s.deadLetters.List(r.Context(), role, limit)
	if err != nil {
		s.logger.Error("list dead letters failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}
	items := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, viewOf(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) requeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	role, ok := s.role(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]

	msg, err := s.deadLetters.Requeue(r.Context(), role, id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, viewOf(msg))
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "message not found")
	case errors.Is(err, store.ErrClaimConflict), errors.Is(err, store.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "NOT_FAILED", "message is not dead-lettered")
	default:
		s.logger.Error("requeue failed", zap.String("id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func (s *Server) role(w http.ResponseWriter, r *http.Request) (store.Role, bool) {
	role, err := store.ParseRole(mux.Vars(r)["role"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ROLE", err.Error())
		return "", false
	}
	return role, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Code: code, Message: message})
}
