// Package server is the reference receiving endpoint for collector batches.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vincentbai/lmstrace/internal/database"
	"github.com/vincentbai/lmstrace/internal/models"
	"github.com/vincentbai/lmstrace/internal/transport"
)

const (
	maxBodyBytes = 5 << 20
	maxListLimit = 1000
)

type Server struct {
	db      *database.Database
	address string
	logger  zerolog.Logger
	server  *http.Server
}

func NewServer(db *database.Database, address string, logger zerolog.Logger) *Server {
	return &Server{
		db:      db,
		address: address,
		logger:  logger.With().Str("component", "server").Logger(),
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Write([]byte("ok"))
}

func (s *Server) handleEvents(w http.ResponseWriter, request *http.Request) {
	switch request.Method {
	case http.MethodPost:
		s.receiveEvents(w, request)
	case http.MethodGet:
		s.listEvents(w, request)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "GET or POST only", http.StatusMethodNotAllowed)
	}
}

func (s *Server) receiveEvents(w http.ResponseWriter, request *http.Request) {
	var body map[string]json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, request.Body, maxBodyBytes)).Decode(&body); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		http.Error(w, "No data provided", http.StatusBadRequest)
		return
	}

	// A body without an events key is an empty batch.
	var events []models.Event
	if raw, ok := body["events"]; ok {
		var list *[]models.Event
		if err := json.Unmarshal(raw, &list); err != nil || list == nil {
			http.Error(w, "Events must be a list", http.StatusBadRequest)
			return
		}
		events = *list
	}
	if len(events) > 0 {
		if err := s.db.InsertEvents(request.Context(), events); err != nil {
			if errors.Is(err, database.ErrInvalidEvent) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			zerolog.Ctx(request.Context()).Error().Err(err).Msg("failed to store events")
			http.Error(w, "Failed to store events", http.StatusInternalServerError)
			return
		}
	}

	zerolog.Ctx(request.Context()).Debug().Int("count", len(events)).Msg("events received")
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "received": len(events)})
}

func (s *Server) listEvents(w http.ResponseWriter, request *http.Request) {
	query := request.URL.Query()
	filter := database.Filter{SessionID: query.Get("session_id")}

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		filter.Limit = min(limit, maxListLimit)
	}
	if raw := query.Get("assignment_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "assignment_id must be an integer", http.StatusBadRequest)
			return
		}
		filter.AssignmentID = &id
	}

	events, err := s.db.RecentEvents(request.Context(), filter)
	if err != nil {
		zerolog.Ctx(request.Context()).Error().Err(err).Msg("failed to read events")
		http.Error(w, "Failed to read events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []database.StoredEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc(transport.EventsPath, s.handleEvents)
	return s.withRequestLogging(mux)
}

// withRequestLogging tags each request with an id and logs its outcome.
func (s *Server) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, request *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()
		w.Header().Set("X-Request-Id", requestID)

		reqLogger := s.logger.With().Str("request_id", requestID).Logger()
		request = request.WithContext(reqLogger.WithContext(request.Context()))

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, request)

		reqLogger.Info().
			Str("method", request.Method).
			Str("path", request.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.address,
		Handler:      s.setupRoutes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info().Str("address", s.address).Msg("lmstrace endpoint listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info().Msg("shutting down server")

		shutdownContext, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownContext); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// Handler returns the routed handler, for embedding in tests or other servers.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}
