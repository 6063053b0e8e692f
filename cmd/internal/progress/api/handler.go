// Package progressapi exposes course progress over HTTP. Every route is
// scoped to the participant named by the request's bearer token.
package progressapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"eduloom/cmd/identity"
	"eduloom/cmd/internal/progress"
)

const defaultMaxBodyBytes = 256 << 10

// TokenVerifier verifies bearer credentials.
type TokenVerifier interface {
	Verify(token string) (identity.Claims, error)
}

// Handler serves the /v1/progress routes.
type Handler struct {
	log      *slog.Logger
	store    progress.Store
	verifier TokenVerifier
	maxBody  int64

	limiter Limiter
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLimiter throttles requests per participant.
func WithLimiter(l Limiter) HandlerOption {
	return func(h *Handler) { h.limiter = l }
}

// NewHandler constructs a Handler. A nil verifier makes every route answer 503.
func NewHandler(log *slog.Logger, store progress.Store, verifier TokenVerifier, opts ...HandlerOption) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		log:      log,
		store:    store,
		verifier: verifier,
		maxBody:  defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Register mounts the routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/v1/progress/lessons/viewed", h.handleLessonViewed)
	mux.HandleFunc("/v1/progress/query", h.handleQuery)
	mux.HandleFunc("/v1/progress/quizzes", h.handleQuiz)
	mux.HandleFunc("/v1/progress/achievements", h.handleAchievements)
}

type lessonViewedRequest struct {
	Course   progress.Course `json:"course"`
	LessonID string          `json:"lesson_id"`
}

type queryRequest struct {
	Course progress.Course `json:"course"`
}

type achievementsResponse struct {
	Achievements []progress.Achievement `json:"achievements"`
}

// ---- handlers ----

func (h *Handler) handleLessonViewed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	tr, ok := h.tracker(w, r)
	if !ok {
		return
	}

	var req lessonViewedRequest
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}

	p, err := tr.MarkLessonViewed(r.Context(), req.Course, strings.TrimSpace(req.LessonID))
	if err != nil {
		h.writeProgressError(w, "progress.lesson.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	tr, ok := h.tracker(w, r)
	if !ok {
		return
	}

	var req queryRequest
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}

	p, err := tr.Progress(r.Context(), req.Course)
	if err != nil {
		h.writeProgressError(w, "progress.query.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) handleQuiz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	tr, ok := h.tracker(w, r)
	if !ok {
		return
	}

	var req progress.QuizSubmission
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}

	out, err := tr.RecordQuiz(r.Context(), req)
	if err != nil {
		h.writeProgressError(w, "progress.quiz.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleAchievements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	tr, ok := h.tracker(w, r)
	if !ok {
		return
	}

	list, err := tr.Achievements(r.Context())
	if err != nil {
		h.writeProgressError(w, "progress.achievements.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, achievementsResponse{Achievements: list})
}

// ---- helpers ----

// tracker authenticates the request and returns the participant's Tracker.
func (h *Handler) tracker(w http.ResponseWriter, r *http.Request) (*progress.Tracker, bool) {
	if h.verifier == nil || h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "progress_unavailable", "progress tracking not configured")
		return nil, false
	}

	token, ok := identity.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	claims, err := h.verifier.Verify(token)
	switch {
	case errors.Is(err, identity.ErrExpiredToken):
		writeError(w, http.StatusUnauthorized, "token_expired", "token expired")
		return nil, false
	case identity.IsUnauthenticated(err):
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
		return nil, false
	case err != nil:
		h.log.Error("progress.auth.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return nil, false
	}
	participantID := claims.Participant()
	if participantID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "token has no participant")
		return nil, false
	}

	if h.limiter != nil {
		allowed, retry, err := h.limiter.Allow(r.Context(), participantID)
		switch {
		case err != nil:
			// Fail open while the limiter backend is unavailable.
			h.log.Warn("progress.ratelimit.fail", "participant_id", participantID, "err", err)
		case !allowed:
			h.log.Info("progress.ratelimit.blocked", "participant_id", participantID, "retry_after", retry)
			writeRateLimited(w, retry)
			return nil, false
		}
	}

	// Trackers are stateless; Store.Update serializes concurrent writers.
	tr := progress.NewTracker(progress.Scope(h.store, participantID), progress.WithLogger(h.log.With("participant_id", participantID)))
	return tr, true
}

func (h *Handler) writeProgressError(w http.ResponseWriter, event string, err error) {
	switch {
	case errors.Is(err, progress.ErrUnknownLesson):
		writeError(w, http.StatusBadRequest, "unknown_lesson", err.Error())
	case errors.Is(err, progress.ErrInvalidCourse):
		writeError(w, http.StatusBadRequest, "invalid_course", err.Error())
	case errors.Is(err, progress.ErrInvalidQuiz):
		writeError(w, http.StatusBadRequest, "invalid_quiz", err.Error())
	default:
		h.log.Error(event, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
