package progressapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"eduloom/cmd/identity"
	"eduloom/cmd/internal/progress"
)

type fixture struct {
	mux      *http.ServeMux
	verifier *identity.Verifier
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	v, err := identity.NewVerifier([]byte("progress-api-test-secret-0123456789"), "eduloom-test")
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	h := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), progress.NewMemoryStore(), v)
	mux := http.NewServeMux()
	h.Register(mux)
	return fixture{mux: mux, verifier: v}
}

func (f fixture) do(t *testing.T, method, path, participant, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if participant != "" {
		tok, err := f.verifier.Issue(participant, "student", time.Hour)
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	return rr
}

const courseJSON = `{"id":"go101","title":"Go 101","enrolled":true,"modules":[{"id":"m1","lessons":["l1","l2"]}]}`

func TestLessonViewedFlow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/v1/progress/lessons/viewed", "alice", `{"course":`+courseJSON+`,"lesson_id":"l1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body)
	}
	var p progress.Progress
	if err := json.Unmarshal(rr.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Percentage != 50 || p.Completed {
		t.Fatalf("after l1: %+v", p)
	}

	rr = f.do(t, http.MethodPost, "/v1/progress/lessons/viewed", "alice", `{"course":`+courseJSON+`,"lesson_id":"l2"}`)
	if err := json.Unmarshal(rr.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !p.Completed || p.Certificate == nil || !p.NewlyCertified {
		t.Fatalf("after l2: %+v", p)
	}

	rr = f.do(t, http.MethodPost, "/v1/progress/query", "bob", `{"course":`+courseJSON+`}`)
	if err := json.Unmarshal(rr.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Viewed != 0 || p.Completed {
		t.Fatalf("bob sees alice's progress: %+v", p)
	}
}

func TestQuizAndAchievements(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/v1/progress/quizzes", "alice", `{"quiz_id":"q1","course_title":"Go 101","total_mark":4,"total_questions":5}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body)
	}
	var out progress.QuizOutcome
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Result.Percentage != 80 || !out.Unlocked || !out.Mastered {
		t.Fatalf("outcome=%+v", out)
	}

	rr = f.do(t, http.MethodGet, "/v1/progress/achievements", "alice", "")
	var list achievementsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Achievements) != 1 || !list.Achievements[0].Unlocked {
		t.Fatalf("achievements=%+v", list)
	}
}

func TestProgressAPIErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	cases := []struct {
		name        string
		method      string
		path        string
		participant string
		body        string
		wantStatus  int
		wantCode    string
	}{
		{"no_token", http.MethodGet, "/v1/progress/achievements", "", "", http.StatusUnauthorized, "unauthorized"},
		{"wrong_method", http.MethodGet, "/v1/progress/query", "alice", "", http.StatusMethodNotAllowed, ""},
		{"bad_json", http.MethodPost, "/v1/progress/query", "alice", "{", http.StatusBadRequest, "bad_json"},
		{"unknown_field", http.MethodPost, "/v1/progress/query", "alice", `{"course":` + courseJSON + `,"x":1}`, http.StatusBadRequest, "bad_json"},
		{"unknown_lesson", http.MethodPost, "/v1/progress/lessons/viewed", "alice", `{"course":` + courseJSON + `,"lesson_id":"zz"}`, http.StatusBadRequest, "unknown_lesson"},
		{"invalid_course", http.MethodPost, "/v1/progress/query", "alice", `{"course":{"id":""}}`, http.StatusBadRequest, "invalid_course"},
		{"invalid_quiz", http.MethodPost, "/v1/progress/quizzes", "alice", `{"quiz_id":"q","total_mark":1,"total_questions":0}`, http.StatusBadRequest, "invalid_quiz"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := f.do(t, tc.method, tc.path, tc.participant, tc.body)
			if rr.Code != tc.wantStatus {
				t.Fatalf("status=%d want %d body=%s", rr.Code, tc.wantStatus, rr.Body)
			}
			if tc.wantCode == "" {
				return
			}
			var er errorResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &er); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if er.Error.Code != tc.wantCode {
				t.Fatalf("code=%q want %q", er.Error.Code, tc.wantCode)
			}
		})
	}
}

func TestProgressAPIUnconfigured(t *testing.T) {
	t.Parallel()

	h := NewHandler(nil, progress.NewMemoryStore(), nil)
	mux := http.NewServeMux()
	h.Register(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/progress/achievements", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestProgressAPIRateLimited(t *testing.T) {
	t.Parallel()

	v, err := identity.NewVerifier([]byte("progress-api-test-secret-0123456789"), "eduloom-test")
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	h := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), progress.NewMemoryStore(), v,
		WithLimiter(NewMemoryLimiter(2, time.Minute)))
	mux := http.NewServeMux()
	h.Register(mux)
	f := fixture{mux: mux, verifier: v}

	for i := 0; i < 2; i++ {
		if rr := f.do(t, http.MethodGet, "/v1/progress/achievements", "alice", ""); rr.Code != http.StatusOK {
			t.Fatalf("request %d: status=%d", i, rr.Code)
		}
	}

	rr := f.do(t, http.MethodGet, "/v1/progress/achievements", "alice", "")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status=%d want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}

	// Limits are per participant.
	if rr := f.do(t, http.MethodGet, "/v1/progress/achievements", "bob", ""); rr.Code != http.StatusOK {
		t.Fatalf("bob: status=%d", rr.Code)
	}
}

type stubVerifier struct{ err error }

func (v stubVerifier) Verify(string) (identity.Claims, error) { return identity.Claims{}, v.err }

func TestProgressAPIVerifyErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"expired", identity.OpError{Op: "identity.Verify", Kind: identity.ErrExpiredToken}, http.StatusUnauthorized, "token_expired"},
		{"invalid", identity.OpError{Op: "identity.Verify", Kind: identity.ErrInvalidToken}, http.StatusUnauthorized, "unauthorized"},
		{"no_subject", identity.OpError{Op: "identity.Verify", Kind: identity.ErrNoSubject}, http.StatusUnauthorized, "unauthorized"},
		{"verifier_broken", errors.New("keyring unavailable"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), progress.NewMemoryStore(), stubVerifier{err: tc.err})
			mux := http.NewServeMux()
			h.Register(mux)

			req := httptest.NewRequest(http.MethodGet, "/v1/progress/achievements", nil)
			req.Header.Set("Authorization", "Bearer whatever")
			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, req)

			if rr.Code != tc.wantStatus {
				t.Fatalf("status=%d want %d", rr.Code, tc.wantStatus)
			}
			var er errorResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &er); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if er.Error.Code != tc.wantCode {
				t.Fatalf("code=%q want %q", er.Error.Code, tc.wantCode)
			}
		})
	}
}
