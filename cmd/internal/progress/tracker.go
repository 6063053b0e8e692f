package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"eduloom/cmd/identity/ids"
)

const (
	// AchievementThreshold is the quiz percentage that unlocks an achievement.
	AchievementThreshold = 50.0

	// MasteryThreshold is the quiz percentage after which a retake is not suggested.
	MasteryThreshold = 80.0
)

const (
	keyViewed      = "viewed_"
	keyCompleted   = "completed_"
	keyCertificate = "certificate_"
	keyQuiz        = "quiz_"
	keyAchievement = "achievement_"
)

// Module groups the lessons of a course.
type Module struct {
	ID      string   `json:"id"`
	Lessons []string `json:"lessons"`
}

// Course is the shape progress is computed against. Enrolled reports whether
// the learner is enrolled; unenrolled learners always see 0%.
type Course struct {
	ID       string   `json:"id"`
	Title    string   `json:"title,omitempty"`
	Enrolled bool     `json:"enrolled"`
	Modules  []Module `json:"modules"`
}

func (c Course) validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidCourse)
	}
	for _, m := range c.Modules {
		for _, l := range m.Lessons {
			if strings.TrimSpace(l) == "" {
				return fmt.Errorf("%w: empty lesson id in module %q", ErrInvalidCourse, m.ID)
			}
		}
	}
	return nil
}

// lessons returns the distinct lesson ids of the course.
func (c Course) lessons() map[string]struct{} {
	out := make(map[string]struct{})
	for _, m := range c.Modules {
		for _, l := range m.Lessons {
			out[l] = struct{}{}
		}
	}
	return out
}

// Certificate is issued once, the first time a course is completed.
type Certificate struct {
	ID          string    `json:"id"`
	CourseID    string    `json:"course_id"`
	CourseTitle string    `json:"course_title,omitempty"`
	IssuedAt    time.Time `json:"issued_at"`
}

// Progress is the computed state of one course.
type Progress struct {
	CourseID   string  `json:"course_id"`
	Viewed     int     `json:"viewed"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
	Completed  bool    `json:"completed"`

	Certificate *Certificate `json:"certificate,omitempty"`
	// NewlyCertified is true only on the call that issued Certificate.
	NewlyCertified bool `json:"newly_certified"`
}

// QuizSubmission is a graded quiz attempt.
type QuizSubmission struct {
	QuizID         string `json:"quiz_id"`
	CourseTitle    string `json:"course_title"`
	TotalMark      int    `json:"total_mark"`
	TotalQuestions int    `json:"total_questions"`
}

func (q QuizSubmission) validate() error {
	switch {
	case strings.TrimSpace(q.QuizID) == "":
		return fmt.Errorf("%w: missing quiz_id", ErrInvalidQuiz)
	case q.TotalQuestions <= 0:
		return fmt.Errorf("%w: total_questions must be positive", ErrInvalidQuiz)
	case q.TotalMark < 0 || q.TotalMark > q.TotalQuestions:
		return fmt.Errorf("%w: total_mark out of range", ErrInvalidQuiz)
	}
	return nil
}

// QuizResult is the stored latest attempt of a quiz.
type QuizResult struct {
	QuizID         string    `json:"quiz_id"`
	CourseTitle    string    `json:"course_title"`
	TotalMark      int       `json:"total_mark"`
	TotalQuestions int       `json:"total_questions"`
	Percentage     float64   `json:"percentage"`
	TakenAt        time.Time `json:"taken_at"`
}

// QuizOutcome is returned by RecordQuiz.
type QuizOutcome struct {
	Result QuizResult `json:"result"`
	// Unlocked reports whether the quiz's achievement is unlocked, by this
	// attempt or an earlier one. NewlyUnlocked is true only for this attempt.
	Unlocked      bool `json:"unlocked"`
	NewlyUnlocked bool `json:"newly_unlocked"`
	Mastered      bool `json:"mastered"`
}

// Achievement is one quiz's achievement state.
type Achievement struct {
	QuizID      string     `json:"quiz_id"`
	CourseTitle string     `json:"course_title"`
	Percentage  float64    `json:"percentage"`
	Unlocked    bool       `json:"unlocked"`
	UnlockedAt  *time.Time `json:"unlocked_at,omitempty"`
}

type achievementRecord struct {
	QuizID     string    `json:"quiz_id"`
	UnlockedAt time.Time `json:"unlocked_at"`
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(t *Tracker) {
		if log != nil {
			t.log = log
		}
	}
}

// Tracker computes and persists one learner's progress.
//
// It holds no state of its own: read-modify-write steps go through
// Store.Update, so any number of Trackers (in any number of processes) may
// share a Store view.
type Tracker struct {
	store Store
	now   func() time.Time
	log   *slog.Logger
}

// NewTracker constructs a Tracker over store.
func NewTracker(store Store, opts ...Option) *Tracker {
	t := &Tracker{
		store: store,
		now:   time.Now,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// MarkLessonViewed records lessonID as viewed and returns the recomputed
// progress. Once a course is completed further views change nothing.
func (t *Tracker) MarkLessonViewed(ctx context.Context, course Course, lessonID string) (Progress, error) {
	if err := course.validate(); err != nil {
		return Progress{}, err
	}
	if _, ok := course.lessons()[lessonID]; !ok {
		return Progress{}, fmt.Errorf("%w: %q", ErrUnknownLesson, lessonID)
	}

	completed, err := t.flag(ctx, keyCompleted+course.ID)
	if err != nil {
		return Progress{}, err
	}
	if !completed {
		added := false
		err := t.store.Update(ctx, keyViewed+course.ID, func(old string, found bool) (string, bool, error) {
			added = false
			var viewed []string
			if found {
				if err := json.Unmarshal([]byte(old), &viewed); err != nil {
					return "", false, fmt.Errorf("progress: decode %s: %w", keyViewed+course.ID, err)
				}
			}
			if slices.Contains(viewed, lessonID) {
				return "", false, nil
			}
			b, err := json.Marshal(append(viewed, lessonID))
			if err != nil {
				return "", false, err
			}
			added = true
			return string(b), true, nil
		})
		if err != nil {
			return Progress{}, err
		}
		if added {
			t.log.Debug("progress.lesson.viewed", "course_id", course.ID, "lesson_id", lessonID)
		}
	}
	return t.compute(ctx, course)
}

// Progress computes the state of course, issuing the certificate when the
// course has just been completed.
func (t *Tracker) Progress(ctx context.Context, course Course) (Progress, error) {
	if err := course.validate(); err != nil {
		return Progress{}, err
	}

	return t.compute(ctx, course)
}

func (t *Tracker) compute(ctx context.Context, course Course) (Progress, error) {
	lessons := course.lessons()
	p := Progress{CourseID: course.ID, Total: len(lessons)}

	viewed, err := t.viewed(ctx, course.ID)
	if err != nil {
		return Progress{}, err
	}
	for _, l := range viewed {
		if _, ok := lessons[l]; ok {
			p.Viewed++
		}
	}

	completed, err := t.flag(ctx, keyCompleted+course.ID)
	if err != nil {
		return Progress{}, err
	}

	switch {
	case completed:
		p.Completed = true
		p.Percentage = 100
	case !course.Enrolled || p.Total == 0:
		return p, nil
	default:
		p.Percentage = round2(float64(p.Viewed) / float64(p.Total) * 100)
		if p.Viewed == p.Total {
			p.Completed = true
			p.Percentage = 100
			if err := t.store.Set(ctx, keyCompleted+course.ID, "true"); err != nil {
				return Progress{}, err
			}
			t.log.Info("progress.course.completed", "course_id", course.ID)
		}
	}

	if !p.Completed {
		return p, nil
	}

	cert, fresh, err := t.certificate(ctx, course)
	if err != nil {
		return Progress{}, err
	}
	p.Certificate = &cert
	p.NewlyCertified = fresh
	return p, nil
}

// certificate returns the course certificate, issuing it when none exists.
// Concurrent completions agree on one certificate.
func (t *Tracker) certificate(ctx context.Context, course Course) (Certificate, bool, error) {
	var (
		cert  Certificate
		fresh bool
	)
	key := keyCertificate + course.ID
	err := t.store.Update(ctx, key, func(old string, found bool) (string, bool, error) {
		cert, fresh = Certificate{}, false
		if found {
			if err := json.Unmarshal([]byte(old), &cert); err != nil {
				return "", false, fmt.Errorf("progress: decode %s: %w", key, err)
			}
			return "", false, nil
		}

		now := t.now().UTC()
		id, err := ids.NewULID(now)
		if err != nil {
			return "", false, err
		}
		cert = Certificate{ID: id, CourseID: course.ID, CourseTitle: course.Title, IssuedAt: now}
		b, err := json.Marshal(cert)
		if err != nil {
			return "", false, err
		}
		fresh = true
		return string(b), true, nil
	})
	if err != nil {
		return Certificate{}, false, err
	}
	if fresh {
		t.log.Info("progress.certificate.issued", "course_id", course.ID, "certificate_id", cert.ID)
	}
	return cert, fresh, nil
}

// RecordQuiz stores a graded attempt, replacing earlier attempts of the same
// quiz, and unlocks its achievement at AchievementThreshold. An unlocked
// achievement stays unlocked.
func (t *Tracker) RecordQuiz(ctx context.Context, in QuizSubmission) (QuizOutcome, error) {
	if err := in.validate(); err != nil {
		return QuizOutcome{}, err
	}

	now := t.now().UTC()
	res := QuizResult{
		QuizID:         in.QuizID,
		CourseTitle:    in.CourseTitle,
		TotalMark:      in.TotalMark,
		TotalQuestions: in.TotalQuestions,
		Percentage:     round2(float64(in.TotalMark) / float64(in.TotalQuestions) * 100),
		TakenAt:        now,
	}
	if err := t.putJSON(ctx, keyQuiz+in.QuizID, res); err != nil {
		return QuizOutcome{}, err
	}

	out := QuizOutcome{Result: res, Mastered: res.Percentage >= MasteryThreshold}

	key := keyAchievement + in.QuizID
	err := t.store.Update(ctx, key, func(_ string, found bool) (string, bool, error) {
		out.Unlocked, out.NewlyUnlocked = found, false
		if found || res.Percentage < AchievementThreshold {
			return "", false, nil
		}
		b, err := json.Marshal(achievementRecord{QuizID: in.QuizID, UnlockedAt: now})
		if err != nil {
			return "", false, err
		}
		out.Unlocked, out.NewlyUnlocked = true, true
		return string(b), true, nil
	})
	if err != nil {
		return QuizOutcome{}, err
	}
	if out.NewlyUnlocked {
		t.log.Info("progress.achievement.unlocked", "quiz_id", in.QuizID, "percentage", res.Percentage)
	}
	return out, nil
}

// Achievements lists one entry per recorded quiz, ordered by quiz id.
func (t *Tracker) Achievements(ctx context.Context) ([]Achievement, error) {
	keys, err := t.store.Keys(ctx, keyQuiz)
	if err != nil {
		return nil, err
	}

	out := make([]Achievement, 0, len(keys))
	for _, k := range keys {
		var res QuizResult
		if err := t.getJSON(ctx, k, &res); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}

		a := Achievement{
			QuizID:      res.QuizID,
			CourseTitle: res.CourseTitle,
			Percentage:  res.Percentage,
		}
		var rec achievementRecord
		switch err := t.getJSON(ctx, keyAchievement+res.QuizID, &rec); {
		case err == nil:
			a.Unlocked = true
			at := rec.UnlockedAt
			a.UnlockedAt = &at
		case !errors.Is(err, ErrNotFound):
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// ---- store helpers ----

func (t *Tracker) viewed(ctx context.Context, courseID string) ([]string, error) {
	var out []string
	err := t.getJSON(ctx, keyViewed+courseID, &out)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return out, err
}

func (t *Tracker) flag(ctx context.Context, key string) (bool, error) {
	v, err := t.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == "true", nil
}

func (t *Tracker) getJSON(ctx context.Context, key string, dst any) error {
	raw, err := t.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("progress: decode %s: %w", key, err)
	}
	return nil
}

func (t *Tracker) putJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.store.Set(ctx, key, string(b))
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
