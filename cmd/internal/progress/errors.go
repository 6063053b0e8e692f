package progress

import "errors"

var (
	// ErrNotFound is returned by Store.Get for a missing key.
	ErrNotFound = errors.New("progress: not found")
	// ErrConflict is returned by Store.Update when concurrent writers kept
	// winning.
	ErrConflict = errors.New("progress: update conflict")

	ErrUnknownLesson = errors.New("progress: lesson not in course")
	ErrInvalidCourse = errors.New("progress: invalid course")
	ErrInvalidQuiz   = errors.New("progress: invalid quiz result")
)
