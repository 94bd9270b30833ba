package video

import "fmt"

// MediaOpenError is returned when a video file cannot be opened or probed
type MediaOpenError struct {
	Path string
	Err  error
}

func (e *MediaOpenError) Error() string {
	return fmt.Sprintf("failed to open video %s: %v", e.Path, e.Err)
}

func (e *MediaOpenError) Unwrap() error { return e.Err }

// MediaReadError is returned when an opened video yields no readable frames
type MediaReadError struct {
	Path string
	Err  error
}

func (e *MediaReadError) Error() string {
	return fmt.Sprintf("failed to read frames from %s: %v", e.Path, e.Err)
}

func (e *MediaReadError) Unwrap() error { return e.Err }
