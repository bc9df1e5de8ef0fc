package service

import (
	"errors"
	"fmt"
	"time"
)

// Orchestrator error categories.
const (
	CategoryPersistence = "persistence"
	CategoryDelivery    = "delivery"
)

// CycleError describes why a stream's cycle was cut short.
type CycleError struct {
	Stream   string
	Stage    Stage
	Category string
	EventID  string
	Err      error
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("stream %s: %s failed at event %s: %v", e.Stream, e.Stage, e.EventID, e.Err)
}

func (e *CycleError) Unwrap() error { return e.Err }

// StreamResult summarises one stream within a cycle.
type StreamResult struct {
	Stream         string
	From           int64
	To             int64
	Fetched        int
	Qualified      int
	Recorded       int
	Duplicates     int
	Notified       int
	NotifyFailures int
	ByTier         map[string]int
	Interrupted    bool
	Err            *CycleError
}

// CycleResult summarises a full poll cycle.
type CycleResult struct {
	ID      string
	Tick    time.Time
	Skipped bool
	LockErr error
	Streams []StreamResult
}

// Err joins the lock error and every stream error.
func (r CycleResult) Err() error {
	var errs []error
	if r.LockErr != nil {
		errs = append(errs, r.LockErr)
	}
	for _, sr := range r.Streams {
		if sr.Err != nil {
			errs = append(errs, sr.Err)
		}
	}
	return errors.Join(errs...)
}

// Stream returns the result for id.
func (r CycleResult) Stream(id string) (StreamResult, bool) {
	for _, sr := range r.Streams {
		if sr.Stream == id {
			return sr, true
		}
	}
	return StreamResult{}, false
}
