package service

import (
	"time"
)

// Stage is the orchestrator step a stream is currently in.
type Stage string

const (
	StageIdle        Stage = "idle"
	StageFetching    Stage = "fetching"
	StageClassifying Stage = "classifying"
	StageRecording   Stage = "recording"
	StageNotifying   Stage = "notifying"
	StageAdvancing   Stage = "advancing"
)

type cursor struct {
	stream    Stream
	position  int64
	loaded    bool
	stage     Stage
	lastBlock int64
	lastCycle time.Time
	lastErr   string
}

// StreamStatus is a point-in-time view of a stream cursor.
type StreamStatus struct {
	Stream      string    `json:"stream"`
	Kind        string    `json:"kind"`
	Position    int64     `json:"position"`
	PositionAt  time.Time `json:"position_at"`
	Loaded      bool      `json:"loaded"`
	Stage       Stage     `json:"stage"`
	LastBlock   int64     `json:"last_block,omitempty"`
	LastCycleAt time.Time `json:"last_cycle_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Snapshot returns the status of every stream in configuration order.
func (s *Service) Snapshot() []StreamStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]StreamStatus, 0, len(s.opts.Streams))
	for _, st := range s.opts.Streams {
		c := s.cursors[st.ID]
		status := StreamStatus{
			Stream:      st.ID,
			Kind:        string(st.Kind),
			Position:    c.position,
			Loaded:      c.loaded,
			Stage:       c.stage,
			LastBlock:   c.lastBlock,
			LastCycleAt: c.lastCycle,
			LastError:   c.lastErr,
		}
		if c.loaded {
			status.PositionAt = time.Unix(c.position, 0).UTC()
		}
		out = append(out, status)
	}
	return out
}

// Position returns the in-memory position of stream.
func (s *Service) Position(stream string) (int64, bool) {
	c, ok := s.cursors[stream]
	if !ok {
		return 0, false
	}
	return s.position(c)
}

func (s *Service) position(c *cursor) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return c.position, c.loaded
}

func (s *Service) withCursor(c *cursor, fn func(c *cursor)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(c)
}

func (s *Service) setStage(c *cursor, stage Stage) {
	s.withCursor(c, func(c *cursor) { c.stage = stage })
}

func (s *Service) finish(c *cursor, cerr *CycleError) {
	now := s.clock.Now()
	s.withCursor(c, func(c *cursor) {
		c.stage = StageIdle
		c.lastCycle = now
		c.lastErr = ""
		if cerr != nil {
			c.lastErr = cerr.Error()
		}
	})
}
