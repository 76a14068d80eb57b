// Package progress fans session events out to Server-Sent-Events connections.
package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event names written on the stream.
const (
	EventConnected = "connected"
	EventPing      = "ping"
	EventProgress  = "progress"
	EventStage     = "stage"
	EventCompleted = "completed"
	EventError     = "error"
	EventClose     = "close"
)

// DefaultHeartbeatInterval is used when the broadcaster is built with zero.
const DefaultHeartbeatInterval = 15 * time.Second

// ErrConnClosed is returned by writes after the connection was unregistered.
var ErrConnClosed = errors.New("progress: connection closed")

// Conn is one open stream. Writes to it are serialized. A connection gets at
// most one terminal event (completed or error) and at most one close; frames
// after close are dropped.
type Conn struct {
	mu    sync.Mutex
	w     io.Writer
	flush func()

	closed     bool
	terminated bool
	finished   bool

	done     chan struct{}
	doneOnce sync.Once
	stop     chan struct{}
	stopOnce sync.Once
}

// NewConn wraps w. flush, when non-nil, is called after every frame.
func NewConn(w io.Writer, flush func()) *Conn {
	return &Conn{
		w:     w,
		flush: flush,
		done:  make(chan struct{}),
		stop:  make(chan struct{}),
	}
}

// Done is closed once a close event has been written to the connection.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Send writes a single event frame.
func (c *Conn) Send(event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	return c.write(event, data)
}

func (c *Conn) write(event string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnClosed
	}
	if c.finished {
		return nil
	}
	switch event {
	case EventCompleted, EventError:
		if c.terminated {
			return nil
		}
		c.terminated = true
	case EventClose:
		c.finished = true
		defer c.markDone()
	}

	if _, err := fmt.Fprintf(c.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	if c.flush != nil {
		c.flush()
	}
	return nil
}

// close waits for an in-flight write and refuses every later one.
func (c *Conn) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Conn) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Conn) stopHeartbeat() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Broadcaster keeps the open connections of every session.
type Broadcaster struct {
	mu        sync.Mutex
	conns     map[string]map[*Conn]struct{}
	heartbeat time.Duration
	logger    zerolog.Logger
}

// NewBroadcaster creates a broadcaster that pings every connection at the
// given interval.
func NewBroadcaster(heartbeat time.Duration, logger zerolog.Logger) *Broadcaster {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	return &Broadcaster{
		conns:     make(map[string]map[*Conn]struct{}),
		heartbeat: heartbeat,
		logger:    logger,
	}
}

// Register adds conn to the session and starts its heartbeat.
func (b *Broadcaster) Register(sessionID string, conn *Conn) {
	b.mu.Lock()
	set, ok := b.conns[sessionID]
	if !ok {
		set = make(map[*Conn]struct{})
		b.conns[sessionID] = set
	}
	set[conn] = struct{}{}
	b.mu.Unlock()

	go b.runHeartbeat(sessionID, conn)
}

func (b *Broadcaster) runHeartbeat(sessionID string, conn *Conn) {
	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-conn.stop:
			return
		case <-conn.done:
			return
		case t := <-ticker.C:
			if err := conn.Send(EventPing, map[string]int64{"ts": t.UnixMilli()}); err != nil {
				b.logger.Debug().Err(err).Str("session_id", sessionID).Msg("Heartbeat write failed")
				return
			}
		}
	}
}

// Unregister removes conn and stops its heartbeat. Once it returns nothing
// more is written to the connection.
func (b *Broadcaster) Unregister(sessionID string, conn *Conn) {
	conn.stopHeartbeat()
	conn.close()

	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.conns[sessionID]
	if !ok {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(b.conns, sessionID)
	}
}

// Emit writes an event to every connection of the session. A close event
// also releases the stream handlers waiting on Done.
func (b *Broadcaster) Emit(sessionID, event string, payload interface{}) {
	b.mu.Lock()
	targets := make([]*Conn, 0, len(b.conns[sessionID]))
	for c := range b.conns[sessionID] {
		targets = append(targets, c)
	}
	b.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error().Err(err).Str("session_id", sessionID).Str("event", event).Msg("Failed to encode event")
		return
	}

	for _, c := range targets {
		if err := c.write(event, data); err != nil && !errors.Is(err, ErrConnClosed) {
			b.logger.Warn().Err(err).Str("session_id", sessionID).Str("event", event).Msg("Failed to write event")
		}
		if event == EventClose {
			c.markDone()
		}
	}
}

// Sessions lists the sessions with at least one connection.
func (b *Broadcaster) Sessions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, 0, len(b.conns))
	for id := range b.conns {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Connections counts the connections of a session.
func (b *Broadcaster) Connections(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns[sessionID])
}
