// Package monitor provides the default monitor-sink collaborator: a local,
// fire-and-forget record of request/response metadata and log history,
// queried by nothing in the core (the core never reads it back) but giving
// an operator a queryable local history across restarts.
package monitor

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/relaypool/cc-gateway/internal/utils"
)

// RequestEvent is one redacted request/response metadata record.
type RequestEvent struct {
	Timestamp  time.Time
	Account    string
	Model      string
	Protocol   string // anthropic | openai | native
	StatusCode int
	DurationMs int64
	Err        string
}

// eventBacklog bounds how many records queue before the sink starts
// dropping; writes must never block the request hot path.
const eventBacklog = 512

// Sink is a buffered-channel-fronted sqlite writer. All public methods are
// non-blocking: a full buffer drops the newest record and counts it, rather
// than applying backpressure to callers.
type Sink struct {
	db      *sql.DB
	events  chan RequestEvent
	logs    chan utils.LogEntry
	done    chan struct{}
	dropped int64
}

// NewSink opens (or creates) the sqlite database at path and starts the
// background writer goroutine.
func NewSink(path string) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("monitor sink: create dir for %s: %w", path, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("monitor sink: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("monitor sink: ping %s: %w", path, err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS request_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			account TEXT,
			model TEXT,
			protocol TEXT,
			status_code INTEGER,
			duration_ms INTEGER,
			error TEXT
		);
		CREATE TABLE IF NOT EXISTS log_entry (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			level TEXT,
			message TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("monitor sink: create schema: %w", err)
	}

	s := &Sink{
		db:     db,
		events: make(chan RequestEvent, eventBacklog),
		logs:   make(chan utils.LogEntry, eventBacklog),
		done:   make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// AttachLogger subscribes the sink to the global structured logger, so its
// history is also durably recorded.
func (s *Sink) AttachLogger() {
	utils.GetLogger().AddListener(func(entry utils.LogEntry) {
		select {
		case s.logs <- entry:
		default:
			s.dropped++
		}
	})
}

// RecordRequest enqueues a request/response metadata record. Never blocks:
// a full channel drops the record.
func (s *Sink) RecordRequest(event RequestEvent) {
	select {
	case s.events <- event:
	default:
		s.dropped++
	}
}

// run drains both channels on a single background goroutine, so sqlite
// writes never contend with the hot request path.
func (s *Sink) run() {
	for {
		select {
		case e := <-s.events:
			s.insertRequest(e)
		case l := <-s.logs:
			s.insertLog(l)
		case <-s.done:
			s.drainRemaining()
			return
		}
	}
}

func (s *Sink) drainRemaining() {
	for {
		select {
		case e := <-s.events:
			s.insertRequest(e)
		case l := <-s.logs:
			s.insertLog(l)
		default:
			return
		}
	}
}

func (s *Sink) insertRequest(e RequestEvent) {
	_, err := s.db.Exec(
		`INSERT INTO request_log (ts, account, model, protocol, status_code, duration_ms, error) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp.UTC().Format(time.RFC3339Nano), redactAccount(e.Account), e.Model, e.Protocol, e.StatusCode, e.DurationMs, e.Err,
	)
	if err != nil {
		// The monitor sink is best-effort; a write failure never surfaces to
		// the request path. Fall back to the structured logger at debug level
		// so a persistent failure is at least discoverable.
		utils.Debug("[Monitor] Failed to record request event: %v", err)
	}
}

func (s *Sink) insertLog(l utils.LogEntry) {
	_, err := s.db.Exec(
		`INSERT INTO log_entry (ts, level, message) VALUES (?, ?, ?)`,
		l.Timestamp, string(l.Level), l.Message,
	)
	if err != nil {
		// Avoid recursing into the logger itself here.
		_ = err
	}
}

// redactAccount keeps only the domain-agnostic local-part initial plus
// domain, so a sqlite dump shared for debugging doesn't leak full account
// identities.
func redactAccount(email string) string {
	at := -1
	for i, c := range email {
		if c == '@' {
			at = i
			break
		}
	}
	if at <= 0 {
		return email
	}
	return email[:1] + "***" + email[at:]
}

// Close stops the background writer and closes the database, flushing
// anything still queued.
func (s *Sink) Close() error {
	close(s.done)
	return s.db.Close()
}

// Dropped returns the count of records dropped due to a full buffer.
func (s *Sink) Dropped() int64 {
	return s.dropped
}
