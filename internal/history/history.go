// Package history keeps an append-only audit log of what the dimmer was told to do.
// It is never replayed: the device starts from zero after every restart.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Legich55555/mp710Ctrl/internal/device"
	"github.com/Legich55555/mp710Ctrl/internal/eventbus"
)

// Kind represents the type of entry in the history
type Kind string

const (
	KindCommand    Kind = "command"
	KindTransition Kind = "transition"
)

// Entry represents a single record in the history
type Entry struct {
	ID         int64         `json:"id"`
	Kind       Kind          `json:"kind"`
	Timestamp  time.Time     `json:"timestamp"`
	Channel    uint8         `json:"channel"`
	Param      uint8         `json:"param"`
	OK         bool          `json:"ok"`
	Transition string        `json:"transition,omitempty"`
	Duration   time.Duration `json:"duration_ns,omitempty"`
	Source     string        `json:"source,omitempty"`
}

// History provides append-only command logging
type History struct {
	db *sql.DB
}

// New creates a new History using the provided database connection
func New(db *sql.DB) *History {
	return &History{db: db}
}

// AppendCommand records an executed command.
func (h *History) AppendCommand(at time.Time, cmd device.Command, ok bool) error {
	_, err := h.db.Exec(`
		INSERT INTO command_history (kind, timestamp, channel, param, ok)
		VALUES (?, ?, ?, ?, ?)
	`, string(KindCommand), at.UTC().UnixMilli(), cmd.ChannelIdx, cmd.Param, boolToInt(ok))
	return err
}

// AppendTransition records a started transition.
func (h *History) AppendTransition(at time.Time, name string, duration time.Duration, source string) error {
	_, err := h.db.Exec(`
		INSERT INTO command_history (kind, timestamp, ok, transition, duration_ms, source)
		VALUES (?, ?, 1, ?, ?, ?)
	`, string(KindTransition), at.UTC().UnixMilli(), name, duration.Milliseconds(), source)
	return err
}

// Record is an eventbus handler that appends every event it receives.
func (h *History) Record(e eventbus.Event) {
	var err error
	switch e.Type {
	case eventbus.EventTypeChange:
		err = h.AppendCommand(e.At, e.Command, e.OK)
	case eventbus.EventTypeTransition:
		err = h.AppendTransition(e.At, e.Transition, e.Duration, e.Source)
	default:
		return
	}
	if err != nil {
		log.Error().Err(err).Str("event_type", string(e.Type)).Msg("Failed to append history")
	}
}

// Recent returns up to limit entries, newest first.
func (h *History) Recent(limit int) ([]*Entry, error) {
	rows, err := h.db.Query(`
		SELECT id, kind, timestamp, channel, param, ok, transition, duration_ms, source
		FROM command_history
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

// ForChannel returns up to limit command entries of one channel, newest first.
func (h *History) ForChannel(channel uint8, limit int) ([]*Entry, error) {
	rows, err := h.db.Query(`
		SELECT id, kind, timestamp, channel, param, ok, transition, duration_ms, source
		FROM command_history
		WHERE kind = ? AND channel = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, string(KindCommand), channel, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

// DeleteOlderThan removes entries older than the specified duration (retention policy)
func (h *History) DeleteOlderThan(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC().UnixMilli()
	result, err := h.db.Exec(`DELETE FROM command_history WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// RunCleanup applies the retention policy every interval until ctx is cancelled.
func (h *History) RunCleanup(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := h.DeleteOlderThan(retention)
			if err != nil {
				log.Error().Err(err).Msg("Failed to clean up history")
				continue
			}
			if n > 0 {
				log.Info().Int64("deleted", n).Msg("Cleaned up history")
			}
		}
	}
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var entry Entry
		var kind string
		var timestamp int64
		var channel, param, durationMs sql.NullInt64
		var ok int
		var transition, source sql.NullString

		if err := rows.Scan(&entry.ID, &kind, &timestamp, &channel, &param, &ok, &transition, &durationMs, &source); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}

		entry.Kind = Kind(kind)
		entry.Timestamp = time.UnixMilli(timestamp).UTC()
		entry.OK = ok != 0
		if channel.Valid {
			entry.Channel = uint8(channel.Int64)
		}
		if param.Valid {
			entry.Param = uint8(param.Int64)
		}
		if transition.Valid {
			entry.Transition = transition.String
		}
		if durationMs.Valid {
			entry.Duration = time.Duration(durationMs.Int64) * time.Millisecond
		}
		if source.Valid {
			entry.Source = source.String
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
