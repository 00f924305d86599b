package meeting

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

// SessionLog is the durable record written when a session ends: one JSON
// file per session holding the metadata and the full ordered transcript.
type SessionLog struct {
	SessionID   string            `json:"session_id"`
	MeetingID   string            `json:"meeting_id"`
	MeetingName string            `json:"meeting_name"`
	JoinURL     string            `json:"join_url"`
	StartedAt   time.Time         `json:"started_at"`
	EndedAt     time.Time         `json:"ended_at"`
	Speakers    []string          `json:"speakers"`
	Entries     []TranscriptEntry `json:"entries"`
}

// Store persists session logs to a directory.
type Store struct {
	dir    string
	logger *logrus.Logger
}

// NewStore creates the transcript directory if needed.
func NewStore(dir string, logger *logrus.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory %s: %w", dir, err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Persist writes one session log. Distinct speakers are derived from the
// entries, bot responses excluded.
func (s *Store) Persist(log SessionLog) error {
	seen := make(map[string]bool)
	for _, entry := range log.Entries {
		if entry.IsBot() || seen[entry.Speaker] {
			continue
		}
		seen[entry.Speaker] = true
		log.Speakers = append(log.Speakers, entry.Speaker)
	}
	sort.Strings(log.Speakers)

	data, err := json.MarshalIndent(log, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session log: %w", err)
	}

	name := fmt.Sprintf("%s_%s.json", log.MeetingID, log.SessionID)
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write session log %s: %w", path, err)
	}

	s.logger.WithFields(logrus.Fields{
		"meeting_id": log.MeetingID,
		"path":       path,
		"entries":    len(log.Entries),
	}).Info("Session transcript persisted")
	return nil
}
