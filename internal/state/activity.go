package state

import (
	"fmt"

	"github.com/google/uuid"

	"marketsync/logger"
	"marketsync/models"
)

// Log prepends an entry to the activity ring, evicting the oldest entry once
// the ring is full.
func (s *State) Log(level models.LogLevel, message string) models.ActivityEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendActivity(level, message)
}

func (s *State) Logf(level models.LogLevel, format string, args ...interface{}) models.ActivityEntry {
	return s.Log(level, fmt.Sprintf(format, args...))
}

// appendActivity must be called with s.mu held.
func (s *State) appendActivity(level models.LogLevel, message string) models.ActivityEntry {
	entry := models.ActivityEntry{
		ID:        uuid.NewString(),
		Level:     level,
		Timestamp: s.opts.Now(),
		Message:   message,
	}

	n := len(s.activity)
	if n < s.opts.ActivityLogSize {
		s.activity = append(s.activity, models.ActivityEntry{})
		n++
	}
	copy(s.activity[1:n], s.activity[:n-1])
	s.activity[0] = entry

	log := s.log.WithComponent("activity").WithFields(logger.Fields{"activity_id": entry.ID})
	switch level {
	case models.LevelError:
		log.Error(message)
	case models.LevelWarning:
		log.Warn(message)
	default:
		log.Info(message)
	}
	return entry
}

// Activity returns a copy of the ring, newest first.
func (s *State) Activity() []models.ActivityEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.ActivityEntry(nil), s.activity...)
}
