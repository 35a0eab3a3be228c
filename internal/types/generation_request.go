package types

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// GenerationRequest is the immutable payload stored on a GenerationJob at
// enqueue time.
type GenerationRequest struct {
	UserID                   uuid.UUID `json:"user_id"`
	Topic                    string    `json:"topic"`
	Difficulty               string    `json:"difficulty"`
	Context                  string    `json:"context,omitempty"`
	EstimatedDurationMinutes int       `json:"estimated_duration_minutes"`
	LanguagePreference       string    `json:"language_preference,omitempty"`
	ParadigmPreference       string    `json:"paradigm_preference,omitempty"`
	TriggerSource            string    `json:"trigger_source"`
}

var validDifficulties = map[string]bool{
	"beginner":     true,
	"intermediate": true,
	"advanced":     true,
}

func (r *GenerationRequest) Validate() error {
	if strings.TrimSpace(r.Topic) == "" {
		return fmt.Errorf("topic is required")
	}
	if !validDifficulties[strings.ToLower(strings.TrimSpace(r.Difficulty))] {
		return fmt.Errorf("difficulty must be one of beginner|intermediate|advanced")
	}
	if r.EstimatedDurationMinutes <= 0 {
		return fmt.Errorf("estimated_duration_minutes must be positive")
	}
	if strings.TrimSpace(r.TriggerSource) == "" {
		return fmt.Errorf("trigger_source is required")
	}
	return nil
}
