package domain

import (
	"time"
)

// SessionTranscript stores enough captured conversation state to resume a
// continued conversation in a future sandbox. The transcript body is kept
// opaque (base64 of whatever the worker produced).
type SessionTranscript struct {
	SessionID     string    `json:"session_id"`
	SandboxID     string    `json:"sandbox_id"`
	TaskID        string    `json:"task_id,omitempty"`
	TranscriptB64 string    `json:"transcript_b64"`
	MetadataJSON  string    `json:"metadata,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
