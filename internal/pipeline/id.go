package pipeline

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewPipelineID returns an identifier of the form PL-<yyyymmdd>-<8 hex chars>.
func NewPipelineID(now time.Time) string {
	return "PL-" + now.UTC().Format("20060102") + "-" + random8()
}

// NewEscalationID returns an identifier of the form ESC-<8 hex chars>.
func NewEscalationID() string {
	return "ESC-" + random8()
}

func random8() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// ValidID reports whether id is safe to use as a state file name.
func ValidID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
