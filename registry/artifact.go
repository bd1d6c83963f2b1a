package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewArtifact builds an immutable artifact from content, computing the
// content hash and size.
func NewArtifact(buildID, stepID string, typ ArtifactType, path, content string) Artifact {
	sum := sha256.Sum256([]byte(content))
	return Artifact{
		ID:           "artifact-" + uuid.New().String(),
		BuildID:      buildID,
		StepID:       stepID,
		Type:         typ,
		Path:         path,
		ContentHash:  hex.EncodeToString(sum[:]),
		BytesWritten: len(content),
		Created:      time.Now(),
		Content:      content,
	}
}

// LineCount counts the lines in content, for step accounting.
func LineCount(content string) int {
	if content == "" {
		return 0
	}
	return strings.Count(strings.TrimSuffix(content, "\n"), "\n") + 1
}
