package skew

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GenerateRequestID returns an id of the form req_<unix millis>_<9 hex chars>.
func GenerateRequestID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("req_%d_%s", time.Now().UnixMilli(), suffix)
}

// HashPrompt fingerprints prompt content without retaining it. The result
// is the first 16 hex characters of its SHA-256 digest.
func HashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])[:16]
}
