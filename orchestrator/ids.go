package orchestrator

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewID returns a prefixed unique id. The crypto/rand fallback keeps id
// generation working even when uuid's entropy source fails.
func NewID(prefix string) string {
	id, err := uuid.NewRandom()
	if err == nil {
		return prefix + "-" + id.String()
	}
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(b[:]))
}
