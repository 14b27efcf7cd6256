package state

import (
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// NewID mints a prefixed identifier like "RBL-3F9C01AB": the first four
// bytes of a fresh UUID, hex-encoded uppercase. Eight hex chars of
// entropy is plenty at control-plane volumes; uniqueness is enforced by
// the primary key anyway.
func NewID(prefix string) string {
	u := uuid.New()
	return prefix + "-" + strings.ToUpper(hex.EncodeToString(u[:4]))
}
