package gateway

import (
	"strings"

	"github.com/google/uuid"

	"github.com/alipayeth/backend/internal/models"
)

// NewReference returns a fresh tx_ref for an intent of the given kind,
// e.g. REG-1f0c9d2a6b7e4c55a0f3c1d2e4b5a6c7.
func NewReference(kind string) string {
	prefix := "DEP"
	if kind == models.KindRegistration {
		prefix = "REG"
	}
	return prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
