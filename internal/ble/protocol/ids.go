package protocol

import (
	"strings"

	"github.com/google/uuid"
)

// NewMsgID returns a fresh message id. Ids are random UUIDs, so they are
// unique per sender for the life of the process.
func NewMsgID() string {
	return uuid.NewString()
}

// NewNodeID returns a short node identity of the form "mob-xxxxxx".
func NewNodeID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "mob-" + hex[:6]
}
