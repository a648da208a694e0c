package store

import (
	"crypto/rand"
	"encoding/hex"
)

func newWorkspaceID() string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	return "ws_" + hex.EncodeToString(bytes)
}
