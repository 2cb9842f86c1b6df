package services

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewSessionID returns an opaque session id: "ses_" + 16 hex chars.
func NewSessionID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms; fall back anyway.
		return "ses_" + uuid.New().String()[:16]
	}
	return "ses_" + hex.EncodeToString(b)
}

// NewRunID returns a run id.
func NewRunID() string {
	return "run_" + uuid.New().String()
}

// NewRunnerID returns a server-issued runner id.
func NewRunnerID() string {
	return "rnr_" + uuid.New().String()
}

// NewCallbackID returns a callback registration id.
func NewCallbackID() string {
	return "cb_" + uuid.New().String()
}
