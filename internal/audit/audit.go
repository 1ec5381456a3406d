// Package audit records pipeline lifecycle events into a hash-chained log.
// Every event's hash covers its payload plus the previous head, so tampering
// with any stored event breaks the chain from that point forward.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the pipeline.
const (
	EventProposalCreated    = "proposal.created"
	EventSimulationStarted  = "simulation.started"
	EventSimulationFinished = "simulation.finished"
	EventReportProduced     = "impact.report"
	EventApprovalSubmitted  = "approval.submitted"
	EventWorkflowAdvanced   = "workflow.advanced"
	EventDeploymentStarted  = "deployment.started"
	EventDeploymentFinished = "deployment.finished"
	EventFeedbackCollected  = "feedback.collected"
)

// Event is the canonical audit record.
type Event struct {
	ID        string      `json:"id,omitempty"`
	EventType string      `json:"eventType"`
	Payload   interface{} `json:"payload"`
	PrevHash  string      `json:"prevHash,omitempty"`
	Hash      string      `json:"hash,omitempty"`
	Ts        time.Time   `json:"ts"`
}

// ErrNotFound is returned when a requested audit event cannot be located.
var ErrNotFound = errors.New("not found")

// NewUUID returns a freshly-generated UUID string.
func NewUUID() string {
	return uuid.New().String()
}

// HashBytes computes the SHA-256 digest bytes for input data.
func HashBytes(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}

// HashHex returns the hex-encoded SHA-256 of the input bytes.
func HashHex(b []byte) string {
	return hex.EncodeToString(HashBytes(b))
}

// ChainHash computes the event hash: sha256(payload || prevHashBytes).
func ChainHash(payload []byte, prevHex string) (string, error) {
	concat := append([]byte(nil), payload...)
	if prevHex != "" {
		prevBytes, err := hex.DecodeString(prevHex)
		if err != nil {
			return "", err
		}
		concat = append(concat, prevBytes...)
	}
	return HashHex(concat), nil
}
