// Package webhook receives signed job status notifications from the batch
// executor and applies them to the file ledger.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Signature-256"

// EventHeader names the event carried by the body.
const EventHeader = "X-Event-Type"

// VerifySignature validates a "sha256=<hex>" signature against the payload.
func VerifySignature(payload []byte, signature string, secret []byte) error {
	if !strings.HasPrefix(signature, "sha256=") {
		return fmt.Errorf("invalid signature format")
	}
	sig, err := hex.DecodeString(signature[7:])
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}

	if !hmac.Equal(sig, Sign(payload, secret)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// Sign returns the raw HMAC-SHA256 of payload.
func Sign(payload, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

// SignatureValue formats the header value for payload.
func SignatureValue(payload, secret []byte) string {
	return "sha256=" + hex.EncodeToString(Sign(payload, secret))
}

// JobStatusEvent reports the state of a batch job attached to a file.
type JobStatusEvent struct {
	Owner  string `json:"owner"`
	FileID string `json:"file_id"`
	Job    string `json:"job"`
	Status string `json:"status"`
}

// PingEvent is sent when an endpoint is registered.
type PingEvent struct {
	Zen string `json:"zen"`
}

// ParseEvent parses a webhook payload based on the event type.
func ParseEvent(eventType string, payload []byte) (any, error) {
	switch eventType {
	case "job_status":
		var e JobStatusEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("parse job_status event: %w", err)
		}
		return &e, nil
	case "ping":
		var e PingEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("parse ping event: %w", err)
		}
		return &e, nil
	default:
		return nil, fmt.Errorf("unsupported event type: %s", eventType)
	}
}
