package ingest

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/benchrun/worker/pkg/models"
)

// Rejection kinds: both nack without requeue before any side
// effect.
var (
	ErrUnsupportedMessageType   = errors.New("E_UNSUPPORTED_MESSAGE_TYPE")
	ErrUnsupportedSchemaVersion = errors.New("E_UNSUPPORTED_SCHEMA_VERSION")
)

// ParseMessage decodes and validates one broker payload. Validation runs
// before any side effect: an unrecognized message_type or schema_version is
// rejected here, never dispatched.
func ParseMessage(payload []byte) (*models.Message, error) {
	var msg models.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("decoding message payload: %w", err)
	}
	if msg.MessageType != models.SupportedMessageType {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMessageType, msg.MessageType)
	}
	if msg.SchemaVersion != models.SupportedSchemaVersion {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedSchemaVersion, msg.SchemaVersion)
	}
	return &msg, nil
}
