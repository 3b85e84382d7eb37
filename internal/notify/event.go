package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind is the closed set of real-time notification types.
type Kind string

const (
	KindIssueNew       Kind = "issue:new"
	KindIssueUpdated   Kind = "issue:updated"
	KindIssueRegressed Kind = "issue:regressed"
	KindAlertTriggered Kind = "alert:triggered"
	KindTransactionNew Kind = "transaction:new"
	KindReplayNew      Kind = "replay:new"
	KindLogNew         Kind = "log:new"
)

var Kinds = []Kind{
	KindIssueNew, KindIssueUpdated, KindIssueRegressed, KindAlertTriggered,
	KindTransactionNew, KindReplayNew, KindLogNew,
}

var ErrUnknownKind = errors.New("unknown notification kind")

func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Event is the wire body of an SSE "update" frame and of the pub/sub message behind it.
type Event struct {
	Type           Kind            `json:"type"`
	OrganizationID string          `json:"organizationId"`
	ProjectID      string          `json:"projectId,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      int64           `json:"timestamp"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(kind Kind, organizationID, projectID string, payload any) (Event, error) {
	if !kind.Valid() {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encoding %s payload: %w", kind, err)
	}
	return Event{
		Type:           kind,
		OrganizationID: organizationID,
		ProjectID:      projectID,
		Payload:        raw,
		Timestamp:      time.Now().UnixMilli(),
	}, nil
}

// ParseEvent decodes a wire event and rejects unknown kinds.
func ParseEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decoding event: %w", err)
	}
	if !e.Type.Valid() {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownKind, e.Type)
	}
	return e, nil
}

// Channel is the pub/sub channel carrying an organization's events.
func Channel(organizationID string) string {
	return channelPrefix + organizationID
}

const (
	channelPrefix  = "sse:org:"
	channelPattern = channelPrefix + "*"
)

// IssuePayload is attached to issue:* and alert:triggered events.
type IssuePayload struct {
	Fingerprint string `json:"fingerprint"`
	Message     string `json:"message"`
	Level       string `json:"level"`
}

type ReplayPayload struct {
	SessionID   string `json:"sessionId"`
	Fingerprint string `json:"fingerprint,omitempty"`
}
