package models

import (
	"encoding/json"
	"time"
)

// Event is a hint delivered on a session channel. Delivery is at-least-once;
// clients de-duplicate by Seq or ID and resync when they detect a gap.
type Event struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	ActorID   string          `json:"actorId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// PartnerSwipedPayload carries only the item so the decision stays secret.
type PartnerSwipedPayload struct {
	ItemID string `json:"itemId"`
}

// MatchEventID is the deterministic event id for a match, so a re-published
// match_created collapses into the same id on the client.
func MatchEventID(sessionID, itemID string) string {
	return "match:" + sessionID + ":" + itemID
}
