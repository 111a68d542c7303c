package models

import "time"

// Match records that both participants of a session liked the same item.
type Match struct {
	SessionID string    `dynamodbav:"sessionId" json:"sessionId"` // ✅ Partition Key
	ItemID    string    `dynamodbav:"itemId" json:"itemId"`       // ✅ Sort Key
	CreatedAt time.Time `dynamodbav:"createdAt" json:"createdAt"`
}

// MatchesTable is the DynamoDB table name for session matches
const MatchesTable = "SessionMatches"

// Snapshot is the full state a client fetches on (re)connect before it
// subscribes to the session channel.
type Snapshot struct {
	Session Session `json:"session"`
	Matches []Match `json:"matches"`
	Seq     int64   `json:"seq"`
}
