package models

import (
	"strconv"
	"time"
)

// SwipeDecision is one participant's verdict on one item within one session.
type SwipeDecision struct {
	SessionID  string    `dynamodbav:"sessionId" json:"sessionId"` // ✅ Partition Key
	SK         string    `dynamodbav:"SK" json:"-"`                // ✅ Sort Key: "USER#<len(userId)>#<userId>#ITEM#<itemId>"
	UserID     string    `dynamodbav:"userId" json:"userId"`
	ItemID     string    `dynamodbav:"itemId" json:"itemId"`
	Liked      bool      `dynamodbav:"liked" json:"liked"`
	RecordedAt time.Time `dynamodbav:"recordedAt" json:"recordedAt"`
}

// SwipeSortKey builds the sort key that makes (sessionId, userId, itemId) unique.
// The user id is length-prefixed so ids containing "#ITEM#" cannot collide.
func SwipeSortKey(userID, itemID string) string {
	return "USER#" + strconv.Itoa(len(userID)) + "#" + userID + "#ITEM#" + itemID
}

// SwipeResult reports whether RecordSwipe stored a new decision.
type SwipeResult struct {
	IsNew bool `json:"isNew"`
}

// SwipeDecisionsTable is the DynamoDB table name for swipe decisions
const SwipeDecisionsTable = "SwipeDecisions"
