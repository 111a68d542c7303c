package models

import "time"

// Session is a paired swiping context identified by a short numeric code.
type Session struct {
	SessionID    string     `dynamodbav:"sessionId" json:"sessionId"`                     // ✅ Partition Key
	Code         string     `dynamodbav:"code" json:"code"`                               // 6 ASCII digits, unique while pending/active
	CreatorID    string     `dynamodbav:"creatorId" json:"creatorId"`                     // Participant who created the session
	PartnerID    string     `dynamodbav:"partnerId,omitempty" json:"partnerId,omitempty"` // Set exactly once by join
	Status       string     `dynamodbav:"status" json:"status"`                           // pending, active, completed, expired
	CreatedAt    time.Time  `dynamodbav:"createdAt" json:"createdAt"`
	EndedAt      *time.Time `dynamodbav:"endedAt,omitempty" json:"endedAt,omitempty"`
	LastEventSeq int64      `dynamodbav:"lastEventSeq" json:"lastEventSeq"` // Last sequence number issued on the session channel
}

// IsParticipant reports whether userID is the creator or the partner.
func (s *Session) IsParticipant(userID string) bool {
	if userID == "" {
		return false
	}
	return s.CreatorID == userID || s.PartnerID == userID
}

// OtherParticipant returns the participant that is not userID, or "" if
// the session has no partner yet.
func (s *Session) OtherParticipant(userID string) string {
	switch userID {
	case s.CreatorID:
		return s.PartnerID
	case s.PartnerID:
		return s.CreatorID
	}
	return ""
}

// IsOpen reports whether the session still holds its code.
func (s *Session) IsOpen() bool {
	return s.Status == SessionStatusPending || s.Status == SessionStatusActive
}

// IsTerminal reports whether no further transition can leave the current status.
func (s *Session) IsTerminal() bool {
	return s.Status == SessionStatusCompleted || s.Status == SessionStatusExpired
}

// SessionsTable is the DynamoDB table name for couple sessions
const SessionsTable = "CoupleSessions"

// SessionCode reserves a code for an open session. The row exists only while
// the owning session is pending or active, which is what makes the code unique.
type SessionCode struct {
	Code      string `dynamodbav:"code" json:"code"` // ✅ Partition Key
	SessionID string `dynamodbav:"sessionId" json:"sessionId"`
}

// SessionCodesTable is the DynamoDB table name for code reservations
const SessionCodesTable = "SessionCodes"
