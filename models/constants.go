package models

// ✅ Session Statuses
const (
	SessionStatusPending   = "pending"
	SessionStatusActive    = "active"
	SessionStatusCompleted = "completed"
	SessionStatusExpired   = "expired"
)

// ✅ Session code format
const (
	SessionCodeLength = 6
)

// ✅ Event Types published on a session channel
const (
	EventSessionUpdated = "session_updated"
	EventMatchCreated   = "match_created"
	EventPartnerSwiped  = "partner_swiped"
)
