package domain

// Job status constants
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// DefaultMaxRetries is the retry ceiling when none is configured.
const DefaultMaxRetries = 3

// Job types understood by every identity.
const (
	// JobTypeUpdate carries a raw Telegram update and is routed by its variant.
	JobTypeUpdate = "process_telegram_update"
	// JobTypeUpdateShort is the short alias producers may use for JobTypeUpdate.
	JobTypeUpdateShort = "update"
)
