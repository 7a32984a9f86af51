package models

// NotificationKind classifies why a notification was produced.
type NotificationKind string

const (
	KindJobSuccess NotificationKind = "job_success"
	KindJobFailure NotificationKind = "job_failure"
	KindTaskStatus NotificationKind = "task_status"
)

// Notification is the payload carried on the notifications:{platform}
// channel. Delivery is at-least-once; consumers deduplicate on the
// (Kind, Ref) pair, where Ref is the originating job or task id.
type Notification struct {
	Type           string           `json:"type"` // always "notification"
	UserID         string           `json:"user_id"`
	Platform       string           `json:"platform"`
	Channel        string           `json:"channel"`
	Thread         string           `json:"thread,omitempty"`
	Content        string           `json:"content"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Kind           NotificationKind `json:"kind"`
	Ref            string           `json:"ref,omitempty"`
}

// NotificationChannel returns the logical channel name for a platform.
func NotificationChannel(platform string) string {
	return "notifications:" + platform
}
