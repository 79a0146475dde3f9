package bus

const (
	TopicChatMessage      = "chat.message"
	TopicChatNotification = "chat.notification"
	TopicChatRead         = "chat.read"

	TopicAssignmentCreated = "assignment.created"
	TopicAssignmentStatus  = "assignment.status"

	TopicVehicleStatus = "vehicle.status"

	TopicSchemaMigrated = "schema.migrated"
)

// ChatMessageEvent is published after a message insert commits.
type ChatMessageEvent struct {
	ChatID  string
	Message map[string]any
}

// ChatNotificationEvent is published after a chat notification insert commits.
type ChatNotificationEvent struct {
	ChatID       string
	UID          string
	Notification map[string]any
}

// ChatReadEvent carries per-chat unread decrements from a read receipt.
type ChatReadEvent struct {
	UserID      string
	UpdatedIDs  []string
	ChatUpdates map[string]int
}

// AssignmentStatusEvent is published on every agent-task state transition.
type AssignmentStatusEvent struct {
	AssignmentID string
	AgentID      string
	TaskID       string
	VehicleID    string
	OldStatus    string
	NewStatus    string
	Progress     float64
	ErrorMessage string
}

// VehicleStatusEvent is published when a vehicle changes status.
type VehicleStatusEvent struct {
	VehicleID string
	OldStatus string
	NewStatus string
}

// SchemaMigratedEvent is published after a successful migration run.
type SchemaMigratedEvent struct {
	FromVersion string
	ToVersion   string
	Fresh       bool
}
