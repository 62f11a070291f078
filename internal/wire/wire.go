// Package wire defines the data shapes shared on the wire between the
// activity-sync server and client: task/project entities, the activity
// event envelope, and the WebSocket message frames.
package wire

import "time"

// TaskStatus is one of the five states a shared task may be in.
type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "in-progress"
	TaskStatusInReview   TaskStatus = "in-review"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// EventType enumerates the activity events a mutation can produce.
type EventType string

const (
	EventTaskCreated    EventType = "task.created"
	EventTaskUpdated    EventType = "task.updated"
	EventTaskReassigned EventType = "task.reassigned"
	EventTaskDeleted    EventType = "task.deleted"
)

// Project resolves a task's github_repository_id to an owner/name pair.
// Supplemented from original_source's shared_task.rs/projects table —
// dropped by the spec.md distillation but required to make project_id
// resolvable.
type Project struct {
	ID                 string    `json:"id"`
	OrganizationID      string    `json:"organization_id"`
	GitHubRepositoryID  int64     `json:"github_repository_id"`
	Owner              string    `json:"owner"`
	Name               string    `json:"name"`
	CreatedAt          time.Time `json:"created_at"`
}

// User is the denormalized identity attached to task/assignee fields in an
// activity payload, so a client never needs a point-in-time user lookup.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
}

// Task is the canonical shared-task row.
type Task struct {
	ID               string     `json:"id"`
	OrganizationID   string     `json:"organization_id"`
	ProjectID        string     `json:"project_id"`
	CreatorUserID    string     `json:"creator_user_id"`
	AssigneeUserID   string     `json:"assignee_user_id"`
	Title            string     `json:"title"`
	Description      string     `json:"description,omitempty"`
	Status           TaskStatus `json:"status"`
	Version          int64      `json:"version"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
	DeletedByUserID  string     `json:"deleted_by_user_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// IsDeleted reports whether the task has been soft-deleted.
func (t *Task) IsDeleted() bool { return t.DeletedAt != nil }

// ActivityPayload is the self-contained post-state attached to every
// activity event, so late subscribers and catch-up reads never need a
// separate point-in-time lookup keyed by seq.
type ActivityPayload struct {
	Task            Task     `json:"task"`
	ProjectMetadata *Project `json:"project_metadata,omitempty"`
	User            *User    `json:"user,omitempty"`
}

// ActivityEvent is one durable, append-only row of an organization's
// activity log. Seq values are gapless and strictly increasing per
// organization, starting at 1.
type ActivityEvent struct {
	Seq       int64           `json:"seq"`
	EventID   string          `json:"event_id"`
	Org       string          `json:"org"`
	EventType EventType       `json:"event_type"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   ActivityPayload `json:"payload"`
}

// --- WebSocket frames ---

// ServerMessageType enumerates server->client WS frame kinds.
type ServerMessageType string

const (
	ServerMessageActivity ServerMessageType = "activity"
	ServerMessageError    ServerMessageType = "error"
)

// ServerMessage is a server->client WS frame. When Type is "activity" the
// ActivityEvent fields are populated inline (flattened onto the frame);
// when Type is "error" only Message is populated.
type ServerMessage struct {
	Type    ServerMessageType `json:"type"`
	Message string            `json:"message,omitempty"`
	ActivityEvent
}

// NewActivityMessage wraps an ActivityEvent as a server->client frame.
func NewActivityMessage(ev ActivityEvent) ServerMessage {
	return ServerMessage{Type: ServerMessageActivity, ActivityEvent: ev}
}

// NewErrorMessage constructs a server->client error frame.
func NewErrorMessage(message string) ServerMessage {
	return ServerMessage{Type: ServerMessageError, Message: message}
}

// ClientMessageType enumerates client->server WS frame kinds.
type ClientMessageType string

const (
	ClientMessageAck       ClientMessageType = "ack"
	ClientMessageAuthToken ClientMessageType = "auth_token"
)

// ClientMessage is a client->server WS frame.
type ClientMessage struct {
	Type   ClientMessageType `json:"type"`
	Cursor int64             `json:"cursor,omitempty"`
	Token  string            `json:"token,omitempty"`
}

// BulkSnapshot is the response body of GET /v1/tasks/bulk.
type BulkSnapshot struct {
	Tasks          []Task   `json:"tasks"`
	DeletedTaskIDs []string `json:"deleted_task_ids"`
	LatestSeq      *int64   `json:"latest_seq,omitempty"`
}
