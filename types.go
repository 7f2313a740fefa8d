package desklink

import "encoding/json"

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a remote API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic response envelope returned by the DeskLink API.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Channels
// ============================================================================

// ChannelScope classifies what organizational unit a channel maps to.
type ChannelScope string

const (
	ScopeGeneral    ChannelScope = "general"
	ScopeDepartment ChannelScope = "department"
	ScopeRole       ChannelScope = "role"
	ScopeYear       ChannelScope = "year"
	ScopeCouncil    ChannelScope = "council"
	ScopeDocument   ChannelScope = "document"
	ScopePrivate    ChannelScope = "private"
)

// NotifyLevel controls how loudly a channel notifies its members.
type NotifyLevel string

const (
	NotifyAll      NotifyLevel = "all"
	NotifyMentions NotifyLevel = "mentions"
	NotifyMuted    NotifyLevel = "muted"
)

// ChannelSettings holds per-channel permissions and moderation flags.
type ChannelSettings struct {
	AllowUploads    bool        `json:"allowUploads"`
	AllowPolls      bool        `json:"allowPolls"`
	AllowSignatures bool        `json:"allowSignatures"`
	Moderated       bool        `json:"moderated"`
	Notify          NotifyLevel `json:"notify,omitempty"`
}

// Channel is a named message stream with a membership and a scope classifier.
// The (Scope, ScopeKey) pair is unique: provisioning the same pair twice
// must return the existing channel.
type Channel struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Scope     ChannelScope    `json:"scope"`
	ScopeKey  string          `json:"scopeKey"`
	Members   []string        `json:"members,omitempty"`
	Admins    []string        `json:"admins,omitempty"`
	Settings  ChannelSettings `json:"settings"`
	CreatedAt string          `json:"createdAt"`
	UpdatedAt string          `json:"updatedAt,omitempty"`
}

// HasMember reports whether userID belongs to the channel.
func (c *Channel) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// ============================================================================
// Messages
// ============================================================================

// MessageKind discriminates message payloads.
type MessageKind string

const (
	KindText            MessageKind = "text"
	KindSystem          MessageKind = "system"
	KindStatusUpdate    MessageKind = "status-update"
	KindDocumentShare   MessageKind = "document-share"
	KindApprovalRequest MessageKind = "approval-request"
)

// DeliveryStatus tracks a message's progress from local queue to read.
type DeliveryStatus string

const (
	StatusQueued    DeliveryStatus = "queued"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
)

// Attachment describes a file referenced by a message.
type Attachment struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Reaction is an emoji reaction left by a user.
type Reaction struct {
	UserID string `json:"userId"`
	Emoji  string `json:"emoji"`
}

// Message is a single channel message. Seq is the client-assigned per-channel
// sequence; once persisted, messages are never reordered relative to it, even
// when an offline-queued message is delivered much later.
type Message struct {
	ID          string         `json:"id"`
	ChannelID   string         `json:"channelId"`
	SenderID    string         `json:"senderId"`
	Content     string         `json:"content"`
	Kind        MessageKind    `json:"kind"`
	Seq         uint64         `json:"seq"`
	Status      DeliveryStatus `json:"status"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Reactions   []Reaction     `json:"reactions,omitempty"`
	ReadBy      []string       `json:"readBy,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   string         `json:"createdAt"`
	DeliveredAt string         `json:"deliveredAt,omitempty"`
	UpdatedAt   string         `json:"updatedAt,omitempty"`
}

// ============================================================================
// Pending Actions
// ============================================================================

// ActionKind names a mutation recorded for offline replay.
type ActionKind string

const (
	ActionSendMessage     ActionKind = "send-message"
	ActionEditMessage     ActionKind = "edit-message"
	ActionDeleteMessage   ActionKind = "delete-message"
	ActionJoinChannel     ActionKind = "join-channel"
	ActionCreateChannel   ActionKind = "create-channel"
	ActionVotePoll        ActionKind = "vote-poll"
	ActionCreatePoll      ActionKind = "create-poll"
	ActionCreateSignature ActionKind = "create-signature"
	ActionMarkRead        ActionKind = "mark-read"
)

// PendingAction is a durable record of a mutation attempted while offline.
// Seq is its position in the append-ordered action log; replay drains the
// log strictly in Seq order. Method/Path/Body capture the remote call so
// replay is a plain re-issue of the original request.
type PendingAction struct {
	ID        string          `json:"id"`
	Kind      ActionKind      `json:"kind"`
	Seq       uint64          `json:"seq"`
	Method    string          `json:"method"`
	Path      string          `json:"path"`
	Body      json.RawMessage `json:"body,omitempty"`
	ChannelID string          `json:"channelId,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	Retries   int             `json:"retries"`
	CreatedAt string          `json:"createdAt"`
}

// ============================================================================
// Sync Checkpoint
// ============================================================================

// SyncStatus is the coarse state of the per-identity sync checkpoint.
type SyncStatus string

const (
	SyncPending  SyncStatus = "pending"
	SyncSyncing  SyncStatus = "syncing"
	SyncSynced   SyncStatus = "synced"
	SyncConflict SyncStatus = "conflict"
)

// SyncCheckpoint records last-synchronized time and outstanding work for one
// authenticated identity.
type SyncCheckpoint struct {
	UserID       string     `json:"userId"`
	LastSyncedAt string     `json:"lastSyncedAt,omitempty"`
	PendingCount int        `json:"pendingCount"`
	Status       SyncStatus `json:"status"`
}

// ============================================================================
// Signature Requests and Polls
// ============================================================================

// SignatureStatus is the lifecycle state of a signature request.
type SignatureStatus string

const (
	SignaturePending SignatureStatus = "pending"
	SignatureSigned  SignatureStatus = "signed"
	SignatureExpired SignatureStatus = "expired"
)

// SignatureRequest asks named signers to sign a document linked to a channel.
type SignatureRequest struct {
	ID          string          `json:"id"`
	ChannelID   string          `json:"channelId"`
	DocumentID  string          `json:"documentId,omitempty"`
	Title       string          `json:"title"`
	RequestedBy string          `json:"requestedBy"`
	Signers     []string        `json:"signers"`
	SignedBy    []string        `json:"signedBy,omitempty"`
	Status      SignatureStatus `json:"status"`
	CreatedAt   string          `json:"createdAt"`
	ExpiresAt   string          `json:"expiresAt,omitempty"`
}

// PollStatus is the lifecycle state of a poll.
type PollStatus string

const (
	PollActive PollStatus = "active"
	PollClosed PollStatus = "closed"
)

// PollOption is one choice in a poll with its accumulated votes.
type PollOption struct {
	ID    string   `json:"id"`
	Label string   `json:"label"`
	Votes []string `json:"votes,omitempty"`
}

// Poll is a channel-attached vote.
type Poll struct {
	ID        string       `json:"id"`
	ChannelID string       `json:"channelId"`
	Question  string       `json:"question"`
	Options   []PollOption `json:"options"`
	CreatedBy string       `json:"createdBy"`
	Status    PollStatus   `json:"status"`
	CreatedAt string       `json:"createdAt"`
	ClosedAt  string       `json:"closedAt,omitempty"`
}

// ============================================================================
// Users and topology input
// ============================================================================

// UserDescriptor carries the organizational attributes that drive channel
// topology derivation.
type UserDescriptor struct {
	UserID       string   `json:"userId"`
	DisplayName  string   `json:"displayName,omitempty"`
	Role         string   `json:"role"`
	Department   string   `json:"department,omitempty"`
	Program      string   `json:"program,omitempty"`
	Year         int      `json:"year,omitempty"`
	SpecialRoles []string `json:"specialRoles,omitempty"`
}

// ============================================================================
// Transport frames
// ============================================================================

// Frame is the wire format carried over the duplex transport connection.
type Frame struct {
	Type      string          `json:"type"`
	ChannelID string          `json:"channelId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Recognized inbound frame types. Anything else is forwarded as a
// passthrough event rather than dropped.
const (
	FrameMessageSent       = "message-sent"
	FrameUserTyping        = "user-typing"
	FrameUserStatusChanged = "user-status-changed"
	FrameNotificationSent  = "notification-sent"
)

// TypingPayload is the data of a user-typing frame.
type TypingPayload struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
	IsTyping  bool   `json:"isTyping"`
}

// StatusChangedPayload is the data of a user-status-changed frame.
type StatusChangedPayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// NotificationPayload is the data of a notification-sent frame.
type NotificationPayload struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Body      string         `json:"body,omitempty"`
	ChannelID string         `json:"channelId,omitempty"`
	Tags      map[string]any `json:"tags,omitempty"`
	CreatedAt string         `json:"createdAt,omitempty"`
}
