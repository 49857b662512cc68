package db

import (
	"time"

	"github.com/google/uuid"
)

// Channel constants - the delivery mediums shared by producer and consumer.
const (
	ChannelInApp  = "in_app"
	ChannelPush   = "push"
	ChannelSMS    = "sms"
	ChannelEmail  = "email"
	ChannelBanner = "banner"
)

// Channels lists every known channel.
var Channels = []string{ChannelInApp, ChannelPush, ChannelSMS, ChannelEmail, ChannelBanner}

// ValidChannel reports whether c is a known channel.
func ValidChannel(c string) bool {
	for _, known := range Channels {
		if c == known {
			return true
		}
	}
	return false
}

// Delivery status constants - the per-record state machine.
const (
	StatusPending   = "pending"
	StatusQueued    = "queued"
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusClicked   = "clicked"
	StatusFailed    = "failed"
	StatusBounced   = "bounced"
	StatusRejected  = "rejected"
	StatusCancelled = "cancelled"
)

// statusRank orders statuses so transitions can be checked for monotonicity.
// Failure variants and cancelled share the top rank; the happy path is
// strictly increasing.
var statusRank = map[string]int{
	StatusPending:   0,
	StatusQueued:    1,
	StatusSending:   2,
	StatusSent:      3,
	StatusDelivered: 4,
	StatusRead:      5,
	StatusClicked:   6,
	StatusFailed:    7,
	StatusBounced:   7,
	StatusRejected:  7,
	StatusCancelled: 7,
}

// StatusRank returns the ordering rank of a status, or -1 for unknown.
func StatusRank(status string) int {
	r, ok := statusRank[status]
	if !ok {
		return -1
	}
	return r
}

// TerminalStatus reports whether no further transition may leave the status.
func TerminalStatus(status string) bool {
	switch status {
	case StatusClicked, StatusFailed, StatusBounced, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// FailureStatus reports whether the status is one of the failure variants.
func FailureStatus(status string) bool {
	switch status {
	case StatusFailed, StatusBounced, StatusRejected:
		return true
	}
	return false
}

// EditableStatus reports whether a record or request in this status may still
// be edited or cancelled. Anything at or past sending is off-limits.
func EditableStatus(status string) bool {
	return status == StatusPending || status == StatusQueued
}

// Priority constants.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Category constants.
const (
	CategoryTransactional = "transactional"
	CategoryMarketing     = "marketing"
	CategorySystem        = "system"
	CategoryReminder      = "reminder"
)

// Notification type constants - the enumerated business events.
const (
	TypeOrderConfirmed  = "order_confirmed"
	TypeOrderShipped    = "order_shipped"
	TypeOrderDelivered  = "order_delivered"
	TypeOrderCancelled  = "order_cancelled"
	TypePaymentReceived = "payment_received"
	TypePaymentFailed   = "payment_failed"
	TypeAccountVerified = "account_verified"
	TypePasswordChanged = "password_changed"
	TypePromoOffer      = "promo_offer"
	TypeSystemAlert     = "system_alert"
)

// NotificationTypes lists every known notification type, in seed order.
var NotificationTypes = []string{
	TypeOrderConfirmed,
	TypeOrderShipped,
	TypeOrderDelivered,
	TypeOrderCancelled,
	TypePaymentReceived,
	TypePaymentFailed,
	TypeAccountVerified,
	TypePasswordChanged,
	TypePromoOffer,
	TypeSystemAlert,
}

// ValidNotificationType reports whether t is a known type.
func ValidNotificationType(t string) bool {
	for _, known := range NotificationTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Navigation target type constants.
const (
	NavCategory = "category"
	NavProduct  = "product"
	NavOrder    = "order"
	NavSection  = "section"
	NavExternal = "external_url"
)

// Recipient role constants.
const (
	RoleUser   = "user"
	RoleVendor = "vendor"
	RoleAdmin  = "admin"
)

// Targeting kinds for a request's recipient specification.
const (
	TargetSingle = "single"
	TargetList   = "list"
	TargetFilter = "filter"
)

// TargetSpec describes who a request is addressed to. Exactly one shape is
// used, selected by Kind. RawTokens carries manual or file-upload input that
// still needs directory resolution.
type TargetSpec struct {
	Kind        string   `json:"kind"`
	RecipientID string   `json:"recipient_id,omitempty"`
	Recipients  []string `json:"recipients,omitempty"`
	RawTokens   []string `json:"raw_tokens,omitempty"`
	Role        string   `json:"role,omitempty"`
	Active      *bool    `json:"active,omitempty"`
	Verified    *bool    `json:"verified,omitempty"`
}

// Navigation is the optional tap-through target carried by a request.
type Navigation struct {
	Type        string `json:"type"`
	TargetID    string `json:"target_id,omitempty"`
	ExternalURL string `json:"external_url,omitempty"`
}

// NotificationRequest is the accepted intent: one request fans out into one
// DeliveryRecord per (recipient, channel).
type NotificationRequest struct {
	ID               uuid.UUID         `json:"id"`
	Type             string            `json:"type"`
	Category         string            `json:"category"`
	Priority         string            `json:"priority"`
	Title            string            `json:"title"`
	Message          string            `json:"message"`
	TitleLocalized   string            `json:"title_localized,omitempty"`
	MessageLocalized string            `json:"message_localized,omitempty"`
	TemplateKey      *string           `json:"template_key,omitempty"`
	Variables        map[string]string `json:"variables,omitempty"`
	Channel          *string           `json:"channel,omitempty"`
	Target           TargetSpec        `json:"target"`
	ScheduledAt      *time.Time        `json:"scheduled_at,omitempty"`
	Navigation       *Navigation       `json:"navigation,omitempty"`
	ActionURL        *string           `json:"action_url,omitempty"`
	Status           string            `json:"status"`
	BatchID          *uuid.UUID        `json:"batch_id,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// DeliveryRecord tracks one notification delivered to one recipient over one
// channel. Created once at enqueue time, mutated only through the tracker,
// never deleted.
type DeliveryRecord struct {
	ID             uuid.UUID  `json:"id"`
	NotificationID uuid.UUID  `json:"notification_id"`
	RecipientID    uuid.UUID  `json:"recipient_id"`
	Channel        string     `json:"channel"`
	Status         string     `json:"status"`
	Title          string     `json:"title"`
	Body           string     `json:"body"`
	BodyLocalized  string     `json:"body_localized,omitempty"`
	Attempt        int        `json:"attempt"`
	ErrorCode      *string    `json:"error_code,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
	ClickedAt      *time.Time `json:"clicked_at,omitempty"`
	ConvertedAt    *time.Time `json:"converted_at,omitempty"`
	FailedAt       *time.Time `json:"failed_at,omitempty"`
	DeviceToken    *string    `json:"device_token,omitempty"`
	Platform       *string    `json:"platform,omitempty"`
	BatchID        uuid.UUID  `json:"batch_id"`
	IsTest         bool       `json:"is_test"`
	Version        int        `json:"version"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Batch groups every delivery record produced from one request. The counts
// are a cache; member records remain the source of truth.
type Batch struct {
	ID             uuid.UUID `json:"id"`
	NotificationID uuid.UUID `json:"notification_id"`
	Total          int       `json:"total"`
	Sent           int       `json:"sent"`
	Failed         int       `json:"failed"`
	Pending        int       `json:"pending"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ChannelConfig maps a notification type to its permitted channels per role.
type ChannelConfig struct {
	ID              uuid.UUID `json:"id"`
	Type            string    `json:"type"`
	AllowedChannels []string  `json:"allowed_channels"`
	DefaultChannel  string    `json:"default_channel"`
	TargetRoles     []string  `json:"target_roles"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TemplateVariable declares one placeholder in a template body.
type TemplateVariable struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Default     string `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
}

// Template is reusable content keyed by a unique key.
type Template struct {
	ID            uuid.UUID          `json:"id"`
	Key           string             `json:"key"`
	Title         string             `json:"title"`
	Body          string             `json:"body"`
	BodyLocalized string             `json:"body_localized,omitempty"`
	Category      string             `json:"category"`
	Variables     []TemplateVariable `json:"variables,omitempty"`
	Active        bool               `json:"active"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}
