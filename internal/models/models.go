// Package models defines the core data structures for WaffleCafe.
//
// It includes prompts, waffles (prompt conversations), replies, schedule
// preferences, friend relations, notification payloads and the JSON envelope
// shared by the API.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Category classifies a prompt.
type Category string

const (
	CategoryProud       Category = "Proud"
	CategoryChallenges  Category = "Challenges"
	CategoryFun         Category = "Fun"
	CategorySad         Category = "Sad"
	CategoryGratitude   Category = "Gratitude"
	CategoryDeepThought Category = "DeepThought"
	// CategoryCustom marks prompts written ad hoc by a user.
	CategoryCustom Category = "Custom"
)

// Validation constants for input validation
const (
	// MaxPromptTextLength defines the maximum allowed length for prompt text
	MaxPromptTextLength = 1000
	// MaxReplyTextLength defines the maximum allowed length for a reply
	MaxReplyTextLength = 2000
	// PreviewLength is the number of characters kept when truncating a prompt into a preview
	PreviewLength = 50
)

// Error variables for better error handling and testability
var (
	ErrInvalidCadence    = errors.New("cadence must be between 1 and 7")
	ErrInvalidWindow     = errors.New("window start must be a valid HH:mm time strictly before window end")
	ErrInvalidTransition = errors.New("invalid waffle transition")
	ErrNotFound          = errors.New("not found")
	ErrGatewayFailure    = errors.New("notification gateway failure")
	ErrReplyInFlight     = errors.New("a reply with this idempotency key is still being processed")

	ErrQuotaExceeded   = fmt.Errorf("%w: no more replies remaining", ErrInvalidTransition)
	ErrReplyAfterClose = fmt.Errorf("%w: waffle is closed", ErrInvalidTransition)
	ErrNotParticipant  = fmt.Errorf("%w: user is not part of this waffle", ErrInvalidTransition)

	ErrInvalidCategory = errors.New("invalid prompt category")
	ErrEmptyText       = errors.New("text cannot be empty")
	ErrTextTooLong     = errors.New("text exceeds maximum length")
	ErrEmptyUserID     = errors.New("user id cannot be empty")
	ErrSelfAddressed   = errors.New("sender and recipient must differ")
	ErrFriendLimit     = fmt.Errorf("friend limit of %d reached", MaxAcceptedFriends)
	ErrNotFriends      = errors.New("users are not friends")
)

// IsValidCategory checks if the given category is supported.
func IsValidCategory(c Category) bool {
	switch c {
	case CategoryProud, CategoryChallenges, CategoryFun, CategorySad, CategoryGratitude, CategoryDeepThought, CategoryCustom:
		return true
	default:
		return false
	}
}

// Prompt is an immutable question a sender can order for a friend.
type Prompt struct {
	ID        string    `json:"id" yaml:"id"`
	Category  Category  `json:"category" yaml:"category"`
	Text      string    `json:"text" yaml:"text"`
	Preview   string    `json:"preview" yaml:"preview"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
}

// Validate performs validation on a Prompt structure.
func (p *Prompt) Validate() error {
	if !IsValidCategory(p.Category) {
		return ErrInvalidCategory
	}
	if strings.TrimSpace(p.Text) == "" {
		return ErrEmptyText
	}
	if utf8.RuneCountInString(p.Text) > MaxPromptTextLength {
		return ErrTextTooLong
	}
	return nil
}

// TruncatePreview shortens text into a card preview: the first PreviewLength
// characters, followed by "..." when anything was cut.
func TruncatePreview(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= PreviewLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:PreviewLength]) + "..."
}

// MessageStatus represents the delivery status of a notification.
type MessageStatus string

const (
	// MessageStatusQueued indicates the notification was accepted by the gateway.
	MessageStatusQueued MessageStatus = "queued"
	// MessageStatusSent indicates the notification was handed to a transport.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusFailed indicates the notification could not be delivered.
	MessageStatusFailed MessageStatus = "failed"
	// MessageStatusCancelled indicates an armed notification was disarmed.
	MessageStatusCancelled MessageStatus = "cancelled"
)

// Receipt records the outcome of a notification for monitoring.
type Receipt struct {
	To       string           `json:"to"`
	Type     NotificationType `json:"type,omitempty"`
	WaffleID string           `json:"waffle_id,omitempty"`
	Status   MessageStatus    `json:"status"`
	Error    string           `json:"error,omitempty"`
	Time     int64            `json:"time"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusScheduled indicates an API request resulted in scheduled content.
	APIStatusScheduled APIStatus = "scheduled"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithResult(result).Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithMessage(message).WithResult(result).Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusError).WithMessage(message).Build()
}

// ScheduledWithMessage creates a scheduled API response carrying the scheduled entity.
func ScheduledWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusScheduled).WithMessage(message).WithResult(result).Build()
}
