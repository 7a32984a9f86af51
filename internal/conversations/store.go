// Package conversations persists users, personas, conversations and their
// message transcripts. Two implementations are provided: MemoryStore for
// tests and local runs, and PostgresStore for production.
package conversations

import (
	"context"
	"errors"

	"github.com/loomworks/loom/pkg/models"
)

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrPersonaNotFound      = errors.New("persona not found")
	ErrConversationNotFound = errors.New("conversation not found")
)

// Store is the interface for conversation persistence.
//
// Mutating calls reflect store-assigned fields (IDs, sequence numbers,
// timestamps) back onto the caller's value.
type Store interface {
	// Users. EnsureUser creates the user on first sight and refreshes the
	// display name afterwards; it never changes an existing user's
	// permission. The stored permission is reflected back to the caller.
	EnsureUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)

	// Personas.
	CreatePersona(ctx context.Context, persona *models.Persona) error
	GetPersona(ctx context.Context, id string) (*models.Persona, error)
	ListPersonas(ctx context.Context) ([]*models.Persona, error)

	// Conversations. EnsureConversation resolves platform coordinates to a
	// conversation, creating it owned by userID on first sight. An existing
	// conversation is returned as stored; ownership is established by the
	// first caller. The user must already exist.
	EnsureConversation(ctx context.Context, userID string, ref models.ConversationRef) (*models.Conversation, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListConversations(ctx context.Context, userID string, opts ListOptions) ([]*models.Conversation, error)
	// SetConversationPersona attaches the persona to the conversation. An
	// empty personaID detaches the current one.
	SetConversationPersona(ctx context.Context, conversationID, personaID string) error

	// Messages. AppendMessage assigns ID, Seq and CreatedAt; Seq is strictly
	// monotonic within the conversation. RecentMessages returns the last
	// limit messages in chronological order.
	AppendMessage(ctx context.Context, msg *models.Message) error
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error)

	Close() error
}

// ListOptions configures conversation listing.
type ListOptions struct {
	Platform string
	Limit    int
	Offset   int
}
