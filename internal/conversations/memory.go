package conversations

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/models"
)

// maxMessagesPerConversation limits messages kept per conversation to prevent
// unbounded memory growth. Older messages are trimmed; sequence numbers keep
// counting so ordering survives the trim.
const maxMessagesPerConversation = 1000

// MemoryStore provides an in-memory Store implementation for testing and
// local runs.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]*models.User
	personas      map[string]*models.Persona
	conversations map[string]*models.Conversation
	byRef         map[string]string
	messages      map[string][]*models.Message
	seq           map[string]int64
}

// NewMemoryStore creates a new in-memory conversation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         map[string]*models.User{},
		personas:      map[string]*models.Persona{},
		conversations: map[string]*models.Conversation{},
		byRef:         map[string]string{},
		messages:      map[string][]*models.Message{},
		seq:           map[string]int64{},
	}
}

func (m *MemoryStore) EnsureUser(ctx context.Context, user *models.User) error {
	if user == nil || user.ID == "" {
		return errors.New("user ID is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	existing, ok := m.users[user.ID]
	if !ok {
		clone := cloneUser(user)
		if clone.Permission == "" {
			clone.Permission = models.PermissionUser
		}
		clone.CreatedAt = now
		clone.UpdatedAt = now
		m.users[clone.ID] = clone
		existing = clone
	} else {
		if user.DisplayName != "" {
			existing.DisplayName = user.DisplayName
		}
		existing.UpdatedAt = now
	}

	user.DisplayName = existing.DisplayName
	user.Permission = existing.Permission
	user.CreatedAt = existing.CreatedAt
	user.UpdatedAt = existing.UpdatedAt
	return nil
}

func (m *MemoryStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return cloneUser(user), nil
}

func (m *MemoryStore) CreatePersona(ctx context.Context, persona *models.Persona) error {
	if persona == nil || persona.Name == "" {
		return errors.New("persona name is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := clonePersona(persona)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	now := time.Now()
	clone.CreatedAt = now
	clone.UpdatedAt = now
	m.personas[clone.ID] = clone

	persona.ID = clone.ID
	persona.CreatedAt = clone.CreatedAt
	persona.UpdatedAt = clone.UpdatedAt
	return nil
}

func (m *MemoryStore) GetPersona(ctx context.Context, id string) (*models.Persona, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	persona, ok := m.personas[id]
	if !ok {
		return nil, ErrPersonaNotFound
	}
	return clonePersona(persona), nil
}

func (m *MemoryStore) ListPersonas(ctx context.Context) ([]*models.Persona, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Persona, 0, len(m.personas))
	for _, persona := range m.personas {
		out = append(out, clonePersona(persona))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) EnsureConversation(ctx context.Context, userID string, ref models.ConversationRef) (*models.Conversation, error) {
	if userID == "" {
		return nil, errors.New("user ID is required")
	}
	if ref.Platform == "" || ref.Channel == "" {
		return nil, errors.New("platform and channel are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byRef[ref.Key()]; ok {
		if conv, ok := m.conversations[id]; ok {
			return cloneConversation(conv), nil
		}
	}

	now := time.Now()
	conv := &models.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Platform:  ref.Platform,
		Channel:   ref.Channel,
		Thread:    ref.Thread,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.conversations[conv.ID] = conv
	m.byRef[ref.Key()] = conv.ID
	return cloneConversation(conv), nil
}

func (m *MemoryStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return cloneConversation(conv), nil
}

func (m *MemoryStore) ListConversations(ctx context.Context, userID string, opts ListOptions) ([]*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Conversation
	for _, conv := range m.conversations {
		if conv.UserID != userID {
			continue
		}
		if opts.Platform != "" && conv.Platform != opts.Platform {
			continue
		}
		out = append(out, cloneConversation(conv))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })

	start := opts.Offset
	if start < 0 {
		start = 0
	}
	if start > len(out) {
		return []*models.Conversation{}, nil
	}
	end := len(out)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return out[start:end], nil
}

func (m *MemoryStore) SetConversationPersona(ctx context.Context, conversationID, personaID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return ErrConversationNotFound
	}
	if personaID != "" {
		if _, ok := m.personas[personaID]; !ok {
			return ErrPersonaNotFound
		}
	}
	conv.PersonaID = personaID
	conv.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	if !msg.Type.Valid() {
		return errors.New("unknown message type: " + string(msg.Type))
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[msg.ConversationID]
	if !ok {
		return ErrConversationNotFound
	}

	clone := cloneMessage(msg)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	m.seq[msg.ConversationID]++
	clone.Seq = m.seq[msg.ConversationID]
	clone.CreatedAt = time.Now()
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], clone)
	conv.UpdatedAt = clone.CreatedAt

	// Trim old messages if the limit is exceeded.
	if len(m.messages[msg.ConversationID]) > maxMessagesPerConversation {
		excess := len(m.messages[msg.ConversationID]) - maxMessagesPerConversation
		m.messages[msg.ConversationID] = m.messages[msg.ConversationID][excess:]
	}

	msg.ID = clone.ID
	msg.Seq = clone.Seq
	msg.CreatedAt = clone.CreatedAt
	return nil
}

func (m *MemoryStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	messages := m.messages[conversationID]
	if len(messages) == 0 {
		return []*models.Message{}, nil
	}
	start := 0
	if len(messages) > limit {
		start = len(messages) - limit
	}
	out := make([]*models.Message, 0, len(messages)-start)
	for _, msg := range messages[start:] {
		out = append(out, cloneMessage(msg))
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func cloneUser(u *models.User) *models.User {
	clone := *u
	return &clone
}

func clonePersona(p *models.Persona) *models.Persona {
	clone := *p
	if p.AllowedModules != nil {
		clone.AllowedModules = make([]string, len(p.AllowedModules))
		copy(clone.AllowedModules, p.AllowedModules)
	}
	return &clone
}

func cloneConversation(c *models.Conversation) *models.Conversation {
	clone := *c
	return &clone
}

func cloneMessage(msg *models.Message) *models.Message {
	clone := *msg
	if msg.Payload != nil {
		clone.Payload = make([]byte, len(msg.Payload))
		copy(clone.Payload, msg.Payload)
	}
	if msg.Attachments != nil {
		clone.Attachments = make([]models.Attachment, len(msg.Attachments))
		copy(clone.Attachments, msg.Attachments)
	}
	return &clone
}
