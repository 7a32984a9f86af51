package conversations

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/loomworks/loom/pkg/models"
)

// PostgresConfig holds connection pool settings for the Postgres store.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns sensible connection pool defaults.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB

	stmtEnsureUser         *sql.Stmt
	stmtGetUser            *sql.Stmt
	stmtCreatePersona      *sql.Stmt
	stmtGetPersona         *sql.Stmt
	stmtListPersonas       *sql.Stmt
	stmtEnsureConversation *sql.Stmt
	stmtGetConversation    *sql.Stmt
	stmtSetPersona         *sql.Stmt
	stmtAppendMessage      *sql.Stmt
	stmtTouchConversation  *sql.Stmt
	stmtRecentMessages     *sql.Stmt
}

// NewPostgresStoreFromDSN creates a new Postgres store from a raw DSN/URL.
func NewPostgresStoreFromDSN(dsn string, config *PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	return newPostgresStore(db)
}

func newPostgresStore(db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return store, nil
}

// prepareStatements prepares all SQL statements for reuse.
func (s *PostgresStore) prepareStatements() error {
	var err error

	s.stmtEnsureUser, err = s.db.Prepare(`
		INSERT INTO users (id, display_name, permission, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (id) DO UPDATE SET
			display_name = CASE WHEN EXCLUDED.display_name = '' THEN users.display_name ELSE EXCLUDED.display_name END,
			updated_at = EXCLUDED.updated_at
		RETURNING display_name, permission, created_at, updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare ensure user: %w", err)
	}

	s.stmtGetUser, err = s.db.Prepare(`
		SELECT id, display_name, permission, created_at, updated_at
		FROM users WHERE id = $1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get user: %w", err)
	}

	s.stmtCreatePersona, err = s.db.Prepare(`
		INSERT INTO personas (id, name, system_prompt, allowed_modules, show_synthetic, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare create persona: %w", err)
	}

	s.stmtGetPersona, err = s.db.Prepare(`
		SELECT id, name, system_prompt, allowed_modules, show_synthetic, created_at, updated_at
		FROM personas WHERE id = $1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get persona: %w", err)
	}

	s.stmtListPersonas, err = s.db.Prepare(`
		SELECT id, name, system_prompt, allowed_modules, show_synthetic, created_at, updated_at
		FROM personas ORDER BY name
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare list personas: %w", err)
	}

	s.stmtEnsureConversation, err = s.db.Prepare(`
		INSERT INTO conversations (id, user_id, platform, channel, thread, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (platform, channel, thread) DO UPDATE SET platform = EXCLUDED.platform
		RETURNING id, user_id, platform, channel, thread, persona_id, created_at, updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare ensure conversation: %w", err)
	}

	s.stmtGetConversation, err = s.db.Prepare(`
		SELECT id, user_id, platform, channel, thread, persona_id, created_at, updated_at
		FROM conversations WHERE id = $1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get conversation: %w", err)
	}

	s.stmtSetPersona, err = s.db.Prepare(`
		UPDATE conversations SET persona_id = $1, updated_at = $2 WHERE id = $3
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare set persona: %w", err)
	}

	s.stmtAppendMessage, err = s.db.Prepare(`
		INSERT INTO messages (id, conversation_id, type, content, tool_call_id, tool_name, payload, synthetic, attachments, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING seq
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare append message: %w", err)
	}

	s.stmtTouchConversation, err = s.db.Prepare(`
		UPDATE conversations SET updated_at = $1 WHERE id = $2
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare touch conversation: %w", err)
	}

	s.stmtRecentMessages, err = s.db.Prepare(`
		SELECT id, conversation_id, seq, type, content, tool_call_id, tool_name, payload, synthetic, attachments, created_at
		FROM messages WHERE conversation_id = $1
		ORDER BY seq DESC
		LIMIT $2
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare recent messages: %w", err)
	}

	return nil
}

// Close closes the database connection and prepared statements.
func (s *PostgresStore) Close() error {
	var errs []error

	stmts := []*sql.Stmt{
		s.stmtEnsureUser,
		s.stmtGetUser,
		s.stmtCreatePersona,
		s.stmtGetPersona,
		s.stmtListPersonas,
		s.stmtEnsureConversation,
		s.stmtGetConversation,
		s.stmtSetPersona,
		s.stmtAppendMessage,
		s.stmtTouchConversation,
		s.stmtRecentMessages,
	}
	for _, stmt := range stmts {
		if stmt == nil {
			continue
		}
		if err := stmt.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing store: %v", errs)
	}
	return nil
}

func (s *PostgresStore) EnsureUser(ctx context.Context, user *models.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("user ID is required")
	}
	permission := user.Permission
	if permission == "" {
		permission = models.PermissionUser
	}

	err := s.stmtEnsureUser.QueryRowContext(ctx, user.ID, user.DisplayName, permission, time.Now()).Scan(
		&user.DisplayName,
		&user.Permission,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to ensure user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	user := &models.User{}
	err := s.stmtGetUser.QueryRowContext(ctx, id).Scan(
		&user.ID,
		&user.DisplayName,
		&user.Permission,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) CreatePersona(ctx context.Context, persona *models.Persona) error {
	if persona == nil || persona.Name == "" {
		return fmt.Errorf("persona name is required")
	}
	if persona.ID == "" {
		persona.ID = uuid.NewString()
	}

	// nil means "all modules allowed" and must survive as SQL NULL; an
	// empty list means "none" and is stored as [].
	var allowed []byte
	if persona.AllowedModules != nil {
		var err error
		allowed, err = json.Marshal(persona.AllowedModules)
		if err != nil {
			return fmt.Errorf("failed to marshal allowed modules: %w", err)
		}
	}

	now := time.Now()
	_, err := s.stmtCreatePersona.ExecContext(ctx,
		persona.ID,
		persona.Name,
		persona.SystemPrompt,
		allowed,
		persona.ShowSynthetic,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create persona: %w", err)
	}
	persona.CreatedAt = now
	persona.UpdatedAt = now
	return nil
}

func (s *PostgresStore) GetPersona(ctx context.Context, id string) (*models.Persona, error) {
	persona, err := scanPersona(s.stmtGetPersona.QueryRowContext(ctx, id))
	if err == sql.ErrNoRows {
		return nil, ErrPersonaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get persona: %w", err)
	}
	return persona, nil
}

func (s *PostgresStore) ListPersonas(ctx context.Context) ([]*models.Persona, error) {
	rows, err := s.stmtListPersonas.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list personas: %w", err)
	}
	defer rows.Close()

	var personas []*models.Persona
	for rows.Next() {
		persona, err := scanPersona(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan persona: %w", err)
		}
		personas = append(personas, persona)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating personas: %w", err)
	}
	return personas, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPersona(row rowScanner) (*models.Persona, error) {
	persona := &models.Persona{}
	var allowedJSON []byte

	err := row.Scan(
		&persona.ID,
		&persona.Name,
		&persona.SystemPrompt,
		&allowedJSON,
		&persona.ShowSynthetic,
		&persona.CreatedAt,
		&persona.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(allowedJSON) > 0 && string(allowedJSON) != "null" {
		if err := json.Unmarshal(allowedJSON, &persona.AllowedModules); err != nil {
			return nil, fmt.Errorf("failed to unmarshal allowed modules: %w", err)
		}
	}
	return persona, nil
}

func (s *PostgresStore) EnsureConversation(ctx context.Context, userID string, ref models.ConversationRef) (*models.Conversation, error) {
	if userID == "" {
		return nil, fmt.Errorf("user ID is required")
	}
	if ref.Platform == "" || ref.Channel == "" {
		return nil, fmt.Errorf("platform and channel are required")
	}

	conv, err := scanConversation(s.stmtEnsureConversation.QueryRowContext(ctx,
		uuid.NewString(), userID, ref.Platform, ref.Channel, ref.Thread, time.Now(),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to ensure conversation: %w", err)
	}
	return conv, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	conv, err := scanConversation(s.stmtGetConversation.QueryRowContext(ctx, id))
	if err == sql.ErrNoRows {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, userID string, opts ListOptions) ([]*models.Conversation, error) {
	query := `
		SELECT id, user_id, platform, channel, thread, persona_id, created_at, updated_at
		FROM conversations WHERE user_id = $1`
	args := []any{userID}
	argPos := 2

	if opts.Platform != "" {
		query += fmt.Sprintf(" AND platform = $%d", argPos)
		args = append(args, opts.Platform)
		argPos++
	}
	query += " ORDER BY updated_at DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argPos)
		args = append(args, opts.Limit)
		argPos++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []*models.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conversations = append(conversations, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversations: %w", err)
	}
	return conversations, nil
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	conv := &models.Conversation{}
	var personaID sql.NullString

	err := row.Scan(
		&conv.ID,
		&conv.UserID,
		&conv.Platform,
		&conv.Channel,
		&conv.Thread,
		&personaID,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	conv.PersonaID = personaID.String
	return conv, nil
}

func (s *PostgresStore) SetConversationPersona(ctx context.Context, conversationID, personaID string) error {
	if personaID != "" {
		if _, err := s.GetPersona(ctx, personaID); err != nil {
			return err
		}
	}

	result, err := s.stmtSetPersona.ExecContext(ctx, nullableString(personaID), time.Now(), conversationID)
	if err != nil {
		return fmt.Errorf("failed to set conversation persona: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	if !msg.Type.Valid() {
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	var attachments []byte
	if len(msg.Attachments) > 0 {
		var err error
		attachments, err = json.Marshal(msg.Attachments)
		if err != nil {
			return fmt.Errorf("failed to marshal attachments: %w", err)
		}
	}

	now := time.Now()
	err := s.stmtAppendMessage.QueryRowContext(ctx,
		msg.ID,
		msg.ConversationID,
		msg.Type,
		msg.Content,
		msg.ToolCallID,
		msg.ToolName,
		[]byte(msg.Payload),
		msg.Synthetic,
		attachments,
		now,
	).Scan(&msg.Seq)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	msg.CreatedAt = now

	if _, err := s.stmtTouchConversation.ExecContext(ctx, now, msg.ConversationID); err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.stmtRecentMessages.QueryContext(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		var payload, attachmentsJSON []byte

		err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.Seq,
			&msg.Type,
			&msg.Content,
			&msg.ToolCallID,
			&msg.ToolName,
			&payload,
			&msg.Synthetic,
			&attachmentsJSON,
			&msg.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}

		if len(payload) > 0 && string(payload) != "null" {
			msg.Payload = json.RawMessage(payload)
		}
		if len(attachmentsJSON) > 0 && string(attachmentsJSON) != "null" {
			if err := json.Unmarshal(attachmentsJSON, &msg.Attachments); err != nil {
				return nil, fmt.Errorf("failed to unmarshal attachments: %w", err)
			}
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	// Reverse to get chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func nullableString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
