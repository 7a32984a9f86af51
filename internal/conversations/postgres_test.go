package conversations

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/loomworks/loom/pkg/models"
)

// newMockStore builds a PostgresStore around a sqlmock connection. The
// prepare expectations mirror prepareStatements order.
func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	for _, pattern := range []string{
		"INSERT INTO users",
		"FROM users WHERE id",
		"INSERT INTO personas",
		"FROM personas WHERE id",
		"FROM personas ORDER BY name",
		"INSERT INTO conversations",
		"FROM conversations WHERE id",
		"UPDATE conversations SET persona_id",
		"INSERT INTO messages",
		"UPDATE conversations SET updated_at",
		"FROM messages WHERE conversation_id",
	} {
		mock.ExpectPrepare(pattern)
	}

	store, err := newPostgresStore(db)
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return store, mock
}

func TestPostgresStore_EnsureUser(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	// The database holds an admin created earlier; the ensure reflects the
	// stored permission back instead of downgrading it.
	mock.ExpectQuery("INSERT INTO users").
		WithArgs("u1", "Ada", models.PermissionUser, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"display_name", "permission", "created_at", "updated_at"}).
			AddRow("Ada", "admin", now.Add(-time.Hour), now))

	user := &models.User{ID: "u1", DisplayName: "Ada"}
	if err := store.EnsureUser(context.Background(), user); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	if user.Permission != models.PermissionAdmin {
		t.Errorf("expected stored permission admin, got %s", user.Permission)
	}
	if !user.CreatedAt.Equal(now.Add(-time.Hour)) {
		t.Errorf("expected stored CreatedAt, got %v", user.CreatedAt)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_GetUser_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM users WHERE id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "display_name", "permission", "created_at", "updated_at"}))

	if _, err := store.GetUser(context.Background(), "missing"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_CreatePersona_AllowedModules(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		want    any
	}{
		// nil survives as SQL NULL ("all modules"); the empty list is
		// stored as an empty JSON array ("none").
		{name: "nil allowlist", allowed: nil, want: nil},
		{name: "empty allowlist", allowed: []string{}, want: []byte("[]")},
		{name: "populated allowlist", allowed: []string{"coder"}, want: []byte(`["coder"]`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMockStore(t)

			mock.ExpectExec("INSERT INTO personas").
				WithArgs(sqlmock.AnyArg(), "coder", "You write code.", tt.want, false, sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(0, 1))

			persona := &models.Persona{Name: "coder", SystemPrompt: "You write code.", AllowedModules: tt.allowed}
			if err := store.CreatePersona(context.Background(), persona); err != nil {
				t.Fatalf("CreatePersona: %v", err)
			}
			if persona.ID == "" {
				t.Error("expected persona ID to be assigned")
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}

func TestPostgresStore_GetPersona(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery("FROM personas WHERE id").
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "system_prompt", "allowed_modules", "show_synthetic", "created_at", "updated_at"}).
			AddRow("p1", "coder", "You write code.", []byte(`["coder","scheduler"]`), true, now, now))

	persona, err := store.GetPersona(context.Background(), "p1")
	if err != nil {
		t.Fatalf("GetPersona: %v", err)
	}
	if !persona.Allows("coder") || !persona.Allows("scheduler") || persona.Allows("weather") {
		t.Errorf("unexpected allowlist: %v", persona.AllowedModules)
	}
	if !persona.ShowSynthetic {
		t.Error("expected ShowSynthetic true")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_EnsureConversation_ReturnsExisting(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	// The upsert hit an existing row: the stored owner and a NULL persona
	// come back, not the caller's values.
	mock.ExpectQuery("INSERT INTO conversations").
		WithArgs(sqlmock.AnyArg(), "u2", "telegram", "c42", "t7", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "platform", "channel", "thread", "persona_id", "created_at", "updated_at"}).
			AddRow("conv-1", "u1", "telegram", "c42", "t7", nil, now, now))

	conv, err := store.EnsureConversation(context.Background(), "u2", models.ConversationRef{Platform: "telegram", Channel: "c42", Thread: "t7"})
	if err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}
	if conv.ID != "conv-1" || conv.UserID != "u1" {
		t.Errorf("expected existing conversation conv-1 owned by u1, got %+v", conv)
	}
	if conv.PersonaID != "" {
		t.Errorf("expected empty persona for NULL column, got %q", conv.PersonaID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_SetConversationPersona(t *testing.T) {
	t.Run("set", func(t *testing.T) {
		store, mock := newMockStore(t)
		now := time.Now()

		mock.ExpectQuery("FROM personas WHERE id").
			WithArgs("p1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "system_prompt", "allowed_modules", "show_synthetic", "created_at", "updated_at"}).
				AddRow("p1", "coder", "", nil, false, now, now))
		mock.ExpectExec("UPDATE conversations SET persona_id").
			WithArgs("p1", sqlmock.AnyArg(), "conv-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		if err := store.SetConversationPersona(context.Background(), "conv-1", "p1"); err != nil {
			t.Fatalf("SetConversationPersona: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})

	t.Run("clear skips persona lookup", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectExec("UPDATE conversations SET persona_id").
			WithArgs(nil, sqlmock.AnyArg(), "conv-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		if err := store.SetConversationPersona(context.Background(), "conv-1", ""); err != nil {
			t.Fatalf("SetConversationPersona: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})

	t.Run("conversation missing", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectExec("UPDATE conversations SET persona_id").
			WithArgs(nil, sqlmock.AnyArg(), "missing").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := store.SetConversationPersona(context.Background(), "missing", "")
		if !errors.Is(err, ErrConversationNotFound) {
			t.Errorf("expected ErrConversationNotFound, got %v", err)
		}
	})
}

func TestPostgresStore_AppendMessage(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO messages").
		WithArgs(sqlmock.AnyArg(), "conv-1", models.MessageToolResult, "", "call-1", "weather.lookup",
			[]byte(`{"temp":12}`), false, nil, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(42)))
	mock.ExpectExec("UPDATE conversations SET updated_at").
		WithArgs(sqlmock.AnyArg(), "conv-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	msg := &models.Message{
		ConversationID: "conv-1",
		Type:           models.MessageToolResult,
		ToolCallID:     "call-1",
		ToolName:       "weather.lookup",
		Payload:        json.RawMessage(`{"temp":12}`),
	}
	if err := store.AppendMessage(context.Background(), msg); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if msg.Seq != 42 {
		t.Errorf("expected seq 42 from database, got %d", msg.Seq)
	}
	if msg.ID == "" || msg.CreatedAt.IsZero() {
		t.Error("expected ID and CreatedAt to be assigned")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_AppendMessage_RejectsUnknownType(t *testing.T) {
	store, mock := newMockStore(t)

	err := store.AppendMessage(context.Background(), &models.Message{ConversationID: "conv-1", Type: "bogus"})
	if err == nil {
		t.Fatal("expected error for unknown message type")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_RecentMessages_ChronologicalOrder(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	// The query returns newest-first; the store reverses into
	// chronological order.
	mock.ExpectQuery("FROM messages WHERE conversation_id").
		WithArgs("conv-1", 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "conversation_id", "seq", "type", "content", "tool_call_id", "tool_name", "payload", "synthetic", "attachments", "created_at"}).
			AddRow("m5", "conv-1", int64(5), "assistant_text", "later", "", "", nil, false, nil, now).
			AddRow("m4", "conv-1", int64(4), "user_text", "earlier", "", "", []byte(`{"k":1}`), true, []byte(`[{"id":"a1","type":"image","url":"https://x/img.png"}]`), now.Add(-time.Minute)))

	messages, err := store.RecentMessages(context.Background(), "conv-1", 2)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[0].Seq != 4 || messages[1].Seq != 5 {
		t.Errorf("expected ascending seq, got %d then %d", messages[0].Seq, messages[1].Seq)
	}
	if string(messages[0].Payload) != `{"k":1}` {
		t.Errorf("unexpected payload: %s", messages[0].Payload)
	}
	if !messages[0].Synthetic {
		t.Error("expected synthetic flag to round-trip")
	}
	if len(messages[0].Attachments) != 1 || messages[0].Attachments[0].Type != "image" {
		t.Errorf("unexpected attachments: %+v", messages[0].Attachments)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_RecentMessages_DefaultLimit(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM messages WHERE conversation_id").
		WithArgs("conv-1", 100).
		WillReturnRows(sqlmock.NewRows([]string{"id", "conversation_id", "seq", "type", "content", "tool_call_id", "tool_name", "payload", "synthetic", "attachments", "created_at"}))

	if _, err := store.RecentMessages(context.Background(), "conv-1", 0); err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_ListConversations_Filters(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery("FROM conversations WHERE user_id").
		WithArgs("u1", "telegram", 10, 5).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "platform", "channel", "thread", "persona_id", "created_at", "updated_at"}).
			AddRow("conv-1", "u1", "telegram", "c42", "", "p1", now, now))

	conversations, err := store.ListConversations(context.Background(), "u1", ListOptions{Platform: "telegram", Limit: 10, Offset: 5})
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(conversations) != 1 || conversations[0].PersonaID != "p1" {
		t.Errorf("unexpected conversations: %+v", conversations)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
