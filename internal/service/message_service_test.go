package service_test

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portalchat/internal/domain"
	"portalchat/internal/security"
	"portalchat/internal/service"
	"portalchat/internal/store/sqlite"
)

type fixture struct {
	db    *sql.DB
	users domain.UserRepository
	msgs  *service.MessageService
	convs *service.ConversationService
	alpha *domain.User
	beta  *domain.User
	gamma *domain.User
}

func newFixture(t *testing.T, encryptor *security.Encryptor) *fixture {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, sqlite.Migrate(db))
	t.Cleanup(func() { db.Close() })

	users := sqlite.NewUserRepo(db)
	convRepo := sqlite.NewConversationRepo(db)
	partRepo := sqlite.NewParticipantRepo(db)
	msgRepo := sqlite.NewMessageRepo(db)

	f := &fixture{
		db:    db,
		users: users,
		msgs:  service.NewMessageService(convRepo, partRepo, msgRepo, encryptor, 50),
		convs: service.NewConversationService(convRepo, partRepo, users),
	}
	ctx := context.Background()
	f.alpha = &domain.User{OfficeID: 11, Name: "alpha", Email: "alpha@office.example", PasswordHash: "x"}
	f.beta = &domain.User{OfficeID: 22, Name: "beta", Email: "beta@office.example", PasswordHash: "x"}
	f.gamma = &domain.User{OfficeID: 33, Name: "gamma", Email: "gamma@office.example", PasswordHash: "x"}
	require.NoError(t, users.Create(ctx, f.alpha))
	require.NoError(t, users.Create(ctx, f.beta))
	require.NoError(t, users.Create(ctx, f.gamma))
	return f
}

func (f *fixture) direct(t *testing.T) *domain.Conversation {
	t.Helper()
	conv, err := f.convs.CreateDirect(context.Background(), f.alpha.ID, f.beta.OfficeID)
	require.NoError(t, err)
	return conv
}

func TestCreateMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		f := newFixture(t, nil)
		conv := f.direct(t)

		msg, err := f.msgs.CreateMessage(ctx, service.MessageCreateInput{
			ConversationID: conv.ID,
			Content:        "hello",
		}, f.alpha)
		require.NoError(t, err)
		assert.NotZero(t, msg.ID)
		assert.Equal(t, "hello", msg.Content)
		assert.Equal(t, f.alpha.ID, msg.Sender.ID)
	})

	t.Run("EmptyContent", func(t *testing.T) {
		f := newFixture(t, nil)
		conv := f.direct(t)

		_, err := f.msgs.CreateMessage(ctx, service.MessageCreateInput{ConversationID: conv.ID}, f.alpha)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("VoiceNoteOnlyIsAllowed", func(t *testing.T) {
		f := newFixture(t, nil)
		conv := f.direct(t)

		msg, err := f.msgs.CreateMessage(ctx, service.MessageCreateInput{
			ConversationID: conv.ID,
			VoiceNote:      "/api/uploads/voice/a.ogg",
		}, f.alpha)
		require.NoError(t, err)
		assert.Empty(t, msg.Content)
		assert.NotEmpty(t, msg.VoiceNote)
	})

	t.Run("ContentTooLong", func(t *testing.T) {
		f := newFixture(t, nil)
		conv := f.direct(t)

		_, err := f.msgs.CreateMessage(ctx, service.MessageCreateInput{
			ConversationID: conv.ID,
			Content:        strings.Repeat("x", 5001),
		}, f.alpha)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("NonParticipantRejected", func(t *testing.T) {
		f := newFixture(t, nil)
		conv := f.direct(t)

		_, err := f.msgs.CreateMessage(ctx, service.MessageCreateInput{
			ConversationID: conv.ID,
			Content:        "intruding",
		}, f.gamma)
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})
}

func TestEditMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	conv := f.direct(t)

	msg, err := f.msgs.CreateMessage(ctx, service.MessageCreateInput{
		ConversationID: conv.ID,
		Content:        "orignal",
	}, f.alpha)
	require.NoError(t, err)

	t.Run("AuthorCanEdit", func(t *testing.T) {
		edited, err := f.msgs.EditMessage(ctx, f.alpha.ID, msg.ID, "original")
		require.NoError(t, err)
		assert.Equal(t, "original", edited.Content)
		assert.True(t, edited.IsEdited)
		require.NotNil(t, edited.EditedAt)
	})

	t.Run("OthersCannot", func(t *testing.T) {
		_, err := f.msgs.EditMessage(ctx, f.beta.ID, msg.ID, "hijacked")
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})

	t.Run("DeletedCannotBeEdited", func(t *testing.T) {
		_, err := f.msgs.DeleteForEveryone(ctx, f.alpha.ID, msg.ID)
		require.NoError(t, err)

		_, err = f.msgs.EditMessage(ctx, f.alpha.ID, msg.ID, "resurrected")
		assert.ErrorIs(t, err, domain.ErrConflict)
	})
}

func TestDeleteForEveryone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	conv := f.direct(t)

	msg, err := f.msgs.CreateMessage(ctx, service.MessageCreateInput{
		ConversationID: conv.ID,
		Content:        "regretted",
	}, f.alpha)
	require.NoError(t, err)

	t.Run("OnlyAuthor", func(t *testing.T) {
		_, err := f.msgs.DeleteForEveryone(ctx, f.beta.ID, msg.ID)
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})

	t.Run("TombstoneForAll", func(t *testing.T) {
		deleted, err := f.msgs.DeleteForEveryone(ctx, f.alpha.ID, msg.ID)
		require.NoError(t, err)
		assert.True(t, deleted.IsDeleted)
		assert.Empty(t, deleted.Content)

		history, err := f.msgs.ListMessages(ctx, conv.ID, f.beta.ID)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.True(t, history[0].IsDeleted)
		assert.Empty(t, history[0].Content)
	})
}

func TestHideForUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	conv := f.direct(t)

	msg, err := f.msgs.CreateMessage(ctx, service.MessageCreateInput{
		ConversationID: conv.ID,
		Content:        "awkward",
	}, f.beta)
	require.NoError(t, err)

	require.NoError(t, f.msgs.HideForUser(ctx, f.alpha.ID, msg.ID))

	mine, err := f.msgs.ListMessages(ctx, conv.ID, f.alpha.ID)
	require.NoError(t, err)
	assert.Empty(t, mine)

	theirs, err := f.msgs.ListMessages(ctx, conv.ID, f.beta.ID)
	require.NoError(t, err)
	require.Len(t, theirs, 1)
	assert.Equal(t, "awkward", theirs[0].Content)
}

func TestReadImpliesDelivered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	conv := f.direct(t)

	msg, err := f.msgs.CreateMessage(ctx, service.MessageCreateInput{
		ConversationID: conv.ID,
		Content:        "check my ticks",
	}, f.alpha)
	require.NoError(t, err)

	require.NoError(t, f.msgs.MarkRead(ctx, conv.ID, f.beta.ID, msg.ID))

	history, err := f.msgs.ListMessages(ctx, conv.ID, f.alpha.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].ReadBy.Has(f.beta.ID))
	assert.True(t, history[0].DeliveredBy.Has(f.beta.ID))
}

func TestMarkDelivered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	conv := f.direct(t)

	latest, err := f.msgs.MarkDelivered(ctx, conv.ID, f.beta.ID)
	require.NoError(t, err)
	assert.Zero(t, latest, "nothing to deliver in an empty conversation")

	msg, err := f.msgs.CreateMessage(ctx, service.MessageCreateInput{
		ConversationID: conv.ID,
		Content:        "first",
	}, f.alpha)
	require.NoError(t, err)

	latest, err = f.msgs.MarkDelivered(ctx, conv.ID, f.beta.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, latest)
}

func TestEncryptionAtRest(t *testing.T) {
	ctx := context.Background()
	encryptor, err := security.NewEncryptor([]byte("storage-secret"))
	require.NoError(t, err)
	f := newFixture(t, encryptor)
	conv := f.direct(t)

	msg, err := f.msgs.CreateMessage(ctx, service.MessageCreateInput{
		ConversationID: conv.ID,
		Content:        "confidential terms",
	}, f.alpha)
	require.NoError(t, err)
	assert.Equal(t, "confidential terms", msg.Content, "callers see plaintext")

	var stored string
	require.NoError(t, f.db.QueryRow(`SELECT content FROM messages WHERE id = ?`, msg.ID).Scan(&stored))
	assert.NotEqual(t, "confidential terms", stored)

	history, err := f.msgs.ListMessages(ctx, conv.ID, f.beta.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "confidential terms", history[0].Content)
}
