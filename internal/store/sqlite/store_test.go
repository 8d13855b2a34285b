package sqlite_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portalchat/internal/domain"
	"portalchat/internal/store/sqlite"
)

// openTestDB opens an in-memory database pinned to a single connection so
// every query sees the same schema.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, sqlite.Migrate(db))
	t.Cleanup(func() { db.Close() })
	return db
}

func seedUser(t *testing.T, db *sql.DB, officeID int64, name string) *domain.User {
	t.Helper()
	u := &domain.User{
		OfficeID:     officeID,
		Name:         name,
		Email:        name + "@office.example",
		PasswordHash: "x",
	}
	require.NoError(t, sqlite.NewUserRepo(db).Create(context.Background(), u))
	return u
}

func seedDirect(t *testing.T, db *sql.DB, a, b int64) *domain.Conversation {
	t.Helper()
	c := &domain.Conversation{Kind: domain.KindDirect}
	require.NoError(t, sqlite.NewConversationRepo(db).Create(context.Background(), c, []int64{a, b}))
	return c
}

func seedMessage(t *testing.T, db *sql.DB, convID int64, sender *domain.User, content string) *domain.Message {
	t.Helper()
	m := &domain.Message{
		ConversationID: convID,
		Sender:         sender.Participant(),
		Content:        content,
	}
	require.NoError(t, sqlite.NewMessageRepo(db).Create(context.Background(), m))
	return m
}

func TestUserRepo(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	repo := sqlite.NewUserRepo(db)

	alpha := seedUser(t, db, 11, "alpha")

	t.Run("GetByEmail", func(t *testing.T) {
		got, err := repo.GetByEmail(ctx, "alpha@office.example")
		require.NoError(t, err)
		assert.Equal(t, alpha.ID, got.ID)
		assert.Equal(t, int64(11), got.OfficeID)
	})

	t.Run("GetByOfficeID", func(t *testing.T) {
		got, err := repo.GetByOfficeID(ctx, 11)
		require.NoError(t, err)
		assert.Equal(t, alpha.ID, got.ID)
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := repo.GetByEmail(ctx, "missing@office.example")
		assert.ErrorIs(t, err, domain.ErrNotFound)

		_, err = repo.GetByID(ctx, 999)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestWatermarkIsMonotone(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	alpha := seedUser(t, db, 11, "alpha")
	beta := seedUser(t, db, 22, "beta")
	conv := seedDirect(t, db, alpha.ID, beta.ID)
	repo := sqlite.NewMessageRepo(db)

	for i := 0; i < 3; i++ {
		seedMessage(t, db, conv.ID, alpha, "msg")
	}

	require.NoError(t, repo.SetReadWatermark(ctx, conv.ID, beta.ID, 3))
	// A stale replay must not move the watermark backwards.
	require.NoError(t, repo.SetReadWatermark(ctx, conv.ID, beta.ID, 1))

	msgs, err := repo.ListVisible(ctx, conv.ID, alpha.ID, 50)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for _, m := range msgs {
		assert.True(t, m.ReadBy.Has(beta.ID), "message %d should stay read", m.ID)
	}
}

func TestReceiptsSkipSender(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	alpha := seedUser(t, db, 11, "alpha")
	beta := seedUser(t, db, 22, "beta")
	conv := seedDirect(t, db, alpha.ID, beta.ID)
	repo := sqlite.NewMessageRepo(db)

	seedMessage(t, db, conv.ID, alpha, "from alpha")
	seedMessage(t, db, conv.ID, beta, "from beta")

	require.NoError(t, repo.SetDeliveredWatermark(ctx, conv.ID, beta.ID, 2))

	msgs, err := repo.ListVisible(ctx, conv.ID, alpha.ID, 50)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].DeliveredBy.Has(beta.ID))
	assert.False(t, msgs[1].DeliveredBy.Has(beta.ID), "a sender never holds a receipt on their own message")
}

func TestHideExcludesOnlyForHidingUser(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	alpha := seedUser(t, db, 11, "alpha")
	beta := seedUser(t, db, 22, "beta")
	conv := seedDirect(t, db, alpha.ID, beta.ID)
	repo := sqlite.NewMessageRepo(db)

	seedMessage(t, db, conv.ID, beta, "visible")
	hidden := seedMessage(t, db, conv.ID, beta, "hidden for alpha")

	require.NoError(t, repo.Hide(ctx, hidden.ID, alpha.ID))
	require.NoError(t, repo.Hide(ctx, hidden.ID, alpha.ID), "hide is idempotent")

	forAlpha, err := repo.ListVisible(ctx, conv.ID, alpha.ID, 50)
	require.NoError(t, err)
	require.Len(t, forAlpha, 1)
	assert.Equal(t, "visible", forAlpha[0].Content)

	forBeta, err := repo.ListVisible(ctx, conv.ID, beta.ID, 50)
	require.NoError(t, err)
	assert.Len(t, forBeta, 2)
}

func TestSoftDeleteKeepsTombstone(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	alpha := seedUser(t, db, 11, "alpha")
	beta := seedUser(t, db, 22, "beta")
	conv := seedDirect(t, db, alpha.ID, beta.ID)
	repo := sqlite.NewMessageRepo(db)

	first := seedMessage(t, db, conv.ID, alpha, "first")
	seedMessage(t, db, conv.ID, alpha, "second")

	require.NoError(t, repo.SoftDelete(ctx, first.ID))

	msgs, err := repo.ListVisible(ctx, conv.ID, beta.ID, 50)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].IsDeleted)
	assert.Empty(t, msgs[0].Content)
	assert.Equal(t, first.ID, msgs[0].ID, "tombstone keeps its position")

	t.Run("EditAfterDeleteFails", func(t *testing.T) {
		err := repo.UpdateContent(ctx, first.ID, "resurrected", time.Now().UTC())
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestListVisibleHonorsLimit(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	alpha := seedUser(t, db, 11, "alpha")
	beta := seedUser(t, db, 22, "beta")
	conv := seedDirect(t, db, alpha.ID, beta.ID)
	repo := sqlite.NewMessageRepo(db)

	for i := 0; i < 5; i++ {
		seedMessage(t, db, conv.ID, alpha, "msg")
	}

	msgs, err := repo.ListVisible(ctx, conv.ID, beta.ID, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	// The newest window, returned oldest-first.
	assert.Equal(t, []int64{3, 4, 5}, []int64{msgs[0].ID, msgs[1].ID, msgs[2].ID})
}

func TestLatestID(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	alpha := seedUser(t, db, 11, "alpha")
	beta := seedUser(t, db, 22, "beta")
	conv := seedDirect(t, db, alpha.ID, beta.ID)
	repo := sqlite.NewMessageRepo(db)

	latest, err := repo.LatestID(ctx, conv.ID)
	require.NoError(t, err)
	assert.Zero(t, latest, "empty conversation has no watermark target")

	seedMessage(t, db, conv.ID, alpha, "one")
	m := seedMessage(t, db, conv.ID, alpha, "two")

	latest, err = repo.LatestID(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, latest)
}

func TestConversationRepo(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	alpha := seedUser(t, db, 11, "alpha")
	beta := seedUser(t, db, 22, "beta")
	gamma := seedUser(t, db, 33, "gamma")
	repo := sqlite.NewConversationRepo(db)

	t.Run("GroupRoundTrip", func(t *testing.T) {
		g := &domain.Conversation{Kind: domain.KindGroup, Name: "ops", AdminID: alpha.ID}
		require.NoError(t, repo.Create(ctx, g, []int64{alpha.ID, beta.ID}))

		got, err := repo.GetByID(ctx, g.ID, alpha.ID)
		require.NoError(t, err)
		assert.Equal(t, "ops", got.Name)
		assert.Equal(t, alpha.ID, got.AdminID)
		assert.Len(t, got.Participants, 2)
	})

	t.Run("FindDirect", func(t *testing.T) {
		c := seedDirect(t, db, alpha.ID, beta.ID)

		found, err := repo.FindDirect(ctx, beta.ID, alpha.ID)
		require.NoError(t, err)
		assert.Equal(t, c.ID, found.ID)

		_, err = repo.FindDirect(ctx, alpha.ID, gamma.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("RemoveMemberVacatesAdmin", func(t *testing.T) {
		g := &domain.Conversation{Kind: domain.KindGroup, Name: "shortlived", AdminID: beta.ID}
		require.NoError(t, repo.Create(ctx, g, []int64{alpha.ID, beta.ID, gamma.ID}))

		require.NoError(t, repo.RemoveMember(ctx, g.ID, beta.ID))

		got, err := repo.GetByID(ctx, g.ID, alpha.ID)
		require.NoError(t, err)
		assert.Zero(t, got.AdminID)
		assert.Len(t, got.Participants, 2)
	})

	t.Run("Preferences", func(t *testing.T) {
		c := &domain.Conversation{Kind: domain.KindGroup, Name: "prefs", AdminID: alpha.ID}
		require.NoError(t, repo.Create(ctx, c, []int64{alpha.ID, beta.ID}))

		pinned := true
		require.NoError(t, repo.SetPreferences(ctx, c.ID, alpha.ID, &pinned, nil))

		mine, err := repo.GetByID(ctx, c.ID, alpha.ID)
		require.NoError(t, err)
		assert.True(t, mine.Pinned)

		// Per-user: the other participant's view is untouched.
		theirs, err := repo.GetByID(ctx, c.ID, beta.ID)
		require.NoError(t, err)
		assert.False(t, theirs.Pinned)
	})

	t.Run("ListForUserSplitsArchived", func(t *testing.T) {
		c := &domain.Conversation{Kind: domain.KindGroup, Name: "tobearchived", AdminID: alpha.ID}
		require.NoError(t, repo.Create(ctx, c, []int64{gamma.ID}))

		archived := true
		require.NoError(t, repo.SetPreferences(ctx, c.ID, gamma.ID, nil, &archived))

		active, err := repo.ListForUser(ctx, gamma.ID, false)
		require.NoError(t, err)
		for _, got := range active {
			assert.NotEqual(t, c.ID, got.ID)
		}

		arch, err := repo.ListForUser(ctx, gamma.ID, true)
		require.NoError(t, err)
		require.Len(t, arch, 1)
		assert.Equal(t, c.ID, arch[0].ID)
	})

	t.Run("DeleteCascades", func(t *testing.T) {
		c := seedDirect(t, db, alpha.ID, gamma.ID)
		m := seedMessage(t, db, c.ID, alpha, "doomed")
		msgRepo := sqlite.NewMessageRepo(db)
		require.NoError(t, msgRepo.Hide(ctx, m.ID, gamma.ID))
		require.NoError(t, msgRepo.SetReadWatermark(ctx, c.ID, gamma.ID, m.ID))

		require.NoError(t, repo.Delete(ctx, c.ID))

		_, err := repo.GetByID(ctx, c.ID, alpha.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = msgRepo.GetByID(ctx, m.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestConversationPreview(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	alpha := seedUser(t, db, 11, "alpha")
	beta := seedUser(t, db, 22, "beta")
	conv := seedDirect(t, db, alpha.ID, beta.ID)
	repo := sqlite.NewConversationRepo(db)

	seedMessage(t, db, conv.ID, alpha, "older")
	newest := seedMessage(t, db, conv.ID, beta, "newest")

	got, err := repo.GetByID(ctx, conv.ID, alpha.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastMessage)
	assert.Equal(t, newest.ID, got.LastMessage.MessageID)
	assert.Equal(t, "newest", got.LastMessage.Content)

	t.Run("DeletedPreviewIsBlanked", func(t *testing.T) {
		require.NoError(t, sqlite.NewMessageRepo(db).SoftDelete(ctx, newest.ID))

		got, err := repo.GetByID(ctx, conv.ID, alpha.ID)
		require.NoError(t, err)
		require.NotNil(t, got.LastMessage)
		assert.True(t, got.LastMessage.IsDeleted)
		assert.Empty(t, got.LastMessage.Content)
	})
}

func TestParticipantRepo(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	alpha := seedUser(t, db, 11, "alpha")
	beta := seedUser(t, db, 22, "beta")
	gamma := seedUser(t, db, 33, "gamma")
	conv := seedDirect(t, db, alpha.ID, beta.ID)
	repo := sqlite.NewParticipantRepo(db)

	ok, err := repo.IsParticipant(ctx, conv.ID, alpha.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.IsParticipant(ctx, conv.ID, gamma.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	ids, err := repo.ListConversationIDs(ctx, beta.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{conv.ID}, ids)
}
