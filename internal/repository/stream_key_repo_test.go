package repository

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jmylchreest/vtcast/internal/models"
)

func setupStreamKeyTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// Every pooled connection to :memory: is a separate database.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&models.StreamKey{}, &models.StreamKeyAlias{}))
	return db
}

func testHash(c byte) string {
	return strings.Repeat(string(c), 64)
}

func TestStreamKeyRepo_CreateAndGet(t *testing.T) {
	repo := NewStreamKeyRepository(setupStreamKeyTestDB(t))
	ctx := context.Background()

	key := &models.StreamKey{
		KeyHash:     testHash('a'),
		UserID:      "user-1",
		StreamID:    "stream-1",
		RetainUntil: time.Now().Add(time.Hour),
		AllowedIPs:  []string{"10.0.0.0/8"},
		Active:      true,
	}
	require.NoError(t, repo.Create(ctx, key))
	assert.False(t, key.ID.IsZero())

	byHash, err := repo.GetByHash(ctx, testHash('a'))
	require.NoError(t, err)
	require.NotNil(t, byHash)
	assert.Equal(t, key.ID, byHash.ID)
	assert.Equal(t, []string{"10.0.0.0/8"}, byHash.AllowedIPs)

	byID, err := repo.GetByID(ctx, key.ID)
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, "stream-1", byID.StreamID)

	missing, err := repo.GetByHash(ctx, testHash('z'))
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStreamKeyRepo_Create_Validation(t *testing.T) {
	repo := NewStreamKeyRepository(setupStreamKeyTestDB(t))
	ctx := context.Background()

	assert.ErrorIs(t, repo.Create(ctx, &models.StreamKey{StreamID: "s", KeyHash: testHash('a')}), models.ErrUserIDRequired)
	assert.ErrorIs(t, repo.Create(ctx, &models.StreamKey{UserID: "u", KeyHash: testHash('a')}), models.ErrStreamIDRequired)
	assert.Error(t, repo.Create(ctx, &models.StreamKey{UserID: "u", StreamID: "s", KeyHash: "short"}))
}

func TestStreamKeyRepo_Create_DuplicateHash(t *testing.T) {
	repo := NewStreamKeyRepository(setupStreamKeyTestDB(t))
	ctx := context.Background()

	first := &models.StreamKey{KeyHash: testHash('a'), UserID: "u", StreamID: "s", RetainUntil: time.Now(), Active: true}
	require.NoError(t, repo.Create(ctx, first))

	second := &models.StreamKey{KeyHash: testHash('a'), UserID: "u", StreamID: "s", RetainUntil: time.Now(), Active: true}
	assert.Error(t, repo.Create(ctx, second))
}

func TestStreamKeyRepo_TouchLastUsedPreservesRetention(t *testing.T) {
	repo := NewStreamKeyRepository(setupStreamKeyTestDB(t))
	ctx := context.Background()

	retain := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	key := &models.StreamKey{KeyHash: testHash('a'), UserID: "u", StreamID: "s", RetainUntil: retain, Active: true}
	require.NoError(t, repo.Create(ctx, key))

	used := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, repo.TouchLastUsed(ctx, key.ID, used))

	got, err := repo.GetByID(ctx, key.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastUsedAt)
	assert.True(t, got.LastUsedAt.Equal(used))
	assert.True(t, got.RetainUntil.Equal(retain))
}

func TestStreamKeyRepo_Deactivate(t *testing.T) {
	repo := NewStreamKeyRepository(setupStreamKeyTestDB(t))
	ctx := context.Background()

	key := &models.StreamKey{KeyHash: testHash('a'), UserID: "u", StreamID: "s", RetainUntil: time.Now().Add(time.Hour), Active: true}
	require.NoError(t, repo.Create(ctx, key))

	found, err := repo.Deactivate(ctx, testHash('a'))
	require.NoError(t, err)
	assert.True(t, found)

	// Still present, just inactive.
	got, err := repo.GetByHash(ctx, testHash('a'))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.Active)

	found, err = repo.Deactivate(ctx, testHash('a'))
	require.NoError(t, err)
	assert.True(t, found)

	found, err = repo.Deactivate(ctx, testHash('b'))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStreamKeyRepo_DeactivateExpired(t *testing.T) {
	repo := NewStreamKeyRepository(setupStreamKeyTestDB(t))
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	keys := []*models.StreamKey{
		{KeyHash: testHash('a'), UserID: "u", StreamID: "s", RetainUntil: future, ExpiresAt: &past, Active: true},
		{KeyHash: testHash('b'), UserID: "u", StreamID: "s", RetainUntil: past, Active: true},
		{KeyHash: testHash('c'), UserID: "u", StreamID: "s", RetainUntil: future, ExpiresAt: &future, Active: true},
		{KeyHash: testHash('d'), UserID: "u", StreamID: "s", RetainUntil: future, Active: true},
	}
	for _, k := range keys {
		require.NoError(t, repo.Create(ctx, k))
	}

	n, err := repo.DeactivateExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for hash, active := range map[string]bool{
		testHash('a'): false,
		testHash('b'): false,
		testHash('c'): true,
		testHash('d'): true,
	} {
		got, err := repo.GetByHash(ctx, hash)
		require.NoError(t, err)
		assert.Equal(t, active, got.Active, hash[:1])
	}
}

func TestStreamKeyRepo_ListByUser(t *testing.T) {
	repo := NewStreamKeyRepository(setupStreamKeyTestDB(t))
	ctx := context.Background()

	for i, c := range []byte{'a', 'b', 'c'} {
		user := "alice"
		if i == 2 {
			user = "bob"
		}
		require.NoError(t, repo.Create(ctx, &models.StreamKey{
			KeyHash: testHash(c), UserID: user, StreamID: "s", RetainUntil: time.Now().Add(time.Hour), Active: true,
		}))
	}

	keys, err := repo.ListByUser(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	keys, err = repo.ListByUser(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestStreamKeyRepo_SaveAliasUpserts(t *testing.T) {
	repo := NewStreamKeyRepository(setupStreamKeyTestDB(t))
	ctx := context.Background()

	missing, err := repo.GetAlias(ctx, "preview")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, repo.SaveAlias(ctx, &models.StreamKeyAlias{
		Alias: "preview", KeyHash: testHash('a'), UserID: "u", StreamID: "s",
	}))
	require.NoError(t, repo.SaveAlias(ctx, &models.StreamKeyAlias{
		Alias: "preview", KeyHash: testHash('b'), UserID: "u", StreamID: "s", Generation: 1,
	}))

	got, err := repo.GetAlias(ctx, "preview")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, testHash('b'), got.KeyHash)
	assert.Equal(t, 1, got.Generation)
}
