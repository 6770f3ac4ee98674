package db

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func initTestEncryption(t *testing.T) {
	t.Helper()
	require.NoError(t, InitEncryption([]byte("0123456789abcdef0123456789abcdef")))
}

func TestInitEncryptionRejectsBadKeyLength(t *testing.T) {
	err := InitEncryption([]byte("too short"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 bytes")
}

func TestEncryptedStringRoundTrip(t *testing.T) {
	initTestEncryption(t)

	stored, err := EncryptedString("hunter2").Value()
	require.NoError(t, err)
	require.IsType(t, "", stored)
	assert.NotContains(t, stored.(string), "hunter2")

	var out EncryptedString
	require.NoError(t, out.Scan(stored))
	assert.Equal(t, EncryptedString("hunter2"), out)
}

func TestEncryptedStringEmptyBypassesCipher(t *testing.T) {
	initTestEncryption(t)

	stored, err := EncryptedString("").Value()
	require.NoError(t, err)
	assert.Equal(t, "", stored)

	var out EncryptedString
	require.NoError(t, out.Scan(""))
	assert.Equal(t, EncryptedString(""), out)
	require.NoError(t, out.Scan(nil))
	assert.Equal(t, EncryptedString(""), out)
}

func TestEncryptedStringNonceVaries(t *testing.T) {
	initTestEncryption(t)

	a, err := EncryptedString("same value").Value()
	require.NoError(t, err)
	b, err := EncryptedString("same value").Value()
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "GCM nonces must never repeat for a key")
}

func TestEncryptedStringScanRejectsTampering(t *testing.T) {
	initTestEncryption(t)

	var out EncryptedString
	assert.Error(t, out.Scan("not base64!!"))
	assert.Error(t, out.Scan("c2hvcnQ="), "ciphertext shorter than a nonce")
}

func TestStringListCodec(t *testing.T) {
	assert.Equal(t, "[]", EncodeStringList(nil))
	assert.Equal(t, `["a","b"]`, EncodeStringList([]string{"a", "b"}))

	assert.Equal(t, []string{"a", "b"}, DecodeStringList(`["a","b"]`))
	assert.Equal(t, []string{}, DecodeStringList(""))
	assert.Equal(t, []string{}, DecodeStringList("{{garbage"))
}

func TestNewRunsMigrationsAndAssignsIDs(t *testing.T) {
	initTestEncryption(t)

	gdb, err := New(Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)

	team := &Team{Name: "test-team-" + uuid.NewString()}
	require.NoError(t, gdb.Create(team).Error)
	assert.NotEqual(t, uuid.UUID{}, team.ID, "BeforeCreate assigns a UUID v7")
	assert.Equal(t, uuid.Version(7), team.ID.Version())
	assert.False(t, team.CreatedAt.IsZero())

	var got Team
	require.NoError(t, gdb.First(&got, "id = ?", team.ID).Error)
	assert.Equal(t, team.Name, got.Name)
	assert.Equal(t, team.ID, got.ID, "embedded Base fields round-trip through the insert")
	assert.False(t, got.CreatedAt.IsZero(), "created_at is written and scans back")
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestTimestampColumnsScanBack(t *testing.T) {
	initTestEncryption(t)

	gdb, err := New(Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)

	team := &Team{Name: "test-team-" + uuid.NewString()}
	require.NoError(t, gdb.Create(team).Error)

	seen := time.Date(2026, 8, 1, 12, 30, 0, 0, time.UTC)
	user := &User{
		TeamID:      team.ID,
		Email:       uuid.NewString() + "@example.com",
		DisplayName: "Ops",
		LastLoginAt: &seen,
	}
	require.NoError(t, gdb.Create(user).Error)

	var got User
	require.NoError(t, gdb.First(&got, "id = ?", user.ID).Error)
	require.NotNil(t, got.LastLoginAt)
	assert.True(t, got.LastLoginAt.Equal(seen))
}

func TestExplicitFalseSurvivesCreate(t *testing.T) {
	initTestEncryption(t)

	gdb, err := New(Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)

	team := &Team{Name: "test-team-" + uuid.NewString()}
	require.NoError(t, gdb.Create(team).Error)

	user := &User{
		TeamID:      team.ID,
		Email:       uuid.NewString() + "@example.com",
		DisplayName: "Disabled",
		IsActive:    false,
	}
	require.NoError(t, gdb.Create(user).Error)

	var gotUser User
	require.NoError(t, gdb.First(&gotUser, "id = ?", user.ID).Error)
	assert.False(t, gotUser.IsActive, "a deliberately disabled user must not come back enabled")

	sched := &Schedule{
		TeamID:       team.ID,
		CollectionID: uuid.New(),
		Tool:         "photostats",
		CronExpr:     "0 3 * * *",
		Enabled:      false,
	}
	require.NoError(t, gdb.Create(sched).Error)

	var gotSched Schedule
	require.NoError(t, gdb.First(&gotSched, "id = ?", sched.ID).Error)
	assert.False(t, gotSched.Enabled, "a paused schedule stays paused after a round trip")
}

func TestBeforeCreateKeepsExplicitID(t *testing.T) {
	initTestEncryption(t)

	gdb, err := New(Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)

	id := uuid.New()
	team := &Team{Base: Base{ID: id}, Name: "test-team-" + uuid.NewString()}
	require.NoError(t, gdb.Create(team).Error)
	assert.Equal(t, id, team.ID)
}
