package domain_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avolkov/huddle/internal/domain"
)

func TestNewRoomName(t *testing.T) {
	name, err := domain.NewRoomName("standup")
	require.NoError(t, err)
	assert.Equal(t, domain.RoomName("standup"), name)

	_, err = domain.NewRoomName("")
	assert.ErrorIs(t, err, domain.ErrRoomNameEmpty)

	_, err = domain.NewRoomName(strings.Repeat("x", domain.MaxRoomNameLen+1))
	assert.ErrorIs(t, err, domain.ErrRoomNameTooLong)
}

func TestParseKind(t *testing.T) {
	for _, raw := range []string{"audio", "video"} {
		kind, err := domain.ParseKind(raw)
		require.NoError(t, err)
		assert.Equal(t, domain.Kind(raw), kind)
	}
	_, err := domain.ParseKind("screen")
	assert.ErrorIs(t, err, domain.ErrUnknownKind)
}

func TestNewUser(t *testing.T) {
	user, err := domain.NewUser("alice")
	require.NoError(t, err)
	assert.NotEmpty(t, user.ID)
	assert.Equal(t, "alice", user.UserName)

	_, err = domain.NewUser("")
	assert.ErrorIs(t, err, domain.ErrUserNameEmpty)
	_, err = domain.NewUser(strings.Repeat("x", domain.MaxUserNameLen+1))
	assert.ErrorIs(t, err, domain.ErrUserNameTooLong)

	require.NoError(t, user.SetUserName("bob"))
	assert.Equal(t, "bob", user.UserName)
	assert.ErrorIs(t, user.SetUserName(""), domain.ErrUserNameEmpty)
}
