package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MONDERASDOR/SaverWorld/world"
)

func TestDecode(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"auth","userId":"u1"}`))
	require.NoError(t, err)
	assert.Equal(t, &Auth{Type: TypeAuth, UserID: "u1"}, msg)

	msg, err = Decode([]byte(`{"type":"update","position":{"x":12,"z":7},"direction":{"x":0,"y":0,"z":1}}`))
	require.NoError(t, err)
	u := msg.(*Update)
	assert.Equal(t, world.Position{X: 12, Z: 7}, *u.Position)
	assert.Equal(t, world.Vec3{Z: 1}, *u.Direction)

	msg, err = Decode([]byte(`{"type":"chat_message","message":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, "hi", msg.(*ChatSend).Message)

	msg, err = Decode([]byte(`{"type":"harvest","objectId":"tree-3-4"}`))
	require.NoError(t, err)
	assert.Equal(t, &Harvest{Type: TypeHarvest, ObjectID: "tree-3-4"}, msg)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want error
	}{
		{"not json", `{`, ErrMalformed},
		{"no type", `{"userId":"x"}`, ErrMalformed},
		{"unknown", `{"type":"teleport"}`, ErrUnknownType},
		{"wrong field type", `{"type":"chat_message","message":5}`, ErrMalformed},
		{"update without position", `{"type":"update"}`, ErrMalformed},
		{"harvest without object", `{"type":"harvest"}`, ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.in))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestOutboundEnvelopesAreFlat(t *testing.T) {
	data, err := json.Marshal(NewPlayerMoved("p1", world.Position{X: 1, Z: 2}, world.Vec3{Z: 1}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"player_moved","playerId":"p1","position":{"x":1,"z":2},"direction":{"x":0,"y":0,"z":1}}`, string(data))

	data, err = json.Marshal(NewExistingPlayers(nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"existing_players","players":[]}`, string(data))

	data, err = json.Marshal(NewChatMessage(ChatEntry{Username: "bob", Text: "yo", Timestamp: 9}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"chat_message","message":{"username":"bob","text":"yo","timestamp":9}}`, string(data))
}
