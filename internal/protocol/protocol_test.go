package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshalParse(t *testing.T) {
	frame, err := Marshal(EventRequestAccess, "doc-1", OpenChannel{UserID: "u1", UserName: "Ada"})
	require.NoError(t, err)
	require.JSONEq(t, `{"event":"request-access","channelId":"doc-1","data":{"userId":"u1","userName":"Ada"}}`, string(frame))

	env, err := Parse(frame)
	require.NoError(t, err)
	require.Equal(t, EventRequestAccess, env.Event)
	require.Equal(t, "doc-1", env.ChannelID)

	var open OpenChannel
	require.NoError(t, env.Decode(&open))
	require.Equal(t, OpenChannel{UserID: "u1", UserName: "Ada"}, open)
}

func TestMarshalWithoutData(t *testing.T) {
	frame, err := Marshal(EventAccessGranted, "doc-1", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"event":"access-granted","channelId":"doc-1"}`, string(frame))

	env, err := Parse(frame)
	require.NoError(t, err)
	var v AccessDecision
	require.Error(t, env.Decode(&v))
}

func TestParseRejects(t *testing.T) {
	for _, frame := range []string{`not json`, `{}`, `{"channelId":"x"}`} {
		_, err := Parse([]byte(frame))
		require.Error(t, err, frame)
	}
}
