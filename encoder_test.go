package gearsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONEncoder_EnvelopeRoundtrip(t *testing.T) {
	enc := &JSONEncoder{}
	env, err := NewEnvelope(enc, MsgHeartbeat, HeartbeatPayload{
		PlayerID:     "p1",
		ConnectionID: "c1",
		Timestamp:    time.Now().UTC(),
		QueueVersion: 7,
	})
	require.NoError(t, err, "envelope build should not error")

	data, err := enc.Encode(env)
	require.NoError(t, err, "encode should not error")

	var out Envelope
	require.NoError(t, enc.Decode(data, &out), "decode should not error")
	assert.Equal(t, MsgHeartbeat, out.Type)

	var hb HeartbeatPayload
	require.NoError(t, enc.Decode(out.Data, &hb))
	assert.Equal(t, "p1", hb.PlayerID)
	assert.Equal(t, int64(7), hb.QueueVersion)
}

func TestJSONEncoder_DecodeError(t *testing.T) {
	enc := &JSONEncoder{}
	var out Envelope
	err := enc.Decode([]byte("{"), &out)
	require.Error(t, err, "expected error for invalid JSON")
}
