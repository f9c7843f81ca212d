package schema

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeEncodeDecode(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	env := NewEnvelope("m-1", "cases", "case.created", "case-1", []byte(`{"caseId":"case-1"}`), at)

	raw, err := env.Encode()
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(raw, &wire))
	assert.Equal(t, "1.0", wire["specversion"])
	assert.Equal(t, "m-1", wire["id"])
	assert.Equal(t, "2024-05-01T12:00:00Z", wire["time"])
	assert.Equal(t, "application/json", wire["datacontenttype"])
	assert.Equal(t, "case-1", wire["correlationkey"])
	assert.Equal(t, map[string]any{"caseId": "case-1"}, wire["data"])

	decoded, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, env.ID, decoded.ID)
	assert.True(t, env.Time.Equal(decoded.Time))
	assert.JSONEq(t, string(env.Data), string(decoded.Data))
}

func TestDecodeRejectsInvalidEnvelopes(t *testing.T) {
	cases := map[string]string{
		"not json":       `{`,
		"missing id":     `{"specversion":"1.0","source":"s","type":"t"}`,
		"wrong version":  `{"specversion":"0.3","id":"1","source":"s","type":"t"}`,
		"missing type":   `{"specversion":"1.0","id":"1","source":"s"}`,
		"missing source": `{"specversion":"1.0","id":"1","type":"t"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			assert.ErrorIs(t, err, ErrInvalidEnvelope)
		})
	}
}

func TestEncodeRejectsNonJSONData(t *testing.T) {
	env := NewEnvelope("m-1", "cases", "case.created", "case-1", []byte("plain text"), time.Now())
	_, err := env.Encode()
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestResolveCorrelationKey(t *testing.T) {
	env := NewEnvelope("m-1", "cases", "case.created", "", []byte(`{"correlationKey":"case-7","case":{"id":"case-9"}}`), time.Now())

	key, err := env.ResolveCorrelationKey("correlationKey")
	require.NoError(t, err)
	assert.Equal(t, "case-7", key)

	key, err = env.ResolveCorrelationKey("case.id")
	require.NoError(t, err)
	assert.Equal(t, "case-9", key)

	env.CorrelationKey = "case-1"
	key, err = env.ResolveCorrelationKey("case.id")
	require.NoError(t, err)
	assert.Equal(t, "case-1", key)

	env.CorrelationKey = ""
	_, err = env.ResolveCorrelationKey("missing")
	assert.ErrorIs(t, err, ErrMissingCorrelationKey)
}
