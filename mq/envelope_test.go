package mq

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderCreated struct {
	OrderID string  `json:"orderId"`
	Amount  float64 `json:"amount"`
}

func TestNewEnvelope(t *testing.T) {
	t.Run("wraps a struct payload", func(t *testing.T) {
		before := time.Now().UTC()
		env, err := NewEnvelope(orderCreated{OrderID: "o-1", Amount: 12.5})
		require.NoError(t, err)

		assert.Len(t, env.GUID, 32)
		assert.NotContains(t, env.GUID, "-")
		assert.Equal(t, 0, env.CurrentRetry)
		assert.JSONEq(t, `{"orderId":"o-1","amount":12.5}`, env.JSONContent)
		assert.False(t, env.Timespan.Before(before))
	})

	t.Run("every envelope gets its own guid", func(t *testing.T) {
		a, err := NewEnvelope("x")
		require.NoError(t, err)
		b, err := NewEnvelope("x")
		require.NoError(t, err)
		assert.NotEqual(t, a.GUID, b.GUID)
	})

	t.Run("embeds raw JSON unchanged", func(t *testing.T) {
		env, err := NewEnvelope(json.RawMessage(`{"a":[1,2]}`))
		require.NoError(t, err)
		assert.Equal(t, `{"a":[1,2]}`, env.JSONContent)

		env, err = NewEnvelope([]byte(`"text"`))
		require.NoError(t, err)
		assert.Equal(t, `"text"`, env.JSONContent)
	})

	t.Run("rejects payloads that are not JSON", func(t *testing.T) {
		_, err := NewEnvelope(json.RawMessage(`{broken`))
		assert.ErrorIs(t, err, ErrMalformedPayload)

		_, err = NewEnvelope(make(chan int))
		assert.ErrorIs(t, err, ErrMalformedPayload)
	})
}

func TestEnvelopeWireFormat(t *testing.T) {
	env, err := NewEnvelope(map[string]int{"n": 1})
	require.NoError(t, err)
	env.CurrentRetry = 2

	body, err := env.Marshal()
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(body, &fields))
	assert.ElementsMatch(t, []string{"guid", "timespan", "current_retry", "json_content"}, keys(fields))
	assert.Equal(t, `{"n":1}`, fields["json_content"])
	assert.EqualValues(t, 2, fields["current_retry"])

	_, err = time.Parse(time.RFC3339, fields["timespan"].(string))
	assert.NoError(t, err)

	decoded, err := DecodeEnvelope(body)
	require.NoError(t, err)
	assert.Equal(t, env.GUID, decoded.GUID)
	assert.Equal(t, 2, decoded.CurrentRetry)

	payload, err := decoded.Payload()
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(payload))
}

func TestDecodeEnvelope(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"not json", `hello`, ErrMalformedEnvelope},
		{"wrong shape", `[1,2,3]`, ErrMalformedEnvelope},
		{"missing guid", `{"json_content":"{}"}`, ErrMalformedEnvelope},
		{"retry is not a number", `{"guid":"g","current_retry":"x"}`, ErrMalformedEnvelope},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(tt.body))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("payload must be valid JSON", func(t *testing.T) {
		env, err := DecodeEnvelope([]byte(`{"guid":"g","json_content":"{not json"}`))
		require.NoError(t, err)

		_, err = env.Payload()
		assert.ErrorIs(t, err, ErrMalformedPayload)

		env.JSONContent = ""
		_, err = env.Payload()
		assert.ErrorIs(t, err, ErrMalformedPayload)
	})
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
