package meta

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip_PreservesUnknownKeys(t *testing.T) {
	blob := []byte(`{
		"ticket": {"status": "open", "priority": "high"},
		"custom_field": {"nested": true},
		"another": 42
	}`)

	m, err := Parse(blob)
	require.NoError(t, err)
	require.NotNil(t, m.Ticket)
	assert.Equal(t, "open", m.Ticket.Status)
	assert.Len(t, m.Extra, 2)

	out, err := Encode(m)
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Contains(t, decoded, "ticket")
	assert.Contains(t, decoded, "custom_field")
	assert.Contains(t, decoded, "another")
}

func TestParse_Empty(t *testing.T) {
	m, err := Parse(nil)
	require.NoError(t, err)
	assert.Nil(t, m.Ticket)
	assert.Nil(t, m.Extra)
}

func TestAddLink_Idempotent(t *testing.T) {
	var m Meta

	assert.True(t, m.AddLink("thread", "https://chat.example.com/t/1"))
	assert.False(t, m.AddLink("thread", "https://chat.example.com/t/1"))
	assert.Len(t, m.Links["thread"], 1)

	// Different type, same URL is a separate entry
	assert.True(t, m.AddLink("doc", "https://chat.example.com/t/1"))
	assert.True(t, m.HasLink("doc", "https://chat.example.com/t/1"))
}

func TestValidateBlob_ValidVariants(t *testing.T) {
	blob := []byte(`{
		"pr": {"repo": "acme/api", "number": 12, "state": "merged"},
		"links": {"thread": ["https://chat.example.com/t/9"]},
		"vendor_extension": {"anything": "goes"}
	}`)
	assert.NoError(t, ValidateBlob(blob))
}

func TestValidateBlob_BadVariantField(t *testing.T) {
	blob := []byte(`{"pr": {"number": "twelve"}}`)
	assert.Error(t, ValidateBlob(blob))
}

func TestValidateBlob_UnknownFieldInsideVariant(t *testing.T) {
	blob := []byte(`{"ticket": {"status": "open", "surprise": 1}}`)
	assert.Error(t, ValidateBlob(blob))
}

func TestValidateBlob_NotAnObject(t *testing.T) {
	assert.Error(t, ValidateBlob([]byte(`[1,2,3]`)))
}

func TestValidateBlob_Empty(t *testing.T) {
	assert.NoError(t, ValidateBlob(nil))
}
