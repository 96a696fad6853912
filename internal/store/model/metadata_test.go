package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateMetadata(t *testing.T) {
	tests := []struct {
		name    string
		meta    map[string]string
		wantErr bool
	}{
		{name: "nil is fine", meta: nil},
		{name: "allowed keys", meta: map[string]string{"source": "editor", "request_id": "req_1"}},
		{name: "unknown key rejected", meta: map[string]string{"prompt": "write me a poem"}, wantErr: true},
		{name: "oversized value rejected", meta: map[string]string{"source": strings.Repeat("x", 257)}, wantErr: true},
		{name: "max length value allowed", meta: map[string]string{"source": strings.Repeat("x", 256)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMetadata(tt.meta)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEncodeMetadata_EmptyIsEmptyString(t *testing.T) {
	encoded, err := EncodeMetadata(nil)
	require.NoError(t, err)
	assert.Equal(t, "", encoded)

	encoded, err = EncodeMetadata(map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, "", encoded)
}

func TestMetadataRoundTrip(t *testing.T) {
	original := map[string]string{"source": "api", "trace_id": "abc123", "duration_ms": "418"}

	encoded, err := EncodeMetadata(original)
	require.NoError(t, err)

	decoded, err := DecodeMetadata(encoded)
	require.NoError(t, err)
	assert.Equal(t, Metadata(original), decoded)

	decoded, err = DecodeMetadata("")
	require.NoError(t, err)
	assert.Nil(t, decoded)
}

func TestCategoryFor(t *testing.T) {
	assert.Equal(t, CategoryText, CategoryFor("text-generation"))
	assert.Equal(t, CategoryText, CategoryFor("object-generation"))
	assert.Equal(t, CategoryEmbeddings, CategoryFor("embedding"))
	assert.Equal(t, CategoryResearch, CategoryFor("external-research"))
	assert.Equal(t, CategoryImage, CategoryFor("image-generation"))
	assert.Equal(t, CategoryOther, CategoryFor("manual-action"))
}
