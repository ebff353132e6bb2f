// ABOUTME: Tests for connector address normalization
// ABOUTME: Bare identifiers gain the domain qualifier, qualified ones pass through

package connector

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		address string
		want    string
	}{
		{"bare identifier", "628123", "628123@ext.chat"},
		{"already qualified", "628123@ext.chat", "628123@ext.chat"},
		{"foreign domain preserved", "user@other.net", "user@other.net"},
		{"whitespace trimmed", "  628123 ", "628123@ext.chat"},
		{"lowercased", "User@Ext.Chat", "user@ext.chat"},
		{"empty", "", ""},
		{"whitespace only", "   ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.address, "ext.chat"))
		})
	}
}
