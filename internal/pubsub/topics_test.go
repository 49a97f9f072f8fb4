// ABOUTME: Tests for broker topic helpers.
// ABOUTME: Covers channel-name extraction and channel membership checks.

package pubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChannelName(t *testing.T) {
	tests := []struct {
		topic string
		want  string
	}{
		{"msh/US/2/json/llm", "llm"},
		{"msh/US/2/json/llmres/", "llmres"},
		{"msh/US/2/json/llmres/!abc", "!abc"},
		{"", ""},
		{"///", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ChannelName(tt.topic), "topic %q", tt.topic)
	}
}

func TestOnChannel(t *testing.T) {
	channel := "msh/US/2/json/llm/"

	assert.True(t, OnChannel("msh/US/2/json/llm", channel))
	assert.True(t, OnChannel("msh/US/2/json/llm/!abc", channel))
	assert.False(t, OnChannel("msh/US/2/json/llmres", channel))
	assert.False(t, OnChannel("msh/US/2/rx", channel))
	assert.False(t, OnChannel("msh/US/2/json/llm", ""))
}
