package chatsync

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateInput(t *testing.T) {
	title := strings.Repeat("x", 201)
	tests := []struct {
		name  string
		in    any
		field string
		msg   string
	}{
		{"missing thread", MessageInput{Content: "hi"}, "threadid", "is required"},
		{"empty content", MessageInput{ThreadID: "t1"}, "content", "is required"},
		{"bad role", MessageInput{ThreadID: "t1", Content: "hi", Role: "system"}, "role", "must be one of [user assistant]"},
		{"long title", ThreadInput{Title: title}, "title", "must be at most 200 characters"},
		{"long patch title", ThreadPatch{Title: &title}, "title", "must be at most 200 characters"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateInput(tt.in)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
			assert.Equal(t, tt.msg, ve.Message)
		})
	}

	t.Run("valid inputs", func(t *testing.T) {
		assert.NoError(t, validateInput(MessageInput{ThreadID: "t1", Content: "hi", Role: RoleUser}))
		assert.NoError(t, validateInput(ThreadInput{}))
		assert.NoError(t, validateInput(ThreadPatch{}))
	})
}
