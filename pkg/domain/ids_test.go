package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "unify/pkg/domain-errors"
)

func TestParseProfileID(t *testing.T) {
	t.Run("rejects empty string", func(t *testing.T) {
		_, err := ParseProfileID("")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})

	t.Run("rejects invalid format", func(t *testing.T) {
		_, err := ParseProfileID("not-a-uuid")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})

	t.Run("rejects nil UUID", func(t *testing.T) {
		_, err := ParseProfileID(uuid.Nil.String())
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})

	t.Run("accepts valid UUID", func(t *testing.T) {
		valid := uuid.New()
		id, err := ParseProfileID(valid.String())
		require.NoError(t, err)
		assert.Equal(t, ProfileID(valid), id)
	})
}

func TestParseMergeLogID(t *testing.T) {
	valid := uuid.New()
	id, err := ParseMergeLogID(valid.String())
	require.NoError(t, err)
	assert.Equal(t, MergeLogID(valid), id)

	_, err = ParseMergeLogID("")
	require.Error(t, err)
}

func TestIsNil(t *testing.T) {
	assert.True(t, ProfileID{}.IsNil())
	assert.False(t, NewProfileID().IsNil())
	assert.True(t, MergeLogID{}.IsNil())
	assert.False(t, NewMergeLogID().IsNil())
}
