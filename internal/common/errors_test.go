package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsistencyError_UnwrapsToSentinel(t *testing.T) {
	err := fmt.Errorf("apply chunk: %w", &ConsistencyError{
		Partition: Partition{Catalogue: "gebieden", Entity: "buurten", Source: "AMSBI"},
		Tid:       "03630000000001.2",
		EventID:   42,
		Reason:    "ADD on live row",
		Processed: 7,
	})

	require.True(t, errors.Is(err, ErrConsistency))
	assert.False(t, errors.Is(err, ErrValidation))

	var ce *ConsistencyError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, int64(42), ce.EventID)
	assert.Contains(t, err.Error(), "gebieden/buurten/AMSBI")
	assert.Contains(t, err.Error(), "tid=03630000000001.2, event=42")
	assert.Contains(t, err.Error(), "after 7 events")
}

func TestConsistencyError_WithoutTid(t *testing.T) {
	err := &ConsistencyError{Partition: Partition{"a", "b", "c"}, Reason: "watermark 10 ahead of tip 9"}
	assert.Equal(t, "consistency violation in a/b/c: watermark 10 ahead of tip 9", err.Error())
}

func TestInvalid(t *testing.T) {
	err := Invalid("catalogue", "unknown catalogue %q", "nope")
	require.True(t, errors.Is(err, ErrValidation))
	assert.Equal(t, `validation error: catalogue: unknown catalogue "nope"`, err.Error())

	plain := &ValidationError{Reason: "empty match method"}
	assert.Equal(t, "validation error: empty match method", plain.Error())
}
