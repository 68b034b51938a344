package apperror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetailedErrorMatchesSentinel(t *testing.T) {
	sentinel := New(KindCapacityExceeded, "capacity_exceeded")
	err := WithDetails(sentinel, "all 5 seats are assigned", map[string]any{"purchased": int64(5)})

	require.True(t, errors.Is(err, sentinel))
	assert.Equal(t, KindCapacityExceeded, KindOf(err))
	assert.Equal(t, "capacity_exceeded", CodeOf(err))
	assert.Equal(t, int64(5), DetailsOf(err)["purchased"])
	assert.Equal(t, "capacity_exceeded: all 5 seats are assigned", err.Error())
}

func TestKindOfWrappedAndUnknown(t *testing.T) {
	sentinel := New(KindNotFound, "pool_not_found")
	wrapped := fmt.Errorf("reconcile: %w", sentinel)

	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindNotFound))
	assert.Equal(t, KindInternal, KindOf(errors.New("connection reset")))
	assert.Equal(t, "internal_error", CodeOf(errors.New("connection reset")))
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Nil(t, DetailsOf(sentinel))
}
