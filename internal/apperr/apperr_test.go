package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndKindOf(t *testing.T) {
	err := New(Conflict, "pool %s is exhausted", "10.0.0.0/30")
	assert.Equal(t, "pool 10.0.0.0/30 is exhausted", err.Error())
	assert.Equal(t, Conflict, KindOf(err))
	assert.True(t, IsKind(err, Conflict))
	assert.False(t, IsKind(err, Validation))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(cause, Transient, "write cache")
	require.Error(t, err)
	assert.Equal(t, "write cache: disk full", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, Transient, KindOf(err))
}

func TestWrapNilIsNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, Internal, "anything"))
}

func TestKindSurvivesFurtherWrapping(t *testing.T) {
	inner := New(NotFound, "client not found")
	outer := fmt.Errorf("handling request: %w", inner)
	assert.Equal(t, NotFound, KindOf(outer))
}

func TestUnclassifiedIsInternal(t *testing.T) {
	assert.Equal(t, Internal, KindOf(errors.New("plain")))
	assert.False(t, IsKind(nil, Internal))
}
