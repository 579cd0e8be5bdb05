package enginerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessage(t *testing.T) {
	err := NotFound("chunk %s", "c1")
	assert.Equal(t, "[not_found] chunk c1", err.Error())
}

func TestIsMatchesByKind(t *testing.T) {
	err := Validation("bad dimension")
	assert.True(t, errors.Is(err, &Error{Kind: KindValidation}))
	assert.False(t, errors.Is(err, &Error{Kind: KindNotFound}))
}

func TestKindSurvivesWrapping(t *testing.T) {
	inner := Conflict("store busy")
	wrapped := fmt.Errorf("query failed: %w", inner)

	assert.True(t, IsConflict(wrapped))
	assert.Equal(t, KindConflict, KindOf(wrapped))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := IO("write chunk", cause)
	assert.ErrorIs(t, err, cause)
}

func TestWithDetail(t *testing.T) {
	err := Constraint("duplicate edge").WithDetail("from", "a").WithDetail("to", "b")
	require.NotNil(t, err.Details)
	assert.Equal(t, "a", err.Details["from"])
	assert.Equal(t, "b", err.Details["to"])
}

func TestKindOfForeignError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.False(t, IsNotFound(errors.New("plain")))
	assert.False(t, IsNotFound(nil))
}

func TestPredicates(t *testing.T) {
	assert.True(t, IsValidation(Validation("v")))
	assert.True(t, IsNotFound(NotFound("n")))
	assert.True(t, IsConstraint(Constraint("c")))
	assert.True(t, IsConflict(Conflict("x")))
}
