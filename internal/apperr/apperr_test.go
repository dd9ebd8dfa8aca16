package apperr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"phaseline/internal/apperr"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := apperr.Conflict("open version exists for %s", "pi-1")
	wrapped := fmt.Errorf("create version: %w", base)

	assert.Equal(t, apperr.KindConflict, apperr.KindOf(wrapped))
	assert.True(t, apperr.Is(wrapped, apperr.KindConflict))
	assert.True(t, errors.Is(wrapped, apperr.ErrConflict))
	assert.False(t, errors.Is(wrapped, apperr.ErrInvalidState))
	assert.Equal(t, "open version exists for pi-1", base.Error())
}

func TestUnclassified(t *testing.T) {
	assert.Equal(t, apperr.Kind(""), apperr.KindOf(errors.New("boom")))
	assert.False(t, apperr.Is(nil, apperr.KindNotFound))
}

func TestWithCopiesDetails(t *testing.T) {
	base := apperr.Validation("incomplete")
	a := base.With("total", 10)
	b := a.With("decided", 6)

	assert.Nil(t, base.Details)
	assert.Equal(t, map[string]any{"total": 10}, a.Details)
	assert.Equal(t, map[string]any{"total": 10, "decided": 6}, b.Details)
}

func TestWrapUnwraps(t *testing.T) {
	cause := errors.New("database is locked")
	err := apperr.Wrap(apperr.KindConflict, cause, "commit")
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "commit: database is locked", err.Error())
}
