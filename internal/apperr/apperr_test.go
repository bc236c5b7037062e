package apperr

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestKindOfWrappedSentinel(t *testing.T) {
	err := errors.Wrap(ErrAlreadyQueued, "join queue")

	assert.True(t, errors.Is(err, ErrAlreadyQueued))
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Equal(t, "already_queued", CodeOf(err))
}

func TestTransientKeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: i/o timeout")
	err := Transient(cause, "entitlement lookup")

	assert.Equal(t, KindTransient, KindOf(err))
	assert.True(t, errors.Is(err, cause))
	assert.Nil(t, Transient(nil, "noop"))
}

func TestUnclassifiedIsInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, "internal", CodeOf(nil))
}

func TestValidationMatchesInvalidArgument(t *testing.T) {
	err := Validation("name must not be empty")
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	assert.Equal(t, "name must not be empty", err.Error())
}
