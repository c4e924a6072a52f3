package apperr

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorsOfSameKindMatchSentinel(t *testing.T) {
	err := New(KindQuotaExceeded, "submit", "need %d pages", 12)
	assert.True(t, errors.Is(err, ErrQuotaExceeded))
	assert.False(t, errors.Is(err, ErrInsufficientBalance))
	assert.Equal(t, "submit: need 12 pages", err.Error())
}

func TestKindOfSeesThroughWrapping(t *testing.T) {
	err := errors.Wrap(Wrap(KindSpoolIO, "save", errors.New("disk full")), "upload")
	assert.Equal(t, KindSpoolIO, KindOf(err))
	assert.False(t, IsBusiness(err))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestIsBusiness(t *testing.T) {
	assert.True(t, IsBusiness(Wrap(KindInvalidState, "release", nil)))
	assert.True(t, IsForbidden(Wrap(KindForbidden, "release", nil)))
	assert.False(t, IsBusiness(Wrap(KindProtocol, "lpd", nil)))
}
