package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusMapping(t *testing.T) {
	assert.Equal(t, StatusError, Status(Protocol("unknown type")))
	assert.Equal(t, StatusFail, Status(Auth("账号或密码错误")))
	assert.Equal(t, StatusFail, Status(Reject("已经是好友")))
	assert.Equal(t, StatusError, Status(Invalid("missing field")))
	assert.Equal(t, StatusError, Status(NotFound("用户不存在")))
	assert.Equal(t, StatusError, Status(Store(stderrors.New("pq: boom"))))

	// Untyped errors default to the error status and a generic message.
	plain := stderrors.New("boom")
	assert.Equal(t, StatusError, Status(plain))
	assert.Equal(t, "internal server error", ClientMessage(plain))
}

func TestInternalCauseNeverLeaks(t *testing.T) {
	cause := stderrors.New("pq: relation does not exist")
	err := Store(cause)

	assert.Equal(t, "internal storage error", ClientMessage(err))
	assert.True(t, stderrors.Is(err, ErrStore))
	assert.True(t, stderrors.Is(err, cause))
	assert.Contains(t, err.Error(), "pq: relation does not exist")
}

func TestKindMatching(t *testing.T) {
	assert.True(t, stderrors.Is(Auth("x"), ErrAuth))
	assert.True(t, stderrors.Is(Reject("x"), ErrValidation))
	assert.True(t, stderrors.Is(Invalid("x"), ErrValidation))
	assert.True(t, stderrors.Is(NotFound("x"), ErrNotFound))
	assert.False(t, stderrors.Is(Auth("x"), ErrNotFound))
}
