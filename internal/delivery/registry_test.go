package delivery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lalithlochan/courier/internal/db"
)

// stubChannel returns err from every delivery and counts calls.
type stubChannel struct {
	name  string
	err   error
	calls int
}

func (s *stubChannel) Name() string { return s.name }

func (s *stubChannel) Deliver(context.Context, *db.Notification) error {
	s.calls++
	return s.err
}

func TestRegistry_Resolve(t *testing.T) {
	logCh := &stubChannel{name: "log"}
	reg := NewRegistry(logCh, &stubChannel{name: "email"})

	ch, err := reg.Resolve("log")
	require.NoError(t, err)
	assert.Same(t, logCh, ch)

	_, err = reg.Resolve("pigeon")
	require.ErrorIs(t, err, ErrChannelNotFound)
	assert.True(t, IsPermanent(err))
}

func TestRegistry_RegisterRejectsDuplicates(t *testing.T) {
	reg := NewRegistry(&stubChannel{name: "sms"})

	err := reg.Register(&stubChannel{name: "sms"})
	assert.Error(t, err)

	err = reg.Register(&stubChannel{name: ""})
	assert.Error(t, err)

	require.NoError(t, reg.Register(&stubChannel{name: "slack"}))
	assert.True(t, reg.Has("slack"))
}

func TestRegistry_Names(t *testing.T) {
	reg := NewRegistry(&stubChannel{name: "sms"}, &stubChannel{name: "email"}, &stubChannel{name: "log"})
	assert.Equal(t, []string{"email", "log", "sms"}, reg.Names())
}

func TestIsPermanent(t *testing.T) {
	base := errors.New("no recipient")

	assert.False(t, IsPermanent(base))
	assert.False(t, IsPermanent(nil))
	assert.Nil(t, Permanent(nil))

	perm := Permanent(base)
	assert.True(t, IsPermanent(perm))
	assert.ErrorIs(t, perm, base)

	wrapped := errors.Join(errors.New("context"), perm)
	assert.True(t, IsPermanent(wrapped))
}
