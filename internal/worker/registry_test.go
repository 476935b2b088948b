package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskbeat/internal/job"
)

func TestRegistryRejectsDuplicates(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	noop := func(context.Context, Task) error { return nil }
	require.NoError(t, r.Register("b", noop))
	require.NoError(t, r.Register("a", noop))
	assert.ErrorIs(t, r.Register("a", noop), ErrDuplicateKind)
	assert.ErrorIs(t, r.Register("", noop), job.ErrKindRequired)
	assert.Error(t, r.Register("c", nil))
	assert.Equal(t, []string{"a", "b"}, r.Kinds())
	assert.Panics(t, func() { r.MustRegister("a", noop) })

	_, ok := r.Lookup("missing")
	assert.False(t, ok)
}

func TestRegisterJSONDecodesPayload(t *testing.T) {
	t.Parallel()
	type mail struct {
		To string `json:"to"`
	}
	r := NewRegistry()
	var got mail
	require.NoError(t, RegisterJSON(r, "mail", func(_ context.Context, _ Task, m mail) error {
		got = m
		return nil
	}))
	h, ok := r.Lookup("mail")
	require.True(t, ok)

	require.NoError(t, h(context.Background(), Task{Payload: []byte(`{"to":"ops@example.com"}`)}))
	assert.Equal(t, "ops@example.com", got.To)

	err := h(context.Background(), Task{Payload: []byte(`{not json`)})
	assert.True(t, job.IsPermanent(err))
}
