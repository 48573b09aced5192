package observability

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecoverPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	assert.NotPanics(t, func() {
		defer RecoverPanic(logger, "flush")
		panic("boom")
	})

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "boom", entry["panic"])
	assert.Equal(t, "flush", entry["context"])
	assert.NotEmpty(t, entry["stack"])
}

func TestRecoverPanicWithCallback(t *testing.T) {
	t.Run("callback runs after a panic", func(t *testing.T) {
		called := false
		assert.NotPanics(t, func() {
			defer RecoverPanicWithCallback(NopLogger(), "worker", func() { called = true })
			panic("boom")
		})
		assert.True(t, called)
	})

	t.Run("callback skipped without a panic", func(t *testing.T) {
		called := false
		func() {
			defer RecoverPanicWithCallback(NopLogger(), "worker", func() { called = true })
		}()
		assert.False(t, called)
	})

	t.Run("nil callback and logger", func(t *testing.T) {
		assert.NotPanics(t, func() {
			defer RecoverPanicWithCallback(nil, "worker", nil)
			panic("boom")
		})
	})
}

func TestPanicError(t *testing.T) {
	assert.NoError(t, PanicError(nil))
	assert.EqualError(t, PanicError("observer bug"), "panic: observer bug")
}
