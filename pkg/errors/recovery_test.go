package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecover(t *testing.T) {
	t.Run("panic becomes PanicError", func(t *testing.T) {
		fn := func() (err error) {
			defer Recover(&err, "train")
			panic("index out of range")
		}

		err := fn()
		require.Error(t, err)

		var panicErr *PanicError
		require.True(t, errors.As(err, &panicErr))
		assert.Equal(t, "train", panicErr.Operation)
		assert.Equal(t, "panic in train: index out of range", panicErr.Error())
		assert.NotEmpty(t, panicErr.StackTrace)
		assert.Contains(t, panicErr.String(), "Stack trace:")
	})

	t.Run("no panic leaves error alone", func(t *testing.T) {
		fn := func() (err error) {
			defer Recover(&err, "train")
			return nil
		}
		assert.NoError(t, fn())
	})

	t.Run("existing error is wrapped", func(t *testing.T) {
		original := errors.New("original")
		fn := func() (err error) {
			defer Recover(&err, "train")
			err = original
			panic("boom")
		}

		err := fn()
		require.Error(t, err)
		assert.True(t, errors.Is(err, original))
		assert.Contains(t, err.Error(), "boom")
	})
}

func TestSafeExecute(t *testing.T) {
	err := SafeExecute("evaluate", func() error { return nil })
	assert.NoError(t, err)

	sentinel := errors.New("plain failure")
	err = SafeExecute("evaluate", func() error { return sentinel })
	assert.Same(t, sentinel, err)

	err = SafeExecute("evaluate", func() error { panic(sentinel) })
	require.Error(t, err)
	assert.True(t, errors.Is(err, sentinel), "error panic values are unwrappable")
}

func TestSafeChunk(t *testing.T) {
	err := SafeChunk("train", 7, func() error {
		var m map[string]int
		m["x"] = 1
		return nil
	})
	require.Error(t, err)

	var panicErr *PanicError
	require.True(t, errors.As(err, &panicErr))
	assert.Equal(t, 7, panicErr.Chunk)
	assert.Contains(t, err.Error(), "panic in train (chunk 7)")
}
