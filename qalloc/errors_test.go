package qalloc

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := &Error{Op: "malloc", Code: MallocErr, Err: cause}
	require.ErrorIs(t, err, cause)
}

func TestErrorIsMatchesByCode(t *testing.T) {
	a := &Error{Op: "malloc", Code: BadArgs}
	b := NewError("free", BadArgs)
	require.ErrorIs(t, a, b, "errors with equal Code should match via Is")

	c := NewError("free", MallocErr)
	require.False(t, errors.Is(a, c), "errors with differing Code should not match")
}

func TestCodeOf(t *testing.T) {
	require.Equal(t, Success, CodeOf(nil))
	require.Equal(t, Redundant, CodeOf(NewError("x", Redundant)))
	require.Equal(t, PthreadErr, CodeOf(errors.New("opaque")))
}

func TestWrapErrno(t *testing.T) {
	cases := []struct {
		errno syscall.Errno
		want  Status
	}{
		{syscall.ENOMEM, MallocErr},
		{syscall.EINVAL, BadArgs},
		{syscall.EIO, PthreadErr},
	}
	for _, c := range cases {
		require.Equal(t, c.want, WrapErrno("mmap", c.errno).Code)
	}
}
