package cachecore

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStructuredError(t *testing.T) {
	err := NewError("vsm.Alloc", ComponentVSM, CodeArenaExhausted, "arena full")
	require.Equal(t, CodeArenaExhausted, err.Code)
	require.Equal(t, ComponentVSM, err.Component)
	require.Contains(t, err.Error(), "arena full")
	require.Contains(t, err.Error(), "vsm.Alloc")
}

func TestErrorWithErrno(t *testing.T) {
	err := NewErrorWithErrno("tcppool.dial", ComponentPool, CodePoolExhausted, syscall.ECONNREFUSED)
	require.Equal(t, syscall.ECONNREFUSED, err.Errno)
	require.Contains(t, err.Error(), "errno=")
}

func TestDirectorResolveError(t *testing.T) {
	err := NewError("director.Resolve", ComponentDirector, CodeDirectorResolve, "resolve depth exceeded")
	require.True(t, IsCode(err, CodeDirectorResolve))
	require.False(t, IsCode(err, CodeWaiterTimeout))
}

func TestWaiterTimeoutError(t *testing.T) {
	err := NewError("waiter.Wait", ComponentWaiter, CodeWaiterTimeout, "deadline exceeded")
	require.True(t, IsCode(err, CodeWaiterTimeout))
}

func TestWrapError(t *testing.T) {
	base := syscall.ENOENT
	err := WrapError("tcppool.dial", ComponentPool, base)
	require.ErrorIs(t, err, syscall.ENOENT)
	require.Equal(t, CodeNotFound, err.Code)
}

func TestWrapNilError(t *testing.T) {
	require.Nil(t, WrapError("op", ComponentVSM, nil))
}

func TestWrapStructuredError(t *testing.T) {
	inner := NewError("heap.reorder", ComponentExpiry, CodeHeapCorruption, "index out of range")
	wrapped := WrapError("expiry.Pop", ComponentExpiry, inner)
	require.Equal(t, CodeHeapCorruption, wrapped.Code)
	require.True(t, errors.Is(wrapped, inner))
}

func TestIsCode(t *testing.T) {
	err := NewError("vsl.Write", ComponentVSL, CodeInvalidParameters, "bad reclen")
	require.True(t, IsCode(err, CodeInvalidParameters))
	require.False(t, IsCode(errors.New("plain"), CodeInvalidParameters))
	require.False(t, IsCode(nil, CodeInvalidParameters))
}

func TestIsErrno(t *testing.T) {
	err := NewErrorWithErrno("tcppool.dial", ComponentPool, CodeTimeout, syscall.ETIMEDOUT)
	require.True(t, IsErrno(err, syscall.ETIMEDOUT))
	require.False(t, IsErrno(err, syscall.ECONNREFUSED))
	require.False(t, IsErrno(nil, syscall.ETIMEDOUT))
}

func TestErrnoMapping(t *testing.T) {
	cases := []struct {
		errno syscall.Errno
		want  Code
	}{
		{syscall.ENOENT, CodeNotFound},
		{syscall.EBUSY, CodeBusy},
		{syscall.EINVAL, CodeInvalidParameters},
		{syscall.E2BIG, CodeInvalidParameters},
		{syscall.ENOSYS, CodeKernelUnsupported},
		{syscall.EOPNOTSUPP, CodeKernelUnsupported},
		{syscall.EPERM, CodePermissionDenied},
		{syscall.EACCES, CodePermissionDenied},
		{syscall.ENOMEM, CodeInsufficientMem},
		{syscall.ENOSPC, CodeInsufficientMem},
		{syscall.ETIMEDOUT, CodeTimeout},
		{syscall.EIO, CodeIOError},
	}
	for _, c := range cases {
		require.Equal(t, c.want, mapErrnoToCode(c.errno), "errno %v", c.errno)
	}
}
