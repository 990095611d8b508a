package shell

import "errors"

var (
	// ErrSpawn reports that the shell process could not be created.
	ErrSpawn = errors.New("shell: spawn failed")

	// ErrChannelClosed reports that the shell exited or the PTY was torn
	// down underneath the session. The session cannot recover; callers
	// must construct a new one.
	ErrChannelClosed = errors.New("shell: terminal channel closed")

	// ErrSessionClosed reports an operation attempted after Close.
	ErrSessionClosed = errors.New("shell: session closed")
)
