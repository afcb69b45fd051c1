package ipc

import "errors"

// PeerCredentials identifies the process on the other end of a connection.
type PeerCredentials struct {
	PID int32
	UID uint32
	GID uint32
}

// ErrPeerCredentialsUnsupported is returned where the platform cannot report
// peer credentials. Such connections are admitted on socket permissions alone.
var ErrPeerCredentialsUnsupported = errors.New("ipc: peer credentials unsupported")
