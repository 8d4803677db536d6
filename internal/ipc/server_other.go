//go:build !linux && !darwin

package ipc

import (
	"errors"
	"net"
)

// GetPeerCredentials is not supported on this platform.
func GetPeerCredentials(conn net.Conn) (*PeerCredentials, error) {
	return nil, errors.New("peer credentials not supported on this platform")
}
