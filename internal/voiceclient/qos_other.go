//go:build !linux

package voiceclient

import (
	"net"

	"go.uber.org/zap"
)

// markVoiceSocketDSCP is a no-op outside Linux; DSCP marking is a
// best-effort network hint, not a correctness requirement.
func markVoiceSocketDSCP(conn *net.UDPConn, logger *zap.Logger) {
	logger.Debug("voiceclient: DSCP marking not implemented on this platform")
}
