//go:build linux

package voiceclient

import (
	"net"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// dscpEF is the Expedited Forwarding DSCP class, the conventional
// marking for low-latency voice traffic.
const dscpEF = 46

// markVoiceSocketDSCP sets IP_TOS/IPV6_TCLASS on the voice UDP socket so
// routers along the path can prioritize it. Best-effort: a platform or
// network namespace that rejects the setsockopt call still leaves voice
// working, just unmarked, so failures are logged and swallowed.
func markVoiceSocketDSCP(conn *net.UDPConn, logger *zap.Logger) {
	tos := dscpEF << 2 // DSCP in the high 6 bits, ECN bits cleared.

	rawConn, err := conn.SyscallConn()
	if err != nil {
		logger.Debug("voiceclient: SyscallConn unavailable for DSCP marking", zap.Error(err))
		return
	}

	var ipErr, ipv6Err error
	controlErr := rawConn.Control(func(fd uintptr) {
		ipErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos)
		ipv6Err = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
	})
	if controlErr != nil {
		logger.Debug("voiceclient: socket control failed for DSCP marking", zap.Error(controlErr))
		return
	}
	if ipErr != nil && ipv6Err != nil {
		logger.Debug("voiceclient: DSCP setsockopt failed for both address families",
			zap.Error(ipErr), zap.NamedError("ipv6_err", ipv6Err))
	}
}
