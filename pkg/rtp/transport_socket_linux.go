//go:build linux

package rtp

import "golang.org/x/sys/unix"

// setSockOptDSCP устанавливает DSCP маркировку (Linux реализация).
// DSCP находится в старших 6 битах TOS / Traffic Class.
func setSockOptDSCP(fd, dscp int) error {
	tos := dscp << 2

	errV4 := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, tos)
	errV6 := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)

	// Сокет может быть только IPv4 или только IPv6: достаточно одного успеха
	if errV4 != nil && errV6 != nil {
		return errV4
	}
	return nil
}
