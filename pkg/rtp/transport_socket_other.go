//go:build !linux

package rtp

// setSockOptDSCP на остальных платформах маркировка не применяется
func setSockOptDSCP(fd, dscp int) error {
	return nil
}
