//go:build darwin

package network

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setSockOptMedia применяет настройки медиа сокета для macOS.
// Набор опций меньше линуксового: SO_PRIORITY и SO_BUSY_POLL недоступны.
func setSockOptMedia(fd uintptr, dscp int) error {
	if err := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); err != nil {
		return err
	}

	// SO_REUSEPORT доступен начиная с macOS 10.10, ошибки игнорируем
	syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1)

	// DSCP маркировка через TOS поле
	tos := dscp << 2
	if err := syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IP, syscall.IP_TOS, tos); err != nil {
		return nil
	}
	syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)

	return nil
}
