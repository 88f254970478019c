//go:build linux

package network

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setSockOptMedia применяет Linux-специфичные настройки медиа сокета:
// приоритет трафика, QoS маркировку и снижение латентности чтения.
func setSockOptMedia(fd uintptr, dscp int) error {
	// SO_REUSEADDR для быстрого переиспользования портов пула
	if err := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); err != nil {
		return err
	}

	// Высокий приоритет сокета для голосового трафика,
	// значение 6 соответствует интерактивному аудио
	if err := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_PRIORITY, 6); err != nil {
		// Контейнеры и урезанные окружения могут запрещать SO_PRIORITY
	}

	// SO_BUSY_POLL снижает латентность чтения (ядро 3.11+), 50 микросекунд
	syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_BUSY_POLL, 50)

	// DSCP в старших 6 битах TOS поля
	tos := dscp << 2
	if err := syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IP, syscall.IP_TOS, tos); err != nil {
		// Некоторые контейнеры ограничивают IP_TOS, не критично
		return nil
	}
	syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)

	return nil
}
