//go:build !linux && !darwin

package network

// setSockOptMedia на прочих платформах ограничивается стандартными
// настройками буферов, которые выполняет менеджер.
func setSockOptMedia(fd uintptr, dscp int) error {
	return nil
}
