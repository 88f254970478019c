// Package network содержит сокетный слой медиа транспорта: менеджер
// UDP сокетов, пул RTP портов и платформенные настройки сокетов.
// Транспортные каналы получают сокеты отсюда и возвращают порты при закрытии.
package network

import (
	"fmt"
	"log/slog"
	"net"
	"time"
)

// Количество попыток привязки: порт из пула может быть занят
// другим процессом на хосте.
const bindAttempts = 10

// ManagerConfig конфигурация менеджера UDP сокетов.
type ManagerConfig struct {
	// BindAddress локальный адрес для медиа сокетов
	BindAddress string

	// LocalBindAddress адрес для локальных (loopback) сокетов
	LocalBindAddress string

	// ExternalAddress публичный адрес за NAT, пустая строка если NAT нет.
	// Используется сессионным слоем при формировании SDP.
	ExternalAddress string

	// UseSBC режим работы за SBC: сокеты не подключаются к удаленному
	// адресу сразу, адрес назначения уточняется через STUN
	UseSBC bool

	// RTPTimeout таймаут тишины входящего RTP потока.
	// Нулевое значение отключает heartbeat мониторинг.
	RTPTimeout time.Duration

	// Диапазон RTP портов, границы четные
	MinPort uint16
	MaxPort uint16

	// PortStep шаг выделения портов (2 резервирует нечетный порт под RTCP)
	PortStep int

	// PortStrategy стратегия выделения портов
	PortStrategy PortAllocationStrategy

	// Размеры буферов сокета в байтах
	ReceiveBufferSize int
	SendBufferSize    int

	// DSCP маркировка исходящих медиа пакетов (46 = Expedited Forwarding)
	DSCP int
}

// DefaultManagerConfig возвращает конфигурацию по умолчанию.
func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		BindAddress:       "0.0.0.0",
		LocalBindAddress:  "127.0.0.1",
		RTPTimeout:        30 * time.Second,
		MinPort:           10000,
		MaxPort:           20000,
		PortStep:          2,
		PortStrategy:      PortAllocationSequential,
		ReceiveBufferSize: 1024 * 1024,
		SendBufferSize:    1024 * 1024,
		DSCP:              46,
	}
}

// Validate проверяет корректность конфигурации.
func (c *ManagerConfig) Validate() error {
	if c.BindAddress == "" {
		return fmt.Errorf("BindAddress не может быть пустым")
	}
	if net.ParseIP(c.BindAddress) == nil {
		return fmt.Errorf("BindAddress должен быть IP адресом")
	}
	if c.LocalBindAddress == "" {
		return fmt.Errorf("LocalBindAddress не может быть пустым")
	}
	if net.ParseIP(c.LocalBindAddress) == nil {
		return fmt.Errorf("LocalBindAddress должен быть IP адресом")
	}
	if err := ValidatePortRange(c.MinPort, c.MaxPort, c.PortStep); err != nil {
		return err
	}
	if c.RTPTimeout < 0 {
		return fmt.Errorf("RTPTimeout не может быть отрицательным")
	}
	if c.ReceiveBufferSize < 0 || c.SendBufferSize < 0 {
		return fmt.Errorf("размеры буферов не могут быть отрицательными")
	}
	if c.DSCP < 0 || c.DSCP > 63 {
		return fmt.Errorf("DSCP должен быть в диапазоне [0, 63]")
	}
	return nil
}

// Manager управляет UDP сокетами медиа транспорта: выделяет порты из пула,
// привязывает и настраивает сокеты, определяет политику подключения
// к удаленному адресу.
type Manager struct {
	config *ManagerConfig
	pool   *PortPool
	logger *slog.Logger
}

// NewManager создает менеджер сокетов.
// При config == nil используется конфигурация по умолчанию.
func NewManager(config *ManagerConfig) (*Manager, error) {
	if config == nil {
		config = DefaultManagerConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("невалидная конфигурация: %w", err)
	}

	return &Manager{
		config: config,
		pool:   NewPortPool(config.MinPort, config.MaxPort, config.PortStep, config.PortStrategy),
		logger: slog.Default().With(slog.String("component", "udp_manager")),
	}, nil
}

// OpenChannel выделяет порт из пула и привязывает к нему UDP сокет.
// local выбирает loopback адрес вместо публичного (внутренние каналы).
// Занятый извне порт не считается фатальной ошибкой: выполняется
// несколько попыток с другими портами пула.
func (m *Manager) OpenChannel(local bool) (*net.UDPConn, uint16, error) {
	bindIP := m.config.BindAddress
	if local {
		bindIP = m.config.LocalBindAddress
	}

	var lastErr error
	for attempt := 0; attempt < bindAttempts; attempt++ {
		port, err := m.pool.Allocate()
		if err != nil {
			return nil, 0, err
		}

		addr := &net.UDPAddr{IP: net.ParseIP(bindIP), Port: int(port)}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			// Порт занят другим процессом. Оставляем его помеченным
			// занятым, чтобы не пробовать снова, и берем следующий.
			lastErr = err
			m.logger.Debug("порт занят, пробуем следующий",
				slog.Int("port", int(port)),
				slog.String("error", err.Error()))
			continue
		}

		if err := m.tuneSocket(conn); err != nil {
			conn.Close()
			m.pool.Release(port)
			return nil, 0, WrapNetworkError(ErrorCodeSocketSetup, "не удалось настроить сокет", err)
		}

		m.logger.Debug("открыт медиа сокет",
			slog.String("addr", conn.LocalAddr().String()),
			slog.Bool("local", local))
		return conn, port, nil
	}

	return nil, 0, WrapNetworkError(ErrorCodeBindFailed,
		fmt.Sprintf("не удалось привязать сокет за %d попыток", bindAttempts), lastErr)
}

// AdoptChannel настраивает внешний, уже открытый сокет для работы
// в качестве медиа канала. Порт такого сокета пулом не управляется.
func (m *Manager) AdoptChannel(conn *net.UDPConn) error {
	if conn == nil {
		return NewNetworkError(ErrorCodeSocketSetup, "сокет не может быть nil")
	}
	if err := m.tuneSocket(conn); err != nil {
		return WrapNetworkError(ErrorCodeSocketSetup, "не удалось настроить внешний сокет", err)
	}
	return nil
}

// ConnectChannel проверяет достижимость удаленного адреса с локальной
// привязки сокета и фиксирует логическое подключение канала. Сам сокет
// остается неподключенным: входящая фильтрация по источнику выполняется
// транспортным слоем, что позволяет менять удаленный адрес без переоткрытия.
func (m *Manager) ConnectChannel(conn *net.UDPConn, remote *net.UDPAddr) error {
	if conn == nil {
		return NewNetworkError(ErrorCodeSocketSetup, "сокет не может быть nil")
	}
	if remote == nil || remote.IP == nil {
		return NewNetworkError(ErrorCodeUnreachable, "удаленный адрес не задан")
	}

	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return NewNetworkError(ErrorCodeSocketSetup, "сокет не является UDP сокетом")
	}

	// Loopback назначение достижимо только с loopback или wildcard привязки
	if remote.IP.IsLoopback() && !local.IP.IsLoopback() && !local.IP.IsUnspecified() {
		return NewNetworkError(ErrorCodeUnreachable,
			fmt.Sprintf("loopback адрес %s недостижим с привязки %s", remote.IP, local.IP))
	}

	m.logger.Debug("канал подключен к удаленному адресу",
		slog.String("local", local.String()),
		slog.String("remote", remote.String()))
	return nil
}

// ReleasePort возвращает порт канала в пул.
func (m *Manager) ReleasePort(port uint16) {
	if err := m.pool.Release(port); err != nil {
		m.logger.Warn("порт не возвращен в пул",
			slog.Int("port", int(port)),
			slog.String("error", err.Error()))
	}
}

// ConnectImmediately сообщает, можно ли сразу считать сокет подключенным
// к удаленному адресу. За SBC подключение откладывается: фактический адрес
// источника медиа уточняется через STUN проверки.
func (m *Manager) ConnectImmediately(addr *net.UDPAddr) bool {
	if addr == nil {
		return false
	}
	return !m.config.UseSBC
}

// RTPTimeout возвращает настроенный таймаут тишины RTP потока.
func (m *Manager) RTPTimeout() time.Duration {
	return m.config.RTPTimeout
}

// ExternalAddress возвращает публичный адрес за NAT или пустую строку.
func (m *Manager) ExternalAddress() string {
	return m.config.ExternalAddress
}

// AvailablePorts возвращает количество свободных портов пула.
func (m *Manager) AvailablePorts() int {
	return m.pool.Available()
}

// tuneSocket применяет настройки буферов, QoS маркировку и платформенные
// оптимизации к медиа сокету.
func (m *Manager) tuneSocket(conn *net.UDPConn) error {
	if m.config.ReceiveBufferSize > 0 {
		if err := conn.SetReadBuffer(m.config.ReceiveBufferSize); err != nil {
			return fmt.Errorf("SetReadBuffer: %w", err)
		}
	}
	if m.config.SendBufferSize > 0 {
		if err := conn.SetWriteBuffer(m.config.SendBufferSize); err != nil {
			return fmt.Errorf("SetWriteBuffer: %w", err)
		}
	}

	rawConn, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("SyscallConn: %w", err)
	}

	var optErr error
	err = rawConn.Control(func(fd uintptr) {
		optErr = setSockOptMedia(fd, m.config.DSCP)
	})
	if err != nil {
		return err
	}
	if optErr != nil {
		// Платформенные опции не критичны: контейнеры и урезанные
		// окружения могут их не поддерживать
		m.logger.Warn("платформенные опции сокета не применены",
			slog.String("error", optErr.Error()))
	}
	return nil
}
