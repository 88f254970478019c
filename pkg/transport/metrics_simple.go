//go:build !prometheus

package transport

import (
	"sync"
	"sync/atomic"
	"time"
)

// MetricsConfig конфигурация системы метрик транспорта.
type MetricsConfig struct {
	// Enabled включает/выключает сбор метрик
	Enabled bool

	// Namespace префикс для метрик (игнорируется в простой версии)
	Namespace string

	// Subsystem подсистема для метрик (игнорируется в простой версии)
	Subsystem string
}

// DefaultMetricsConfig возвращает конфигурацию по умолчанию
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:   true,
		Namespace: "media",
		Subsystem: "transport",
	}
}

// MetricsCollector собирает счетчики транспортного слоя.
//
// Облегченная версия без Prometheus: только атомарные performance counters.
// Сборка с тегом prometheus дополнительно экспортирует те же события
// как Prometheus метрики.
type MetricsCollector struct {
	enabled bool

	received [5]int64 // индекс - Protocol
	sent     [5]int64
	dropped  int64

	channelsOpened int64
	channelsActive int64

	handshakesCompleted int64
	handshakesFailed    int64
	heartbeatTimeouts   int64
}

// NewMetricsCollector создает сборщик метрик транспорта
func NewMetricsCollector(config *MetricsConfig) *MetricsCollector {
	if config == nil {
		config = DefaultMetricsConfig()
	}
	return &MetricsCollector{enabled: config.Enabled}
}

var (
	defaultCollector     *MetricsCollector
	defaultCollectorOnce sync.Once
)

// DefaultMetricsCollector возвращает общий сборщик метрик процесса.
// Каналы без явно заданного сборщика используют его.
func DefaultMetricsCollector() *MetricsCollector {
	defaultCollectorOnce.Do(func() {
		defaultCollector = NewMetricsCollector(nil)
	})
	return defaultCollector
}

// PacketReceived учитывает принятую датаграмму протокола
func (mc *MetricsCollector) PacketReceived(proto Protocol) {
	if !mc.enabled || proto < 0 || int(proto) >= len(mc.received) {
		return
	}
	atomic.AddInt64(&mc.received[proto], 1)
}

// PacketSent учитывает отправленную датаграмму протокола
func (mc *MetricsCollector) PacketSent(proto Protocol) {
	if !mc.enabled || proto < 0 || int(proto) >= len(mc.sent) {
		return
	}
	atomic.AddInt64(&mc.sent[proto], 1)
}

// PacketDropped учитывает отброшенную датаграмму
func (mc *MetricsCollector) PacketDropped() {
	if !mc.enabled {
		return
	}
	atomic.AddInt64(&mc.dropped, 1)
}

// ChannelOpened учитывает привязку канала
func (mc *MetricsCollector) ChannelOpened() {
	if !mc.enabled {
		return
	}
	atomic.AddInt64(&mc.channelsOpened, 1)
	atomic.AddInt64(&mc.channelsActive, 1)
}

// ChannelClosed учитывает закрытие канала
func (mc *MetricsCollector) ChannelClosed() {
	if !mc.enabled {
		return
	}
	atomic.AddInt64(&mc.channelsActive, -1)
}

// HandshakeCompleted учитывает успешное DTLS рукопожатие
func (mc *MetricsCollector) HandshakeCompleted(duration time.Duration) {
	if !mc.enabled {
		return
	}
	atomic.AddInt64(&mc.handshakesCompleted, 1)
}

// HandshakeFailed учитывает неудачное DTLS рукопожатие
func (mc *MetricsCollector) HandshakeFailed() {
	if !mc.enabled {
		return
	}
	atomic.AddInt64(&mc.handshakesFailed, 1)
}

// HeartbeatTimeout учитывает срабатывание таймаута тишины RTP
func (mc *MetricsCollector) HeartbeatTimeout() {
	if !mc.enabled {
		return
	}
	atomic.AddInt64(&mc.heartbeatTimeouts, 1)
}

// GetPerformanceCounters возвращает текущие performance counters
func (mc *MetricsCollector) GetPerformanceCounters() map[string]int64 {
	if !mc.enabled {
		return nil
	}

	return map[string]int64{
		"rtp_received":         atomic.LoadInt64(&mc.received[ProtocolRTP]),
		"rtcp_received":        atomic.LoadInt64(&mc.received[ProtocolRTCP]),
		"stun_received":        atomic.LoadInt64(&mc.received[ProtocolSTUN]),
		"dtls_received":        atomic.LoadInt64(&mc.received[ProtocolDTLS]),
		"rtp_sent":             atomic.LoadInt64(&mc.sent[ProtocolRTP]),
		"rtcp_sent":            atomic.LoadInt64(&mc.sent[ProtocolRTCP]),
		"stun_sent":            atomic.LoadInt64(&mc.sent[ProtocolSTUN]),
		"packets_dropped":      atomic.LoadInt64(&mc.dropped),
		"channels_opened":      atomic.LoadInt64(&mc.channelsOpened),
		"channels_active":      atomic.LoadInt64(&mc.channelsActive),
		"handshakes_completed": atomic.LoadInt64(&mc.handshakesCompleted),
		"handshakes_failed":    atomic.LoadInt64(&mc.handshakesFailed),
		"heartbeat_timeouts":   atomic.LoadInt64(&mc.heartbeatTimeouts),
	}
}
