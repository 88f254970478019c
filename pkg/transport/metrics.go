//go:build prometheus

package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig конфигурация системы метрик транспорта.
type MetricsConfig struct {
	// Enabled включает/выключает сбор метрик
	Enabled bool

	// Namespace префикс для Prometheus метрик
	Namespace string

	// Subsystem подсистема для Prometheus метрик
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
// Экспортирует Prometheus метрики и дублирует события в атомарных
// performance counters для внутренней диагностики. Prometheus метрики
// регистрируются в глобальном реестре один раз на процесс.
type MetricsCollector struct {
	enabled bool

	packetsReceived *prometheus.CounterVec
	packetsSent     *prometheus.CounterVec
	packetsDropped  prometheus.Counter
	channelsTotal   prometheus.Counter
	channelsActive  prometheus.Gauge
	handshakes      *prometheus.CounterVec
	handshakeTime   prometheus.Histogram
	timeouts        prometheus.Counter

	received [5]int64 // индекс - Protocol
	sent     [5]int64
	dropped  int64

	channelsOpenedCtr int64
	channelsActiveCtr int64

	handshakesCompleted int64
	handshakesFailed    int64
	heartbeatTimeouts   int64
}

var (
	promRegisterOnce sync.Once
	promMetrics      struct {
		packetsReceived *prometheus.CounterVec
		packetsSent     *prometheus.CounterVec
		packetsDropped  prometheus.Counter
		channelsTotal   prometheus.Counter
		channelsActive  prometheus.Gauge
		handshakes      *prometheus.CounterVec
		handshakeTime   prometheus.Histogram
		timeouts        prometheus.Counter
	}
)

// registerPrometheusMetrics регистрирует метрики в глобальном реестре.
// Вызывается один раз: повторная регистрация тех же имен вызывает панику
// promauto, а сборщиков в процессе может быть несколько.
func registerPrometheusMetrics(namespace, subsystem string) {
	promRegisterOnce.Do(func() {
		promMetrics.packetsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_received_total",
			Help:      "Total datagrams delivered to protocol handlers",
		}, []string{"protocol"})

		promMetrics.packetsSent = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_sent_total",
			Help:      "Total datagrams written to the socket by protocol",
		}, []string{"protocol"})

		promMetrics.packetsDropped = promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_dropped_total",
			Help:      "Total datagrams dropped by the demultiplexer",
		})

		promMetrics.channelsTotal = promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "channels_total",
			Help:      "Total transport channels bound",
		})

		promMetrics.channelsActive = promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "channels_active",
			Help:      "Currently bound transport channels",
		})

		promMetrics.handshakes = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dtls_handshakes_total",
			Help:      "DTLS handshake outcomes",
		}, []string{"result"})

		promMetrics.handshakeTime = promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dtls_handshake_duration_seconds",
			Help:      "DTLS handshake duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		})

		promMetrics.timeouts = promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "heartbeat_timeouts_total",
			Help:      "RTP silence timeouts fired",
		})
	})
}

// NewMetricsCollector создает сборщик метрик транспорта
func NewMetricsCollector(config *MetricsConfig) *MetricsCollector {
	if config == nil {
		config = DefaultMetricsConfig()
	}
	if !config.Enabled {
		return &MetricsCollector{enabled: false}
	}

	registerPrometheusMetrics(config.Namespace, config.Subsystem)

	return &MetricsCollector{
		enabled:         true,
		packetsReceived: promMetrics.packetsReceived,
		packetsSent:     promMetrics.packetsSent,
		packetsDropped:  promMetrics.packetsDropped,
		channelsTotal:   promMetrics.channelsTotal,
		channelsActive:  promMetrics.channelsActive,
		handshakes:      promMetrics.handshakes,
		handshakeTime:   promMetrics.handshakeTime,
		timeouts:        promMetrics.timeouts,
	}
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
	mc.packetsReceived.WithLabelValues(proto.String()).Inc()
	atomic.AddInt64(&mc.received[proto], 1)
}

// PacketSent учитывает отправленную датаграмму протокола
func (mc *MetricsCollector) PacketSent(proto Protocol) {
	if !mc.enabled || proto < 0 || int(proto) >= len(mc.sent) {
		return
	}
	mc.packetsSent.WithLabelValues(proto.String()).Inc()
	atomic.AddInt64(&mc.sent[proto], 1)
}

// PacketDropped учитывает отброшенную датаграмму
func (mc *MetricsCollector) PacketDropped() {
	if !mc.enabled {
		return
	}
	mc.packetsDropped.Inc()
	atomic.AddInt64(&mc.dropped, 1)
}

// ChannelOpened учитывает привязку канала
func (mc *MetricsCollector) ChannelOpened() {
	if !mc.enabled {
		return
	}
	mc.channelsTotal.Inc()
	mc.channelsActive.Inc()
	atomic.AddInt64(&mc.channelsOpenedCtr, 1)
	atomic.AddInt64(&mc.channelsActiveCtr, 1)
}

// ChannelClosed учитывает закрытие канала
func (mc *MetricsCollector) ChannelClosed() {
	if !mc.enabled {
		return
	}
	mc.channelsActive.Dec()
	atomic.AddInt64(&mc.channelsActiveCtr, -1)
}

// HandshakeCompleted учитывает успешное DTLS рукопожатие
func (mc *MetricsCollector) HandshakeCompleted(duration time.Duration) {
	if !mc.enabled {
		return
	}
	mc.handshakes.WithLabelValues("completed").Inc()
	mc.handshakeTime.Observe(duration.Seconds())
	atomic.AddInt64(&mc.handshakesCompleted, 1)
}

// HandshakeFailed учитывает неудачное DTLS рукопожатие
func (mc *MetricsCollector) HandshakeFailed() {
	if !mc.enabled {
		return
	}
	mc.handshakes.WithLabelValues("failed").Inc()
	atomic.AddInt64(&mc.handshakesFailed, 1)
}

// HeartbeatTimeout учитывает срабатывание таймаута тишины RTP
func (mc *MetricsCollector) HeartbeatTimeout() {
	if !mc.enabled {
		return
	}
	mc.timeouts.Inc()
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
		"channels_opened":      atomic.LoadInt64(&mc.channelsOpenedCtr),
		"channels_active":      atomic.LoadInt64(&mc.channelsActiveCtr),
		"handshakes_completed": atomic.LoadInt64(&mc.handshakesCompleted),
		"handshakes_failed":    atomic.LoadInt64(&mc.handshakesFailed),
		"heartbeat_timeouts":   atomic.LoadInt64(&mc.heartbeatTimeouts),
	}
}
