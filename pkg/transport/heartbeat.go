package transport

import (
	"log/slog"
	"sync"
	"time"

	"github.com/arzzra/media_transport/pkg/scheduler"
)

// Период проверки тишины: четверть таймаута, в пределах [20 мс, 1 с].
// Нижняя граница защищает планировщик от вырожденных таймаутов,
// верхняя ограничивает задержку обнаружения на длинных таймаутах.
const (
	heartbeatPeriodDivisor = 4
	minHeartbeatPeriod     = 20 * time.Millisecond
	maxHeartbeatPeriod     = time.Second
)

func heartbeatPeriod(timeout time.Duration) time.Duration {
	period := timeout / heartbeatPeriodDivisor
	if period < minHeartbeatPeriod {
		period = minHeartbeatPeriod
	}
	if period > maxHeartbeatPeriod {
		period = maxHeartbeatPeriod
	}
	return period
}

// HeartbeatMonitor следит за тишиной входящего RTP потока.
//
// Взведенный монитор периодически сравнивает время последней активности
// канала с таймаутом. При превышении уведомление доставляется ровно один
// раз, после чего монитор снимается до следующего взведения. Поколение
// взведения защищает от устаревших проверок: Cancel и повторный Arm
// инвалидируют все ранее запланированные задачи.
type HeartbeatMonitor struct {
	channelID string
	stats     *Statistics
	sched     *scheduler.Scheduler
	logger    *slog.Logger
	onTimeout func(elapsed time.Duration)

	mutex      sync.Mutex
	armed      bool
	generation uint64
	timeout    time.Duration
	period     time.Duration
}

// NewHeartbeatMonitor создает монитор тишины канала.
// onTimeout вызывается из горутины планировщика и не должен блокировать.
func NewHeartbeatMonitor(channelID string, stats *Statistics, sched *scheduler.Scheduler, onTimeout func(elapsed time.Duration)) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		channelID: channelID,
		stats:     stats,
		sched:     sched,
		logger: slog.Default().With(
			slog.String("component", "heartbeat_monitor"),
			slog.String("channel_id", channelID)),
		onTimeout: onTimeout,
	}
}

// Arm взводит монитор с заданным таймаутом тишины.
// Отсчет начинается заново: время последней активности сбрасывается
// на текущее. Повторное взведение заменяет предыдущее.
func (h *HeartbeatMonitor) Arm(timeout time.Duration) {
	if timeout <= 0 {
		h.Cancel()
		return
	}

	h.mutex.Lock()
	h.generation++
	gen := h.generation
	h.armed = true
	h.timeout = timeout
	h.period = heartbeatPeriod(timeout)
	h.mutex.Unlock()

	h.stats.TouchActivity(h.sched.Now())
	h.schedule(gen)

	h.logger.Debug("мониторинг тишины взведен",
		slog.Duration("timeout", timeout))
}

// Cancel снимает монитор. Идемпотентен: повторные и конкурентные вызовы
// безопасны, уже доставленное уведомление не отзывается.
func (h *HeartbeatMonitor) Cancel() {
	h.mutex.Lock()
	wasArmed := h.armed
	h.armed = false
	h.generation++
	h.mutex.Unlock()

	if wasArmed {
		h.logger.Debug("мониторинг тишины снят")
	}
}

// Armed сообщает, взведен ли монитор.
func (h *HeartbeatMonitor) Armed() bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.armed
}

func (h *HeartbeatMonitor) schedule(gen uint64) {
	h.mutex.Lock()
	period := h.period
	h.mutex.Unlock()

	if !h.sched.SubmitHeartbeat(period, func() { h.check(gen) }) {
		// Планировщик остановлен, мониторинг дальше невозможен
		h.mutex.Lock()
		if gen == h.generation {
			h.armed = false
		}
		h.mutex.Unlock()
	}
}

// check сравнивает тишину с таймаутом и либо уведомляет, либо
// перепланирует следующую проверку.
func (h *HeartbeatMonitor) check(gen uint64) {
	h.mutex.Lock()
	if !h.armed || gen != h.generation {
		h.mutex.Unlock()
		return
	}

	elapsed := h.sched.Now().Sub(h.stats.LastActivity())
	if elapsed > h.timeout {
		// Снимаемся до уведомления: срабатывание строго однократное,
		// перепланирования после него нет
		h.armed = false
		cb := h.onTimeout
		h.mutex.Unlock()

		h.logger.Warn("таймаут тишины RTP потока",
			slog.Duration("elapsed", elapsed))
		if cb != nil {
			cb(elapsed)
		}
		return
	}
	h.mutex.Unlock()

	h.schedule(gen)
}
