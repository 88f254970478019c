// Package scheduler содержит очередь отложенных задач для heartbeat
// мониторинга транспортных каналов. Очередь выделена отдельно от медиа
// обработки: проверки таймаутов не должны зависеть от интенсивности
// RTP трафика.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Clock источник времени для планировщика и мониторов.
// Подменяется в тестах для детерминированных проверок таймаутов.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock возвращает часы на основе time.Now.
// time.Time несет монотонную компоненту, поэтому разности корректны
// при переводе системных часов.
func SystemClock() Clock { return systemClock{} }

// Task единица работы heartbeat очереди.
type Task func()

// Scheduler выполняет отложенные задачи в выделенной heartbeat очереди.
// Задачи выполняются строго последовательно одной горутиной.
type Scheduler struct {
	clock  Clock
	queue  chan Task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mutex  sync.Mutex
	closed bool
	logger *slog.Logger
}

// NewScheduler создает и запускает планировщик.
// При clock == nil используются системные часы.
func NewScheduler(clock Clock) *Scheduler {
	if clock == nil {
		clock = SystemClock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		clock:  clock,
		queue:  make(chan Task, 64),
		ctx:    ctx,
		cancel: cancel,
		logger: slog.Default().With(slog.String("component", "heartbeat_scheduler")),
	}

	s.wg.Add(1)
	go s.loop()

	return s
}

// Now возвращает текущее время планировщика.
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// SubmitHeartbeat планирует задачу в heartbeat очередь через delay.
// Возвращает false, если планировщик остановлен и задача не будет выполнена.
func (s *Scheduler) SubmitHeartbeat(delay time.Duration, task Task) bool {
	if task == nil {
		return false
	}

	s.mutex.Lock()
	closed := s.closed
	s.mutex.Unlock()
	if closed {
		return false
	}

	if delay <= 0 {
		s.enqueue(task)
		return true
	}

	time.AfterFunc(delay, func() {
		s.enqueue(task)
	})
	return true
}

// Stop останавливает очередь. Запланированные, но не выполненные задачи
// отбрасываются. Повторный вызов безопасен.
func (s *Scheduler) Stop() {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return
	}
	s.closed = true
	s.mutex.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) enqueue(task Task) {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return
	}
	s.mutex.Unlock()

	select {
	case s.queue <- task:
	case <-s.ctx.Done():
	}
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	for {
		select {
		case task := <-s.queue:
			s.execute(task)
		case <-s.ctx.Done():
			return
		}
	}
}

// execute выполняет задачу с защитой от паники: одна задача не должна
// останавливать всю heartbeat очередь.
func (s *Scheduler) execute(task Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("паника в heartbeat задаче", slog.Any("panic", r))
		}
	}()
	task()
}
