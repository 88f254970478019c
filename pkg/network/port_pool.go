package network

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// PortAllocationStrategy стратегия выбора порта из пула.
type PortAllocationStrategy int

const (
	// PortAllocationSequential выделяет порты по возрастанию
	PortAllocationSequential PortAllocationStrategy = iota
	// PortAllocationRandom выделяет порты в случайном порядке
	PortAllocationRandom
)

// PortPool управляет пулом RTP портов медиа транспорта.
// RTP использует четные порты (RFC 3550 раздел 11), нечетный порт выше
// резервируется под RTCP когда rtcp-mux выключен.
type PortPool struct {
	minPort   uint16
	maxPort   uint16
	step      int
	strategy  PortAllocationStrategy
	allocated map[uint16]bool
	free      []uint16
	rand      *rand.Rand
	mutex     sync.Mutex
}

// NewPortPool создает пул портов [minPort, maxPort] с шагом step.
// Для RTP minPort и maxPort должны быть четными, step обычно 2.
func NewPortPool(minPort, maxPort uint16, step int, strategy PortAllocationStrategy) *PortPool {
	pool := &PortPool{
		minPort:   minPort,
		maxPort:   maxPort,
		step:      step,
		strategy:  strategy,
		allocated: make(map[uint16]bool),
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	for port := minPort; port <= maxPort; port += uint16(step) {
		pool.free = append(pool.free, port)
		if port > maxPort-uint16(step) {
			// Защита от переполнения uint16 на верхней границе диапазона
			break
		}
	}

	if strategy == PortAllocationRandom {
		pool.rand.Shuffle(len(pool.free), func(i, j int) {
			pool.free[i], pool.free[j] = pool.free[j], pool.free[i]
		})
	}

	return pool
}

// Allocate выделяет свободный порт из пула.
// Возвращает ошибку когда все порты заняты.
func (p *PortPool) Allocate() (uint16, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if len(p.free) == 0 {
		return 0, NewNetworkError(ErrorCodePoolExhausted,
			fmt.Sprintf("нет свободных портов в диапазоне [%d, %d]", p.minPort, p.maxPort))
	}

	idx := 0
	if p.strategy == PortAllocationRandom {
		idx = p.rand.Intn(len(p.free))
	}

	port := p.free[idx]
	p.free = append(p.free[:idx], p.free[idx+1:]...)
	p.allocated[port] = true

	return port, nil
}

// Release возвращает порт в пул. Порт вне диапазона или не выделенный
// из этого пула считается ошибкой вызывающего.
func (p *PortPool) Release(port uint16) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if port < p.minPort || port > p.maxPort {
		netErr := NewNetworkError(ErrorCodePortRelease,
			fmt.Sprintf("порт вне диапазона [%d, %d]", p.minPort, p.maxPort))
		netErr.Port = port
		return netErr
	}
	if !p.allocated[port] {
		netErr := NewNetworkError(ErrorCodePortRelease, "порт не был выделен из пула")
		netErr.Port = port
		return netErr
	}

	delete(p.allocated, port)

	if p.strategy == PortAllocationSequential {
		// Сохраняем возрастающий порядок свободного списка
		inserted := false
		for i, free := range p.free {
			if free > port {
				p.free = append(p.free[:i], append([]uint16{port}, p.free[i:]...)...)
				inserted = true
				break
			}
		}
		if !inserted {
			p.free = append(p.free, port)
		}
	} else {
		p.free = append(p.free, port)
	}

	return nil
}

// Available возвращает количество свободных портов.
func (p *PortPool) Available() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.free)
}

// ValidatePortRange проверяет диапазон RTP портов:
// minPort < maxPort, оба четные, шаг положительный.
func ValidatePortRange(minPort, maxPort uint16, step int) error {
	if minPort >= maxPort {
		return fmt.Errorf("MinPort должен быть меньше MaxPort")
	}
	if minPort%2 != 0 {
		return fmt.Errorf("MinPort должен быть четным")
	}
	if maxPort%2 != 0 {
		return fmt.Errorf("MaxPort должен быть четным")
	}
	if step <= 0 {
		return fmt.Errorf("PortStep должен быть больше 0")
	}
	return nil
}
