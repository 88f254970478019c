package transport

import "net"

// Приоритеты обслуживания обработчиков. Чем выше значение, тем раньше
// протокол обслуживается при пакетной диспетчеризации. Порядок отражает
// частоту трафика: RTP пакет приходит каждые 20 мс, STUN проверка каждые
// 400 мс, RTCP отчет раз в несколько секунд.
const (
	PriorityRTP  = 3
	PrioritySTUN = 2
	PriorityDTLS = 2
	PriorityRTCP = 1
)

// PacketHandler обработчик входящих датаграмм одного протокола.
// Конвейер вызывает HandlePacket из читающей горутины канала, поэтому
// реализации не должны блокировать: тяжелая работа (рукопожатие DTLS)
// выполняется в собственных горутинах обработчика.
type PacketHandler interface {
	// Protocol возвращает тег протокола, на который подписан обработчик
	Protocol() Protocol

	// Priority возвращает приоритет обслуживания
	Priority() int

	// HandlePacket обрабатывает одну входящую датаграмму.
	// src - адрес источника датаграммы.
	HandlePacket(data []byte, src *net.UDPAddr) error

	// Reset возвращает обработчик в исходное состояние для повторного
	// использования после закрытия канала
	Reset()
}

// Datagram входящая датаграмма с адресом источника, единица пакетной
// диспетчеризации.
type Datagram struct {
	Data []byte
	Src  *net.UDPAddr
}
