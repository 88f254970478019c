package transport

import "fmt"

// ConnectionMode определяет режим работы медиа канала.
// Режим задает направление потока и управляет приемом пакетов:
// канал в режиме только отправки не обрабатывает входящий RTP.
type ConnectionMode int

const (
	// ModeInactive канал не принимает и не отправляет медиа
	ModeInactive ConnectionMode = iota
	// ModeSendOnly канал только отправляет, входящий RTP отбрасывается
	ModeSendOnly
	// ModeRecvOnly канал только принимает
	ModeRecvOnly
	// ModeSendRecv двунаправленный обмен
	ModeSendRecv
	// ModeConference участие в конференции, прием включен
	ModeConference
	// ModeNetworkLoopback входящие пакеты возвращаются отправителю без обработки
	ModeNetworkLoopback
)

// String возвращает строковое представление режима
func (m ConnectionMode) String() string {
	switch m {
	case ModeInactive:
		return "inactive"
	case ModeSendOnly:
		return "sendonly"
	case ModeRecvOnly:
		return "recvonly"
	case ModeSendRecv:
		return "sendrecv"
	case ModeConference:
		return "conference"
	case ModeNetworkLoopback:
		return "loopback"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// flagsForMode возвращает флаги приема и эха для режима.
// Неизвестный режим не меняет текущие флаги канала, ok == false.
func flagsForMode(mode ConnectionMode) (receivable, loopable, ok bool) {
	switch mode {
	case ModeSendOnly, ModeInactive:
		return false, false, true
	case ModeRecvOnly, ModeSendRecv, ModeConference:
		return true, false, true
	case ModeNetworkLoopback:
		return false, true, true
	default:
		return false, false, false
	}
}
