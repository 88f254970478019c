package transport

import (
	"encoding/binary"
	"fmt"
)

// Protocol тег протокола, определенный по структурной сигнатуре датаграммы.
type Protocol int

const (
	// ProtocolUnknown датаграмма не распознана и молча отбрасывается
	ProtocolUnknown Protocol = iota
	// ProtocolRTP медиа пакеты
	ProtocolRTP
	// ProtocolRTCP отчеты о качестве потока (rtcp-mux, RFC 5761)
	ProtocolRTCP
	// ProtocolSTUN проверки связности ICE
	ProtocolSTUN
	// ProtocolDTLS записи рукопожатия DTLS-SRTP (RFC 5764)
	ProtocolDTLS
)

// String возвращает строковое представление тега протокола
func (p Protocol) String() string {
	switch p {
	case ProtocolRTP:
		return "rtp"
	case ProtocolRTCP:
		return "rtcp"
	case ProtocolSTUN:
		return "stun"
	case ProtocolDTLS:
		return "dtls"
	case ProtocolUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("protocol(%d)", int(p))
	}
}

// Структурные сигнатуры протоколов по RFC 5764 раздел 5.1.2 и RFC 5761 раздел 4.
// Диапазоны первого байта взаимоисключающие, поэтому классификация однозначна.
const (
	// Первый байт DTLS записи - content type [20, 63]
	dtlsFirstByteMin = 20
	dtlsFirstByteMax = 63

	// Первые два бита STUN сообщения нулевые, первый байт [0, 3]
	stunFirstByteMax = 3

	// RTP/RTCP version == 2 в старших битах, первый байт [128, 191]
	rtpFirstByteMin = 128
	rtpFirstByteMax = 191

	// RTCP payload types SR..APP (RFC 3550), отличимы от RTP по второму байту
	rtcpPayloadTypeMin = 200
	rtcpPayloadTypeMax = 204

	// Magic cookie STUN по смещению 4 (RFC 5389 раздел 6)
	stunMagicCookie = 0x2112A442

	// Минимальные длины: заголовок STUN, общий заголовок RTCP, заголовок RTP
	stunHeaderLength = 20
	minRTCPLength    = 8
	minRTPLength     = 12
)

// Classify определяет протокол датаграммы по первым байтам.
// Функция тотальна: для любого среза возвращает ровно один тег и не паникует.
// Состояние сессии не затрагивается, память не выделяется, поэтому
// классификатор используется и конвейером, и тестовыми стендами.
func Classify(data []byte) Protocol {
	if len(data) == 0 {
		return ProtocolUnknown
	}

	first := data[0]
	switch {
	case first >= dtlsFirstByteMin && first <= dtlsFirstByteMax:
		return ProtocolDTLS

	case first <= stunFirstByteMax:
		if len(data) >= stunHeaderLength && binary.BigEndian.Uint32(data[4:8]) == stunMagicCookie {
			return ProtocolSTUN
		}
		return ProtocolUnknown

	case first >= rtpFirstByteMin && first <= rtpFirstByteMax:
		// RTCP проверяется первым: payload type RTCP занимает весь второй
		// байт, у RTP там маркер и 7 бит payload type (RFC 5761)
		if len(data) >= minRTCPLength && data[1] >= rtcpPayloadTypeMin && data[1] <= rtcpPayloadTypeMax {
			return ProtocolRTCP
		}
		if len(data) >= minRTPLength {
			return ProtocolRTP
		}
		return ProtocolUnknown

	default:
		return ProtocolUnknown
	}
}
