// Package format содержит таблицу аудио форматов RTP потока.
// Таблица принадлежит сессионному слою и читается транспортом без блокировок:
// замена таблицы выполняется целиком через смену ссылки.
package format

import "fmt"

// Format описывает аудио формат RTP потока.
// Значения неизменяемы после создания, поэтому формат можно безопасно
// разделять между горутинами и каналами.
type Format struct {
	PayloadType uint8
	Name        string
	ClockRate   uint32
	Channels    uint8
}

// Стандартные форматы (RFC 3551 таблица 4) и динамические форматы,
// используемые транспортом. Конструируются один раз при старте процесса.
var (
	// PCMU - G.711 mu-law
	PCMU = Format{PayloadType: 0, Name: "PCMU", ClockRate: 8000, Channels: 1}

	// PCMA - G.711 A-law
	PCMA = Format{PayloadType: 8, Name: "PCMA", ClockRate: 8000, Channels: 1}

	// G722 - широкополосный кодек (clock rate 8000 по RFC 3551 4.5.2)
	G722 = Format{PayloadType: 9, Name: "G722", ClockRate: 8000, Channels: 1}

	// Linear16 - несжатый PCM для внутренних генераторов (динамический payload type)
	Linear16 = Format{PayloadType: 96, Name: "L16", ClockRate: 8000, Channels: 1}

	// TelephoneEvent - DTMF события по RFC 4733 (события 0-15)
	TelephoneEvent = Format{PayloadType: 101, Name: "telephone-event", ClockRate: 8000, Channels: 1}
)

// String возвращает представление формата в стиле rtpmap.
func (f Format) String() string {
	if f.Channels > 1 {
		return fmt.Sprintf("%d %s/%d/%d", f.PayloadType, f.Name, f.ClockRate, f.Channels)
	}
	return fmt.Sprintf("%d %s/%d", f.PayloadType, f.Name, f.ClockRate)
}

// IsDTMF сообщает, описывает ли формат telephone-event поток.
func (f Format) IsDTMF() bool {
	return f.Name == "telephone-event"
}

// Map упорядоченная таблица payload type -> Format.
// Порядок добавления сохраняется: он отражает приоритет кодеков.
//
// Map не потокобезопасна. Владелец заменяет таблицу канала целиком
// (см. Channel.SetFormats), читатели работают со снимком ссылки.
type Map struct {
	order   []uint8
	formats map[uint8]Format
}

// NewMap создает пустую таблицу форматов.
func NewMap() *Map {
	return &Map{
		order:   make([]uint8, 0, 8),
		formats: make(map[uint8]Format),
	}
}

// DefaultAudioMap возвращает типовую таблицу софтфона:
// PCMU, PCMA и telephone-event для DTMF.
func DefaultAudioMap() *Map {
	m := NewMap()
	m.Add(PCMU)
	m.Add(PCMA)
	m.Add(TelephoneEvent)
	return m
}

// Add добавляет формат в таблицу. Повторное добавление payload type
// заменяет формат, сохраняя его позицию в порядке приоритета.
func (m *Map) Add(f Format) {
	if _, ok := m.formats[f.PayloadType]; !ok {
		m.order = append(m.order, f.PayloadType)
	}
	m.formats[f.PayloadType] = f
}

// Get возвращает формат по payload type.
func (m *Map) Get(payloadType uint8) (Format, bool) {
	f, ok := m.formats[payloadType]
	return f, ok
}

// Remove удаляет формат из таблицы. Отсутствующий payload type игнорируется.
func (m *Map) Remove(payloadType uint8) {
	if _, ok := m.formats[payloadType]; !ok {
		return
	}
	delete(m.formats, payloadType)
	for i, pt := range m.order {
		if pt == payloadType {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Len возвращает количество форматов в таблице.
func (m *Map) Len() int {
	return len(m.order)
}

// EachOrdered обходит форматы в порядке приоритета.
// Обход останавливается когда fn возвращает false.
func (m *Map) EachOrdered(fn func(Format) bool) {
	for _, pt := range m.order {
		if !fn(m.formats[pt]) {
			return
		}
	}
}

// Clone возвращает независимую копию таблицы.
// Используется при горячей замене таблицы канала.
func (m *Map) Clone() *Map {
	clone := &Map{
		order:   make([]uint8, len(m.order)),
		formats: make(map[uint8]Format, len(m.formats)),
	}
	copy(clone.order, m.order)
	for pt, f := range m.formats {
		clone.formats[pt] = f
	}
	return clone
}

// DTMF возвращает telephone-event формат таблицы, если он есть.
func (m *Map) DTMF() (Format, bool) {
	for _, pt := range m.order {
		if f := m.formats[pt]; f.IsDTMF() {
			return f, true
		}
	}
	return Format{}, false
}
