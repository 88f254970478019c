package format

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// Имена статических payload types (RFC 3551), для которых rtpmap
// в SDP может отсутствовать.
var staticPayloadNames = map[uint8]Format{
	0: PCMU,
	8: PCMA,
	9: G722,
}

// MapFromSDP строит таблицу форматов из медиа описания SDP.
// Порядок форматов берется из строки m= (порядок приоритета по RFC 3264),
// имена и clock rate из rtpmap атрибутов. Статические payload types без
// rtpmap получают имена из RFC 3551. Offer/answer согласование не
// выполняется: таблица лишь отражает содержимое описания.
func MapFromSDP(media *sdp.MediaDescription) (*Map, error) {
	if media == nil {
		return nil, fmt.Errorf("медиа описание не может быть nil")
	}

	// Собираем rtpmap атрибуты: "<pt> <name>/<rate>[/<channels>]"
	rtpmaps := make(map[uint8]Format)
	for _, attr := range media.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		f, err := parseRtpmap(attr.Value)
		if err != nil {
			return nil, fmt.Errorf("некорректный rtpmap %q: %w", attr.Value, err)
		}
		rtpmaps[f.PayloadType] = f
	}

	m := NewMap()
	for _, formatStr := range media.MediaName.Formats {
		pt, err := strconv.Atoi(formatStr)
		if err != nil || pt < 0 || pt > 127 {
			// Нечисловые форматы (например, telephone-event без rtpmap)
			// пропускаем, они не являются RTP payload types
			continue
		}
		payloadType := uint8(pt)

		if f, ok := rtpmaps[payloadType]; ok {
			m.Add(f)
			continue
		}
		if f, ok := staticPayloadNames[payloadType]; ok {
			m.Add(f)
		}
	}

	if m.Len() == 0 {
		return nil, fmt.Errorf("нет поддерживаемых форматов в медиа описании")
	}
	return m, nil
}

// parseRtpmap разбирает значение rtpmap атрибута.
func parseRtpmap(value string) (Format, error) {
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 {
		return Format{}, fmt.Errorf("ожидается '<pt> <encoding>'")
	}

	pt, err := strconv.Atoi(parts[0])
	if err != nil || pt < 0 || pt > 127 {
		return Format{}, fmt.Errorf("некорректный payload type %q", parts[0])
	}

	encoding := strings.Split(parts[1], "/")
	if len(encoding) < 2 {
		return Format{}, fmt.Errorf("ожидается '<name>/<rate>'")
	}

	rate, err := strconv.Atoi(encoding[1])
	if err != nil || rate <= 0 {
		return Format{}, fmt.Errorf("некорректный clock rate %q", encoding[1])
	}

	channels := 1
	if len(encoding) > 2 {
		if channels, err = strconv.Atoi(encoding[2]); err != nil || channels <= 0 {
			return Format{}, fmt.Errorf("некорректное число каналов %q", encoding[2])
		}
	}

	return Format{
		PayloadType: uint8(pt),
		Name:        encoding[0],
		ClockRate:   uint32(rate),
		Channels:    uint8(channels),
	}, nil
}

// AttachToSDP добавляет форматы таблицы в медиа описание:
// список payload types в m= строку и rtpmap/fmtp атрибуты.
// Для telephone-event дополнительно пишется fmtp с диапазоном событий 0-15.
func AttachToSDP(m *Map, media *sdp.MediaDescription) {
	if m == nil || media == nil {
		return
	}

	m.EachOrdered(func(f Format) bool {
		media.MediaName.Formats = append(media.MediaName.Formats, strconv.Itoa(int(f.PayloadType)))

		value := fmt.Sprintf("%d %s/%d", f.PayloadType, f.Name, f.ClockRate)
		if f.Channels > 1 {
			value = fmt.Sprintf("%s/%d", value, f.Channels)
		}
		media.Attributes = append(media.Attributes, sdp.Attribute{
			Key:   "rtpmap",
			Value: value,
		})

		if f.IsDTMF() {
			media.Attributes = append(media.Attributes, sdp.Attribute{
				Key:   "fmtp",
				Value: fmt.Sprintf("%d 0-15", f.PayloadType),
			})
		}
		return true
	})
}
