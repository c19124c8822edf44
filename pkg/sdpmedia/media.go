// Package sdpmedia предоставляет согласованное описание медиа секции (m=)
// поверх pion/sdp с доступом к MID, направлению, типу и таблице extmap.
package sdpmedia

import (
	"fmt"
	"strings"

	"github.com/arzzra/rtc_track/pkg/rtp"
	"github.com/pion/sdp/v3"
)

const (
	attrMid    = "mid"
	attrExtMap = "extmap"

	// MinExtID и MaxExtID диапазон идентификаторов one-byte расширений (RFC 8285)
	MinExtID = 1
	MaxExtID = 14
)

// Media описание одной медиа секции.
//
// Media не потокобезопасна: владелец (трек) сериализует доступ сам и
// отдает наружу копии через Clone.
type Media struct {
	desc *sdp.MediaDescription
}

// New создает описание медиа секции с указанными типом, MID и направлением
func New(mediaType, mid string, dir rtp.Direction) *Media {
	desc := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   mediaType,
			Port:    sdp.RangedPort{Value: 9},
			Protos:  []string{"UDP", "TLS", "RTP", "SAVPF"},
			Formats: []string{},
		},
	}
	desc.WithValueAttribute(attrMid, mid)
	desc.WithPropertyAttribute(dir.String())
	return &Media{desc: desc}
}

// FromSDP создает Media из копии описания pion/sdp
func FromSDP(desc *sdp.MediaDescription) *Media {
	if desc == nil {
		return nil
	}
	return &Media{desc: cloneDescription(desc)}
}

// ParseMedia разбирает SDP и возвращает медиа секцию с указанным MID.
// Пустой mid выбирает первую секцию.
func ParseMedia(raw string, mid string) (*Media, error) {
	var session sdp.SessionDescription
	if err := session.Unmarshal([]byte(raw)); err != nil {
		return nil, fmt.Errorf("ошибка разбора SDP: %w", err)
	}

	for _, desc := range session.MediaDescriptions {
		if mid == "" {
			return FromSDP(desc), nil
		}
		if value, ok := desc.Attribute(attrMid); ok && value == mid {
			return FromSDP(desc), nil
		}
	}
	return nil, fmt.Errorf("медиа секция с mid %q не найдена", mid)
}

// Mid возвращает идентификатор медиа секции (a=mid)
func (m *Media) Mid() string {
	value, _ := m.desc.Attribute(attrMid)
	return value
}

// Type возвращает тип медиа из m= строки (audio, video, application...)
func (m *Media) Type() string {
	return m.desc.MediaName.Media
}

// Direction возвращает направление медиа. При отсутствии атрибута
// используется sendrecv (RFC 3264 Section 5.1).
func (m *Media) Direction() rtp.Direction {
	for _, attr := range m.desc.Attributes {
		if attr.Value != "" {
			continue
		}
		if dir, err := rtp.ParseDirection(attr.Key); err == nil {
			return dir
		}
	}
	return rtp.DirectionSendRecv
}

// SetDirection заменяет атрибут направления
func (m *Media) SetDirection(dir rtp.Direction) {
	attrs := m.desc.Attributes[:0]
	for _, attr := range m.desc.Attributes {
		if attr.Value == "" {
			if _, err := rtp.ParseDirection(attr.Key); err == nil {
				continue
			}
		}
		attrs = append(attrs, attr)
	}
	m.desc.Attributes = append(attrs, sdp.NewPropertyAttribute(dir.String()))
}

// ExtMaps возвращает разобранные extmap атрибуты. Некорректные атрибуты пропускаются.
func (m *Media) ExtMaps() []sdp.ExtMap {
	var maps []sdp.ExtMap
	for _, attr := range m.desc.Attributes {
		if attr.Key != attrExtMap {
			continue
		}
		var ext sdp.ExtMap
		if err := ext.Unmarshal(attrExtMap + ":" + attr.Value); err != nil {
			continue
		}
		maps = append(maps, ext)
	}
	return maps
}

// FindExtID возвращает идентификатор расширения с указанным URI
func (m *Media) FindExtID(uri string) (int, bool) {
	for _, ext := range m.ExtMaps() {
		if ext.URI != nil && ext.URI.String() == uri {
			return ext.Value, true
		}
	}
	return 0, false
}

// NextExtID возвращает наименьший свободный идентификатор в диапазоне
// one-byte расширений или 0, если все заняты
func (m *Media) NextExtID() int {
	used := make(map[int]bool)
	for _, ext := range m.ExtMaps() {
		used[ext.Value] = true
	}
	for id := MinExtID; id <= MaxExtID; id++ {
		if !used[id] {
			return id
		}
	}
	return 0
}

// AddExtMap добавляет extmap атрибут. Повторное добавление того же
// сопоставления не изменяет описание; конфликт id или URI - ошибка.
func (m *Media) AddExtMap(id int, uri string) error {
	if id < MinExtID || id > MaxExtID {
		return fmt.Errorf("идентификатор расширения %d вне диапазона %d-%d", id, MinExtID, MaxExtID)
	}
	if strings.TrimSpace(uri) == "" {
		return fmt.Errorf("URI расширения не может быть пустым")
	}

	for _, ext := range m.ExtMaps() {
		existing := ""
		if ext.URI != nil {
			existing = ext.URI.String()
		}
		switch {
		case ext.Value == id && existing == uri:
			return nil
		case ext.Value == id:
			return fmt.Errorf("идентификатор расширения %d уже занят %s", id, existing)
		case existing == uri:
			return fmt.Errorf("расширение %s уже сопоставлено идентификатору %d", uri, ext.Value)
		}
	}

	m.desc.Attributes = append(m.desc.Attributes, sdp.NewAttribute(attrExtMap, fmt.Sprintf("%d %s", id, uri)))
	return nil
}

// Attributes возвращает копию атрибутов медиа секции
func (m *Media) Attributes() []sdp.Attribute {
	return append([]sdp.Attribute(nil), m.desc.Attributes...)
}

// Raw возвращает копию описания в формате pion/sdp
func (m *Media) Raw() *sdp.MediaDescription {
	return cloneDescription(m.desc)
}

// Clone возвращает независимую копию
func (m *Media) Clone() *Media {
	if m == nil {
		return nil
	}
	return &Media{desc: cloneDescription(m.desc)}
}

func (m *Media) String() string {
	return fmt.Sprintf("%s mid=%s %s", m.Type(), m.Mid(), m.Direction())
}

// cloneDescription копирует описание. Изменяемые слайсы копируются,
// поля-указатели считаются неизменяемыми и разделяются.
func cloneDescription(desc *sdp.MediaDescription) *sdp.MediaDescription {
	c := *desc
	c.MediaName.Protos = append([]string(nil), desc.MediaName.Protos...)
	c.MediaName.Formats = append([]string(nil), desc.MediaName.Formats...)
	c.Bandwidth = append([]sdp.Bandwidth(nil), desc.Bandwidth...)
	c.Attributes = append([]sdp.Attribute(nil), desc.Attributes...)
	return &c
}
