// Package message определяет сообщения, которыми обмениваются трек, цепочка
// обработчиков и транспорт.
package message

import "fmt"

// Type тип сообщения
type Type int

const (
	Binary  Type = iota // RTP или произвольные бинарные данные
	String              // Текстовые данные
	Control             // RTCP
)

func (t Type) String() string {
	switch t {
	case Binary:
		return "binary"
	case String:
		return "string"
	case Control:
		return "control"
	default:
		return "unknown"
	}
}

// Message бинарный payload с типом и DSCP маркировкой для исходящего трафика.
//
// Сообщение передается между стадиями по указателю и не копируется.
// Исключение - Control сообщения: один и тот же входящий RTCP пакет может
// быть доставлен в несколько треков, поэтому читатель получает копию (Clone).
type Message struct {
	Type Type
	Data []byte
	DSCP int // DSCP маркировка (0 = не задана)
}

// New создает сообщение указанного типа
func New(data []byte, typ Type) *Message {
	return &Message{Type: typ, Data: data}
}

// NewBinary создает Binary сообщение
func NewBinary(data []byte) *Message {
	return New(data, Binary)
}

// NewControl создает Control (RTCP) сообщение
func NewControl(data []byte) *Message {
	return New(data, Control)
}

// Size возвращает размер payload в байтах. Для nil сообщения возвращает 0.
func (m *Message) Size() int {
	if m == nil {
		return 0
	}
	return len(m.Data)
}

// Clone возвращает глубокую копию сообщения
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	data := make([]byte, len(m.Data))
	copy(data, m.Data)
	return &Message{Type: m.Type, Data: data, DSCP: m.DSCP}
}

func (m *Message) String() string {
	if m == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s(%d bytes, dscp=%d)", m.Type, len(m.Data), m.DSCP)
}
