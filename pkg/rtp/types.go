package rtp

import "fmt"

// Direction определяет согласованное направление медиа потока (RFC 3264 Section 5.1)
type Direction int

const (
	DirectionSendRecv Direction = iota // Отправка и прием
	DirectionSendOnly                  // Только отправка
	DirectionRecvOnly                  // Только прием
	DirectionInactive                  // Неактивно
)

func (d Direction) String() string {
	switch d {
	case DirectionSendRecv:
		return "sendrecv"
	case DirectionSendOnly:
		return "sendonly"
	case DirectionRecvOnly:
		return "recvonly"
	case DirectionInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// CanSend проверяет, может ли поток отправлять данные
func (d Direction) CanSend() bool {
	return d == DirectionSendRecv || d == DirectionSendOnly
}

// CanReceive проверяет, может ли поток принимать данные
func (d Direction) CanReceive() bool {
	return d == DirectionSendRecv || d == DirectionRecvOnly
}

// ParseDirection преобразует SDP атрибут направления в Direction
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "sendrecv":
		return DirectionSendRecv, nil
	case "sendonly":
		return DirectionSendOnly, nil
	case "recvonly":
		return DirectionRecvOnly, nil
	case "inactive":
		return DirectionInactive, nil
	default:
		return DirectionSendRecv, fmt.Errorf("неизвестное направление медиа: %q", s)
	}
}

// DSCP значения для WebRTC трафика (RFC 8837 Section 5)
const (
	DSCPExpeditedForwarding = 46 // EF для интерактивного аудио
	DSCPAssuredForwarding42 = 36 // AF42 для остальных медиа
	DSCPBestEffort          = 0
)

// DSCPForMedia возвращает рекомендуемую DSCP маркировку для типа медиа из m= строки.
// Аудио получает более высокий приоритет, чем остальные медиа.
func DSCPForMedia(mediaType string) int {
	if mediaType == "audio" {
		return DSCPExpeditedForwarding
	}
	return DSCPAssuredForwarding42
}
