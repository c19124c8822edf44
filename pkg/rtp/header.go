package rtp

import (
	"encoding/binary"
	"errors"
)

// Константы формата RTP заголовка (RFC 3550 Section 5.1) и one-byte
// расширений заголовка (RFC 8285 Section 4.2)
const (
	// FixedHeaderSize размер фиксированной части RTP заголовка.
	// Пакеты короче этого размера считаются некорректными и не модифицируются.
	FixedHeaderSize = 12

	// ExtensionHeaderSize размер заголовка блока расширений (profile + length)
	ExtensionHeaderSize = 4

	// OneByteProfile "магическое" значение профиля one-byte расширений
	OneByteProfile uint16 = 0xBEDE

	// MinRTCPSize минимальный размер RTCP пакета (заголовок + SSRC отправителя)
	MinRTCPSize = 8

	// MaxOneByteID максимальный идентификатор one-byte расширения (15 зарезервирован)
	MaxOneByteID = 14

	// MaxOneByteLength максимальная длина данных one-byte расширения
	MaxOneByteLength = 16

	// SDESMidURI URI расширения заголовка с MID (RFC 8843 Section 15.2)
	SDESMidURI = "urn:ietf:params:rtp-hdrext:sdes:mid"

	extensionBit        = 0x10
	csrcCountMask       = 0x0F
	oneByteReservedID   = 15
	rtcpPayloadTypeMin  = 64 // 192 & 0x7F, RFC 5761 Section 4
	rtcpPayloadTypeMax  = 95 // 223 & 0x7F
	maxExtensionLengthW = 0xFFFF
)

var (
	// ErrShortPacket буфер короче поля, к которому выполняется обращение
	ErrShortPacket = errors.New("rtp: пакет короче заголовка")

	// ErrNoExtension в пакете не установлен бит расширения
	ErrNoExtension = errors.New("rtp: расширение заголовка отсутствует")

	// ErrUnsupportedExtensionProfile блок расширений не в one-byte формате (0xBEDE)
	ErrUnsupportedExtensionProfile = errors.New("rtp: неподдерживаемый профиль расширения заголовка")

	// ErrInvalidExtension идентификатор или длина не кодируются в one-byte формате
	ErrInvalidExtension = errors.New("rtp: некорректное one-byte расширение")

	// ErrOutOfRange смещение за пределами буфера
	ErrOutOfRange = errors.New("rtp: смещение за пределами буфера")
)

// Extension элемент one-byte расширения заголовка
type Extension struct {
	ID      uint8
	Payload []byte
}

// IsRTCP определяет, является ли буфер RTCP пакетом, по диапазону payload type
// (RFC 5761 Section 4: типы RTCP 192-223 попадают в 64-95 после маскирования бита M)
func IsRTCP(b []byte) bool {
	if len(b) < MinRTCPSize {
		return false
	}
	pt := b[1] & 0x7F
	return pt >= rtcpPayloadTypeMin && pt <= rtcpPayloadTypeMax
}

// Version возвращает версию RTP
func Version(b []byte) (uint8, error) {
	if len(b) < 1 {
		return 0, ErrShortPacket
	}
	return b[0] >> 6, nil
}

// HasExtension возвращает значение бита X
func HasExtension(b []byte) (bool, error) {
	if len(b) < FixedHeaderSize {
		return false, ErrShortPacket
	}
	return b[0]&extensionBit != 0, nil
}

// SetExtensionBit устанавливает или сбрасывает бит X
func SetExtensionBit(b []byte, on bool) error {
	if len(b) < FixedHeaderSize {
		return ErrShortPacket
	}
	if on {
		b[0] |= extensionBit
	} else {
		b[0] &^= extensionBit
	}
	return nil
}

// CSRCCount возвращает количество CSRC идентификаторов
func CSRCCount(b []byte) (int, error) {
	if len(b) < FixedHeaderSize {
		return 0, ErrShortPacket
	}
	return int(b[0] & csrcCountMask), nil
}

// HeaderSize возвращает размер заголовка без блока расширений
// (фиксированная часть + список CSRC)
func HeaderSize(b []byte) (int, error) {
	cc, err := CSRCCount(b)
	if err != nil {
		return 0, err
	}
	size := FixedHeaderSize + 4*cc
	if len(b) < size {
		return 0, ErrShortPacket
	}
	return size, nil
}

// extensionOffset возвращает смещение заголовка блока расширений
func extensionOffset(b []byte) (int, error) {
	ext, err := HasExtension(b)
	if err != nil {
		return 0, err
	}
	if !ext {
		return 0, ErrNoExtension
	}
	off, err := HeaderSize(b)
	if err != nil {
		return 0, err
	}
	if len(b) < off+ExtensionHeaderSize {
		return 0, ErrShortPacket
	}
	return off, nil
}

// ExtensionProfile возвращает profile-specific идентификатор блока расширений
func ExtensionProfile(b []byte) (uint16, error) {
	off, err := extensionOffset(b)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[off:]), nil
}

// SetExtensionProfile записывает profile-specific идентификатор
func SetExtensionProfile(b []byte, profile uint16) error {
	off, err := extensionOffset(b)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint16(b[off:], profile)
	return nil
}

// ExtensionLength возвращает длину блока расширений в 32-битных словах
// (без учета 4-байтного заголовка блока)
func ExtensionLength(b []byte) (int, error) {
	off, err := extensionOffset(b)
	if err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint16(b[off+2:])), nil
}

// SetExtensionLength записывает длину блока расширений в словах
func SetExtensionLength(b []byte, words int) error {
	if words < 0 || words > maxExtensionLengthW {
		return ErrInvalidExtension
	}
	off, err := extensionOffset(b)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint16(b[off+2:], uint16(words))
	return nil
}

// InsertAt вставляет n нулевых байт по смещению off, сохраняя порядок
// остальных байт. Если емкости буфера достаточно, вставка выполняется на месте.
func InsertAt(b []byte, off, n int) ([]byte, error) {
	if off < 0 || off > len(b) || n < 0 {
		return b, ErrOutOfRange
	}
	if n == 0 {
		return b, nil
	}

	tail := len(b)
	b = append(b, make([]byte, n)...)
	copy(b[off+n:], b[off:tail])
	clear(b[off : off+n])
	return b, nil
}

// WriteOneByteElement записывает элемент {id, len-1, value} по смещению off
func WriteOneByteElement(b []byte, off int, id uint8, value []byte) error {
	if id == 0 || id > MaxOneByteID || len(value) == 0 || len(value) > MaxOneByteLength {
		return ErrInvalidExtension
	}
	if off < 0 || off+1+len(value) > len(b) {
		return ErrOutOfRange
	}
	b[off] = id<<4 | uint8(len(value)-1)
	copy(b[off+1:], value)
	return nil
}

// OneByteElements разбирает блок one-byte расширений пакета.
// Нулевые байты между элементами трактуются как выравнивание (RFC 8285 Section 4.2).
func OneByteElements(b []byte) ([]Extension, error) {
	profile, err := ExtensionProfile(b)
	if err != nil {
		return nil, err
	}
	if profile != OneByteProfile {
		return nil, ErrUnsupportedExtensionProfile
	}

	words, _ := ExtensionLength(b)
	start, _ := HeaderSize(b)
	start += ExtensionHeaderSize
	end := start + words*4
	if len(b) < end {
		return nil, ErrShortPacket
	}

	var elements []Extension
	for pos := start; pos < end; {
		if b[pos] == 0 {
			pos++
			continue
		}
		id := b[pos] >> 4
		if id == oneByteReservedID {
			break
		}
		length := int(b[pos]&0x0F) + 1
		pos++
		if pos+length > end {
			return elements, ErrShortPacket
		}
		elements = append(elements, Extension{ID: id, Payload: b[pos : pos+length]})
		pos += length
	}
	return elements, nil
}

// TagWithMid добавляет в RTP пакет one-byte расширение с MID (RFC 8843)
// и возвращает, возможно, выросший буфер.
//
// Пакет возвращается без изменений, если:
//   - это RTCP пакет или id == 0 (тегирование выключено);
//   - пакет короче FixedHeaderSize или короче заголовка, который он объявляет;
//   - элемент с таким id уже присутствует;
//   - блок содержит элемент с id 15: получатели прекращают разбор на нем
//     (RFC 8285 Section 4.2), и MID после него не был бы прочитан.
//
// При блоке расширений не в one-byte формате пакет также не изменяется, но
// возвращается ErrUnsupportedExtensionProfile.
func TagWithMid(b []byte, id uint8, mid string) ([]byte, error) {
	if id == 0 || IsRTCP(b) {
		return b, nil
	}
	if id > MaxOneByteID || len(mid) == 0 || len(mid) > MaxOneByteLength {
		return b, ErrInvalidExtension
	}

	hs, err := HeaderSize(b)
	if err != nil {
		// Некорректный или еще не собранный пакет
		return b, nil
	}

	element := 1 + len(mid)
	ext, _ := HasExtension(b)

	if !ext {
		words := (element + 3) / 4
		b, err = InsertAt(b, hs, ExtensionHeaderSize+words*4)
		if err != nil {
			return b, err
		}
		_ = SetExtensionBit(b, true)
		_ = SetExtensionProfile(b, OneByteProfile)
		_ = SetExtensionLength(b, words)
		return b, WriteOneByteElement(b, hs+ExtensionHeaderSize, id, []byte(mid))
	}

	if len(b) < hs+ExtensionHeaderSize {
		return b, nil
	}
	profile, _ := ExtensionProfile(b)
	if profile != OneByteProfile {
		return b, ErrUnsupportedExtensionProfile
	}

	oldWords, _ := ExtensionLength(b)
	oldBytes := oldWords * 4
	end := hs + ExtensionHeaderSize + oldBytes
	if len(b) < end {
		return b, nil
	}

	if oneByteTerminated(b[hs+ExtensionHeaderSize : end]) {
		return b, nil
	}
	elements, err := OneByteElements(b)
	if err != nil {
		return b, nil
	}
	for _, e := range elements {
		if e.ID == id {
			return b, nil
		}
	}

	newWords := (oldBytes + element + 3) / 4
	if newWords > maxExtensionLengthW {
		return b, ErrInvalidExtension
	}

	b, err = InsertAt(b, end, newWords*4-oldBytes)
	if err != nil {
		return b, err
	}
	_ = SetExtensionLength(b, newWords)
	return b, WriteOneByteElement(b, end, id, []byte(mid))
}

// oneByteTerminated проверяет, встречается ли в блоке one-byte элементов
// зарезервированный id 15
func oneByteTerminated(block []byte) bool {
	for pos := 0; pos < len(block); {
		if block[pos] == 0 {
			pos++
			continue
		}
		if block[pos]>>4 == oneByteReservedID {
			return true
		}
		pos += 1 + int(block[pos]&0x0F) + 1
	}
	return false
}
