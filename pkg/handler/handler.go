// Package handler реализует цепочку обработчиков медиа трека.
//
// Обработчик получает пачку сообщений и возвращает новую пачку: он может
// пропустить сообщение без изменений, преобразовать его, отбросить,
// разделить на несколько или отправить дополнительные сообщения напрямую в
// транспорт через SendFunc (например, RTCP обратную связь).
package handler

import (
	"sync/atomic"

	"github.com/arzzra/rtc_track/pkg/message"
	"github.com/arzzra/rtc_track/pkg/sdpmedia"
)

// SendFunc отправляет сообщение напрямую в транспорт, минуя оставшиеся стадии
type SendFunc func(*message.Message)

// Handler стадия обработки сообщений трека
type Handler interface {
	// Media уведомляет об изменении согласованного описания медиа
	Media(desc *sdpmedia.Media)

	// IncomingChain обрабатывает входящие сообщения после транспорта
	IncomingChain(messages []*message.Message, send SendFunc) []*message.Message

	// OutgoingChain обрабатывает исходящие сообщения перед транспортом
	OutgoingChain(messages []*message.Message, send SendFunc) []*message.Message
}

// Func адаптер, позволяющий собрать Handler из функций. Nil поля
// означают пропуск сообщений без изменений.
type Func struct {
	OnMedia    func(desc *sdpmedia.Media)
	OnIncoming func(messages []*message.Message, send SendFunc) []*message.Message
	OnOutgoing func(messages []*message.Message, send SendFunc) []*message.Message
}

var _ Handler = (*Func)(nil)

func (f *Func) Media(desc *sdpmedia.Media) {
	if f.OnMedia != nil {
		f.OnMedia(desc)
	}
}

func (f *Func) IncomingChain(messages []*message.Message, send SendFunc) []*message.Message {
	if f.OnIncoming == nil {
		return messages
	}
	return f.OnIncoming(messages, send)
}

func (f *Func) OutgoingChain(messages []*message.Message, send SendFunc) []*message.Message {
	if f.OnOutgoing == nil {
		return messages
	}
	return f.OnOutgoing(messages, send)
}

// Chain упорядоченная цепочка стадий.
//
// Исходящие сообщения проходят стадии от первой к последней, входящие - в
// обратном порядке (зеркально пути по сети). Список стадий заменяется
// атомарно (copy-on-write): выполняющаяся обработка видит либо старый, либо
// новый список целиком.
type Chain struct {
	stages atomic.Pointer[[]Handler]
	desc   atomic.Pointer[sdpmedia.Media]
}

var _ Handler = (*Chain)(nil)

// NewChain создает цепочку из стадий. Nil стадии пропускаются.
func NewChain(stages ...Handler) *Chain {
	c := &Chain{}
	list := make([]Handler, 0, len(stages))
	for _, s := range stages {
		if s != nil {
			list = append(list, s)
		}
	}
	c.stages.Store(&list)
	return c
}

// Stages возвращает снимок списка стадий
func (c *Chain) Stages() []Handler {
	return append([]Handler(nil), c.load()...)
}

// Len возвращает количество стадий
func (c *Chain) Len() int {
	return len(c.load())
}

// Add добавляет стадию в конец цепочки (ближе к транспорту)
func (c *Chain) Add(h Handler) {
	if h == nil {
		return
	}
	c.update(func(list []Handler) []Handler {
		return append(list, h)
	})
	c.notify(h)
}

// Replace заменяет стадию с индексом i. Возвращает false, если индекс вне диапазона.
func (c *Chain) Replace(i int, h Handler) bool {
	if h == nil {
		return false
	}
	replaced := false
	c.update(func(list []Handler) []Handler {
		replaced = i >= 0 && i < len(list)
		if replaced {
			list[i] = h
		}
		return list
	})
	if replaced {
		c.notify(h)
	}
	return replaced
}

// Remove удаляет стадию с индексом i
func (c *Chain) Remove(i int) bool {
	removed := false
	c.update(func(list []Handler) []Handler {
		removed = i >= 0 && i < len(list)
		if !removed {
			return list
		}
		return append(list[:i], list[i+1:]...)
	})
	return removed
}

// Media запоминает описание и передает его всем стадиям
func (c *Chain) Media(desc *sdpmedia.Media) {
	c.desc.Store(desc)
	for _, s := range c.load() {
		s.Media(desc)
	}
}

// IncomingChain выполняет стадии от последней к первой. Пустая пачка
// прерывает обработку.
func (c *Chain) IncomingChain(messages []*message.Message, send SendFunc) []*message.Message {
	stages := c.load()
	for i := len(stages) - 1; i >= 0 && len(messages) > 0; i-- {
		messages = stages[i].IncomingChain(messages, send)
	}
	return messages
}

// OutgoingChain выполняет стадии от первой к последней. Пустая пачка
// прерывает обработку.
func (c *Chain) OutgoingChain(messages []*message.Message, send SendFunc) []*message.Message {
	for _, s := range c.load() {
		if len(messages) == 0 {
			break
		}
		messages = s.OutgoingChain(messages, send)
	}
	return messages
}

func (c *Chain) load() []Handler {
	if p := c.stages.Load(); p != nil {
		return *p
	}
	return nil
}

// update применяет изменение к копии списка и атомарно публикует ее
func (c *Chain) update(fn func([]Handler) []Handler) {
	for {
		old := c.stages.Load()
		var current []Handler
		if old != nil {
			current = *old
		}
		next := fn(append([]Handler(nil), current...))
		if c.stages.CompareAndSwap(old, &next) {
			return
		}
	}
}

// notify передает новой стадии последнее известное описание
func (c *Chain) notify(h Handler) {
	if desc := c.desc.Load(); desc != nil {
		h.Media(desc)
	}
}
