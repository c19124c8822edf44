package track

import "github.com/arzzra/rtc_track/pkg/message"

// OnOpen устанавливает колбэк перехода в open
func (t *Track) OnOpen(cb func()) {
	t.callbackMutex.Lock()
	t.onOpen = cb
	t.callbackMutex.Unlock()
}

// OnClosed устанавливает колбэк закрытия
func (t *Track) OnClosed(cb func()) {
	t.callbackMutex.Lock()
	t.onClosed = cb
	t.callbackMutex.Unlock()
}

// OnAvailable устанавливает колбэк появления сообщений в очереди.
// Получает количество сообщений в очереди. Не вызывается, если задан OnMessage.
func (t *Track) OnAvailable(cb func(count int)) {
	t.callbackMutex.Lock()
	t.onAvailable = cb
	t.callbackMutex.Unlock()
}

// OnMessage устанавливает колбэк доставки сообщений. Пока он задан,
// очередь вычитывается автоматически, включая уже накопленные сообщения.
func (t *Track) OnMessage(cb func(msg *message.Message)) {
	t.callbackMutex.Lock()
	t.onMessage = cb
	t.callbackMutex.Unlock()

	if cb != nil {
		t.flushPending()
	}
}

func (t *Track) resetCallbacks() {
	t.callbackMutex.Lock()
	t.onOpen = nil
	t.onClosed = nil
	t.onAvailable = nil
	t.onMessage = nil
	t.callbackMutex.Unlock()
}

func (t *Track) triggerOpen() {
	t.callbackMutex.RLock()
	cb := t.onOpen
	t.callbackMutex.RUnlock()

	if cb != nil {
		cb()
	}
}

// triggerClosed вызывает OnClosed. Паника колбэка при закрытии
// логируется и не выходит за пределы Close.
func (t *Track) triggerClosed() {
	t.callbackMutex.RLock()
	cb := t.onClosed
	t.callbackMutex.RUnlock()

	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.WithField("panic", r).Error("Паника в колбэке закрытия трека")
		}
	}()
	cb()
}

func (t *Track) triggerAvailable(count int) {
	t.callbackMutex.RLock()
	onMessage := t.onMessage
	onAvailable := t.onAvailable
	t.callbackMutex.RUnlock()

	if onMessage != nil {
		t.flushPending()
		return
	}
	if onAvailable != nil {
		onAvailable(count)
	}
}

// flushPending доставляет накопленные сообщения в OnMessage. Доставка
// выполняется одной горутиной за раз с сохранением порядка; вызов во
// время чужой доставки только выставляет флаг, и владелец повторяет проход.
func (t *Track) flushPending() {
	t.deliverPending.Store(true)
	for t.deliverPending.Load() {
		if !t.deliverMutex.TryLock() {
			return
		}
		t.deliverPending.Store(false)
		t.drain()
		t.deliverMutex.Unlock()
	}
}

func (t *Track) drain() {
	for {
		t.callbackMutex.RLock()
		cb := t.onMessage
		t.callbackMutex.RUnlock()
		if cb == nil {
			return
		}

		msg, ok := t.Receive()
		if !ok {
			return
		}
		cb(msg)
	}
}
