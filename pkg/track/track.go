package track

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/arzzra/rtc_track/pkg/handler"
	"github.com/arzzra/rtc_track/pkg/message"
	"github.com/arzzra/rtc_track/pkg/queue"
	"github.com/arzzra/rtc_track/pkg/rtp"
	"github.com/arzzra/rtc_track/pkg/sdpmedia"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"
)

// Состояния трека
const (
	StateUnopened = "unopened"
	StateOpen     = "open"
	StateClosed   = "closed"
)

const (
	eventOpen  = "open"
	eventClose = "close"
)

// Track медиа трек, соответствующий одной m= секции.
//
// Все методы потокобезопасны. Описание, кэш MID расширения, обработчик
// и транспорт защищены одним RWMutex; флаг закрытия дополнительно
// хранится в atomic.Bool для проверки на горячем пути.
type Track struct {
	id      string
	mid     string
	config  Config
	logger  *logrus.Entry
	metrics Metrics

	mutex     sync.RWMutex
	desc      *sdpmedia.Media
	midExtID  int
	handler   handler.Handler
	session   *Ref[Session]
	transport *Ref[MediaTransport]
	state     *fsm.FSM

	closed atomic.Bool

	recvQueue *queue.Queue[*message.Message]

	callbackMutex sync.RWMutex
	onOpen        func()
	onClosed      func()
	onAvailable   func(count int)
	onMessage     func(msg *message.Message)

	deliverMutex   sync.Mutex
	deliverPending atomic.Bool
}

// New создает трек с начальным описанием. session может быть nil,
// тогда MaxMessageSize использует Config.DefaultMTU.
func New(session *Ref[Session], desc *sdpmedia.Media, config Config) (*Track, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if desc == nil {
		return nil, newTrackError(ErrorCodeInvalidDescription, "", "описание медиа не задано", nil)
	}
	config.applyDefaults()

	desc = desc.Clone()
	t := &Track{
		id:      uuid.NewString(),
		mid:     desc.Mid(),
		config:  config,
		metrics: config.Metrics,
		session: session,
		recvQueue: queue.New[*message.Message](config.RecvQueueLimit, func(m *message.Message) int {
			return m.Size()
		}),
	}
	t.logger = config.Logger.WithFields(logrus.Fields{
		"track_id": t.id,
		"mid":      t.mid,
		"media":    desc.Type(),
	})
	t.initStateMachine()

	t.ensureMidExtension(desc)
	t.desc = desc

	// Входящие сообщения send-only трека по умолчанию отбрасываются
	if desc.Direction() == rtp.DirectionSendOnly {
		t.onMessage = func(*message.Message) {}
	}

	t.logger.WithField("direction", desc.Direction()).Debug("Трек создан")
	return t, nil
}

// initStateMachine инициализирует конечный автомат состояний
func (t *Track) initStateMachine() {
	t.state = fsm.NewFSM(
		StateUnopened,
		fsm.Events{
			{Name: eventOpen, Src: []string{StateUnopened}, Dst: StateOpen},
			{Name: eventClose, Src: []string{StateUnopened, StateOpen}, Dst: StateClosed},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				t.logger.WithFields(logrus.Fields{
					"from": e.Src,
					"to":   e.Dst,
				}).Debug("Состояние трека изменено")
			},
		},
	)
}

// ID возвращает уникальный идентификатор экземпляра трека
func (t *Track) ID() string {
	return t.id
}

// Mid возвращает MID трека. Не меняется за время жизни трека.
func (t *Track) Mid() string {
	return t.mid
}

// Direction возвращает текущее направление медиа
func (t *Track) Direction() rtp.Direction {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.desc.Direction()
}

// Description возвращает копию текущего описания
func (t *Track) Description() *sdpmedia.Media {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.desc.Clone()
}

// MidExtensionID возвращает идентификатор MID расширения или 0
func (t *Track) MidExtensionID() int {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.midExtID
}

// State возвращает текущее состояние автомата
func (t *Track) State() string {
	return t.state.Current()
}

// SetDescription заменяет описание трека. MID нового описания должен
// совпадать с MID трека, иначе возвращается ErrMidMismatch и состояние
// не меняется. Обработчик уведомляется после снятия блокировки.
func (t *Track) SetDescription(desc *sdpmedia.Media) error {
	if desc == nil {
		return newTrackError(ErrorCodeInvalidDescription, t.mid, "описание медиа не задано", nil)
	}
	desc = desc.Clone()

	t.mutex.Lock()
	if desc.Mid() != t.mid {
		t.mutex.Unlock()
		return newTrackError(ErrorCodeMidMismatch, t.mid,
			fmt.Sprintf("mid описания %q не совпадает с mid трека", desc.Mid()), nil)
	}
	t.ensureMidExtension(desc)
	t.desc = desc
	h := t.handler
	t.mutex.Unlock()

	t.logger.WithField("direction", desc.Direction()).Debug("Описание трека обновлено")

	if h != nil {
		h.Media(desc.Clone())
	}
	return nil
}

// ensureMidExtension находит или добавляет extmap для MID (RFC 8843)
// и кэширует идентификатор. Вызывается под блокировкой.
func (t *Track) ensureMidExtension(desc *sdpmedia.Media) {
	if !t.config.EnableMidTagging {
		return
	}
	if len(t.mid) == 0 || len(t.mid) > rtp.MaxOneByteLength {
		t.logger.Warn("MID не помещается в one-byte расширение, маркировка отключена")
		return
	}

	if t.midExtID == 0 {
		if id, ok := desc.FindExtID(rtp.SDESMidURI); ok {
			// Идентификаторы 15..255 (extmap-allow-mixed) допустимы только в two-byte форме
			if !oneByteExtID(id) {
				t.logger.WithField("ext_id", id).Warn("Идентификатор MID расширения вне диапазона one-byte, маркировка MID отключена")
				return
			}
			t.midExtID = id
			return
		}
		id := desc.NextExtID()
		if id == 0 {
			t.logger.Warn("Нет свободных идентификаторов расширений, маркировка MID отключена")
			return
		}
		if err := desc.AddExtMap(id, rtp.SDESMidURI); err != nil {
			t.logger.WithError(err).Warn("Не удалось добавить MID расширение")
			return
		}
		t.midExtID = id
		return
	}

	// Идентификатор уже назначен и не меняется при обновлениях описания
	if id, ok := desc.FindExtID(rtp.SDESMidURI); ok {
		if id != t.midExtID {
			t.logger.WithFields(logrus.Fields{
				"cached_id": t.midExtID,
				"new_id":    id,
			}).Warn("Описание сопоставляет MID другому идентификатору расширения")
		}
		return
	}
	if err := desc.AddExtMap(t.midExtID, rtp.SDESMidURI); err != nil {
		t.logger.WithError(err).Warn("Не удалось восстановить MID расширение в описании")
	}
}

func oneByteExtID(id int) bool {
	return id >= sdpmedia.MinExtID && id <= sdpmedia.MaxExtID
}

// SetHandler подключает цепочку обработчиков (nil отключает). Новый
// обработчик получает текущее описание.
func (t *Track) SetHandler(h handler.Handler) {
	t.mutex.Lock()
	t.handler = h
	desc := t.desc.Clone()
	t.mutex.Unlock()

	if h != nil {
		h.Media(desc)
	}
}

// Handler возвращает подключенный обработчик или nil
func (t *Track) Handler() handler.Handler {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.handler
}

// Open подключает транспорт. Первый вызов переводит трек в open и
// вызывает OnOpen; повторный заменяет транспорт. Закрытый трек
// транспорт не принимает.
func (t *Track) Open(transport *Ref[MediaTransport]) error {
	if !transport.Alive() {
		return newTrackError(ErrorCodeNoTransport, t.mid, "транспорт недоступен", nil)
	}

	t.mutex.Lock()
	if t.closed.Load() {
		t.mutex.Unlock()
		return newTrackError(ErrorCodeClosed, t.mid, "трек закрыт", nil)
	}
	t.transport = transport
	opened := false
	if t.state.Is(StateUnopened) {
		if err := t.state.Event(context.Background(), eventOpen); err != nil {
			t.mutex.Unlock()
			return newTrackError(ErrorCodeClosed, t.mid, "переход в open невозможен", err)
		}
		opened = true
	}
	t.mutex.Unlock()

	if opened && !t.closed.Load() {
		t.logger.Debug("Трек открыт")
		t.triggerOpen()
	}
	return nil
}

// IsOpen сообщает, что трек не закрыт и транспорт жив
func (t *Track) IsOpen() bool {
	if t.closed.Load() {
		return false
	}
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.transport.Alive()
}

// IsClosed сообщает, что трек закрыт
func (t *Track) IsClosed() bool {
	return t.closed.Load()
}

// Close закрывает трек. Только первый вызов переводит автомат в closed
// и вызывает OnClosed. Обработчик и колбэки сбрасываются, сообщения в
// очереди остаются доступны через Receive.
func (t *Track) Close() error {
	if t.closed.CompareAndSwap(false, true) {
		t.logger.Debug("Закрытие трека")

		t.mutex.Lock()
		if err := t.state.Event(context.Background(), eventClose); err != nil {
			t.logger.WithError(err).Error("Ошибка перехода в closed")
		}
		t.transport = nil
		t.mutex.Unlock()

		t.triggerClosed()
	}

	t.SetHandler(nil)
	t.resetCallbacks()
	return nil
}

// Incoming принимает сообщение от транспорта. Сообщения данных
// отбрасываются для send-only и inactive треков, управляющие (RTCP)
// принимаются всегда. При переполнении очереди сообщение и остаток
// пачки отбрасываются.
func (t *Track) Incoming(msg *message.Message) {
	if msg == nil {
		return
	}
	if t.closed.Load() {
		t.logger.Trace("Входящее сообщение для закрытого трека отброшено")
		return
	}

	t.mutex.RLock()
	dir := t.desc.Direction()
	h := t.handler
	t.mutex.RUnlock()

	if msg.Type != message.Control && !dir.CanReceive() {
		t.metrics.BadDirection(t.mid, PathIncoming)
		t.logger.WithField("direction", dir).Trace("Входящий пакет в неверном направлении отброшен")
		return
	}

	messages := []*message.Message{msg}
	if h != nil {
		messages = h.IncomingChain(messages, t.sink)
	}

	for i, m := range messages {
		if m == nil {
			continue
		}
		if !t.recvQueue.Push(m) {
			for range messages[i:] {
				t.metrics.QueueFull(t.mid)
			}
			t.logger.WithField("dropped", len(messages)-i).Trace("Очередь заполнена, сообщения отброшены")
			return
		}
		t.metrics.Received(t.mid, m.Size())
		t.triggerAvailable(t.recvQueue.Size())
	}
}

// Send отправляет сообщение. Возвращает ErrTrackClosed для закрытого
// трека; false без ошибки, если сообщение отброшено по направлению или
// транспорт его не принял. При наличии обработчика результат
// соответствует последнему отправленному сообщению пачки.
func (t *Track) Send(msg *message.Message) (bool, error) {
	if t.closed.Load() {
		return false, newTrackError(ErrorCodeClosed, t.mid, "трек закрыт", nil)
	}
	if msg == nil {
		return false, newTrackError(ErrorCodeInvalidMessage, t.mid, "сообщение не задано", nil)
	}

	t.mutex.RLock()
	dir := t.desc.Direction()
	h := t.handler
	t.mutex.RUnlock()

	// Без обработчика трек ожидает готовые RTP/RTCP пакеты. RTCP
	// отправляется независимо от направления.
	if h == nil && msg.Type != message.Control && rtp.IsRTCP(msg.Data) {
		msg.Type = message.Control
	}

	if msg.Type != message.Control && !dir.CanSend() {
		t.metrics.BadDirection(t.mid, PathOutgoing)
		t.logger.WithField("direction", dir).Trace("Исходящий пакет в неверном направлении отброшен")
		return false, nil
	}

	if h == nil {
		return t.transportSend(msg)
	}

	var (
		ok  bool
		err error
	)
	for _, m := range h.OutgoingChain([]*message.Message{msg}, t.sink) {
		if m == nil {
			continue
		}
		ok, err = t.transportSend(m)
	}
	return ok, err
}

// transportSend маркирует сообщение и передает его транспорту.
// Единственный путь, по которому данные трека покидают процесс.
func (t *Track) transportSend(msg *message.Message) (bool, error) {
	t.mutex.RLock()
	transport, alive := t.transport.Get()
	mediaType := t.desc.Type()
	extID := t.midExtID
	t.mutex.RUnlock()

	if !alive {
		return false, newTrackError(ErrorCodeNoTransport, t.mid, "транспорт не подключен", nil)
	}

	if msg.Type == message.Binary && oneByteExtID(extID) {
		data, err := rtp.TagWithMid(msg.Data, uint8(extID), t.mid)
		if err != nil {
			return false, newTrackError(ErrorCodeUnsupportedExtension, t.mid, "не удалось добавить MID расширение", err)
		}
		msg.Data = data
	}

	// Рекомендуемая маркировка RFC 8837 Section 5
	msg.DSCP = rtp.DSCPForMedia(mediaType)

	if !transport.SendMedia(msg) {
		return false, nil
	}
	t.metrics.Sent(t.mid, msg.Size())
	return true, nil
}

// sink отправка сообщений, созданных стадиями обработчика
func (t *Track) sink(msg *message.Message) {
	if msg == nil {
		return
	}
	if _, err := t.transportSend(msg); err != nil {
		t.logger.WithError(err).Debug("Сообщение обработчика не отправлено")
	}
}

// Receive извлекает самое старое сообщение из очереди. Управляющие
// сообщения возвращаются копией: один RTCP пакет может быть доставлен
// нескольким трекам.
func (t *Track) Receive() (*message.Message, bool) {
	msg, ok := t.recvQueue.Pop()
	if !ok {
		return nil, false
	}
	return materialize(msg), true
}

// Peek возвращает самое старое сообщение без извлечения
func (t *Track) Peek() (*message.Message, bool) {
	msg, ok := t.recvQueue.Peek()
	if !ok {
		return nil, false
	}
	return materialize(msg), true
}

func materialize(msg *message.Message) *message.Message {
	if msg.Type == message.Control {
		return msg.Clone()
	}
	return msg
}

// AvailableAmount возвращает суммарный размер сообщений в очереди
func (t *Track) AvailableAmount() int {
	return t.recvQueue.Amount()
}

// Available возвращает количество сообщений в очереди
func (t *Track) Available() int {
	return t.recvQueue.Size()
}

// Dropped возвращает количество сообщений, отброшенных из-за полной очереди
func (t *Track) Dropped() uint64 {
	return t.recvQueue.Dropped()
}

// MaxMessageSize возвращает максимальный размер сообщения: MTU пути
// минус заголовки SRTP, UDP и IPv6. Используется вызывающим кодом для
// фрагментации, сам трек размер не ограничивает.
func (t *Track) MaxMessageSize() int {
	mtu := t.config.DefaultMTU
	if session, ok := t.session.Get(); ok && session != nil {
		if value, ok := session.MTU(); ok && value > Overhead {
			mtu = value
		}
	}
	return mtu - Overhead
}
