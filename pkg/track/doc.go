// Package track реализует медиа трек: одну согласованную m= секцию
// поверх зашифрованного транспорта.
//
// Трек принимает исходящие сообщения приложения, пропускает их через
// цепочку обработчиков (handler.Chain), помечает RTP пакеты MID
// расширением заголовка (RFC 8843) и DSCP маркировкой и передает в
// транспорт. Входящие пакеты фильтруются по направлению и складываются
// в ограниченную очередь с отбрасыванием новых сообщений при
// переполнении (tail-drop).
//
// Состояния трека:
//
//	unopened -> open -> closed
//	unopened ---------> closed
//
// Closed - конечное состояние. Нарушения контракта (несовпадение MID,
// отправка после закрытия, отправка без транспорта) возвращаются как
// *TrackError; отбрасывание по политике (неверное направление, полная
// очередь) ошибкой не является и учитывается только счетчиками Metrics.
//
// Пример:
//
//	desc := sdpmedia.New("audio", "0", rtp.DirectionSendRecv)
//	tr, err := track.New(track.NewRef[track.Session](pc), desc, track.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer tr.Close()
//
//	tr.OnMessage(func(m *message.Message) { ... })
//	tr.Open(track.NewRef[track.MediaTransport](transport))
//	ok, err := tr.Send(message.NewBinary(packet))
package track
