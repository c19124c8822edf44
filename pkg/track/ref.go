package track

import "sync/atomic"

// Ref невладеющая ссылка на объект, время жизни которого управляется
// снаружи (сессия, транспорт). Владелец вызывает Release при
// уничтожении объекта, после чего Get возвращает false у всех
// держателей ссылки.
//
// Nil *Ref допустим и ведет себя как освобожденная ссылка.
type Ref[T any] struct {
	value atomic.Pointer[T]
}

// NewRef создает живую ссылку на v
func NewRef[T any](v T) *Ref[T] {
	r := &Ref[T]{}
	r.value.Store(&v)
	return r
}

// Get возвращает объект, если он еще жив
func (r *Ref[T]) Get() (T, bool) {
	var zero T
	if r == nil {
		return zero, false
	}
	p := r.value.Load()
	if p == nil {
		return zero, false
	}
	return *p, true
}

// Alive сообщает, жив ли объект
func (r *Ref[T]) Alive() bool {
	return r != nil && r.value.Load() != nil
}

// Release освобождает ссылку. Повторный вызов безопасен.
func (r *Ref[T]) Release() {
	if r != nil {
		r.value.Store(nil)
	}
}
