// Package queue реализует ограниченную FIFO очередь с весовой функцией.
//
// Емкость очереди задается не количеством элементов, а суммарной "стоимостью"
// (например, размером сообщений в байтах). При переполнении применяется
// tail-drop: новый элемент отбрасывается, старые элементы не вытесняются.
// Ни одна операция не блокируется.
package queue

import "sync"

// CostFunc вычисляет стоимость элемента. Отрицательные значения считаются нулем.
type CostFunc[T any] func(T) int

// Queue ограниченная неблокирующая FIFO очередь.
//
// Очередь thread-safe: один потребитель (Pop/Peek) и один или несколько
// производителей (Push) могут работать одновременно без нарушения порядка
// и учета стоимости.
type Queue[T any] struct {
	items  []entry[T]
	head   int // Индекс первого элемента в items
	limit  int // Максимальная суммарная стоимость (0 = без ограничений)
	amount int // Текущая суммарная стоимость
	cost   CostFunc[T]

	dropped uint64

	mutex sync.Mutex
}

// entry хранит стоимость, вычисленную при Push, чтобы учет не зависел от
// последующих изменений элемента
type entry[T any] struct {
	value T
	cost  int
}

// New создает очередь с ограничением limit. Если cost == nil, стоимость
// каждого элемента равна 1 и limit ограничивает количество элементов.
func New[T any](limit int, cost CostFunc[T]) *Queue[T] {
	if limit < 0 {
		limit = 0
	}
	if cost == nil {
		cost = func(T) int { return 1 }
	}
	return &Queue[T]{
		limit: limit,
		cost:  cost,
	}
}

// Push добавляет элемент в конец очереди. Возвращает false, если элемент
// не помещается в оставшийся бюджет; в этом случае увеличивается счетчик Dropped.
func (q *Queue[T]) Push(v T) bool {
	c := q.costOf(v)

	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.limit > 0 && q.amount+c > q.limit {
		q.dropped++
		return false
	}

	q.items = append(q.items, entry[T]{value: v, cost: c})
	q.amount += c
	return true
}

// Pop извлекает самый старый элемент
func (q *Queue[T]) Pop() (T, bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	var zero T
	if q.head >= len(q.items) {
		return zero, false
	}

	e := q.items[q.head]
	q.items[q.head] = entry[T]{}
	q.head++
	q.amount -= e.cost

	q.compact()
	return e.value, true
}

// Peek возвращает самый старый элемент без извлечения
func (q *Queue[T]) Peek() (T, bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.head >= len(q.items) {
		var zero T
		return zero, false
	}
	return q.items[q.head].value, true
}

// Fits проверяет, поместится ли элемент в оставшийся бюджет при
// следующем Push. Результат может устареть при конкурентных Push.
func (q *Queue[T]) Fits(v T) bool {
	c := q.costOf(v)

	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.limit == 0 || q.amount+c <= q.limit
}

// Full возвращает true, если бюджет очереди исчерпан полностью. Это
// подсказка: элемент может не поместиться и при Full() == false, точную
// проверку для конкретного элемента дает Fits, бюджет соблюдает Push.
func (q *Queue[T]) Full() bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.limit > 0 && q.amount >= q.limit
}

// Empty возвращает true, если очередь пуста
func (q *Queue[T]) Empty() bool {
	return q.Size() == 0
}

// Size возвращает количество элементов
func (q *Queue[T]) Size() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.items) - q.head
}

// Amount возвращает суммарную стоимость элементов в очереди
func (q *Queue[T]) Amount() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.amount
}

// Limit возвращает ограничение суммарной стоимости
func (q *Queue[T]) Limit() int {
	return q.limit
}

// Dropped возвращает количество отброшенных Push
func (q *Queue[T]) Dropped() uint64 {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.dropped
}

// Reset удаляет все элементы. Счетчик Dropped не сбрасывается.
func (q *Queue[T]) Reset() {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	q.items = nil
	q.head = 0
	q.amount = 0
}

func (q *Queue[T]) costOf(v T) int {
	c := q.cost(v)
	if c < 0 {
		return 0
	}
	return c
}

// compact освобождает место под уже извлеченные элементы, когда они
// занимают больше половины слайса. Вызывается под мьютексом.
func (q *Queue[T]) compact() {
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
		return
	}
	if q.head > 32 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		for i := n; i < len(q.items); i++ {
			q.items[i] = entry[T]{}
		}
		q.items = q.items[:n]
		q.head = 0
	}
}
