package status

// HandlerID identifies a registration for later removal.
type HandlerID uint64

type handlerKind uint8

const (
	handlersEmpty handlerKind = iota
	handlersSingle
	handlersMany
)

type handlerEntry[T any] struct {
	id HandlerID
	fn func(T)
}

// handlerSet is a list of callbacks whose zero, one and many states are explicit, so the
// common single-subscriber case is a direct call.
type handlerSet[T any] struct {
	kind   handlerKind
	single handlerEntry[T]
	many   []handlerEntry[T]
}

func (h *handlerSet[T]) add(id HandlerID, fn func(T)) {
	e := handlerEntry[T]{id: id, fn: fn}
	switch h.kind {
	case handlersEmpty:
		h.kind = handlersSingle
		h.single = e
	case handlersSingle:
		h.kind = handlersMany
		h.many = []handlerEntry[T]{h.single, e}
		h.single = handlerEntry[T]{}
	case handlersMany:
		h.many = append(h.many, e)
	}
}

func (h *handlerSet[T]) remove(id HandlerID) bool {
	switch h.kind {
	case handlersSingle:
		if h.single.id != id {
			return false
		}
		h.kind = handlersEmpty
		h.single = handlerEntry[T]{}
		return true
	case handlersMany:
		for i, e := range h.many {
			if e.id != id {
				continue
			}
			h.many = append(h.many[:i], h.many[i+1:]...)
			if len(h.many) == 1 {
				h.kind = handlersSingle
				h.single = h.many[0]
				h.many = nil
			}
			return true
		}
	}
	return false
}

func (h *handlerSet[T]) call(v T) {
	switch h.kind {
	case handlersSingle:
		h.single.fn(v)
	case handlersMany:
		for _, e := range h.many {
			e.fn(v)
		}
	}
}

func (h *handlerSet[T]) empty() bool {
	return h.kind == handlersEmpty
}

func (h *handlerSet[T]) len() int {
	switch h.kind {
	case handlersSingle:
		return 1
	case handlersMany:
		return len(h.many)
	default:
		return 0
	}
}
