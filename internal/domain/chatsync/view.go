package chatsync

import "slices"

// source: откуда пришло сообщение при слиянии.
type source int

const (
	sourcePage source = iota
	sourcePush
	sourceCached
)

func (s source) String() string {
	switch s {
	case sourcePush:
		return "push"
	case sourceCached:
		return "cached"
	default:
		return "page"
	}
}

// view: упорядоченное по (Timestamp, ID) множество сообщений комнаты без
// повторов ID. Содержимое из push не перезаписывается страницами и снимком;
// push перезаписывает всё. Сообщения из снимка остаются в cached, пока их
// не подтвердит сервер.
type view struct {
	items  []Message
	byID   map[int64]Message
	pushed map[int64]struct{}
	cached map[int64]struct{}
}

func newView() *view {
	return &view{
		byID:   make(map[int64]Message),
		pushed: make(map[int64]struct{}),
		cached: make(map[int64]struct{}),
	}
}

// merge вливает msgs и возвращает то, что реально изменило вид (новые
// и обновлённые сообщения) в порядке (Timestamp, ID).
func (v *view) merge(msgs []Message, src source) []Message {
	touched := make(map[int64]struct{})
	for _, m := range msgs {
		old, exists := v.byID[m.ID]
		if exists && src != sourceCached {
			delete(v.cached, m.ID)
		}
		if exists {
			if _, fromPush := v.pushed[m.ID]; fromPush && src != sourcePush {
				continue
			}
			if sameContent(old, m) {
				if src == sourcePush {
					v.pushed[m.ID] = struct{}{}
				}
				continue
			}
			v.remove(old)
		}
		v.insert(m)
		switch src {
		case sourcePush:
			v.pushed[m.ID] = struct{}{}
		case sourceCached:
			if !exists {
				v.cached[m.ID] = struct{}{}
			}
		}
		touched[m.ID] = struct{}{}
	}
	changed := make([]Message, 0, len(touched))
	for id := range touched {
		changed = append(changed, v.byID[id])
	}
	slices.SortFunc(changed, compareMessages)
	return changed
}

func (v *view) insert(m Message) {
	i, _ := slices.BinarySearchFunc(v.items, m, compareMessages)
	v.items = slices.Insert(v.items, i, m)
	v.byID[m.ID] = m
}

func (v *view) remove(m Message) {
	if i, found := slices.BinarySearchFunc(v.items, m, compareMessages); found {
		v.items = slices.Delete(v.items, i, i+1)
	}
	delete(v.byID, m.ID)
}

// dropCached убирает неподтверждённые сообщения снимка и возвращает их ID
// по возрастанию (Timestamp, ID).
func (v *view) dropCached() []int64 {
	if len(v.cached) == 0 {
		return nil
	}
	stale := make([]Message, 0, len(v.cached))
	for id := range v.cached {
		stale = append(stale, v.byID[id])
	}
	slices.SortFunc(stale, compareMessages)
	out := make([]int64, len(stale))
	for i, m := range stale {
		v.remove(m)
		out[i] = m.ID
	}
	clear(v.cached)
	return out
}

func (v *view) len() int { return len(v.items) }

// snapshot возвращает копию; limit > 0 оставляет только самые новые.
func (v *view) snapshot(limit int) []Message {
	items := v.items
	if limit > 0 && len(items) > limit {
		items = items[len(items)-limit:]
	}
	return slices.Clone(items)
}

func (v *view) newest() (Message, bool) {
	if len(v.items) == 0 {
		return Message{}, false
	}
	return v.items[len(v.items)-1], true
}
