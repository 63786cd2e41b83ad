package crdt

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// ID identifies an item by the replica that created it and that replica's clock.
type ID struct {
	Client uint64
	Clock  uint64
}

type item struct {
	id        ID
	lamport   uint64
	origin    ID
	hasOrigin bool
	content   rune
	children  []*item
}

// precedes orders siblings that share an origin: newer inserts sit closer to the origin.
func (it *item) precedes(other *item) bool {
	if it.lamport != other.lamport {
		return it.lamport > other.lamport
	}
	if it.id.Client != other.id.Client {
		return it.id.Client > other.id.Client
	}
	return it.id.Clock > other.id.Clock
}

// TextDoc is a replicated growable array of runes. Items are placed after their origin,
// deletions are tombstones, and items whose dependencies have not arrived stay pending.
type TextDoc struct {
	items   map[ID]*item
	roots   []*item
	pending map[ID]*item
	waiting map[ID][]*item
	deleted deleteSet
	clocks  map[uint64]uint64
	lamport uint64
}

// NewTextDoc returns an empty replica.
func NewTextDoc() *TextDoc {
	return &TextDoc{
		items:   make(map[ID]*item),
		pending: make(map[ID]*item),
		waiting: make(map[ID][]*item),
		deleted: make(deleteSet),
		clocks:  make(map[uint64]uint64),
	}
}

// ApplyUpdate merges a binary update. Applying the same update twice is a no-op.
func (doc *TextDoc) ApplyUpdate(update []byte) error {
	decoded, err := decodeUpdate(update)
	if err != nil {
		return err
	}
	fresh := make([]*item, 0, len(decoded.items))
	for _, incoming := range decoded.items {
		if doc.known(incoming.id) {
			continue
		}
		doc.pending[incoming.id] = incoming
		fresh = append(fresh, incoming)
	}
	for _, span := range decoded.deletes {
		doc.deleted.add(span.client, span.start, span.length)
	}
	doc.integrate(fresh)
	return nil
}

// EncodeStateAsUpdate implements Doc.
func (doc *TextDoc) EncodeStateAsUpdate(vector []byte) ([]byte, error) {
	seen, err := decodeStateVector(vector)
	if err != nil {
		return nil, err
	}
	selected := make([]*item, 0, len(doc.items)+len(doc.pending))
	for id, existing := range doc.items {
		if id.Clock >= seen[id.Client] {
			selected = append(selected, existing)
		}
	}
	for id, waiting := range doc.pending {
		if id.Clock >= seen[id.Client] {
			selected = append(selected, waiting)
		}
	}
	return encodeUpdate(selected, doc.deleted), nil
}

// EncodeStateVector implements Doc.
func (doc *TextDoc) EncodeStateVector() []byte {
	return encodeStateVector(doc.clocks)
}

// Text implements Doc.
func (doc *TextDoc) Text() string {
	var builder strings.Builder
	doc.walk(func(visible *item) {
		builder.WriteRune(visible.content)
	})
	return builder.String()
}

// Len returns the number of visible runes.
func (doc *TextDoc) Len() int {
	count := 0
	doc.walk(func(*item) { count++ })
	return count
}

// Insert adds text at a visible rune position on behalf of client and returns the update
// describing the change.
func (doc *TextDoc) Insert(client uint64, position int, text string) ([]byte, error) {
	visible := doc.visibleItems()
	if position < 0 || position > len(visible) {
		return nil, ErrPositionOutOfRange
	}
	if !utf8.ValidString(text) {
		return nil, ErrMalformedUpdate
	}
	var origin *item
	if position > 0 {
		origin = visible[position-1]
	}
	created := make([]*item, 0, utf8.RuneCountInString(text))
	for _, character := range text {
		next := &item{
			id:      ID{Client: client, Clock: doc.clocks[client]},
			lamport: doc.lamport + 1,
			content: character,
		}
		if origin != nil {
			next.origin = origin.id
			next.hasOrigin = true
		}
		doc.place(next)
		created = append(created, next)
		origin = next
	}
	return encodeUpdate(created, nil), nil
}

// Delete tombstones length visible runes starting at position and returns the update.
func (doc *TextDoc) Delete(position int, length int) ([]byte, error) {
	visible := doc.visibleItems()
	if position < 0 || length < 0 || position+length > len(visible) {
		return nil, ErrPositionOutOfRange
	}
	removed := make(deleteSet)
	for _, target := range visible[position : position+length] {
		removed.add(target.id.Client, target.id.Clock, 1)
		doc.deleted.add(target.id.Client, target.id.Clock, 1)
	}
	return encodeUpdate(nil, removed), nil
}

func (doc *TextDoc) known(id ID) bool {
	if _, ok := doc.items[id]; ok {
		return true
	}
	_, ok := doc.pending[id]
	return ok
}

// integrate places every candidate whose dependencies are satisfied, releasing items that were
// waiting on it, and parks the rest until their dependency arrives.
func (doc *TextDoc) integrate(candidates []*item) {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].id.Client != candidates[j].id.Client {
			return candidates[i].id.Client > candidates[j].id.Client
		}
		return candidates[i].id.Clock > candidates[j].id.Clock
	})
	stack := candidates
	for len(stack) > 0 {
		next := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := doc.items[next.id]; ok {
			continue
		}
		if dependency, blocked := doc.missingDependency(next); blocked {
			doc.waiting[dependency] = append(doc.waiting[dependency], next)
			continue
		}
		delete(doc.pending, next.id)
		doc.place(next)
		if released := doc.waiting[next.id]; len(released) > 0 {
			delete(doc.waiting, next.id)
			stack = append(stack, released...)
		}
	}
}

func (doc *TextDoc) missingDependency(candidate *item) (ID, bool) {
	expected := doc.clocks[candidate.id.Client]
	if candidate.id.Clock > expected {
		return ID{Client: candidate.id.Client, Clock: candidate.id.Clock - 1}, true
	}
	if candidate.hasOrigin {
		if _, ok := doc.items[candidate.origin]; !ok {
			return candidate.origin, true
		}
	}
	return ID{}, false
}

func (doc *TextDoc) place(next *item) {
	doc.items[next.id] = next
	if next.id.Clock+1 > doc.clocks[next.id.Client] {
		doc.clocks[next.id.Client] = next.id.Clock + 1
	}
	if next.lamport > doc.lamport {
		doc.lamport = next.lamport
	}
	if next.hasOrigin {
		parent := doc.items[next.origin]
		parent.children = insertSorted(parent.children, next)
		return
	}
	doc.roots = insertSorted(doc.roots, next)
}

func insertSorted(siblings []*item, next *item) []*item {
	index := sort.Search(len(siblings), func(i int) bool {
		return next.precedes(siblings[i])
	})
	siblings = append(siblings, nil)
	copy(siblings[index+1:], siblings[index:])
	siblings[index] = next
	return siblings
}

// walk visits visible items in document order.
func (doc *TextDoc) walk(visit func(*item)) {
	stack := make([]*item, 0, len(doc.roots))
	for index := len(doc.roots) - 1; index >= 0; index-- {
		stack = append(stack, doc.roots[index])
	}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !doc.deleted.contains(current.id) {
			visit(current)
		}
		for index := len(current.children) - 1; index >= 0; index-- {
			stack = append(stack, current.children[index])
		}
	}
}

func (doc *TextDoc) visibleItems() []*item {
	visible := make([]*item, 0, len(doc.items))
	doc.walk(func(current *item) {
		visible = append(visible, current)
	})
	return visible
}

type span struct {
	start uint64
	end   uint64
}

// deleteSet stores tombstoned ids as sorted, non-overlapping half-open ranges per client.
type deleteSet map[uint64][]span

func (set deleteSet) add(client uint64, start uint64, length uint64) {
	if length == 0 {
		return
	}
	spans := append(set[client], span{start: start, end: start + length})
	sort.Slice(spans, func(i, j int) bool {
		return spans[i].start < spans[j].start
	})
	merged := spans[:1]
	for _, current := range spans[1:] {
		last := &merged[len(merged)-1]
		if current.start <= last.end {
			if current.end > last.end {
				last.end = current.end
			}
			continue
		}
		merged = append(merged, current)
	}
	set[client] = merged
}

func (set deleteSet) contains(id ID) bool {
	spans := set[id.Client]
	index := sort.Search(len(spans), func(i int) bool {
		return spans[i].end > id.Clock
	})
	return index < len(spans) && spans[index].start <= id.Clock
}
