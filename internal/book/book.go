// Package book holds top-of-book state for binary markets. A Registry is
// owned by exactly one goroutine (the book feed); all other components see
// book state only through broadcast messages.
package book

import "fmt"

// Prices are integer cents. Valid levels sit in [1,99]; 0 and 100 never
// carry volume on a binary contract.
const maxPrice = 99

// Level is one price level with positive quantity.
type Level struct {
	Price int
	Qty   int
}

// side stores one side's levels in a fixed array indexed by price, with the
// best (highest) populated price cached. A level exists iff its slot is > 0.
type side struct {
	qty  [maxPrice + 1]int
	best int // highest price with qty > 0; 0 when the side is empty
}

func (s *side) reset() {
	*s = side{}
}

func (s *side) set(price, qty int) {
	if price < 1 || price > maxPrice || qty <= 0 {
		return
	}
	s.qty[price] = qty
	if price > s.best {
		s.best = price
	}
}

// add applies a signed delta, dropping the level when it empties and
// walking the cached best down past any vacated slots.
func (s *side) add(price, delta int) {
	if price < 1 || price > maxPrice {
		return
	}
	q := s.qty[price] + delta
	if q <= 0 {
		s.qty[price] = 0
	} else {
		s.qty[price] = q
	}
	if q > 0 && price > s.best {
		s.best = price
		return
	}
	for s.best > 0 && s.qty[s.best] == 0 {
		s.best--
	}
}

func (s *side) top() (Level, bool) {
	if s.best == 0 {
		return Level{}, false
	}
	return Level{Price: s.best, Qty: s.qty[s.best]}, true
}

// Book is the two-sided top-of-book state for one market.
type Book struct {
	yes side
	no  side
}

// ApplySnapshot replaces both sides. Levels with non-positive quantity or
// out-of-range prices are ignored.
func (b *Book) ApplySnapshot(yes, no [][2]int) {
	b.yes.reset()
	b.no.reset()
	for _, lvl := range yes {
		b.yes.set(lvl[0], lvl[1])
	}
	for _, lvl := range no {
		b.no.set(lvl[0], lvl[1])
	}
}

// ApplyDelta mutates one (side, price) level. sideName is "yes" or "no".
func (b *Book) ApplyDelta(sideName string, price, delta int) {
	if sideName == "yes" {
		b.yes.add(price, delta)
	} else {
		b.no.add(price, delta)
	}
}

// Top returns the best level of each side.
func (b *Book) Top() (yes Level, yesOK bool, no Level, noOK bool) {
	yes, yesOK = b.yes.top()
	no, noOK = b.no.top()
	return
}

// TopStrings renders both tops under the buyer's-view convention used on
// the wire: the "yes" string mirrors the no side's best (price 100-P_no)
// and the "no" string mirrors the yes side's best. Empty sides render "N/A".
func (b *Book) TopStrings() (yes, no string) {
	yes, no = "N/A", "N/A"
	if t, ok := b.no.top(); ok {
		yes = fmt.Sprintf("%d@%d", 100-t.Price, t.Qty)
	}
	if t, ok := b.yes.top(); ok {
		no = fmt.Sprintf("%d@%d", 100-t.Price, t.Qty)
	}
	return
}

// Registry maps market tickers to their books.
type Registry struct {
	books map[string]*Book
}

func NewRegistry() *Registry {
	return &Registry{books: make(map[string]*Book)}
}

// ApplySnapshot creates or replaces the book for a ticker.
func (r *Registry) ApplySnapshot(ticker string, yes, no [][2]int) *Book {
	b, ok := r.books[ticker]
	if !ok {
		b = &Book{}
		r.books[ticker] = b
	}
	b.ApplySnapshot(yes, no)
	return b
}

// ApplyDelta applies a delta if the ticker has had a snapshot. The second
// return is false for unknown tickers; the caller logs and drops the delta.
func (r *Registry) ApplyDelta(ticker, sideName string, price, delta int) (*Book, bool) {
	b, ok := r.books[ticker]
	if !ok {
		return nil, false
	}
	b.ApplyDelta(sideName, price, delta)
	return b, true
}

// Get returns the book for a ticker, if one exists.
func (r *Registry) Get(ticker string) (*Book, bool) {
	b, ok := r.books[ticker]
	return b, ok
}

// Len reports how many markets have live books.
func (r *Registry) Len() int { return len(r.books) }
