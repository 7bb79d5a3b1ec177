// Copyright 2025 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package emm

// emaList is an intrusive, doubly linked list of EMAs ordered by start
// address. The links live in each EMA's embedded emaEntry, so walking or
// splicing the list never touches a metadata arena.
//
// The zero value is an empty list.
type emaList struct {
	head *EMA
	tail *EMA
}

// Empty returns true iff the list is empty.
func (l *emaList) Empty() bool {
	return l.head == nil
}

// Front returns the lowest EMA or nil.
func (l *emaList) Front() *EMA {
	return l.head
}

// Back returns the highest EMA or nil.
func (l *emaList) Back() *EMA {
	return l.tail
}

// Len returns the number of EMAs. It is O(n).
func (l *emaList) Len() (count int) {
	for e := l.Front(); e != nil; e = e.Next() {
		count++
	}
	return count
}

// PushBack appends e.
func (l *emaList) PushBack(e *EMA) {
	e.SetNext(nil)
	e.SetPrev(l.tail)
	if l.tail != nil {
		l.tail.SetNext(e)
	} else {
		l.head = e
	}
	l.tail = e
}

// InsertAfter inserts e after b.
func (l *emaList) InsertAfter(b, e *EMA) {
	a := b.Next()
	e.SetNext(a)
	e.SetPrev(b)
	b.SetNext(e)
	if a != nil {
		a.SetPrev(e)
	} else {
		l.tail = e
	}
}

// InsertBefore inserts e before a. A nil a appends.
func (l *emaList) InsertBefore(a, e *EMA) {
	if a == nil {
		l.PushBack(e)
		return
	}
	b := a.Prev()
	e.SetNext(a)
	e.SetPrev(b)
	a.SetPrev(e)
	if b != nil {
		b.SetNext(e)
	} else {
		l.head = e
	}
}

// Remove unlinks e.
func (l *emaList) Remove(e *EMA) {
	prev := e.Prev()
	next := e.Next()
	if prev != nil {
		prev.SetNext(next)
	} else if l.head == e {
		l.head = next
	}
	if next != nil {
		next.SetPrev(prev)
	} else if l.tail == e {
		l.tail = prev
	}
	e.SetNext(nil)
	e.SetPrev(nil)
}

// emaEntry holds the list links of an EMA.
type emaEntry struct {
	next *EMA
	prev *EMA
}

// Next returns the EMA that follows e in its list.
func (e *emaEntry) Next() *EMA {
	return e.next
}

// Prev returns the EMA that precedes e in its list.
func (e *emaEntry) Prev() *EMA {
	return e.prev
}

// SetNext sets the EMA that follows e.
func (e *emaEntry) SetNext(elem *EMA) {
	e.next = elem
}

// SetPrev sets the EMA that precedes e.
func (e *emaEntry) SetPrev(elem *EMA) {
	e.prev = elem
}
