/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package ilist implements an intrusive doubly linked list over a caller owned slice.
//
// Elements embed a Link and are referenced by their index in the slice, so pushing,
// popping and detaching never allocate. Many lists may share one slice as long as
// every element is a member of at most one of them at a time.
package ilist

const none = -1

// Link is the link field embedded in every list element.
// Its content is only meaningful while the element is a member of a list.
type Link struct {
	next int
	prev int
}

// Node is the constraint for list elements: P must be *T and expose its Link.
type Node[T any] interface {
	*T
	Link() *Link
}

// List is a doubly linked list of indices into items.
// The zero value is not usable, use New or Init.
type List[T any, P Node[T]] struct {
	items []T
	head  int
	tail  int
}

// New returns an empty list over items.
func New[T any, P Node[T]](items []T) *List[T, P] {
	l := &List[T, P]{}
	l.Init(items)
	return l
}

// Init binds l to items and empties it.
// Links of elements that were members of l are left untouched.
func (l *List[T, P]) Init(items []T) {
	l.items = items
	l.head = none
	l.tail = none
}

func (l *List[T, P]) link(i int) *Link {
	return P(&l.items[i]).Link()
}

// Get returns the element at index i.
func (l *List[T, P]) Get(i int) P {
	return P(&l.items[i])
}

// Empty reports whether the list has no members.
func (l *List[T, P]) Empty() bool {
	return l.head == none
}

// Front returns the first member.
func (l *List[T, P]) Front() (int, bool) {
	if l.head == none {
		return none, false
	}
	return l.head, true
}

// Back returns the last member.
func (l *List[T, P]) Back() (int, bool) {
	if l.tail == none {
		return none, false
	}
	return l.tail, true
}

// PushFront inserts i as the new head.
// i must not be a member of any list, this is not checked.
func (l *List[T, P]) PushFront(i int) {
	n := l.link(i)
	n.prev = none
	n.next = l.head
	if l.head == none {
		l.tail = i
	} else {
		l.link(l.head).prev = i
	}
	l.head = i
}

// PushBack inserts i as the new tail.
// i must not be a member of any list, this is not checked.
func (l *List[T, P]) PushBack(i int) {
	n := l.link(i)
	n.next = none
	n.prev = l.tail
	if l.tail == none {
		l.head = i
	} else {
		l.link(l.tail).next = i
	}
	l.tail = i
}

// PopFront removes and returns the head.
func (l *List[T, P]) PopFront() (int, bool) {
	i := l.head
	if i == none {
		return none, false
	}
	l.Detach(i)
	return i, true
}

// PopBack removes and returns the tail.
func (l *List[T, P]) PopBack() (int, bool) {
	i := l.tail
	if i == none {
		return none, false
	}
	l.Detach(i)
	return i, true
}

// Detach removes i from l using only the links stored in i.
// i must be a member of l. Detaching a member of another list corrupts both.
func (l *List[T, P]) Detach(i int) {
	n := l.link(i)
	if n.prev == none {
		l.head = n.next
	} else {
		l.link(n.prev).next = n.next
	}
	if n.next == none {
		l.tail = n.prev
	} else {
		l.link(n.next).prev = n.prev
	}
	n.next = none
	n.prev = none
}

// Next returns the member after i.
func (l *List[T, P]) Next(i int) (int, bool) {
	next := l.link(i).next
	return next, next != none
}

// Prev returns the member before i.
func (l *List[T, P]) Prev(i int) (int, bool) {
	prev := l.link(i).prev
	return prev, prev != none
}

// Range calls f for each member from head to tail until f returns false.
// f must not modify the list.
func (l *List[T, P]) Range(f func(i int) bool) {
	for i := l.head; i != none; i = l.link(i).next {
		if !f(i) {
			return
		}
	}
}

// Len returns the number of members. It walks the list.
func (l *List[T, P]) Len() int {
	n := 0
	for i := l.head; i != none; i = l.link(i).next {
		n++
	}
	return n
}
