/*
 * Copyright 2024 CloudWeGo Authors
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

// Package dlist provides an intrusive doubly-linked list.
// The Node is embedded in the record it links, so linking and unlinking
// never allocate. The empty list is a nil head. Nodes must be unique within
// a list; cycles and double insertion are not detected.
package dlist

// Node is a doubly-linked list node meant to be embedded in an owning
// record of type T. Bind must be called once, before the node is linked,
// so that traversals can hand back the owner.
type Node[T any] struct {
	next, prev *Node[T]
	owner      *T
}

// Bind attaches the owning record to n.
func (n *Node[T]) Bind(owner *T) {
	n.owner = owner
}

// Owner returns the record bound to n, nil if none.
func (n *Node[T]) Owner() *T {
	if n == nil {
		return nil
	}
	return n.owner
}

// Next returns the next node, nil if none or if n is nil.
func (n *Node[T]) Next() *Node[T] {
	if n == nil {
		return nil
	}
	return n.next
}

// Prev returns the previous node, nil if none or if n is nil.
func (n *Node[T]) Prev() *Node[T] {
	if n == nil {
		return nil
	}
	return n.prev
}

// Head returns the first node of the list containing n, walking backward.
func Head[T any](n *Node[T]) *Node[T] {
	if n == nil {
		return nil
	}
	for n.prev != nil {
		n = n.prev
	}
	return n
}

// InsertBefore inserts node before next and returns node.
// A nil node returns next unchanged.
func InsertBefore[T any](next, node *Node[T]) *Node[T] {
	if node == nil {
		return next
	}
	if next != nil {
		node.prev = next.prev
		if next.prev != nil {
			next.prev.next = node
		}
		next.prev = node
	}
	node.next = next
	return node
}

// Push inserts node at the front of the list whose head is *head and
// updates *head. Nil head or node is a no-op.
func Push[T any](head **Node[T], node *Node[T]) {
	if head == nil || node == nil {
		return
	}
	*head = InsertBefore(*head, node)
}

// Pop unlinks and returns the node at *head, updating *head to its
// successor. Returns nil on an empty list.
func Pop[T any](head **Node[T]) *Node[T] {
	if head == nil || *head == nil {
		return nil
	}
	node := *head
	*head = node.next
	unlink(node)
	return node
}

// Count returns the number of nodes reachable forward from n, n included.
// Counting is forward only: nodes before n are not counted, so callers
// wanting the list length must pass the head.
func Count[T any](n *Node[T]) int {
	count := 0
	for ; n != nil; n = n.next {
		count++
	}
	return count
}

// Find searches forward from start for target, compared by address.
func Find[T any](start, target *Node[T]) *Node[T] {
	for n := start; n != nil; n = n.next {
		if n == target {
			return n
		}
	}
	return nil
}

// FindMatch searches forward from start for the first node whose owner
// satisfies match.
func FindMatch[T any](start *Node[T], match func(*T) bool) *Node[T] {
	if match == nil {
		return nil
	}
	for n := start; n != nil; n = n.next {
		if match(n.owner) {
			return n
		}
	}
	return nil
}

// Remove searches forward from anchor for target and unlinks it.
// Returns the removed node, nil if not found. The payload is untouched.
// If the removed node anchored the caller's view of the list (e.g. it was
// the head), the caller must update its reference afterwards.
func Remove[T any](anchor, target *Node[T]) *Node[T] {
	node := Find(anchor, target)
	if node == nil {
		return nil
	}
	unlink(node)
	return node
}

// RemoveMatch searches forward from anchor for the first node whose owner
// satisfies match and unlinks it. Returns the removed node, nil if none.
func RemoveMatch[T any](anchor *Node[T], match func(*T) bool) *Node[T] {
	node := FindMatch(anchor, match)
	if node == nil {
		return nil
	}
	unlink(node)
	return node
}

// Foreach applies cb to the owner of each node, forward from list.
// It stops at the first non-nil error and returns it.
func Foreach[T any](list *Node[T], cb func(*T) error) error {
	for n := list; n != nil; n = n.next {
		if err := cb(n.owner); err != nil {
			return err
		}
	}
	return nil
}

func unlink[T any](n *Node[T]) {
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	n.next = nil
	n.prev = nil
}
