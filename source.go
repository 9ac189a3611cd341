// Copyright 2024 CloudWeGo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux

package fdmon

import (
	"golang.org/x/sys/unix"

	"github.com/cloudwego/fdmon/container/dlist"
)

// ReadyFunc is invoked by the monitor when the source's fd reports
// readiness. The observed bits are available through Source.Events for the
// duration of the call. A non-nil return is a deregistration request: the
// monitor removes and cleans the source before the dispatch round moves on.
type ReadyFunc func(*Source) error

// CleanFunc is invoked exactly once when the source is cleaned. It must
// tolerate being called on a freshly-zeroed record.
type CleanFunc func(*Source)

// Source describes one fd registered with a Monitor. Concrete sources embed
// it and pass method values as hooks; the hook receiver recovers the
// concrete source, so no offset arithmetic is involved.
//
// The fd must be non-blocking. It stays owned by the source: registration
// does not transfer ownership, and closing it after cleanup is the concrete
// source's (or for bare sources, the caller's) responsibility.
type Source struct {
	fd       int
	interest Event
	events   Event // observed bits of the current dispatch, 0 outside it
	onReady  ReadyFunc
	onClean  CleanFunc
	link     dlist.Node[Source]
	mon      *Monitor // non-nil while registered
}

// Init resets s and fills it in. fd must be non-negative, interest a
// non-empty subset of In|Out, onReady non-nil. A nil onClean is a no-op.
func (s *Source) Init(fd int, interest Event, onReady ReadyFunc, onClean CleanFunc) error {
	if s == nil || fd < 0 || onReady == nil {
		return unix.EINVAL
	}
	if interest&(In|Out) == 0 || interest&^(In|Out) != 0 {
		return unix.EINVAL
	}
	*s = Source{
		fd:       fd,
		interest: interest,
		onReady:  onReady,
		onClean:  onClean,
	}
	s.link.Bind(s)
	return nil
}

// Fd returns the registered file descriptor.
func (s *Source) Fd() int {
	return s.fd
}

// Interest returns the readiness-interest mask given to Init. It is
// immutable for the lifetime of the registration.
func (s *Source) Interest() Event {
	return s.interest
}

// Events returns the readiness bits observed by the monitor. The value is
// only meaningful inside the readiness callback.
func (s *Source) Events() Event {
	return s.events
}
