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
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/cloudwego/fdmon/container/dlist"
)

const maxEventsPerRound = 64

// Monitor owns an epoll instance and the registry of sources added to it.
// All methods must be called from the goroutine that drives the monitor.
type Monitor struct {
	epfd       int
	head       *dlist.Node[Source]
	inDispatch bool
	scratch    []unix.EpollEvent
}

// NewMonitor creates an empty monitor over a fresh epoll instance.
func NewMonitor() (*Monitor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("fdmon: epoll_create1: %w", err)
	}
	return &Monitor{
		epfd:    epfd,
		scratch: make([]unix.EpollEvent, maxEventsPerRound),
	}, nil
}

// Fd returns the epoll fd, for the caller's external readiness wait.
// Readable means at least one armed source has pending events.
func (m *Monitor) Fd() int {
	return m.epfd
}

// Len returns the number of registered sources.
func (m *Monitor) Len() int {
	return dlist.Count(m.head)
}

// Add registers s. The fd is armed edge-triggered and one-shot under the
// source's interest mask: each delivery disarms the fd until Activate.
// A source belongs to at most one monitor at a time.
func (m *Monitor) Add(s *Source) error {
	if s == nil || s.onReady == nil || s.fd < 0 {
		return unix.EINVAL
	}
	if s.interest&(In|Out) == 0 {
		return unix.EINVAL
	}
	if s.mon != nil {
		return unix.EBUSY
	}
	ev := unix.EpollEvent{
		Events: uint32(s.interest) | unix.EPOLLET | unix.EPOLLONESHOT,
		Fd:     int32(s.fd),
	}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, s.fd, &ev); err != nil {
		return fmt.Errorf("fdmon: epoll_ctl add fd %d: %w", s.fd, err)
	}
	dlist.Push(&m.head, &s.link)
	s.mon = m
	return nil
}

// Activate re-arms a registered source after it has fired. interest may
// narrow the mask for this arming; it must be a non-empty subset of the
// mask given at Init, and 0 means the full original mask.
func (m *Monitor) Activate(s *Source, interest Event) error {
	if s == nil || s.mon != m {
		return unix.EINVAL
	}
	if interest == 0 {
		interest = s.interest
	}
	if interest&^s.interest != 0 || interest&(In|Out) == 0 {
		return unix.EINVAL
	}
	ev := unix.EpollEvent{
		Events: uint32(interest) | unix.EPOLLET | unix.EPOLLONESHOT,
		Fd:     int32(s.fd),
	}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_MOD, s.fd, &ev); err != nil {
		return fmt.Errorf("fdmon: epoll_ctl mod fd %d: %w", s.fd, err)
	}
	return nil
}

// ProcessEvents runs one dispatch round: it queries the epoll instance
// without blocking, then for each ready source records the observed bits
// and invokes its readiness callback. A callback returning non-nil has its
// source removed and cleaned before the round advances; the other ready
// sources still get their callbacks. Error and hangup bits are delivered
// to the callback, never treated as fatal by the monitor itself.
//
// Callbacks may call Add, Activate, Remove and Clean, including on the
// currently dispatching source. Calling ProcessEvents from a callback
// returns EBUSY.
func (m *Monitor) ProcessEvents() error {
	if m.inDispatch {
		return unix.EBUSY
	}
	m.inDispatch = true
	defer func() { m.inDispatch = false }()

	var n int
	var err error
	for {
		n, err = unix.EpollWait(m.epfd, m.scratch, 0)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("fdmon: epoll_wait: %w", err)
	}

	for i := 0; i < n; i++ {
		fd := int(m.scratch[i].Fd)
		// An earlier callback this round may have removed the source;
		// the registry, not the epoll report, is authoritative.
		node := dlist.FindMatch(m.head, func(s *Source) bool { return s.fd == fd })
		if node == nil {
			continue
		}
		s := node.Owner()
		s.events = Event(m.scratch[i].Events)
		cbErr := s.onReady(s)
		s.events = 0
		if cbErr != nil && s.mon == m {
			_ = m.clean(s)
		}
	}
	return nil
}

// Remove deregisters s from the epoll instance and the registry. The
// cleanup callback is not invoked; that is Clean's job.
func (m *Monitor) Remove(s *Source) error {
	if s == nil || s.mon != m {
		return unix.EINVAL
	}
	// Kernels before 2.6.9 insist on a non-nil event for EPOLL_CTL_DEL.
	err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, s.fd, &unix.EpollEvent{})
	next := s.link.Next()
	if dlist.Remove(m.head, &s.link) != nil && m.head == &s.link {
		m.head = next
	}
	s.mon = nil
	if err != nil {
		return fmt.Errorf("fdmon: epoll_ctl del fd %d: %w", s.fd, err)
	}
	return nil
}

// Clean removes s and invokes its cleanup callback.
func (m *Monitor) Clean(s *Source) error {
	if s == nil || s.mon != m {
		return unix.EINVAL
	}
	return m.clean(s)
}

func (m *Monitor) clean(s *Source) error {
	err := m.Remove(s)
	if cb := s.onClean; cb != nil {
		cb(s)
	}
	return err
}

// Close removes and cleans every registered source, then closes the epoll
// instance. The monitor must not be reused afterwards. Calling Close from
// a readiness callback returns EBUSY.
func (m *Monitor) Close() error {
	if m.inDispatch {
		return unix.EBUSY
	}
	for m.head != nil {
		_ = m.clean(m.head.Owner())
	}
	err := unix.Close(m.epfd)
	m.epfd = -1
	return err
}
