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

// Package fdmon multiplexes heterogeneous event sources (signals, framed
// messages, process-exit notifications) onto a single epoll instance.
//
// A Monitor owns the epoll fd and a registry of Sources. The caller drives
// it: wait for readiness on Monitor.Fd with whatever primitive fits the
// surrounding program, then call ProcessEvents for one non-blocking
// dispatch round. Sources are armed edge-triggered and one-shot: after a
// source fires it stays registered but disarmed until Activate re-arms it.
//
// The monitor and its sources belong to a single goroutine; nothing here
// is safe for concurrent mutation.
package fdmon

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Event is a readiness bitmap over a source's fd, in epoll encoding.
type Event uint32

const (
	// In reports the fd readable.
	In Event = unix.EPOLLIN
	// Out reports the fd writable.
	Out Event = unix.EPOLLOUT
	// Err reports an error condition on the fd.
	Err Event = unix.EPOLLERR
	// Hup reports a hangup on the fd.
	Hup Event = unix.EPOLLHUP
)

// HasError reports whether e carries an error or hangup condition.
func (e Event) HasError() bool {
	return e&(Err|Hup) != 0
}

// ErrDetach can be returned from a readiness callback to ask the monitor to
// remove and clean the source without reporting a failure. The monitor
// treats any non-nil return as a deregistration request; this sentinel just
// names the intentional case.
var ErrDetach = errors.New("fdmon: detach source")
