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
)

// MsgFunc is invoked once per frame read by a MsgSource; the frame is
// available through Msg for the duration of the call.
type MsgFunc func(*MsgSource) error

// MsgSource reads fixed-size frames from an fd into a caller-provided
// buffer, one frame per readiness dispatch. A read shorter than the frame
// is an error and removes the source.
//
// The fd is not owned by the source; the caller closes it after cleanup.
type MsgSource struct {
	Source
	buf []byte
	n   int
	cb  MsgFunc
}

// Init fills s to read frames of len(buf) bytes from fd. fd must be
// non-negative and non-blocking, cb non-nil and buf non-empty.
func (s *MsgSource) Init(fd int, cb MsgFunc, buf []byte) error {
	if s == nil || cb == nil || len(buf) == 0 {
		return unix.EINVAL
	}
	*s = MsgSource{buf: buf, cb: cb}
	if err := s.Source.Init(fd, In, s.ready, s.clean); err != nil {
		*s = MsgSource{}
		return err
	}
	return nil
}

// Msg returns the frame delivered to the current callback invocation.
func (s *MsgSource) Msg() []byte {
	return s.buf[:s.n]
}

func (s *MsgSource) ready(src *Source) error {
	if src.Events().HasError() {
		return unix.EIO
	}
	n, err := unix.Read(src.Fd(), s.buf)
	if err != nil {
		return err
	}
	if n != len(s.buf) {
		return unix.EIO
	}
	s.n = n
	return s.cb(s)
}

func (s *MsgSource) clean(src *Source) {
	if s == nil || s.cb == nil {
		return
	}
	*s = MsgSource{}
}
