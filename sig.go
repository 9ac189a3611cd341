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
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SigFunc is invoked once per signal delivered to a SigSource. The decoded
// record is available through Info. Return nil to keep the source
// registered, non-nil to have the monitor remove and clean it.
type SigFunc func(*SigSource) error

const sigInfoLen = int(unsafe.Sizeof(unix.SignalfdSiginfo{}))

// nsig is the highest signal number a Linux signal set can hold.
const nsig = 64

// SigSource receives kernel-queued signals through a signalfd. Init blocks
// the requested signals on the calling thread, capturing the mask in force
// before; cleaning the source restores that mask.
//
// The caller should pin itself with runtime.LockOSThread for the lifetime
// of the source: the block applies to the thread that ran Init, and a
// process-directed signal is only guaranteed to stay queued for the fd if
// no thread has it unblocked.
type SigSource struct {
	Source
	mask    unix.Sigset_t
	oldMask unix.Sigset_t
	info    unix.SignalfdSiginfo
	cb      SigFunc
}

// Init fills s to receive the given signals. At least one signal is
// required and each must be a valid signal number. On success the signals
// are blocked and the signalfd is open; any later failure restores the
// previous mask before returning.
func (s *SigSource) Init(cb SigFunc, signals ...syscall.Signal) error {
	if s == nil || cb == nil || len(signals) == 0 {
		return unix.EINVAL
	}
	*s = SigSource{}
	for _, sig := range signals {
		if sig < 1 || sig > nsig {
			return unix.EINVAL
		}
		bit := int(sig) - 1
		s.mask.Val[bit/64] |= 1 << (uint(bit) % 64)
	}
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &s.mask, &s.oldMask); err != nil {
		return fmt.Errorf("fdmon: sigmask block: %w", err)
	}
	fd, err := unix.Signalfd(-1, &s.mask, unix.SFD_NONBLOCK|unix.SFD_CLOEXEC)
	if err != nil {
		unix.PthreadSigmask(unix.SIG_SETMASK, &s.oldMask, nil)
		*s = SigSource{}
		return fmt.Errorf("fdmon: signalfd: %w", err)
	}
	s.cb = cb
	if err = s.Source.Init(fd, In, s.ready, s.clean); err != nil {
		unix.Close(fd)
		unix.PthreadSigmask(unix.SIG_SETMASK, &s.oldMask, nil)
		*s = SigSource{}
		return err
	}
	return nil
}

// Info returns the decoded record of the most recently delivered signal.
// Only meaningful inside the callback.
func (s *SigSource) Info() *unix.SignalfdSiginfo {
	return &s.info
}

func (s *SigSource) ready(src *Source) error {
	if src.Events().HasError() {
		return unix.EIO
	}
	buf := (*[sigInfoLen]byte)(unsafe.Pointer(&s.info))[:]
	n, err := unix.Read(src.Fd(), buf)
	if err != nil {
		return err
	}
	if n != sigInfoLen {
		return unix.EIO
	}
	return s.cb(s)
}

func (s *SigSource) clean(src *Source) {
	if s == nil || s.cb == nil {
		// Zeroed or already-cleaned record.
		return
	}
	unix.PthreadSigmask(unix.SIG_SETMASK, &s.oldMask, nil)
	unix.Close(src.Fd())
	*s = SigSource{}
}
