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
	"github.com/bytedance/gopkg/lang/mcache"
	"golang.org/x/sys/unix"

	"github.com/cloudwego/fdmon/pidwatch"
)

// PidFunc is invoked when the watched process has exited and been reaped.
// The wait-status is available through Status. It fires at most once per
// source lifetime; returning non-nil (ErrDetach, typically) has the
// monitor remove and clean the source, which is the usual thing to do.
type PidFunc func(*PidSource) error

// PidSource watches one process through a pidwatch socket and fires its
// callback when that process terminates. The process must be a child of
// the caller: the source reaps it with wait4 to collect the status.
type PidSource struct {
	Source
	pid    int
	status unix.WaitStatus
	fired  bool
	cb     PidFunc
}

// Init fills p to watch pid. The process must be alive and not a zombie at
// this point; see pidwatch.Create for the errors and the CAP_NET_ADMIN
// requirement.
func (p *PidSource) Init(pid int, cb PidFunc) error {
	if p == nil || cb == nil {
		return unix.EINVAL
	}
	fd, err := pidwatch.Create(pid, unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK)
	if err != nil {
		return err
	}
	*p = PidSource{pid: pid, cb: cb}
	if err = p.Source.Init(fd, In, p.ready, p.clean); err != nil {
		unix.Close(fd)
		*p = PidSource{}
		return err
	}
	return nil
}

// Pid returns the watched process id.
func (p *PidSource) Pid() int {
	return p.pid
}

// Status returns the reaped wait-status. Valid once the callback has
// fired.
func (p *PidSource) Status() unix.WaitStatus {
	return p.status
}

// ready drains the socket completely: the fd is edge-triggered, so a
// partial read could strand a queued datagram.
func (p *PidSource) ready(src *Source) error {
	if src.Events().HasError() {
		return unix.EIO
	}
	buf := mcache.Malloc(pidwatch.RecvBufLen())
	defer mcache.Free(buf)
	for {
		n, _, err := unix.Recvfrom(src.Fd(), buf, 0)
		if err == unix.EAGAIN {
			return nil
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		pid, ok := pidwatch.DecodeExit(buf[:n])
		if !ok || pid != p.pid || p.fired {
			// The kernel filter already narrowed delivery; anything
			// else here is a stray or a redelivery.
			continue
		}
		if _, err = unix.Wait4(p.pid, &p.status, 0, nil); err != nil {
			return err
		}
		p.fired = true
		if err = p.cb(p); err != nil {
			return err
		}
	}
}

func (p *PidSource) clean(src *Source) {
	if p == nil || p.cb == nil {
		return
	}
	unix.Close(src.Fd())
	*p = PidSource{}
}
