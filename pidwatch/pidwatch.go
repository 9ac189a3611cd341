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

// Package pidwatch observes the termination of a single process through the
// kernel's process-event connector. Create returns a netlink socket that
// becomes readable when the watched process exits; the socket carries a
// classic-BPF filter so only exit events for that pid reach userspace.
//
// Subscribing to the process-event multicast group requires CAP_NET_ADMIN.
package pidwatch

import (
	"encoding/binary"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/bytedance/gopkg/lang/mcache"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// Connector ABI, from <linux/connector.h> and <linux/cn_proc.h>.
const (
	cnIdxProc = 0x1
	cnValProc = 0x1

	procCnMcastListen = 1

	procEventExit = 0x80000000
)

// Byte offsets inside a connector datagram, which starts at the nlmsghdr:
//
//	nlmsghdr   len(4) type(2) flags(2) seq(4) pid(4)            -> 16
//	cn_msg     idx(4) val(4) seq(4) ack(4) len(2) flags(2)      -> 20
//	proc_event what(4) cpu(4) timestamp_ns(8)                   -> 16
//	exit event process_pid(4) process_tgid(4) exit_code(4) ...
const (
	nlMsgHdrLen  = unix.NLMSG_HDRLEN
	cnMsgLen     = 20
	eventHdrLen  = 16
	exitEventLen = 8

	offCnIdx = nlMsgHdrLen
	offCnVal = nlMsgHdrLen + 4
	offWhat  = nlMsgHdrLen + cnMsgLen
	offPid   = nlMsgHdrLen + cnMsgLen + eventHdrLen
	offTgid  = nlMsgHdrLen + cnMsgLen + eventHdrLen + 4
)

// Create opens a process-event connector socket watching pid. flags may
// combine SOCK_CLOEXEC and SOCK_NONBLOCK; anything else is EINVAL. The
// watched process must exist and not already be a zombie, otherwise ESRCH:
// a zombie's exit event has been delivered long ago and would never arrive
// on the new socket.
//
// The returned fd is owned by the caller and must be closed with
// unix.Close once the watch is over.
func Create(pid int, flags int) (int, error) {
	if pid <= 0 {
		return -1, unix.EINVAL
	}
	if flags&^(unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK) != 0 {
		return -1, unix.EINVAL
	}

	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|flags, unix.NETLINK_CONNECTOR)
	if err != nil {
		return -1, fmt.Errorf("pidwatch: socket: %w", err)
	}

	// The filter is attached before subscribing so no foreign event is
	// ever queued on the socket.
	if err = attachExitFilter(fd, pid); err != nil {
		unix.Close(fd)
		return -1, err
	}
	sa := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: cnIdxProc,
	}
	if err = unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("pidwatch: bind (CAP_NET_ADMIN required): %w", err)
	}
	if err = subscribe(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}

	// Checked last: once the subscription is live, an exit between this
	// check and the caller's first read is still delivered.
	if err = checkAlive(pid); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// Wait blocks until the process watched by fd exits, reaps it and fills
// status. It returns the reaped pid. The socket must have been created
// without SOCK_NONBLOCK.
func Wait(fd int, status *unix.WaitStatus) (int, error) {
	if fd < 0 || status == nil {
		return -1, unix.EINVAL
	}
	buf := mcache.Malloc(recvBufLen)
	defer mcache.Free(buf)
	for {
		n, _, err := unix.Recvfrom(fd, buf, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return -1, fmt.Errorf("pidwatch: recvfrom: %w", err)
		}
		pid, ok := DecodeExit(buf[:n])
		if !ok {
			continue
		}
		wpid, err := unix.Wait4(pid, status, 0, nil)
		if err != nil {
			return -1, fmt.Errorf("pidwatch: wait4 pid %d: %w", pid, err)
		}
		return wpid, nil
	}
}

// recvBufLen fits a handful of connector datagrams; a single exit event is
// well under 128 bytes.
const recvBufLen = 4096

// RecvBufLen is the buffer size to drain the socket with.
func RecvBufLen() int {
	return recvBufLen
}

// DecodeExit scans one datagram read from a pidwatch socket and returns
// the pid of the first process-exit event found in it.
func DecodeExit(b []byte) (int, bool) {
	msgs, err := syscall.ParseNetlinkMessage(b)
	if err != nil {
		return 0, false
	}
	for i := range msgs {
		if msgs[i].Header.Type == unix.NLMSG_ERROR {
			continue
		}
		data := msgs[i].Data
		if len(data) < cnMsgLen+eventHdrLen+exitEventLen {
			continue
		}
		idx := binary.NativeEndian.Uint32(data[0:4])
		val := binary.NativeEndian.Uint32(data[4:8])
		if idx != cnIdxProc || val != cnValProc {
			continue
		}
		payload := data[cnMsgLen:]
		if binary.NativeEndian.Uint32(payload[0:4]) != procEventExit {
			continue
		}
		pid := int(int32(binary.NativeEndian.Uint32(payload[eventHdrLen : eventHdrLen+4])))
		tgid := int(int32(binary.NativeEndian.Uint32(payload[eventHdrLen+4 : eventHdrLen+8])))
		if pid != tgid {
			// Thread exit, not process death.
			continue
		}
		return pid, true
	}
	return 0, false
}

// attachExitFilter installs a classic-BPF program accepting only connector
// exit events whose pid and tgid both equal pid. Classic BPF loads words
// big-endian while the connector payload is in host order, hence hton32 on
// every comparison constant.
func attachExitFilter(fd, pid int) error {
	insns := []bpf.Instruction{
		bpf.LoadAbsolute{Off: offCnIdx, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: hton32(cnIdxProc), SkipTrue: 9},
		bpf.LoadAbsolute{Off: offCnVal, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: hton32(cnValProc), SkipTrue: 7},
		bpf.LoadAbsolute{Off: offWhat, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: hton32(procEventExit), SkipTrue: 5},
		bpf.LoadAbsolute{Off: offPid, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: hton32(uint32(pid)), SkipTrue: 3},
		bpf.LoadAbsolute{Off: offTgid, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: hton32(uint32(pid)), SkipFalse: 1},
		bpf.RetConstant{Val: 0xffffffff},
		bpf.RetConstant{Val: 0},
	}
	raw, err := bpf.Assemble(insns)
	if err != nil {
		return fmt.Errorf("pidwatch: assemble filter: %w", err)
	}
	filter := make([]unix.SockFilter, len(raw))
	for i, ins := range raw {
		filter[i] = unix.SockFilter{
			Code: ins.Op,
			Jt:   ins.Jt,
			Jf:   ins.Jf,
			K:    ins.K,
		}
	}
	prog := unix.SockFprog{
		Len:    uint16(len(filter)),
		Filter: &filter[0],
	}
	if err = unix.SetsockoptSockFprog(fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &prog); err != nil {
		return fmt.Errorf("pidwatch: attach filter: %w", err)
	}
	return nil
}

// subscribe sends the PROC_CN_MCAST_LISTEN op to the connector.
func subscribe(fd int) error {
	msg := make([]byte, nlMsgHdrLen+cnMsgLen+4)
	binary.NativeEndian.PutUint32(msg[0:4], uint32(len(msg)))          // nlmsg_len
	binary.NativeEndian.PutUint16(msg[4:6], unix.NLMSG_DONE)           // nlmsg_type
	cn := msg[nlMsgHdrLen:]
	binary.NativeEndian.PutUint32(cn[0:4], cnIdxProc)                  // cn_msg.id.idx
	binary.NativeEndian.PutUint32(cn[4:8], cnValProc)                  // cn_msg.id.val
	binary.NativeEndian.PutUint16(cn[16:18], 4)                        // cn_msg.len
	binary.NativeEndian.PutUint32(cn[cnMsgLen:], procCnMcastListen)    // op
	err := unix.Sendto(fd, msg, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK})
	if err != nil {
		return fmt.Errorf("pidwatch: subscribe: %w", err)
	}
	return nil
}

// checkAlive returns nil if pid designates a live, non-zombie process.
func checkAlive(pid int) error {
	if err := unix.Kill(pid, 0); err != nil {
		return fmt.Errorf("pidwatch: pid %d: %w", pid, err)
	}
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return fmt.Errorf("pidwatch: pid %d: %w", pid, unix.ESRCH)
	}
	// State is the first field after the parenthesised comm, which may
	// itself contain parentheses.
	i := strings.LastIndexByte(string(stat), ')')
	if i < 0 || i+2 >= len(stat) {
		return fmt.Errorf("pidwatch: pid %d: %w", pid, unix.ESRCH)
	}
	switch stat[i+2] {
	case 'Z', 'X':
		return fmt.Errorf("pidwatch: pid %d: %w", pid, unix.ESRCH)
	}
	return nil
}

func hton32(v uint32) uint32 {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], v)
	return binary.BigEndian.Uint32(b[:])
}
