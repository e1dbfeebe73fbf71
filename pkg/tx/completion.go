package tx

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/dmtcp-tools/dmtcpdiag/pkg/dmerrors"
)

// sendZerocopySegment issues one zero-copy send naming offset/length within
// the bound tx dma-buf. Per the design note on pointer-as-offset iovecs:
// internally this repository only ever passes (offset, length) pairs
// between components, and only this function — the syscall boundary —
// turns an offset into a raw pointer value, mirroring how the kernel's own
// zero-copy devmem selftest (ncdevmem) constructs its iovec.
func sendZerocopySegment(fd, txDmabufID int, offset int64, length int) (int, error) {
	// unsafe.Slice panics on a nil base pointer even when length is 0, and
	// offset 0 is a legitimate dma-buf offset, so the iovec is built by
	// hand from a raw slice header instead.
	hdr := struct {
		Data uintptr
		Len  int
		Cap  int
	}{Data: uintptr(offset), Len: length, Cap: length}
	payload := *(*[]byte)(unsafe.Pointer(&hdr))

	oob := encodeDmabufIDCmsg(uint32(txDmabufID))

	n, err := unix.SendmsgN(fd, payload, oob, nil, unix.MSG_ZEROCOPY)
	if err != nil {
		return 0, dmerrors.Wrap(dmerrors.TransientIO, "sendmsg with zero-copy flag failed", err)
	}
	return n, nil
}

// waitCompletion implements §4.4's wait_completion algorithm: poll the
// socket's error queue, then drain exactly one zero-copy completion.
// Deadline expiration or any disagreement in the extended error is fatal —
// a TX page cannot be assumed safe to reuse without positive
// acknowledgement.
func waitCompletion(fd int, deadline time.Duration) (lo, hi uint32, err error) {
	if deadline <= 0 {
		deadline = DefaultCompletionWait
	}
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLERR}}
	deadlineAt := time.Now().Add(deadline)
	for {
		budget := int(time.Until(deadlineAt).Milliseconds())
		if budget <= 0 {
			return 0, 0, dmerrors.New(dmerrors.CompletionTimeout, "wait_completion deadline expired with no zero-copy completion")
		}

		n, err := unix.Poll(pfd, budget)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return 0, 0, dmerrors.Wrap(dmerrors.CompletionTimeout, "poll on error queue failed", err)
		}
		if n == 0 {
			return 0, 0, dmerrors.New(dmerrors.CompletionTimeout, "wait_completion deadline expired with no zero-copy completion")
		}
		if pfd[0].Revents&unix.POLLERR == 0 {
			continue
		}

		lo, hi, ok, err := drainOneCompletion(fd)
		if err != nil {
			return 0, 0, err
		}
		if ok {
			return lo, hi, nil
		}
	}
}

// drainOneCompletion recvs a single MSG_ERRQUEUE message and extracts its
// (lo, hi) range. ok is false when the message carried no IP/IPv6
// receive-error header and the caller should keep polling; an extended
// error whose origin is not zero-copy or whose errno is non-zero is an
// error.
func drainOneCompletion(fd int) (lo, hi uint32, ok bool, err error) {
	buf := make([]byte, 0)
	oob := make([]byte, 512)

	_, oobn, recvFlags, _, rerr := unix.Recvmsg(fd, buf, oob, unix.MSG_ERRQUEUE)
	if rerr != nil {
		return 0, 0, false, dmerrors.Wrap(dmerrors.CompletionTimeout, "recvmsg on error queue failed", rerr)
	}
	if recvFlags&unix.MSG_CTRUNC != 0 {
		return 0, 0, false, dmerrors.New(dmerrors.CompletionTimeout, "error queue message truncated: completion may have been lost")
	}

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return 0, 0, false, dmerrors.Wrap(dmerrors.CompletionTimeout, "failed to parse error queue control message", err)
	}

	for _, msg := range msgs {
		isRecvErr := (msg.Header.Level == unix.SOL_IP && msg.Header.Type == unix.IP_RECVERR) ||
			(msg.Header.Level == unix.SOL_IPV6 && msg.Header.Type == unix.IPV6_RECVERR)
		if !isRecvErr {
			continue
		}

		ee, err := decodeSockExtendedErr(msg.Data)
		if err != nil {
			return 0, 0, false, dmerrors.Wrap(dmerrors.CompletionTimeout, "malformed sock_extended_err", err)
		}
		if ee.Origin != soEEOriginZerocopy || ee.Errno != 0 {
			return 0, 0, false, dmerrors.New(dmerrors.CompletionTimeout, "error queue message is not a successful zero-copy completion")
		}
		return ee.Info, ee.Data, true, nil
	}

	return 0, 0, false, nil
}
