package rx

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// Socket-level ancillary message types and the MSG_* receive flag carrying
// dmTCP fragment descriptors. These track the kernel's devmem-TCP uAPI
// (SCM_DEVMEM_DMABUF / SCM_DEVMEM_LINEAR at SOL_SOCKET, MSG_SOCK_DEVMEM on
// recvmsg); golang.org/x/sys/unix does not yet vendor them, so they are
// defined locally the same way the retrieved netlink/multicast examples
// hand-roll the constants a syscall-level feature needs before a generic
// library catches up.
const (
	scmDevmemLinear = 0x4e
	scmDevmemDmabuf = 0x4f
	msgSockDevmem   = 0x2000000
)

// dmabufCmsg mirrors the kernel's struct dmabuf_cmsg: the fixed-size
// payload of one SCM_DEVMEM_DMABUF ancillary message.
type dmabufCmsg struct {
	FragOffset uint64
	FragSize   uint32
	FragToken  uint32
	DmabufID   uint32
	Flags      uint32
}

const sizeofDmabufCmsg = 8 + 4 + 4 + 4 + 4

func decodeDmabufCmsg(b []byte) (dmabufCmsg, bool) {
	if len(b) < sizeofDmabufCmsg {
		return dmabufCmsg{}, false
	}
	return dmabufCmsg{
		FragOffset: binary.NativeEndian.Uint64(b[0:8]),
		FragSize:   binary.NativeEndian.Uint32(b[8:12]),
		FragToken:  binary.NativeEndian.Uint32(b[12:16]),
		DmabufID:   binary.NativeEndian.Uint32(b[16:20]),
		Flags:      binary.NativeEndian.Uint32(b[20:24]),
	}, true
}

// dmabufToken mirrors struct dmabuf_token: the (start, count) range passed
// to SO_DEVMEM_DONTNEED to release one or more fragment tokens.
type dmabufToken struct {
	TokenStart uint32
	TokenCount uint32
}

const soDevmemDontneed = 0x50

// returnToken releases a single fragment token back to the kernel so its
// backing pages may be recycled. Per the spec's open-question resolution,
// any err == nil from the setsockopt call is treated as success; the
// original tool's `ret != 1` check against a kernel call that normally
// returns 0 is not reproduced.
func returnToken(fd int, token uint32) error {
	t := dmabufToken{TokenStart: token, TokenCount: 1}
	buf := make([]byte, 8)
	binary.NativeEndian.PutUint32(buf[0:4], t.TokenStart)
	binary.NativeEndian.PutUint32(buf[4:8], t.TokenCount)
	return unix.SetsockoptString(fd, unix.SOL_SOCKET, soDevmemDontneed, string(buf))
}
