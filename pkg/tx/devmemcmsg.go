package tx

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// scmDevmemDmabuf names the TX-side ancillary message carrying the active
// tx_dmabuf_id, mirroring pkg/rx's RX-side counterpart. Socket-level,
// hand-rolled for the same reason: the kernel devmem-TCP uAPI has not yet
// landed in golang.org/x/sys/unix.
const scmDevmemDmabuf = 0x4f

// soZerocopy is unix.SO_ZEROCOPY's value, already exported by x/sys/unix;
// kept as a local alias purely for readability at call sites.
const soZerocopy = unix.SO_ZEROCOPY

// encodeDmabufIDCmsg builds the single ancillary message every zero-copy
// send carries, naming the tx_dmabuf_id its payload offsets resolve
// against. Laid out by hand because the message level (SOL_SOCKET) and
// type (SCM_DEVMEM_DMABUF) are not yet modeled by any helper in
// golang.org/x/sys/unix.
func encodeDmabufIDCmsg(dmabufID uint32) []byte {
	buf := make([]byte, unix.CmsgSpace(4))
	hdr := (*unix.Cmsghdr)(unsafe.Pointer(&buf[0]))
	hdr.Level = unix.SOL_SOCKET
	hdr.Type = scmDevmemDmabuf
	hdr.SetLen(unix.CmsgLen(4))
	binary.NativeEndian.PutUint32(buf[unix.CmsgLen(0):], dmabufID)
	return buf
}

// sockExtendedErr mirrors struct sock_extended_err used by MSG_ERRQUEUE
// completions. ee_data/ee_info carry the (lo, hi) zero-copy sequence range.
type sockExtendedErr struct {
	Errno  uint32
	Origin uint8
	Type   uint8
	Code   uint8
	Pad    uint8
	Info   uint32
	Data   uint32
}

const sizeofSockExtendedErr = 16

// soEEOriginZerocopy identifies a zero-copy-origin extended error, as
// opposed to e.g. ICMP-origin errors delivered on the same queue.
const soEEOriginZerocopy = 5

func decodeSockExtendedErr(b []byte) (sockExtendedErr, error) {
	if len(b) < sizeofSockExtendedErr {
		return sockExtendedErr{}, fmt.Errorf("truncated sock_extended_err: %d bytes", len(b))
	}
	return sockExtendedErr{
		Errno:  binary.NativeEndian.Uint32(b[0:4]),
		Origin: b[4],
		Type:   b[5],
		Code:   b[6],
		Pad:    b[7],
		Info:   binary.NativeEndian.Uint32(b[8:12]),
		Data:   binary.NativeEndian.Uint32(b[12:16]),
	}, nil
}
