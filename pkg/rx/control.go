package rx

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// parseControlMessages walks a receive call's ancillary-data buffer and
// separates DMABUF fragment descriptors from LINEAR markers. LINEAR
// variants are counted only: they mark payload the kernel could not
// deliver into the dma-buf and copied into host memory instead.
func parseControlMessages(control []byte) (frags []dmabufCmsg, linearCount int, err error) {
	msgs, err := unix.ParseSocketControlMessage(control)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to parse socket control message: %w", err)
	}

	for _, msg := range msgs {
		if msg.Header.Level != unix.SOL_SOCKET {
			continue
		}
		switch int(msg.Header.Type) {
		case scmDevmemDmabuf:
			frag, ok := decodeDmabufCmsg(msg.Data)
			if !ok {
				return nil, 0, fmt.Errorf("truncated devmem dmabuf control message")
			}
			frags = append(frags, frag)
		case scmDevmemLinear:
			linearCount++
		}
	}
	return frags, linearCount, nil
}
