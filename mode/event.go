package mode

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Kernel event types delivered on the card fd, mirroring DRM_EVENT_*.
const (
	EventVBlank       = 0x01
	EventFlipComplete = 0x02
	EventCrtcSequence = 0x03
)

const (
	eventHeaderLen = 8
	eventVBlankLen = 32

	// Matches the read buffer libdrm uses; the kernel never queues
	// more than fits before the reader drains.
	eventBufferLen = 1024
)

// Event is one decoded kernel event. VBlank and flip-complete events
// carry the timestamp, sequence counter and, on kernels newer than
// 4.12, the CRTC the event pertains to.
type Event struct {
	Type     uint32
	UserData uint64
	Sec      uint32
	Usec     uint32
	Sequence uint32
	Crtc     uint32
}

// ReadEvents drains and decodes all events currently queued on the
// card fd. The fd must be readable; a zero-length result means the
// kernel had nothing queued. Unknown event types are returned with only
// Type set so callers can log and skip them.
func ReadEvents(fd uintptr) ([]Event, error) {
	buf := make([]byte, eventBufferLen)
	n, err := unix.Read(int(fd), buf)
	if err != nil {
		if err == unix.EAGAIN {
			return nil, nil
		}
		return nil, err
	}
	return DecodeEvents(buf[:n])
}

// DecodeEvents parses a raw kernel event stream: a sequence of
// drm_event headers (type, length) each followed by a type-specific
// payload of length-8 bytes.
func DecodeEvents(buf []byte) ([]Event, error) {
	var events []Event
	for len(buf) > 0 {
		if len(buf) < eventHeaderLen {
			return events, fmt.Errorf("truncated event header: %d bytes left", len(buf))
		}
		typ := binary.NativeEndian.Uint32(buf[0:])
		length := binary.NativeEndian.Uint32(buf[4:])
		if length < eventHeaderLen || int(length) > len(buf) {
			return events, fmt.Errorf("malformed event length %d (type %#x, %d bytes left)",
				length, typ, len(buf))
		}

		ev := Event{Type: typ}
		switch typ {
		case EventVBlank, EventFlipComplete:
			if length < eventVBlankLen {
				return events, fmt.Errorf("short vblank event: %d bytes", length)
			}
			ev.UserData = binary.NativeEndian.Uint64(buf[8:])
			ev.Sec = binary.NativeEndian.Uint32(buf[16:])
			ev.Usec = binary.NativeEndian.Uint32(buf[20:])
			ev.Sequence = binary.NativeEndian.Uint32(buf[24:])
			ev.Crtc = binary.NativeEndian.Uint32(buf[28:])
		}
		events = append(events, ev)
		buf = buf[length:]
	}
	return events, nil
}
