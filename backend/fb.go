package backend

import (
	"fmt"
	"os"
	"sync"

	"github.com/NeowayLabs/kms"
	"github.com/NeowayLabs/kms/mode"
	"launchpad.net/gommap"
)

// Buffer describes a scanout-capable buffer to import as a kernel
// framebuffer: up to four planes of driver handles with their layout,
// plus the legacy depth/bpp description for drivers without the
// modifier path.
type Buffer struct {
	Width, Height uint32
	Format        uint32 // fourcc, see mode.Format*
	PlaneCount    int
	Handles       [4]uint32
	Pitches       [4]uint32
	Offsets       [4]uint32

	// Modifier applies to all planes. mode.ModifierInvalid means the
	// layout is implicit and the modifier path must not be used.
	Modifier uint64

	// Legacy framebuffer description, used only on the fallback path.
	Depth, BPP uint8
}

// Framebuffer wraps a kernel framebuffer id with ownership: Destroy
// removes the kernel object exactly once, no matter how often it is
// called.
type Framebuffer struct {
	dev           DeviceOps
	id            uint32
	width, height uint32

	mu        sync.Mutex
	destroyed bool
}

func (f *Framebuffer) ID() uint32 { return f.id }

func (f *Framebuffer) Size() (width, height uint32) {
	return f.width, f.height
}

func (f *Framebuffer) Destroy() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return nil
	}
	f.destroyed = true
	return f.dev.RmFB(f.id)
}

// ImportBuffer converts a buffer into a kernel framebuffer. The fast
// path uses explicit format modifiers when the device advertises
// support; otherwise (or when the fast path is rejected) a legacy
// single-plane framebuffer is created. Multi-planar buffers cannot be
// expressed on the legacy path and are refused there.
func ImportBuffer(dev DeviceOps, buf *Buffer) (*Framebuffer, error) {
	if buf.PlaneCount < 1 || buf.PlaneCount > 4 {
		return nil, fmt.Errorf("buffer has %d planes, framebuffers take 1 to 4", buf.PlaneCount)
	}

	var fastErr error
	if buf.Modifier != mode.ModifierInvalid {
		if val, err := dev.Cap(kms.CapAddFB2Modifiers); err == nil && val != 0 {
			var modifiers [4]uint64
			for i := 0; i < buf.PlaneCount; i++ {
				modifiers[i] = buf.Modifier
			}
			id, err := dev.AddFB2(buf.Width, buf.Height, buf.Format, mode.FBModifiers,
				buf.Handles, buf.Pitches, buf.Offsets, modifiers)
			if err == nil {
				return &Framebuffer{dev: dev, id: id, width: buf.Width, height: buf.Height}, nil
			}
			fastErr = err
		}
	}

	if buf.PlaneCount > 1 {
		if fastErr != nil {
			return nil, fmt.Errorf("cannot import %d-planar buffer: %w", buf.PlaneCount, fastErr)
		}
		return nil, fmt.Errorf("cannot import %d-planar buffer without format modifier support", buf.PlaneCount)
	}

	id, err := dev.AddFB(uint16(buf.Width), uint16(buf.Height),
		buf.Depth, buf.BPP, buf.Pitches[0], buf.Handles[0])
	if err != nil {
		return nil, err
	}
	return &Framebuffer{dev: dev, id: id, width: buf.Width, height: buf.Height}, nil
}

// DumbBuffer is a CPU-mapped kernel buffer, the built-in buffer source
// for software rendering and cursor images.
type DumbBuffer struct {
	file          *os.File
	handle        uint32
	width, height uint32
	pitch         uint32
	size          uint64
	data          gommap.MMap
}

// CreateDumbBuffer allocates and maps a dumb buffer on the card.
func CreateDumbBuffer(file *os.File, width, height uint16, bpp uint32) (*DumbBuffer, error) {
	fb, err := mode.CreateFB(file, width, height, bpp)
	if err != nil {
		return nil, &AccessError{Op: "create dumb buffer", Err: err}
	}

	offset, err := mode.MapDumb(file, fb.Handle)
	if err != nil {
		mode.DestroyDumb(file, fb.Handle)
		return nil, &AccessError{Op: "map dumb buffer", Err: err}
	}

	data, err := gommap.MapAt(0, file.Fd(), int64(offset), int64(fb.Size),
		gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		mode.DestroyDumb(file, fb.Handle)
		return nil, &AccessError{Op: "mmap dumb buffer", Err: err}
	}

	return &DumbBuffer{
		file:   file,
		handle: fb.Handle,
		width:  fb.Width,
		height: fb.Height,
		pitch:  fb.Pitch,
		size:   fb.Size,
		data:   data,
	}, nil
}

// Data is the CPU-visible pixel storage.
func (b *DumbBuffer) Data() []byte { return b.data }

func (b *DumbBuffer) Pitch() uint32 { return b.pitch }

func (b *DumbBuffer) Size() (width, height uint32) {
	return b.width, b.height
}

// Buffer describes the dumb buffer for ImportBuffer. Dumb buffers are
// always single-planar linear XRGB8888.
func (b *DumbBuffer) Buffer() *Buffer {
	return &Buffer{
		Width:      b.width,
		Height:     b.height,
		Format:     mode.FormatXRGB8888,
		PlaneCount: 1,
		Handles:    [4]uint32{b.handle},
		Pitches:    [4]uint32{b.pitch},
		Modifier:   mode.ModifierInvalid,
		Depth:      24,
		BPP:        32,
	}
}

// Destroy unmaps and frees the buffer. Framebuffers imported from it
// must be destroyed first.
func (b *DumbBuffer) Destroy() error {
	if b.data != nil {
		if err := b.data.UnsafeUnmap(); err != nil {
			return fmt.Errorf("munmap dumb buffer: %w", err)
		}
		b.data = nil
	}
	return mode.DestroyDumb(b.file, b.handle)
}
