package system

import (
	"image"
	"math/bits"
	"sync"
)

// Size classes are powers of two from 4 KiB to 256 MiB of pixel data. Larger
// images are allocated directly and never pooled.
const (
	minClass = 12
	maxClass = 28
)

// ImagePool reuses *image.RGBA pixel buffers by size class, so the number of
// pools stays fixed however many distinct mask and canvas sizes pass through.
type ImagePool struct {
	classes [maxClass - minClass + 1]sync.Pool
}

var globalPool = NewImagePool()

func NewImagePool() *ImagePool {
	return &ImagePool{}
}

// GetImage returns a zeroed *image.RGBA from the shared pool.
func GetImage(rect image.Rectangle) *image.RGBA {
	return globalPool.Get(rect)
}

// PutImage hands img back to the shared pool.
func PutImage(img *image.RGBA) {
	globalPool.Put(img)
}

// sizeClass is the exponent of the smallest pooled buffer holding n bytes.
func sizeClass(n int) int {
	return max(bits.Len(uint(n-1)), minClass)
}

func (p *ImagePool) Get(rect image.Rectangle) *image.RGBA {
	if rect.Empty() {
		return image.NewRGBA(rect)
	}
	n := 4 * rect.Dx() * rect.Dy()
	c := sizeClass(n)
	if c > maxClass {
		return image.NewRGBA(rect)
	}

	var pix []byte
	if v, ok := p.classes[c-minClass].Get().(*[]byte); ok {
		pix = (*v)[:n]
		clear(pix)
	} else {
		pix = make([]byte, n, 1<<c)
	}
	return &image.RGBA{Pix: pix, Stride: 4 * rect.Dx(), Rect: rect}
}

// Put keeps img's buffer when its capacity is exactly one of the size classes;
// buffers the pool did not hand out are dropped.
func (p *ImagePool) Put(img *image.RGBA) {
	if img == nil {
		return
	}
	size := cap(img.Pix)
	c := bits.Len(uint(size)) - 1
	if c < minClass || c > maxClass || size != 1<<c {
		return
	}
	pix := img.Pix[:size]
	p.classes[c-minClass].Put(&pix)
}
