package toolchain

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"

	"golang.org/x/image/vector"

	"github.com/ivlev/animcompose/internal/system"
)

// kappa approximates a quarter circle with one cubic bezier.
const kappa = 0.5522847498

// RoundedMask rasterizes a w x h luminance mask: white inside a rectangle with
// corners of radius r, black outside, anti-aliased along the edges.
func RoundedMask(w, h int, r float64) *image.RGBA {
	rect := image.Rect(0, 0, w, h)
	dst := system.GetImage(rect)
	draw.Draw(dst, rect, image.NewUniform(color.Black), image.Point{}, draw.Src)

	fw, fh := float32(w), float32(h)
	fr := float32(r)
	if maxR := min(fw, fh) / 2; fr > maxR {
		fr = maxR
	}

	z := vector.NewRasterizer(w, h)
	if fr <= 0 {
		z.MoveTo(0, 0)
		z.LineTo(fw, 0)
		z.LineTo(fw, fh)
		z.LineTo(0, fh)
		z.ClosePath()
	} else {
		kr := float32(kappa) * fr
		z.MoveTo(fr, 0)
		z.LineTo(fw-fr, 0)
		z.CubeTo(fw-fr+kr, 0, fw, fr-kr, fw, fr)
		z.LineTo(fw, fh-fr)
		z.CubeTo(fw, fh-fr+kr, fw-fr+kr, fh, fw-fr, fh)
		z.LineTo(fr, fh)
		z.CubeTo(fr-kr, fh, 0, fh-fr+kr, 0, fh-fr)
		z.LineTo(0, fr)
		z.CubeTo(0, fr-kr, fr-kr, 0, fr, 0)
		z.ClosePath()
	}
	z.Draw(dst, rect, image.NewUniform(color.White), image.Point{})
	return dst
}

// WriteMask renders the mask into dir, reusing an existing file for the same geometry.
func WriteMask(dir string, w, h int, r float64) (string, error) {
	path := filepath.Join(dir, fmt.Sprintf("mask_%dx%d_r%.2f.png", w, h, r))
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	img := RoundedMask(w, h, r)
	defer system.PutImage(img)

	tmp, err := os.CreateTemp(dir, "mask_*.png")
	if err != nil {
		return "", err
	}
	bw := bufio.NewWriter(tmp)
	if err := png.Encode(bw, img); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("encode mask: %w", err)
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return path, nil
}
