// Package raster materializes caller-supplied static rasters (bottom, static,
// annotation and legacy top layers) as canvas-sized PNG files for the toolchain.
package raster

import (
	"bufio"
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"

	"github.com/gen2brain/go-fitz"
	xdraw "golang.org/x/image/draw"

	"github.com/ivlev/animcompose/internal/errs"
	"github.com/ivlev/animcompose/internal/system"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindPNG
	KindJPEG
	KindPDF
)

var (
	pngMagic  = []byte("\x89PNG\r\n\x1a\n")
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
	pdfMagic  = []byte("%PDF")
)

// Detect sniffs the raster container from its leading bytes.
func Detect(data []byte) Kind {
	switch {
	case bytes.HasPrefix(data, pngMagic):
		return KindPNG
	case bytes.HasPrefix(data, jpegMagic):
		return KindJPEG
	case bytes.HasPrefix(data, pdfMagic):
		return KindPDF
	}
	return KindUnknown
}

// Document is a paged vector or raster document.
type Document interface {
	PageCount() int
	RenderPage(index int, dpi int) (image.Image, error)
	Close() error
}

// FitzDocument renders PDF bytes with MuPDF.
type FitzDocument struct {
	doc *fitz.Document
}

func NewFitzDocument(data []byte) (*FitzDocument, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, err
	}
	return &FitzDocument{doc: doc}, nil
}

func (f *FitzDocument) PageCount() int {
	return f.doc.NumPage()
}

func (f *FitzDocument) RenderPage(index int, dpi int) (image.Image, error) {
	return f.doc.ImageDPI(index, float64(dpi))
}

func (f *FitzDocument) Close() error {
	return f.doc.Close()
}

// Materializer writes rasters into one request's work directory.
type Materializer struct {
	Dir    string
	Canvas image.Point
	// DPI used to render PDF rasters before resampling to the canvas.
	DPI int
}

// Write stores data as <Dir>/<name>.png. PNG data already at canvas size is
// written unchanged; anything else is decoded and resampled to the canvas.
func (m *Materializer) Write(name string, data []byte) (string, error) {
	path := filepath.Join(m.Dir, name+".png")

	switch Detect(data) {
	case KindPNG:
		cfg, err := png.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return "", errs.InvalidRequest("raster %s: %v", name, err)
		}
		if cfg.Width == m.Canvas.X && cfg.Height == m.Canvas.Y {
			return path, os.WriteFile(path, data, 0644)
		}
		return path, m.decodeAndWrite(name, path, data)
	case KindJPEG:
		return path, m.decodeAndWrite(name, path, data)
	case KindPDF:
		img, err := m.renderPDF(data)
		if err != nil {
			return "", errs.InvalidRequest("raster %s: render pdf: %v", name, err)
		}
		return path, m.writeScaled(path, img)
	}
	return "", errs.InvalidRequest("raster %s: unsupported format", name)
}

func (m *Materializer) decodeAndWrite(name, path string, data []byte) error {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return errs.InvalidRequest("raster %s: %v", name, err)
	}
	return m.writeScaled(path, img)
}

func (m *Materializer) renderPDF(data []byte) (image.Image, error) {
	var doc Document
	doc, err := NewFitzDocument(data)
	if err != nil {
		return nil, err
	}
	defer doc.Close()
	if doc.PageCount() < 1 {
		return nil, fmt.Errorf("document has no pages")
	}
	dpi := m.DPI
	if dpi <= 0 {
		dpi = 144
	}
	return doc.RenderPage(0, dpi)
}

// writeScaled resamples img onto a transparent canvas-sized buffer and encodes it.
func (m *Materializer) writeScaled(path string, img image.Image) error {
	rect := image.Rect(0, 0, m.Canvas.X, m.Canvas.Y)
	dst := system.GetImage(rect)
	defer system.PutImage(dst)

	if img.Bounds().Size() == m.Canvas {
		xdraw.Draw(dst, rect, img, img.Bounds().Min, xdraw.Src)
	} else {
		xdraw.CatmullRom.Scale(dst, rect, img, img.Bounds(), xdraw.Src, nil)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if err := png.Encode(bw, dst); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
