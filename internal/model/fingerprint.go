package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"sort"
	"time"
)

// SourceStamp identifies the resolved file behind an animated layer.
type SourceStamp struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Fingerprint hashes everything that determines the composed output: canvas,
// background, layer geometry and order, raster content, timeline windows, the
// dither profile and the identity of every resolved source. stamps are indexed
// like r.Animated.
func Fingerprint(r *CompositionRequest, dither string, stamps []SourceStamp) string {
	h := sha256.New()
	fmt.Fprintf(h, "canvas %dx%d\x00dither %s\x00", r.Canvas.W, r.Canvas.H, dither)
	if r.Background != nil {
		fmt.Fprintf(h, "bg %s %.4f\x00", r.Background.Hex(), r.Background.Alpha)
	}

	for i, l := range r.Animated {
		geo, _ := json.Marshal(struct {
			ID     string
			Bounds Rect
			Radius float64
			Clip   *Clip
			Fill   ImageFillInfo
			Z      int
		}{l.ID, l.Bounds, l.CornerRadius, l.Clip, l.Fill, l.Z})
		h.Write(geo)
		if i < len(stamps) {
			s := stamps[i]
			fmt.Fprintf(h, "\x00src %s %d %d\x00", s.Path, s.Size, s.ModTime.UnixNano())
		}
	}

	rasterSum(h, "bottom", r.Bottom)
	for _, l := range r.Static {
		fmt.Fprintf(h, "static %s %d\x00", l.ID, l.Z)
		rasterSum(h, "", l.Raster)
	}
	for _, l := range r.Annotations {
		fmt.Fprintf(h, "annotation %s %d\x00", l.ID, l.Z)
		rasterSum(h, "", l.Raster)
	}
	rasterSum(h, "legacy", r.LegacyTop)

	ids := make([]string, 0, len(r.Timeline))
	for id, tr := range r.Timeline {
		if !tr.IsDefault() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		tr := r.Timeline[id].Normalize()
		fmt.Fprintf(h, "range %s %.4f %.4f\x00", id, tr.Start, tr.End)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func rasterSum(h hash.Hash, label string, data []byte) {
	sum := sha256.Sum256(data)
	fmt.Fprintf(h, "%s %d %x\x00", label, len(data), sum)
}
