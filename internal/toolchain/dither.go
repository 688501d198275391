package toolchain

import (
	"sort"

	"github.com/ivlev/animcompose/internal/errs"
)

// DefaultDither is used when a request names no profile.
const DefaultDither = "sierra2_4a"

var ditherModes = map[string]string{
	"sierra2_4a":      "sierra2_4a",
	"floyd_steinberg": "floyd_steinberg",
	"bayer":           "bayer:bayer_scale=3",
	"heckbert":        "heckbert",
	"none":            "none",
}

// DitherMode maps a profile tag to paletteuse options.
func DitherMode(tag string) (string, error) {
	if tag == "" {
		tag = DefaultDither
	}
	mode, ok := ditherModes[tag]
	if !ok {
		return "", errs.InvalidRequest("unknown dither profile %q (known: %v)", tag, DitherProfiles())
	}
	return mode, nil
}

// DitherProfiles lists the accepted tags.
func DitherProfiles() []string {
	out := make([]string, 0, len(ditherModes))
	for k := range ditherModes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
