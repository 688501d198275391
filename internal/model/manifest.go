package model

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/ivlev/animcompose/internal/errs"
)

// Manifest is the on-disk form of a CompositionRequest (yaml or json).
type Manifest struct {
	Frame       string                   `json:"frame" yaml:"frame"`
	Canvas      Size                     `json:"canvas" yaml:"canvas"`
	Background  *ColorSpec               `json:"background,omitempty" yaml:"background,omitempty"`
	Bottom      *RasterRef               `json:"bottom,omitempty" yaml:"bottom,omitempty"`
	LegacyTop   *RasterRef               `json:"legacyTop,omitempty" yaml:"legacy_top,omitempty"`
	Static      []StaticSpec             `json:"static,omitempty" yaml:"static,omitempty"`
	Annotations []StaticSpec             `json:"annotations,omitempty" yaml:"annotations,omitempty"`
	Animated    []AnimatedLayer          `json:"animated" yaml:"animated"`
	Timeline    map[string]TimelineRange `json:"timeline,omitempty" yaml:"timeline,omitempty"`
	Dither      string                   `json:"dither,omitempty" yaml:"dither,omitempty"`
}

// ColorSpec is "#RRGGBB" plus alpha in [0,1].
type ColorSpec struct {
	Hex   string  `json:"hex" yaml:"hex"`
	Alpha float64 `json:"alpha" yaml:"alpha"`
}

// RasterRef points at raster bytes either on disk or inline as base64.
type RasterRef struct {
	File string `json:"file,omitempty" yaml:"file,omitempty"`
	Data string `json:"data,omitempty" yaml:"data,omitempty"`
}

type StaticSpec struct {
	ID     string    `json:"id" yaml:"id"`
	Z      int       `json:"z" yaml:"z"`
	Raster RasterRef `json:"raster" yaml:"raster"`
}

const manifestSchema = `{
  "type": "object",
  "required": ["canvas", "animated"],
  "properties": {
    "frame": {"type": "string"},
    "canvas": {
      "type": "object",
      "required": ["width", "height"],
      "properties": {
        "width": {"type": "integer", "minimum": 1},
        "height": {"type": "integer", "minimum": 1}
      }
    },
    "background": {
      "type": "object",
      "required": ["hex"],
      "properties": {
        "hex": {"type": "string", "pattern": "^#?[0-9a-fA-F]{6}$"},
        "alpha": {"type": "number", "minimum": 0, "maximum": 1}
      }
    },
    "animated": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "bounds"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "z": {"type": "integer"},
          "bounds": {
            "type": "object",
            "required": ["w", "h"],
            "properties": {
              "w": {"type": "number", "exclusiveMinimum": 0},
              "h": {"type": "number", "exclusiveMinimum": 0}
            }
          }
        }
      }
    },
    "timeline": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "start": {"type": "number"},
          "end": {"type": "number"}
        }
      }
    },
    "dither": {"type": "string"}
  }
}`

// ReadManifest loads a yaml or json manifest, validates it against the request schema
// and resolves raster references relative to the manifest's directory.
func ReadManifest(path string) (*CompositionRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc any
	isJSON := strings.EqualFold(filepath.Ext(path), ".json")
	if isJSON {
		err = json.Unmarshal(data, &doc)
	} else {
		err = yaml.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, errs.InvalidRequest("manifest %s: %v", path, err)
	}
	if err := ValidateDocument(doc); err != nil {
		return nil, err
	}

	var m Manifest
	if isJSON {
		err = json.Unmarshal(data, &m)
	} else {
		err = yaml.Unmarshal(data, &m)
	}
	if err != nil {
		return nil, errs.InvalidRequest("manifest %s: %v", path, err)
	}
	return m.ToRequest(filepath.Dir(path))
}

// ValidateDocument checks a decoded manifest document against the request schema.
func ValidateDocument(doc any) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(manifestSchema),
		gojsonschema.NewGoLoader(doc),
	)
	if err != nil {
		return errs.InvalidRequest("schema validation error: %v", err)
	}
	if !result.Valid() {
		msgs := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			msgs[i] = desc.String()
		}
		return errs.InvalidRequest("manifest failed validation: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// ToRequest materializes raster references and builds the request.
func (m *Manifest) ToRequest(baseDir string) (*CompositionRequest, error) {
	req := &CompositionRequest{
		FrameName: m.Frame,
		Canvas:    m.Canvas,
		Animated:  m.Animated,
		Timeline:  m.Timeline,
		Dither:    m.Dither,
	}

	var err error
	if req.Bottom, err = m.Bottom.load(baseDir); err != nil {
		return nil, err
	}
	if req.LegacyTop, err = m.LegacyTop.load(baseDir); err != nil {
		return nil, err
	}
	if req.Static, err = loadStatic(m.Static, baseDir); err != nil {
		return nil, err
	}
	if req.Annotations, err = loadStatic(m.Annotations, baseDir); err != nil {
		return nil, err
	}
	if m.Background != nil {
		c, err := ParseColor(m.Background.Hex, m.Background.Alpha)
		if err != nil {
			return nil, err
		}
		req.Background = &c
	}
	return req, nil
}

func loadStatic(specs []StaticSpec, baseDir string) ([]StaticLayer, error) {
	out := make([]StaticLayer, 0, len(specs))
	for _, s := range specs {
		raster, err := s.Raster.load(baseDir)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", s.ID, err)
		}
		out = append(out, StaticLayer{ID: s.ID, Z: s.Z, Raster: raster})
	}
	return out, nil
}

func (r *RasterRef) load(baseDir string) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	if r.Data != "" {
		b, err := base64.StdEncoding.DecodeString(r.Data)
		if err != nil {
			return nil, errs.InvalidRequest("inline raster is not base64: %v", err)
		}
		return b, nil
	}
	if r.File == "" {
		return nil, nil
	}
	p := r.File
	if !filepath.IsAbs(p) {
		p = filepath.Join(baseDir, p)
	}
	return os.ReadFile(p)
}

// ParseColor parses "#RRGGBB" or "RRGGBB".
func ParseColor(hex string, alpha float64) (Color, error) {
	h := strings.TrimPrefix(hex, "#")
	if len(h) != 6 {
		return Color{}, errs.InvalidRequest("color %q is not #RRGGBB", hex)
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return Color{}, errs.InvalidRequest("color %q: %v", hex, err)
	}
	return Color{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), Alpha: alpha}, nil
}
