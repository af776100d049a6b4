// Package profileio is the on-disk profile format adapter (spec §6): it
// reads and writes model.Profile as YAML or JSON, outside the core.
package profileio

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/aparcar/firmwareforge/internal/model"
	"gopkg.in/yaml.v3"
)

// Format selects the on-disk encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// DetectFormat infers a Format from a filename extension, defaulting to
// YAML when the extension is unrecognized.
func DetectFormat(filename string) Format {
	switch {
	case strings.HasSuffix(filename, ".json"):
		return FormatJSON
	default:
		return FormatYAML
	}
}

// Export serializes profile in the given format.
func Export(profile *model.Profile, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		return json.MarshalIndent(profile, "", "  ")
	default:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(profile); err != nil {
			return nil, fmt.Errorf("encode profile as yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("close yaml encoder: %w", err)
		}
		return buf.Bytes(), nil
	}
}

// Import parses data in the given format into a *model.Profile. An unknown
// field in the source document is a validation error, not a silent drop —
// the on-disk format is an enumerated struct, not a dynamic map, so typos in
// a hand-edited profile file surface immediately rather than producing a
// profile missing the field the author meant to set.
func Import(data []byte, format Format) (*model.Profile, error) {
	var p model.Profile
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&p); err != nil {
			return nil, model.Validation("decode profile json", err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&p); err != nil {
			return nil, model.Validation("decode profile yaml", err)
		}
	}
	if verr := p.Validate(); verr != nil {
		return nil, verr
	}
	return &p, nil
}

// ImportAll decodes a multi-document YAML stream, one profile per document.
// JSON has no multi-document convention in this format, so ImportAll only
// supports FormatYAML; callers importing a JSON batch should submit a JSON
// array and unmarshal it themselves one profile at a time.
func ImportAll(r io.Reader) ([]*model.Profile, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var out []*model.Profile
	for {
		var p model.Profile
		err := dec.Decode(&p)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, model.Validation("decode profile yaml stream", err)
		}
		if verr := p.Validate(); verr != nil {
			return nil, verr
		}
		cp := p
		out = append(out, &cp)
	}
	return out, nil
}
