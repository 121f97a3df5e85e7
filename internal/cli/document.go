package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/agora/internal/market"
	"github.com/roach88/agora/internal/props"
	"github.com/roach88/agora/internal/registry"
)

// Document is a subscription or counter-proposal written by hand. It can be
// YAML, JSON or CUE; CUE documents are evaluated and must be concrete.
//
//	kind: offer
//	properties:
//	  cpu: {cores: 4}
//	  price: 1.5
//	constraints: "(price<=2.0)"
//	expires_in: 1h
type Document struct {
	Kind        string         `json:"kind" yaml:"kind"`
	Properties  map[string]any `json:"properties" yaml:"properties"`
	Constraints string         `json:"constraints" yaml:"constraints"`
	ExpiresIn   string         `json:"expires_in" yaml:"expires_in"`
}

// LoadDocument reads a document, choosing the decoder by file extension.
func LoadDocument(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read document: %w", err)
	}

	var doc Document
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		doc, err = decodeYAMLDocument(data)
	case ".json":
		doc, err = decodeJSONDocument(data)
	case ".cue":
		doc, err = decodeCUEDocument(path, data)
	default:
		return Document{}, fmt.Errorf("unsupported document type %q: want .yaml, .yml, .json or .cue", ext)
	}
	if err != nil {
		return Document{}, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

func decodeYAMLDocument(data []byte) (Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("parse YAML: %w", err)
	}
	return doc, nil
}

func decodeJSONDocument(data []byte) (Document, error) {
	var doc Document
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("parse JSON: %w", err)
	}
	return doc, nil
}

// decodeCUEDocument evaluates a CUE file and exports it through JSON, so
// numbers arrive as json.Number whatever their CUE kind.
func decodeCUEDocument(path string, data []byte) (Document, error) {
	v := cuecontext.New().CompileBytes(data, cue.Filename(path))
	if err := v.Err(); err != nil {
		return Document{}, fmt.Errorf("compile CUE: %s", errors.Details(err, nil))
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return Document{}, fmt.Errorf("CUE document is not concrete: %s", errors.Details(err, nil))
	}
	exported, err := v.MarshalJSON()
	if err != nil {
		return Document{}, fmt.Errorf("export CUE: %w", err)
	}
	return decodeJSONDocument(exported)
}

// PropertySet converts the document's properties.
func (d Document) PropertySet() (props.Set, error) {
	s, err := props.FromMap(d.Properties)
	if err != nil {
		return nil, market.NewParseError("properties", err)
	}
	return s, nil
}

// Spec turns the document into a publish request. Expiry is relative to now.
func (d Document) Spec(now time.Time) (registry.Spec, error) {
	properties, err := d.PropertySet()
	if err != nil {
		return registry.Spec{}, err
	}
	spec := registry.Spec{
		Kind:        market.Kind(d.Kind),
		Properties:  properties,
		Constraints: d.Constraints,
	}
	if d.ExpiresIn != "" {
		ttl, err := time.ParseDuration(d.ExpiresIn)
		if err != nil {
			return registry.Spec{}, market.NewParseError("expires_in", err)
		}
		if ttl <= 0 {
			return registry.Spec{}, market.NewParseError("expires_in", fmt.Errorf("must be positive, got %s", ttl))
		}
		spec.ExpiresAt = now.UTC().Add(ttl)
	}
	return spec, nil
}
