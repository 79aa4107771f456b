// Package profile loads and saves controller profiles as YAML or JSON
// documents, imports the sectioned key=value files written by the vendor
// configuration tool, and keeps timestamped snapshots in a leveldb store.
package profile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/bafang-config/internal/bafang"
)

// Format selects the document encoding.
type Format int

const (
	YAML Format = iota
	JSON
)

func (f Format) String() string {
	if f == JSON {
		return "json"
	}
	return "yaml"
}

// FormatFor picks the format from a file extension. Anything that is not
// .json is treated as YAML.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return JSON
	}
	return YAML
}

// Marshal encodes p. The informational General block is included only when
// withInfo is set.
func Marshal(p *bafang.Profile, f Format, withInfo bool) ([]byte, error) {
	doc := p.Clone()
	if !withInfo {
		doc.Info = nil
	}
	if f == JSON {
		return json.MarshalIndent(doc, "", "  ")
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a profile document. Unknown keys and invalid enum
// labels are rejected. An empty document yields an empty profile.
func Unmarshal(data []byte, f Format) (*bafang.Profile, error) {
	p := &bafang.Profile{}
	if f == JSON {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(p); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse json profile: %w", err)
		}
		return p, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse yaml profile: %w", err)
	}
	return p, nil
}

// Load reads a profile document from disk.
func Load(path string) (*bafang.Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	p, err := Unmarshal(data, FormatFor(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Save writes p to path in the format implied by its extension.
func Save(path string, p *bafang.Profile, withInfo bool) error {
	data, err := Marshal(p, FormatFor(path), withInfo)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create profile dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write profile: %w", err)
	}
	return nil
}
