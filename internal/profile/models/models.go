// Package models holds the signed-attribute data model shared by the
// verification engine, the merge engine, and the vault.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Well-known attribute names.
const (
	AttrUserID          = "user_id"
	AttrPrimaryEmail    = "primary_email"
	AttrPrimaryUsername = "primary_username"
	AttrUserUUID        = "user_uuid"

	// FieldSchema is flat version metadata, never signed content.
	FieldSchema = "schema"
)

// Publisher names the identity source that signed an attribute.
type Publisher struct {
	Alg   string `json:"alg,omitempty"`
	Name  string `json:"name"`
	Value string `json:"value,omitempty"`
}

// Signature carries per-attribute provenance.
type Signature struct {
	Publisher Publisher `json:"publisher"`
}

// Metadata tracks attribute timestamps.
type Metadata struct {
	Created      time.Time `json:"created,omitempty"`
	LastModified time.Time `json:"last_modified,omitempty"`
}

// Attribute is a single named, signed field of a profile. Value is a JSON
// scalar or null; a null value means unset and is never valid signed content.
type Attribute struct {
	Value     json.RawMessage `json:"value,omitempty"`
	Metadata  Metadata        `json:"metadata,omitempty"`
	Signature Signature       `json:"signature,omitempty"`
}

// ValueSet reports whether the attribute carries usable signed content.
// JSON null, the empty string and the literal "None" all count as unset;
// upstream sources emit all three for absent values.
func (a Attribute) ValueSet() bool {
	if len(a.Value) == 0 {
		return false
	}
	trimmed := bytes.TrimSpace(a.Value)
	switch string(trimmed) {
	case "null", `""`, `"None"`:
		return false
	}
	return true
}

// StringValue decodes the value as a JSON string, returning "" for anything
// else. Used for identity and secondary key extraction.
func (a Attribute) StringValue() string {
	var s string
	if err := json.Unmarshal(a.Value, &s); err != nil {
		return ""
	}
	return s
}

// DecodedValue returns the value decoded into its natural Go shape.
func (a Attribute) DecodedValue() (any, error) {
	if !a.ValueSet() {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(a.Value, &v); err != nil {
		return nil, fmt.Errorf("decode attribute value: %w", err)
	}
	return v, nil
}

// Field is the tagged variant for one profile entry: either a scalar
// attribute or a complex group of independently signed sub-attributes.
type Field struct {
	Scalar *Attribute
	Group  map[string]Attribute
}

// IsGroup reports whether the field is a complex attribute group.
func (f Field) IsGroup() bool { return f.Group != nil }

func (f Field) MarshalJSON() ([]byte, error) {
	if f.Group != nil {
		return json.Marshal(f.Group)
	}
	return json.Marshal(f.Scalar)
}

func (f *Field) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if isAttributeShape(probe) {
		var attr Attribute
		if err := json.Unmarshal(data, &attr); err != nil {
			return err
		}
		f.Scalar = &attr
		return nil
	}
	group := make(map[string]Attribute, len(probe))
	if err := json.Unmarshal(data, &group); err != nil {
		return err
	}
	f.Group = group
	return nil
}

// isAttributeShape distinguishes a scalar attribute object from a group of
// sub-attributes by its keys. An attribute object only ever carries value,
// metadata and signature.
func isAttributeShape(obj map[string]json.RawMessage) bool {
	if len(obj) == 0 {
		return true
	}
	for key := range obj {
		switch key {
		case "value", "metadata", "signature":
		default:
			return false
		}
	}
	return true
}

// Profile maps attribute names (or group names) to fields, plus the flat
// schema version string. The identity key lives in the user_id attribute.
type Profile struct {
	Schema string
	Fields map[string]Field
}

func (p Profile) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(p.Fields)+1)
	if p.Schema != "" {
		raw, err := json.Marshal(p.Schema)
		if err != nil {
			return nil, err
		}
		out[FieldSchema] = raw
	}
	for name, field := range p.Fields {
		raw, err := json.Marshal(field)
		if err != nil {
			return nil, fmt.Errorf("marshal field %q: %w", name, err)
		}
		out[name] = raw
	}
	return json.Marshal(out)
}

func (p *Profile) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.Fields = make(map[string]Field, len(raw))
	for name, val := range raw {
		if name == FieldSchema {
			if err := json.Unmarshal(val, &p.Schema); err != nil {
				return fmt.Errorf("decode schema: %w", err)
			}
			continue
		}
		var field Field
		if err := json.Unmarshal(val, &field); err != nil {
			return fmt.Errorf("decode field %q: %w", name, err)
		}
		p.Fields[name] = field
	}
	return nil
}

// IdentityKey returns the declared user_id value, or "" when unset.
func (p Profile) IdentityKey() string {
	attr, ok := p.ScalarAttribute(AttrUserID)
	if !ok || !attr.ValueSet() {
		return ""
	}
	return attr.StringValue()
}

// SecondaryKind identifies a lookup index projected from the profile.
type SecondaryKind string

const (
	SecondaryEmail    SecondaryKind = "primary_email"
	SecondaryUsername SecondaryKind = "primary_username"
	SecondaryUUID     SecondaryKind = "user_uuid"
)

// SecondaryKeys projects the mutable lookup keys out of the profile. Unset
// attributes are omitted.
func (p Profile) SecondaryKeys() map[SecondaryKind]string {
	out := make(map[SecondaryKind]string, 3)
	for _, kind := range []SecondaryKind{SecondaryEmail, SecondaryUsername, SecondaryUUID} {
		if attr, ok := p.ScalarAttribute(string(kind)); ok && attr.ValueSet() {
			if v := attr.StringValue(); v != "" {
				out[kind] = v
			}
		}
	}
	return out
}

// ScalarAttribute looks up a scalar attribute by name.
func (p Profile) ScalarAttribute(name string) (Attribute, bool) {
	field, ok := p.Fields[name]
	if !ok || field.Scalar == nil {
		return Attribute{}, false
	}
	return *field.Scalar, true
}

// Lookup resolves an attribute path, either "name" or "group.subkey".
func (p Profile) Lookup(path string) (Attribute, bool) {
	group, subkey, nested := strings.Cut(path, ".")
	field, ok := p.Fields[group]
	if !ok {
		return Attribute{}, false
	}
	if nested {
		if field.Group == nil {
			return Attribute{}, false
		}
		attr, ok := field.Group[subkey]
		return attr, ok
	}
	if field.Scalar == nil {
		return Attribute{}, false
	}
	return *field.Scalar, true
}

// SetAttributes returns the paths of every non-null attribute in the
// profile, sorted for deterministic iteration. Group members appear as
// "group.subkey".
func (p Profile) SetAttributes() []string {
	var paths []string
	for name, field := range p.Fields {
		if field.IsGroup() {
			for subkey, attr := range field.Group {
				if attr.ValueSet() {
					paths = append(paths, name+"."+subkey)
				}
			}
			continue
		}
		if field.Scalar != nil && field.Scalar.ValueSet() {
			paths = append(paths, name)
		}
	}
	sort.Strings(paths)
	return paths
}

// Overlay applies attr at path, replacing value, signature and metadata
// wholesale. Missing groups are created.
func (p *Profile) Overlay(path string, attr Attribute) {
	if p.Fields == nil {
		p.Fields = make(map[string]Field)
	}
	group, subkey, nested := strings.Cut(path, ".")
	if !nested {
		p.Fields[path] = Field{Scalar: &attr}
		return
	}
	field := p.Fields[group]
	if field.Group == nil {
		field = Field{Group: make(map[string]Attribute)}
	}
	field.Group[subkey] = attr
	p.Fields[group] = field
}

// Clone deep-copies the profile so merge candidates never alias stored state.
func (p Profile) Clone() Profile {
	out := Profile{Schema: p.Schema, Fields: make(map[string]Field, len(p.Fields))}
	for name, field := range p.Fields {
		if field.IsGroup() {
			group := make(map[string]Attribute, len(field.Group))
			for k, v := range field.Group {
				v.Value = append(json.RawMessage(nil), v.Value...)
				group[k] = v
			}
			out.Fields[name] = Field{Group: group}
			continue
		}
		if field.Scalar != nil {
			attr := *field.Scalar
			attr.Value = append(json.RawMessage(nil), attr.Value...)
			out.Fields[name] = Field{Scalar: &attr}
		}
	}
	return out
}
