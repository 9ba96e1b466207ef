package strata

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Reserved field names carried by every record.
const (
	FieldID       = "_id"
	FieldACL      = "_acl"
	FieldMetadata = "_kmd"

	// FieldLastModified and FieldCreated address metadata timestamps in queries.
	FieldLastModified = "_kmd.lmt"
	FieldCreated      = "_kmd.ect"
)

// TempIDPrefix marks ids assigned locally before the first successful push.
const TempIDPrefix = "temp_"

// NewTempID returns a fresh temporary entity id.
func NewTempID() string {
	return TempIDPrefix + ulid.Make().String()
}

// IsTempID reports whether id was assigned locally and never acknowledged by the server.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// ACL is the access-control block of a record. It is evaluated server-side;
// the engine only sets it on create.
type ACL struct {
	Creator          string   `json:"creator,omitempty"`
	Readers          []string `json:"r,omitempty"`
	Writers          []string `json:"w,omitempty"`
	GloballyReadable *bool    `json:"gr,omitempty"`
	GloballyWritable *bool    `json:"gw,omitempty"`
}

// TimeLayout is the fixed-width UTC timestamp format used on the wire and in
// query documents. Fixed width keeps lexicographic and chronological order equal.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Metadata holds the server-assigned timestamps of a record.
type Metadata struct {
	LastModifiedTime   time.Time
	EntityCreationTime time.Time
}

type metadataJSON struct {
	LMT string `json:"lmt,omitempty"`
	ECT string `json:"ect,omitempty"`
}

// MarshalJSON encodes timestamps in TimeLayout.
func (m Metadata) MarshalJSON() ([]byte, error) {
	var out metadataJSON
	if !m.LastModifiedTime.IsZero() {
		out.LMT = FormatTime(m.LastModifiedTime)
	}
	if !m.EntityCreationTime.IsZero() {
		out.ECT = FormatTime(m.EntityCreationTime)
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts any RFC 3339 timestamp.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var in metadataJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*m = Metadata{}
	if in.LMT != "" {
		t, err := time.Parse(time.RFC3339Nano, in.LMT)
		if err != nil {
			return fmt.Errorf("metadata: lmt: %w", err)
		}
		m.LastModifiedTime = t.UTC()
	}
	if in.ECT != "" {
		t, err := time.Parse(time.RFC3339Nano, in.ECT)
		if err != nil {
			return fmt.Errorf("metadata: ect: %w", err)
		}
		m.EntityCreationTime = t.UTC()
	}
	return nil
}

// Record is a single entity in a collection: reserved id/acl/metadata plus
// arbitrary fields.
type Record struct {
	ID     string
	ACL    *ACL
	Meta   *Metadata
	Fields map[string]any
}

// NewRecord creates a record with the given fields and no id.
func NewRecord(fields map[string]any) Record {
	if fields == nil {
		fields = map[string]any{}
	}
	return Record{Fields: fields}
}

// Get returns a field value by dotted path. Reserved fields are addressable.
func (r Record) Get(path string) (any, bool) {
	return lookupPath(r.Document(), path)
}

// Set assigns a top-level field. Reserved names are rejected.
func (r *Record) Set(field string, value any) error {
	switch field {
	case FieldID, FieldACL, FieldMetadata:
		return fmt.Errorf("record: %q is reserved", field)
	}
	if r.Fields == nil {
		r.Fields = map[string]any{}
	}
	r.Fields[field] = value
	return nil
}

// Clone returns a deep-enough copy for safe mutation of fields and metadata.
func (r Record) Clone() Record {
	out := Record{ID: r.ID}
	if r.ACL != nil {
		acl := *r.ACL
		acl.Readers = append([]string(nil), r.ACL.Readers...)
		acl.Writers = append([]string(nil), r.ACL.Writers...)
		out.ACL = &acl
	}
	if r.Meta != nil {
		meta := *r.Meta
		out.Meta = &meta
	}
	out.Fields = maps.Clone(r.Fields)
	if out.Fields == nil {
		out.Fields = map[string]any{}
	}
	return out
}

// Document renders the record as the generic document queries evaluate against.
func (r Record) Document() map[string]any {
	doc := make(map[string]any, len(r.Fields)+3)
	for k, v := range r.Fields {
		doc[k] = v
	}
	if r.ID != "" {
		doc[FieldID] = r.ID
	}
	if r.ACL != nil {
		acl := map[string]any{"creator": r.ACL.Creator}
		if len(r.ACL.Readers) > 0 {
			acl["r"] = stringsToAny(r.ACL.Readers)
		}
		if len(r.ACL.Writers) > 0 {
			acl["w"] = stringsToAny(r.ACL.Writers)
		}
		doc[FieldACL] = acl
	}
	if r.Meta != nil {
		doc[FieldMetadata] = map[string]any{
			"lmt": FormatTime(r.Meta.LastModifiedTime),
			"ect": FormatTime(r.Meta.EntityCreationTime),
		}
	}
	return doc
}

// MarshalJSON encodes the record with reserved fields inline.
func (r Record) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(r.Fields)+3)
	for k, v := range r.Fields {
		doc[k] = v
	}
	if r.ID != "" {
		doc[FieldID] = r.ID
	}
	if r.ACL != nil {
		doc[FieldACL] = r.ACL
	}
	if r.Meta != nil {
		doc[FieldMetadata] = r.Meta
	}
	return json.Marshal(doc)
}

// UnmarshalJSON decodes a record, splitting reserved fields from the rest.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Record{Fields: make(map[string]any, len(raw))}
	for k, v := range raw {
		switch k {
		case FieldID:
			if err := json.Unmarshal(v, &r.ID); err != nil {
				return fmt.Errorf("record: decode %s: %w", FieldID, err)
			}
		case FieldACL:
			var acl ACL
			if err := json.Unmarshal(v, &acl); err != nil {
				return fmt.Errorf("record: decode %s: %w", FieldACL, err)
			}
			r.ACL = &acl
		case FieldMetadata:
			var meta Metadata
			if err := json.Unmarshal(v, &meta); err != nil {
				return fmt.Errorf("record: decode %s: %w", FieldMetadata, err)
			}
			r.Meta = &meta
		default:
			var val any
			if err := json.Unmarshal(v, &val); err != nil {
				return fmt.Errorf("record: decode %s: %w", k, err)
			}
			r.Fields[k] = val
		}
	}
	return nil
}

// normalizeRecord round-trips the record through JSON so that field values
// have the same dynamic types whether they came from the cache, the network,
// or a caller (ints become float64, structs become maps).
func normalizeRecord(r Record) (Record, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return Record{}, err
	}
	var out Record
	if err := json.Unmarshal(data, &out); err != nil {
		return Record{}, err
	}
	return out, nil
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
