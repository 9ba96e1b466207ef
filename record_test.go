package strata_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/strata"
)

func TestTempID(t *testing.T) {
	a, b := strata.NewTempID(), strata.NewTempID()
	if a == b {
		t.Fatalf("NewTempID returned duplicate %q", a)
	}
	if !strata.IsTempID(a) {
		t.Errorf("IsTempID(%q) = false, want true", a)
	}
	if strata.IsTempID("5f1d9c2e") {
		t.Error("IsTempID(server id) = true, want false")
	}
}

func TestRecord_JSONInlinesReservedFields(t *testing.T) {
	lmt := time.Date(2024, 3, 1, 12, 0, 0, 123e6, time.UTC)
	r := strata.Record{
		ID:     "b1",
		ACL:    &strata.ACL{Creator: "u1", Readers: []string{"u2"}},
		Meta:   &strata.Metadata{LastModifiedTime: lmt, EntityCreationTime: lmt},
		Fields: map[string]any{"title": "Dune"},
	}

	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	s := string(data)
	for _, want := range []string{`"_id":"b1"`, `"creator":"u1"`, `"r":["u2"]`, `"lmt":"2024-03-01T12:00:00.123Z"`, `"title":"Dune"`} {
		if !strings.Contains(s, want) {
			t.Errorf("encoded record %s missing %s", s, want)
		}
	}

	var back strata.Record
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back.ID != "b1" || back.ACL.Creator != "u1" {
		t.Errorf("decoded reserved fields = %q/%+v", back.ID, back.ACL)
	}
	if !back.Meta.LastModifiedTime.Equal(lmt) {
		t.Errorf("LastModifiedTime = %v, want %v", back.Meta.LastModifiedTime, lmt)
	}
	if _, ok := back.Fields["_id"]; ok {
		t.Error("reserved field leaked into Fields")
	}
}

func TestRecord_UnmarshalAcceptsRFC3339(t *testing.T) {
	var r strata.Record
	err := json.Unmarshal([]byte(`{"_id":"x","_kmd":{"lmt":"2024-03-01T13:00:00+01:00"}}`), &r)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	want := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if !r.Meta.LastModifiedTime.Equal(want) {
		t.Errorf("LastModifiedTime = %v, want %v", r.Meta.LastModifiedTime, want)
	}
}

func TestRecord_SetRejectsReservedFields(t *testing.T) {
	var r strata.Record
	for _, f := range []string{strata.FieldID, strata.FieldACL, strata.FieldMetadata} {
		if err := r.Set(f, "x"); err == nil {
			t.Errorf("Set(%q) succeeded, want error", f)
		}
	}
	if err := r.Set("title", "Dune"); err != nil {
		t.Fatalf("Set(title): %v", err)
	}
	if v, _ := r.Get("title"); v != "Dune" {
		t.Errorf("Get(title) = %v, want Dune", v)
	}
}

func TestRecord_GetAddressesReservedAndNestedFields(t *testing.T) {
	r := strata.Record{
		ID:     "b1",
		Meta:   &strata.Metadata{LastModifiedTime: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		Fields: map[string]any{"author": map[string]any{"name": "Herbert"}},
	}
	if v, ok := r.Get("author.name"); !ok || v != "Herbert" {
		t.Errorf("Get(author.name) = %v, %v", v, ok)
	}
	if v, _ := r.Get(strata.FieldID); v != "b1" {
		t.Errorf("Get(_id) = %v, want b1", v)
	}
	if v, _ := r.Get(strata.FieldLastModified); v != "2024-03-01T00:00:00.000Z" {
		t.Errorf("Get(_kmd.lmt) = %v", v)
	}
}

func TestRecord_CloneIsIndependent(t *testing.T) {
	r := strata.Record{ID: "b1", ACL: &strata.ACL{Readers: []string{"a"}}, Fields: map[string]any{"n": 1}}
	c := r.Clone()
	c.Fields["n"] = 2
	c.ACL.Readers[0] = "z"

	if r.Fields["n"] != 1 {
		t.Error("Clone shares Fields")
	}
	if r.ACL.Readers[0] != "a" {
		t.Error("Clone shares ACL readers")
	}
}

func TestParseMode(t *testing.T) {
	for _, in := range []string{"network", "Cache", " SYNC ", "auto"} {
		if _, err := strata.ParseMode(in); err != nil {
			t.Errorf("ParseMode(%q): %v", in, err)
		}
	}
	if _, err := strata.ParseMode("offline"); err == nil {
		t.Error("ParseMode(offline) succeeded, want error")
	}
}
