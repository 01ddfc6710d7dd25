package netcompiler

import (
	"bytes"
	"testing"

	"github.com/gelsrv/edgecore/internal/queryunit"
	"github.com/gelsrv/edgecore/internal/wire"
)

func roundTripMessage(t *testing.T, payload []byte) *wire.Message {
	t.Helper()
	var buf bytes.Buffer
	enc := wire.NewEncoder(&buf)
	if err := enc.WriteFrame('u', payload); err != nil {
		t.Fatalf("writing frame: %v", err)
	}
	if err := enc.Flush(); err != nil {
		t.Fatalf("flushing frame: %v", err)
	}
	dec := wire.NewDecoder(&buf)
	msg, err := dec.WaitForMessage()
	if err != nil {
		t.Fatalf("reading frame back: %v", err)
	}
	return msg
}

func TestUnitRoundTrip(t *testing.T) {
	original := &queryunit.Unit{
		InputTypeID:      [16]byte{1, 2, 3},
		InputTypeDesc:    []byte("input-desc"),
		OutputTypeID:     [16]byte{4, 5, 6},
		OutputTypeDesc:   []byte("output-desc"),
		SQL:              []byte("select 1"),
		PreparedStmtHash: "abc123",
		Cacheable:        true,
		TxAction:         queryunit.TxSavepointDeclare,
		ConfigAffecting:  true,
		ConfigKey:        "search_path",
		ConfigValue:      "public",
		AliasAffecting:   true,
		AliasKey:         "m",
		AliasValue:       "mymodule",
		SavepointID:      42,
		UnitID:           "unit-1",
	}

	b := wire.NewBuilder()
	writeUnit(b, original)
	msg := roundTripMessage(t, b.Build())

	got, err := readUnit(msg)
	if err != nil {
		t.Fatalf("readUnit: %v", err)
	}

	if got.InputTypeID != original.InputTypeID || got.OutputTypeID != original.OutputTypeID {
		t.Errorf("type ids did not round-trip: got %+v", got)
	}
	if string(got.InputTypeDesc) != string(original.InputTypeDesc) {
		t.Errorf("InputTypeDesc = %q, want %q", got.InputTypeDesc, original.InputTypeDesc)
	}
	if string(got.SQL) != string(original.SQL) {
		t.Errorf("SQL = %q, want %q", got.SQL, original.SQL)
	}
	if got.PreparedStmtHash != original.PreparedStmtHash {
		t.Errorf("PreparedStmtHash = %q, want %q", got.PreparedStmtHash, original.PreparedStmtHash)
	}
	if got.Cacheable != original.Cacheable || got.ConfigAffecting != original.ConfigAffecting {
		t.Errorf("flags did not round-trip: got %+v", got)
	}
	if got.ConfigKey != original.ConfigKey || got.ConfigValue != original.ConfigValue {
		t.Errorf("config assignment did not round-trip: got %+v", got)
	}
	if got.AliasAffecting != original.AliasAffecting || got.AliasKey != original.AliasKey || got.AliasValue != original.AliasValue {
		t.Errorf("alias assignment did not round-trip: got %+v", got)
	}
	if got.TxAction != original.TxAction {
		t.Errorf("TxAction = %v, want %v", got.TxAction, original.TxAction)
	}
	if got.SavepointID != original.SavepointID {
		t.Errorf("SavepointID = %d, want %d", got.SavepointID, original.SavepointID)
	}
	if got.UnitID != original.UnitID {
		t.Errorf("UnitID = %q, want %q", got.UnitID, original.UnitID)
	}
}

func TestStringMapRoundTrip(t *testing.T) {
	original := map[string]string{"C": "42601", "M": "syntax error"}

	b := wire.NewBuilder()
	writeStringMap(b, original)
	msg := roundTripMessage(t, b.Build())

	got, err := readStringMap(msg)
	if err != nil {
		t.Fatalf("readStringMap: %v", err)
	}
	if len(got) != len(original) {
		t.Fatalf("expected %d entries, got %d", len(original), len(got))
	}
	for k, v := range original {
		if got[k] != v {
			t.Errorf("key %q: got %q, want %q", k, got[k], v)
		}
	}
}

func TestUnitListRoundTrip(t *testing.T) {
	units := []*queryunit.Unit{
		{SQL: []byte("select 1"), UnitID: "u1"},
		{SQL: []byte("select 2"), UnitID: "u2"},
	}

	b := wire.NewBuilder()
	b.Uint32(uint32(len(units)))
	for _, u := range units {
		writeUnit(b, u)
	}
	msg := roundTripMessage(t, b.Build())

	got, err := readUnitList(msg)
	if err != nil {
		t.Fatalf("readUnitList: %v", err)
	}
	if len(got) != len(units) {
		t.Fatalf("expected %d units, got %d", len(units), len(got))
	}
	for i, u := range got {
		if string(u.SQL) != string(units[i].SQL) || u.UnitID != units[i].UnitID {
			t.Errorf("unit %d = %+v, want %+v", i, u, units[i])
		}
	}
}
