package logicalsource

import (
	"testing"

	"github.com/jackc/pglogrepl"
)

func TestRelationCache_PutThenGet(t *testing.T) {
	c := newRelationCache()
	rel := &pglogrepl.RelationMessage{RelationID: 7, Namespace: "public", RelationName: "accounts"}

	if _, ok := c.get(7); ok {
		t.Fatal("get() found a relation before put()")
	}

	c.put(rel)
	got, ok := c.get(7)
	if !ok {
		t.Fatal("get() = not found after put()")
	}
	if got.RelationName != "accounts" {
		t.Errorf("RelationName = %q, want accounts", got.RelationName)
	}
}

func TestDecodeTuple_MapsColumnsByRelationOrder(t *testing.T) {
	rel := &pglogrepl.RelationMessage{
		Columns: []*pglogrepl.RelationMessageColumn{
			{Name: "id"},
			{Name: "balance"},
			{Name: "note"},
		},
	}
	tuple := &pglogrepl.TupleData{
		Columns: []*pglogrepl.TupleDataColumn{
			{DataType: 't', Data: []byte("1")},
			{DataType: 't', Data: []byte("42")},
			{DataType: 'n'},
		},
	}

	row := decodeTuple(rel, tuple)

	if row["id"] != "1" || row["balance"] != "42" {
		t.Fatalf("row = %+v, want id=1 balance=42", row)
	}
	if row["note"] != nil {
		t.Errorf("note = %v, want nil for NULL column", row["note"])
	}
}

func TestDecodeTuple_NilTupleReturnsNil(t *testing.T) {
	rel := &pglogrepl.RelationMessage{}
	if got := decodeTuple(rel, nil); got != nil {
		t.Errorf("decodeTuple(nil) = %+v, want nil", got)
	}
}
