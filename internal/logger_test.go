package internal

import "testing"

func TestEntryWithDoesNotModifyParent(t *testing.T) {
	parent := With(Fields{FieldSessionID: "abc", FieldPeer: "127.0.0.1:1"})
	child := parent.With(Fields{FieldBlock: 7})

	if len(parent.fields) != 2 {
		t.Fatalf("parent fields changed: %v", parent.fields)
	}
	if len(child.fields) != 3 || child.fields[FieldSessionID] != "abc" {
		t.Fatalf("child fields not merged: %v", child.fields)
	}
}

func TestEntryArgsSortedAndCallFieldsWin(t *testing.T) {
	e := With(Fields{FieldPeer: "a", FieldBlock: 1})
	args := e.args(Fields{FieldBlock: 2, FieldAddr: "x"})

	want := []string{"addr", "block", "peer"}
	if len(args) != len(want) {
		t.Fatalf("got %d args, want %d", len(args), len(want))
	}
	for i, key := range want {
		if args[i].Key != key {
			t.Fatalf("arg %d key = %q, want %q", i, args[i].Key, key)
		}
	}
	if args[1].Value != 2 {
		t.Fatalf("per-call field should override entry field, got %v", args[1].Value)
	}
	if (Entry{}).args(nil) != nil {
		t.Fatal("empty entry should produce no args")
	}
}

func TestParseLevel(t *testing.T) {
	if lvl, err := ParseLevel(" Trace "); err != nil || lvl != LevelTrace {
		t.Fatalf("ParseLevel(trace) = %v, %v", lvl, err)
	}
	if lvl, err := ParseLevel(""); err != nil || lvl != LevelInfo {
		t.Fatalf("ParseLevel(\"\") = %v, %v", lvl, err)
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
