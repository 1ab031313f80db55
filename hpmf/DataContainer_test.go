package hpmf

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeTempEdgelist(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "train.txt")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDataContainerFromFile(t *testing.T) {
	path := writeTempEdgelist(t, "b,y,2\na,x\nb,x,3\n")
	d, err := NewDataContainerFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if d.NumUsers() != 2 || d.NumItems() != 2 {
		t.Error("NumUsers =", d.NumUsers(), "NumItems =", d.NumItems())
	}
	// Identifiers follow lexicographic label order.
	if d.IDForUser("a") != 0 || d.IDForUser("b") != 1 {
		t.Error("user ids =", d.IDForUser("a"), d.IDForUser("b"))
	}
	if d.IDForItem("x") != 0 || d.IDForItem("y") != 1 {
		t.Error("item ids =", d.IDForItem("x"), d.IDForItem("y"))
	}
	// Edges keep input order; the count defaults to one.
	want := []Edge{{User: 1, Item: 1, Count: 2}, {User: 0, Item: 0, Count: 1}, {User: 1, Item: 0, Count: 3}}
	if d.Size != len(want) {
		t.Fatal("Size =", d.Size)
	}
	for i, e := range want {
		if d.Edges[i] != e {
			t.Error("edge", i, "=", d.Edges[i], "want", e)
		}
	}
}

func TestDataContainerLabelLookup(t *testing.T) {
	d, err := NewDataContainer([]LabeledEdge{{User: "alice", Item: "pin", Count: 1}}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if u, ok := d.UserFromID(0); !ok || u != "alice" {
		t.Error("UserFromID(0) =", u, ok)
	}
	if v, ok := d.ItemFromID(0); !ok || v != "pin" {
		t.Error("ItemFromID(0) =", v, ok)
	}
	if _, ok := d.UserFromID(1); ok {
		t.Error("UserFromID(1) should not exist")
	}
	if d.IDForUser("bob") >= 0 {
		t.Error("unknown user should map to a negative id")
	}
}

func TestDataContainerDuplicateEdgeKeepsLastCount(t *testing.T) {
	d, err := NewDataContainer([]LabeledEdge{
		{User: "a", Item: "x", Count: 1},
		{User: "a", Item: "y", Count: 2},
		{User: "a", Item: "x", Count: 7},
	}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if d.Size != 2 {
		t.Fatal("Size =", d.Size)
	}
	if d.Edges[0].Count != 7 {
		t.Error("duplicate key should keep the last count, got", d.Edges[0].Count)
	}
}

func TestDataContainerExplicitLabelLists(t *testing.T) {
	d, err := NewDataContainer(
		[]LabeledEdge{{User: "u1", Item: "i1", Count: 1}},
		[]string{"u0", "u1", "u2"},
		[]string{"i0", "i1"},
	)
	if err != nil {
		t.Fatal(err)
	}
	if d.NumUsers() != 3 || d.NumItems() != 2 {
		t.Error("label lists should define the identifier space:", d.NumUsers(), d.NumItems())
	}
	if d.IDForUser("u2") != 2 {
		t.Error("edgeless user should still have an id")
	}
	// An edge referring to a label outside the lists is invalid.
	_, err = NewDataContainer(
		[]LabeledEdge{{User: "stranger", Item: "i0", Count: 1}},
		[]string{"u0"}, []string{"i0"},
	)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Error("err =", err)
	}
}

func TestDataContainerMalformedInput(t *testing.T) {
	if _, err := NewDataContainerFromFile(writeTempEdgelist(t, "justonefield\n")); !errors.Is(err, ErrInvalidArgument) {
		t.Error("missing fields: err =", err)
	}
	if _, err := NewDataContainerFromFile(writeTempEdgelist(t, "a,x,notacount\n")); !errors.Is(err, ErrInvalidArgument) {
		t.Error("bad count: err =", err)
	}
	if _, err := NewDataContainerFromFile(filepath.Join(t.TempDir(), "missing.txt")); !errors.Is(err, ErrInvalidArgument) {
		t.Error("missing file: err =", err)
	}
	if _, err := NewDataContainer(nil, nil, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Error("empty edge list: err =", err)
	}
}
