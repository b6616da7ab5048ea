package jsondoc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestLoadMissingFileIsZero(t *testing.T) {
	file := New[doc](filepath.Join(t.TempDir(), "missing.json"))
	value, err := file.Load()
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, doc{}, value)
}

func TestSaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	file := New[doc](path)

	err := file.Save(doc{Name: "alice", Count: 3})
	if err != nil {
		t.Fatal(err)
	}

	value, err := New[doc](path).Load()
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, doc{Name: "alice", Count: 3}, value)

	// no temp files left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	require.Len(t, entries, 1)
}

func TestCorruptFileErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	err := os.WriteFile(path, []byte("{not json"), 0o644)
	if err != nil {
		t.Fatal(err)
	}
	_, err = New[doc](path).Load()
	require.Error(t, err)
}
