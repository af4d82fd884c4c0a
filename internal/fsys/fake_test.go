package fsys

import (
	"errors"
	"fmt"
	"os"
	"testing"
)

func TestFakeStatDir(t *testing.T) {
	f := NewFake()
	f.Dirs["/proj/.apack"] = true

	fi, err := f.Stat("/proj/.apack")
	if err != nil {
		t.Fatalf("Stat existing dir: %v", err)
	}
	if !fi.IsDir() {
		t.Error("expected IsDir() = true")
	}
	if fi.Name() != ".apack" {
		t.Errorf("Name() = %q, want %q", fi.Name(), ".apack")
	}
}

func TestFakeStatFile(t *testing.T) {
	f := NewFake()
	f.Files["/proj/apack.toml"] = []byte("hello")

	fi, err := f.Stat("/proj/apack.toml")
	if err != nil {
		t.Fatalf("Stat existing file: %v", err)
	}
	if fi.IsDir() {
		t.Error("expected IsDir() = false for file")
	}
	if fi.Size() != 5 {
		t.Errorf("Size() = %d, want 5", fi.Size())
	}
}

func TestFakeStatMissing(t *testing.T) {
	f := NewFake()

	_, err := f.Stat("/no/such/path")
	if err == nil {
		t.Fatal("expected error for missing path")
	}
	if !os.IsNotExist(err) {
		t.Errorf("expected os.IsNotExist, got: %v", err)
	}
}

func TestFakeStatErrorInjection(t *testing.T) {
	f := NewFake()
	injected := fmt.Errorf("disk on fire")
	f.Errors["/proj/.apack"] = injected

	_, err := f.Stat("/proj/.apack")
	if !errors.Is(err, injected) {
		t.Errorf("Stat error = %v, want %v", err, injected)
	}
}

func TestFakeMkdirAll(t *testing.T) {
	f := NewFake()

	if err := f.MkdirAll("/proj/.apack/cache", 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	// Should record the directory and parents.
	for _, d := range []string{"/proj/.apack/cache", "/proj/.apack", "/proj"} {
		if !f.Dirs[d] {
			t.Errorf("Dirs[%q] = false, want true", d)
		}
	}

	// Should record the call.
	if len(f.Calls) != 1 || f.Calls[0].Method != "MkdirAll" {
		t.Errorf("Calls = %+v, want single MkdirAll", f.Calls)
	}
}

func TestFakeMkdirAllError(t *testing.T) {
	f := NewFake()
	injected := fmt.Errorf("permission denied")
	f.Errors["/proj/.apack"] = injected

	err := f.MkdirAll("/proj/.apack", 0o755)
	if !errors.Is(err, injected) {
		t.Errorf("MkdirAll error = %v, want %v", err, injected)
	}
}

func TestFakeWriteFile(t *testing.T) {
	f := NewFake()

	data := []byte("# apack.toml\n")
	if err := f.WriteFile("/proj/apack.toml", data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, ok := f.Files["/proj/apack.toml"]
	if !ok {
		t.Fatal("file not recorded")
	}
	if string(got) != string(data) {
		t.Errorf("Files content = %q, want %q", got, data)
	}

	if len(f.Calls) != 1 || f.Calls[0].Method != "WriteFile" {
		t.Errorf("Calls = %+v, want single WriteFile", f.Calls)
	}
}

func TestFakeWriteFileError(t *testing.T) {
	f := NewFake()
	injected := fmt.Errorf("read-only fs")
	f.Errors["/proj/apack.toml"] = injected

	err := f.WriteFile("/proj/apack.toml", []byte("x"), 0o644)
	if !errors.Is(err, injected) {
		t.Errorf("WriteFile error = %v, want %v", err, injected)
	}
}

func TestFakeReadDir(t *testing.T) {
	f := NewFake()
	f.Dirs["/proj/build/alpha"] = true
	f.Dirs["/proj/build/beta"] = true
	f.Files["/proj/build/config.toml"] = []byte("x")

	entries, err := f.ReadDir("/proj/build")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}

	// Should have 3 entries: alpha (dir), beta (dir), config.toml (file), sorted.
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3: %+v", len(entries), entries)
	}

	want := []struct {
		name  string
		isDir bool
	}{
		{"alpha", true},
		{"beta", true},
		{"config.toml", false},
	}
	for i, w := range want {
		if entries[i].Name() != w.name {
			t.Errorf("entry[%d].Name() = %q, want %q", i, entries[i].Name(), w.name)
		}
		if entries[i].IsDir() != w.isDir {
			t.Errorf("entry[%d].IsDir() = %v, want %v", i, entries[i].IsDir(), w.isDir)
		}
	}
}

func TestFakeReadDirError(t *testing.T) {
	f := NewFake()
	injected := fmt.Errorf("no such directory")
	f.Errors["/proj/build"] = injected

	_, err := f.ReadDir("/proj/build")
	if !errors.Is(err, injected) {
		t.Errorf("ReadDir error = %v, want %v", err, injected)
	}
}

func TestFakeReadDirEmpty(t *testing.T) {
	f := NewFake()

	entries, err := f.ReadDir("/proj/build")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("got %d entries, want 0", len(entries))
	}
}

func TestFakeRename(t *testing.T) {
	f := NewFake()
	f.Files["/proj/build/config.json.tmp"] = []byte(`{"name":"main"}`)

	if err := f.Rename("/proj/build/config.json.tmp", "/proj/build/config.json"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	// Old path gone, new path has the data.
	if _, ok := f.Files["/proj/build/config.json.tmp"]; ok {
		t.Error("old path still exists after Rename")
	}
	if string(f.Files["/proj/build/config.json"]) != `{"name":"main"}` {
		t.Errorf("new path content = %q, want %q", f.Files["/proj/build/config.json"], `{"name":"main"}`)
	}

	if len(f.Calls) != 1 || f.Calls[0].Method != "Rename" {
		t.Errorf("Calls = %+v, want single Rename", f.Calls)
	}
}

func TestFakeRenameError(t *testing.T) {
	f := NewFake()
	injected := fmt.Errorf("cross-device link")
	f.Errors["/proj/build/config.json.tmp"] = injected

	err := f.Rename("/proj/build/config.json.tmp", "/proj/build/config.json")
	if !errors.Is(err, injected) {
		t.Errorf("Rename error = %v, want %v", err, injected)
	}
}

func TestFakeRenameMissing(t *testing.T) {
	f := NewFake()

	err := f.Rename("/no/such/file", "/proj/build/config.json")
	if err == nil {
		t.Fatal("expected error for missing source path")
	}
	if !os.IsNotExist(err) {
		t.Errorf("expected os.IsNotExist, got: %v", err)
	}
}

func TestFakeRenameDirectory(t *testing.T) {
	f := NewFake()
	f.Files["/proj/build/native/font/a.ttf"] = []byte("a")
	f.Files["/proj/build/native/font/sub/b.ttf"] = []byte("b")

	if err := f.Rename("/proj/build/native/font", "/proj/build/native/font.1a2b3"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if string(f.Files["/proj/build/native/font.1a2b3/a.ttf"]) != "a" {
		t.Errorf("a.ttf not moved: %v", f.Files)
	}
	if string(f.Files["/proj/build/native/font.1a2b3/sub/b.ttf"]) != "b" {
		t.Errorf("sub/b.ttf not moved: %v", f.Files)
	}
	if f.Dirs["/proj/build/native/font"] {
		t.Error("old directory still present")
	}
	if !f.Dirs["/proj/build/native/font.1a2b3/sub"] {
		t.Error("nested directory not moved")
	}
}

func TestFakeRemoveAll(t *testing.T) {
	f := NewFake()
	f.Files["/proj/build/a.json"] = []byte("a")
	f.Files["/proj/build/x/b.json"] = []byte("b")
	f.Files["/proj/keep.json"] = []byte("k")

	if err := f.RemoveAll("/proj/build"); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	if len(f.Files) != 1 {
		t.Errorf("Files = %v, want only keep.json", f.Files)
	}
	if err := f.RemoveAll("/proj/missing"); err != nil {
		t.Errorf("RemoveAll missing = %v, want nil", err)
	}
}

func TestFakeRemoveMissing(t *testing.T) {
	f := NewFake()
	if err := f.Remove("/nope"); !os.IsNotExist(err) {
		t.Errorf("Remove missing = %v, want not-exist", err)
	}
}

func TestWriteFileAtomic(t *testing.T) {
	f := NewFake()
	if err := WriteFileAtomic(f, "/proj/cache/u1/debug.json", []byte("{}"), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	if string(f.Files["/proj/cache/u1/debug.json"]) != "{}" {
		t.Errorf("content = %q", f.Files["/proj/cache/u1/debug.json"])
	}
	if _, ok := f.Files["/proj/cache/u1/debug.json.tmp"]; ok {
		t.Error("temp file left behind")
	}
}

func TestWalkSorted(t *testing.T) {
	f := NewFake()
	f.Files["/root/b.txt"] = []byte("b")
	f.Files["/root/a/z.txt"] = []byte("z")
	f.Files["/root/a/c.txt"] = []byte("c")

	var got []string
	err := Walk(f, "/root", func(rel string) error {
		got = append(got, rel)
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	want := []string{"a/c.txt", "a/z.txt", "b.txt"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Walk = %v, want %v", got, want)
	}
}
