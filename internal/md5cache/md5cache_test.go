package md5cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"path/filepath"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/steveyegge/assetpack/internal/fsys"
)

func md5Prefix(data string) string {
	sum := md5.Sum([]byte(data))
	return hex.EncodeToString(sum[:])[:HashLen]
}

func write(t *testing.T, fs *fsys.Fake, files map[string]string) {
	t.Helper()
	for name, data := range files {
		if err := fs.WriteFile(name, []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestHashFilesSortsPaths(t *testing.T) {
	fs := fsys.NewFake()
	write(t, fs, map[string]string{"/o/b.js": "B", "/o/a.json": "A"})

	got, err := HashFiles(fs, []string{"/o/b.js", "/o/a.json"})
	if err != nil {
		t.Fatal(err)
	}
	if want := md5Prefix("AB"); got != want {
		t.Errorf("hash = %s, want %s", got, want)
	}
	if len(got) != HashLen {
		t.Errorf("hash length = %d", len(got))
	}
}

func TestHashFilesEmpty(t *testing.T) {
	if _, err := HashFiles(fsys.NewFake(), nil); !errors.Is(err, ErrEmptyUnit) {
		t.Errorf("err = %v, want ErrEmptyUnit", err)
	}
}

func TestAppendHash(t *testing.T) {
	tests := []struct{ in, want string }{
		{"a/b.json", "a/b.12345.json"},
		{"a/b", "a/b.12345"},
		{"/out/config.json", "/out/config.12345.json"},
		{"a.b/c.tar.gz", "a.b/c.tar.12345.gz"},
	}
	for _, tt := range tests {
		if got := AppendHash(tt.in, "12345"); got != tt.want {
			t.Errorf("AppendHash(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStampRenamesUnit(t *testing.T) {
	fs := fsys.NewFake()
	write(t, fs, map[string]string{"/o/config.json": "{}", "/o/index.js": "x"})
	log, _ := logtest.NewNullLogger()
	s := NewStamper(fs, nil, "main", log)

	res, err := s.Stamp(context.Background(), []Unit{{Key: "bundle", Paths: []string{"/o/config.json", "/o/index.js"}}})
	if err != nil {
		t.Fatal(err)
	}
	r, ok := res["bundle"]
	if !ok {
		t.Fatalf("unit missing from results: %v", res)
	}
	if r.Hash != md5Prefix("{}x") {
		t.Errorf("hash = %s", r.Hash)
	}
	for _, old := range []string{"/o/config.json", "/o/index.js"} {
		next := r.Renamed[old]
		if _, ok := fs.Files[next]; !ok {
			t.Errorf("%s not renamed to %s", old, next)
		}
		if _, ok := fs.Files[old]; ok {
			t.Errorf("%s still present", old)
		}
	}
}

func TestStampDirectoryUnit(t *testing.T) {
	fs := fsys.NewFake()
	write(t, fs, map[string]string{
		"/o/native/ab/abc/font.ttf":    "T",
		"/o/native/ab/abc/z/extra.ttf": "Z",
	})
	log, _ := logtest.NewNullLogger()
	s := NewStamper(fs, nil, "main", log)

	res, err := s.Stamp(context.Background(), []Unit{{Key: "native:abc", Paths: []string{"/o/native/ab/abc"}, Dir: true}})
	if err != nil {
		t.Fatal(err)
	}
	hash := md5Prefix("T")
	if res["native:abc"].Hash != hash {
		t.Errorf("hash = %s, want %s", res["native:abc"].Hash, hash)
	}
	want := filepath.Join("/o/native/ab", "abc."+hash, "font.ttf")
	if _, ok := fs.Files[want]; !ok {
		t.Errorf("directory not renamed; files: %v", fs.Files)
	}
}

func TestStampFailingUnitIsSkipped(t *testing.T) {
	fs := fsys.NewFake()
	write(t, fs, map[string]string{"/o/good.json": "g", "/o/bad.json": "b"})
	fs.Errors["/o/bad.json"] = errors.New("disk on fire")
	log, hook := logtest.NewNullLogger()
	s := NewStamper(fs, nil, "main", log)

	res, err := s.Stamp(context.Background(), []Unit{
		{Key: "bad", Paths: []string{"/o/bad.json"}},
		{Key: "good", Paths: []string{"/o/good.json"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := res["bad"]; ok {
		t.Error("failing unit reported as versioned")
	}
	if _, ok := res["good"]; !ok {
		t.Error("good unit not versioned")
	}
	if len(hook.AllEntries()) != 1 {
		t.Errorf("log entries = %d, want 1", len(hook.AllEntries()))
	}
}

func TestStampIsReproducible(t *testing.T) {
	files := map[string]string{"/o/a.json": "same", "/o/b.json": "content"}
	units := []Unit{{Key: "a", Paths: []string{"/o/a.json"}}, {Key: "b", Paths: []string{"/o/b.json"}}}
	log, _ := logtest.NewNullLogger()

	var runs [2]map[string]Result
	for i := range runs {
		fs := fsys.NewFake()
		write(t, fs, files)
		res, err := NewStamper(fs, nil, "main", log).Stamp(context.Background(), units)
		if err != nil {
			t.Fatal(err)
		}
		runs[i] = res
	}
	for _, key := range []string{"a", "b"} {
		if runs[0][key].Hash != runs[1][key].Hash {
			t.Errorf("%s: hash changed between runs", key)
		}
		for old, next := range runs[0][key].Renamed {
			if runs[1][key].Renamed[old] != next {
				t.Errorf("%s: name changed between runs", key)
			}
		}
	}
}

func TestDiscardDropsScopePlans(t *testing.T) {
	fs := fsys.NewFake()
	write(t, fs, map[string]string{"/o/config.json": "{}", "/o/index.js": "x"})
	j := NewMemJournal()
	plan := Plan{Hash: "abcde", Renames: [][2]string{
		{"/o/config.json", "/o/config.abcde.json"},
		{"/o/index.js", "/o/index.abcde.js"},
	}}
	if err := j.Begin("main/bundle", plan); err != nil {
		t.Fatal(err)
	}
	if err := j.Begin("other/bundle", Plan{Hash: "fffff"}); err != nil {
		t.Fatal(err)
	}
	log, _ := logtest.NewNullLogger()

	if err := NewStamper(fs, j, "main", log).Discard(); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if _, ok := fs.Files["/o/config.json"]; !ok {
		t.Error("Discard renamed a file")
	}
	pending, _ := j.Pending()
	if _, ok := pending["main/bundle"]; ok {
		t.Error("discarded plan still pending")
	}
	if _, ok := pending["other/bundle"]; !ok {
		t.Error("plan of another scope was touched")
	}
}

func TestBoltJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "journal.db")
	j, err := OpenBoltJournal(path)
	if err != nil {
		t.Fatalf("OpenBoltJournal: %v", err)
	}
	plan := Plan{Hash: "12345", Renames: [][2]string{{"a", "a.12345"}}}
	if err := j.Begin("main/x", plan); err != nil {
		t.Fatal(err)
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	j, err = OpenBoltJournal(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j.Close() //nolint:errcheck // test cleanup
	pending, err := j.Pending()
	if err != nil {
		t.Fatal(err)
	}
	if got := pending["main/x"]; got.Hash != "12345" || len(got.Renames) != 1 {
		t.Errorf("pending = %+v", pending)
	}
	if err := j.Commit("main/x"); err != nil {
		t.Fatal(err)
	}
	pending, _ = j.Pending()
	if len(pending) != 0 {
		t.Errorf("pending after commit = %v", pending)
	}
}
