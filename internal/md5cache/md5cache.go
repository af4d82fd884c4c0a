// Package md5cache stamps build output with content hashes for CDN cache
// busting. A unit's sibling files are hashed together in sorted order and
// every file is renamed to carry ".{hash}" before its extension.
package md5cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/steveyegge/assetpack/internal/fsys"
)

// HashLen is the number of hex digits kept from the digest.
const HashLen = 5

// ErrEmptyUnit is returned for a unit without paths or files.
var ErrEmptyUnit = errors.New("unit has no files")

// HashFiles hashes the contents of paths concatenated in sorted order.
func HashFiles(fs fsys.FS, paths []string) (string, error) {
	if len(paths) == 0 {
		return "", ErrEmptyUnit
	}
	sorted := slices.Clone(paths)
	slices.Sort(sorted)
	h := md5.New()
	for _, p := range sorted {
		data, err := fs.ReadFile(p)
		if err != nil {
			return "", fmt.Errorf("hashing %q: %w", p, err)
		}
		h.Write(data) //nolint:errcheck // hash.Write never errors
	}
	return hex.EncodeToString(h.Sum(nil))[:HashLen], nil
}

// HashDir hashes the first file of a sorted walk of dir.
func HashDir(fs fsys.FS, dir string) (string, error) {
	var first string
	errFound := errors.New("found")
	err := fsys.Walk(fs, dir, func(rel string) error {
		first = filepath.Join(dir, filepath.FromSlash(rel))
		return errFound
	})
	if err != nil && !errors.Is(err, errFound) {
		return "", fmt.Errorf("walking %q: %w", dir, err)
	}
	if first == "" {
		return "", fmt.Errorf("%q: %w", dir, ErrEmptyUnit)
	}
	return HashFiles(fs, []string{first})
}

// AppendHash inserts ".{hash}" before the final extension of path:
// "a/b.json" becomes "a/b.{hash}.json", "a/b" becomes "a/b.{hash}".
func AppendHash(path, hash string) string {
	dir, base := filepath.Split(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return dir + stem + "." + hash + ext
}

// Unit is one logical group of output paths versioned together.
type Unit struct {
	// Key identifies the unit in results and in the journal, e.g.
	// "import:{uuid}".
	Key string
	// Paths are the sibling files of the unit. For a Dir unit, Paths[0]
	// is the directory.
	Paths []string
	// Dir marks a unit whose native form is a whole directory: one file
	// inside it is hashed and the directory itself is renamed.
	Dir bool
}

// Result is the outcome of a versioned unit.
type Result struct {
	Hash string
	// Renamed maps each original path to its hashed path.
	Renamed map[string]string
}

// Stamper versions units of one bundle.
type Stamper struct {
	fs      fsys.FS
	journal Journal
	scope   string
	log     logrus.FieldLogger
}

// NewStamper returns a stamper whose journal keys are prefixed by scope,
// normally the bundle name.
func NewStamper(fs fsys.FS, journal Journal, scope string, log logrus.FieldLogger) *Stamper {
	if journal == nil {
		journal = NewMemJournal()
	}
	return &Stamper{fs: fs, journal: journal, scope: scope, log: log}
}

// Discard drops the plans an interrupted run left pending in this scope.
// It must run before the scope's output is rewritten: a stale plan names
// files by a hash the new content no longer has.
func (s *Stamper) Discard() error {
	pending, err := s.journal.Pending()
	if err != nil {
		return fmt.Errorf("reading journal: %w", err)
	}
	prefix := s.scope + "/"
	for _, key := range sortedKeys(pending) {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if err := s.journal.Commit(key); err != nil {
			return fmt.Errorf("dropping %s: %w", key, err)
		}
		s.log.WithField("unit", key).Info("dropped interrupted versioning plan")
	}
	return nil
}

// Stamp versions every unit. A unit that fails is logged and left
// unversioned; it is absent from the returned map. ctx cancellation stops
// between units.
func (s *Stamper) Stamp(ctx context.Context, units []Unit) (map[string]Result, error) {
	results := make(map[string]Result, len(units))
	for _, u := range units {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		r, err := s.stampUnit(u)
		if err != nil {
			s.log.WithField("unit", u.Key).Warnf("versioning skipped: %v", err)
			continue
		}
		results[u.Key] = r
	}
	return results, nil
}

func (s *Stamper) stampUnit(u Unit) (Result, error) {
	if len(u.Paths) == 0 {
		return Result{}, ErrEmptyUnit
	}
	var (
		hash string
		err  error
	)
	if u.Dir {
		hash, err = HashDir(s.fs, u.Paths[0])
	} else {
		hash, err = HashFiles(s.fs, u.Paths)
	}
	if err != nil {
		return Result{}, err
	}

	// Every new name is known before the first rename.
	p := Plan{Hash: hash}
	renamed := make(map[string]string, len(u.Paths))
	targets := u.Paths
	if u.Dir {
		targets = u.Paths[:1]
	}
	for _, old := range targets {
		next := AppendHash(old, hash)
		p.Renames = append(p.Renames, [2]string{old, next})
		renamed[old] = next
	}

	key := s.scope + "/" + u.Key
	if err := s.journal.Begin(key, p); err != nil {
		return Result{}, fmt.Errorf("journaling: %w", err)
	}
	if err := s.apply(key, p); err != nil {
		return Result{}, err
	}
	return Result{Hash: hash, Renamed: renamed}, nil
}

// apply performs the renames of p, skipping those already done, then
// commits the journal entry.
func (s *Stamper) apply(key string, p Plan) error {
	for _, r := range p.Renames {
		old, next := r[0], r[1]
		if _, err := s.fs.Stat(old); err != nil {
			if _, nerr := s.fs.Stat(next); nerr == nil {
				continue
			}
			return fmt.Errorf("renaming %q: %w", old, err)
		}
		if err := s.fs.Rename(old, next); err != nil {
			return fmt.Errorf("renaming %q: %w", old, err)
		}
	}
	return s.journal.Commit(key)
}
