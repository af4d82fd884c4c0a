// Package serialize is the reference JSON serialization engine.
//
// Library records are JSON documents whose objects carry a "__type__"
// class name and reference other assets with {"__uuid__": "..."}. The
// engine decodes them into an [asset.Graph], reports classes it does not
// know, and re-encodes the graph with build-time options.
package serialize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/steveyegge/assetpack/internal/asset"
	"github.com/steveyegge/assetpack/internal/uuidz"
)

// editorOnlyKey holds editor state attached to serialized objects.
const editorOnlyKey = "__editorExtras__"

// JSON implements [asset.Serializer].
type JSON struct {
	// Classes is the set of known class names. Nil accepts every class.
	Classes map[string]bool
}

var _ asset.Serializer = (*JSON)(nil)

// New returns a serializer that accepts every class.
func New() *JSON {
	return &JSON{}
}

// NewWithClasses returns a serializer that reports any class outside
// classes as missing.
func NewWithClasses(classes ...string) *JSON {
	set := make(map[string]bool, len(classes))
	for _, c := range classes {
		set[c] = true
	}
	return &JSON{Classes: set}
}

// Deserialize decodes library bytes. Numbers are kept as json.Number so
// re-encoding preserves their exact text.
func (s *JSON) Deserialize(data []byte) (*asset.Graph, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var root any
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("decoding library record: %w", err)
	}
	g := &asset.Graph{Root: root}
	w := walker{classes: s.Classes, seenClass: map[string]bool{}, seenRef: map[string]bool{}}
	w.visit(root, g)
	slices.Sort(g.MissingClasses)
	slices.Sort(g.Refs)
	return g, nil
}

type walker struct {
	classes   map[string]bool
	seenClass map[string]bool
	seenRef   map[string]bool
}

func (w *walker) visit(v any, g *asset.Graph) {
	switch t := v.(type) {
	case map[string]any:
		if typ, ok := t[asset.TypeKey].(string); ok && w.classes != nil && !w.classes[typ] && !w.seenClass[typ] {
			w.seenClass[typ] = true
			g.MissingClasses = append(g.MissingClasses, typ)
		}
		if id, ok := t[asset.RefKey].(string); ok && id != "" && !w.seenRef[id] {
			w.seenRef[id] = true
			g.Refs = append(g.Refs, id)
		}
		for _, child := range t {
			w.visit(child, g)
		}
	case []any:
		for _, child := range t {
			w.visit(child, g)
		}
	}
}

// Serialize encodes g. The graph itself is not modified.
func (s *JSON) Serialize(g *asset.Graph, opts asset.SerializeOptions) ([]byte, error) {
	out := transform(g.Root, opts)
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if opts.Debug {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(out); err != nil {
		return nil, fmt.Errorf("encoding graph: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func transform(v any, opts asset.SerializeOptions) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			if opts.StripEditor && (k == editorOnlyKey || strings.HasPrefix(k, "_$")) {
				continue
			}
			if opts.StripDefaults && child == nil {
				continue
			}
			if k == asset.RefKey && opts.CompressUUID {
				if id, ok := child.(string); ok {
					out[k] = uuidz.Compress(id, true)
					continue
				}
			}
			out[k] = transform(child, opts)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = transform(child, opts)
		}
		return out
	default:
		return v
	}
}
