package repack

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BadgerOps/varpack/internal/safety"
	"github.com/BadgerOps/varpack/internal/varfile"
)

type actionKind int

const (
	actResize actionKind = iota + 1
	actDocument
	actManifest
)

// action is the planned change for one archive entry.
type action struct {
	kind    actionKind
	limit   int    // texture size limit
	data    []byte // replacement document
	details []string
}

// plan is the result of inspecting an archive against a Config. Only entries
// that would actually change get an action, so an already optimal archive
// produces an empty plan.
type plan struct {
	actions   map[int]*action
	manifest  int   // entry index of meta.json, -1 when absent
	tree      *node // parsed manifest, nil when absent or invalid
	compact   bool  // manifest source carries no insignificant whitespace
	marker    int   // entry index of an existing marker, -1 when absent
	optimized bool
	errors    []string
	backup    string // backup reference carried into the new marker
}

func (p *plan) empty() bool { return len(p.actions) == 0 }

func assetError(name string, err error) string {
	return fmt.Sprintf("%s: %v", name, fmt.Errorf("%w: %w", ErrAssetTransformFailed, err))
}

func buildPlan(r *zip.Reader, cfg Config) *plan {
	p := &plan{actions: make(map[int]*action), manifest: -1, marker: -1}
	strip := baseSet(cfg.StripDependencies)
	relatch := baseSet(cfg.RelatchDependencies)

	for i, f := range r.File {
		name, err := safety.CleanEntryName(f.Name)
		if err != nil {
			// Copied through untouched; never matched against config paths.
			p.errors = append(p.errors, assetError(f.Name, err))
			continue
		}
		switch {
		case strings.EqualFold(name, MarkerEntry):
			p.marker = i
			p.optimized = true

		case isManifest(name):
			p.manifest = i
			p.planManifest(i, f, cfg, strip, relatch)

		case isTexture(name):
			limit := cfg.textureTarget(name)
			if limit <= 0 {
				continue
			}
			rc, err := f.Open()
			if err != nil {
				p.errors = append(p.errors, assetError(name, err))
				continue
			}
			w, h, _, err := textureBounds(rc)
			rc.Close()
			if err != nil {
				p.errors = append(p.errors, assetError(name, fmt.Errorf("reading image header: %w", err)))
				continue
			}
			if w <= limit && h <= limit {
				continue
			}
			p.actions[i] = &action{kind: actResize, limit: limit}

		case isDocument(name) && cfg.touchesDocuments():
			data, err := varfile.ReadFile(f)
			if err != nil {
				p.errors = append(p.errors, assetError(name, err))
				continue
			}
			out, details, err := planDocument(data, cfg, relatch)
			if err != nil {
				p.errors = append(p.errors, assetError(name, err))
				continue
			}
			if out != nil {
				p.actions[i] = &action{kind: actDocument, data: out, details: details}
			}
		}
	}
	return p
}

// planDocument returns the replacement bytes for a structured document, or
// nil when nothing would change.
func planDocument(data []byte, cfg Config, relatch map[string]bool) ([]byte, []string, error) {
	tree, err := parseTree(data)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing document: %w", err)
	}
	details := applySceneSettings(tree, cfg.SceneSettings)
	details = append(details, relatchReferences(tree, relatch)...)
	if len(details) > 0 {
		return tree.encode(!cfg.Minify), details, nil
	}
	if cfg.Minify {
		var buf bytes.Buffer
		if err := json.Compact(&buf, data); err != nil {
			return nil, nil, fmt.Errorf("minifying document: %w", err)
		}
		if !bytes.Equal(buf.Bytes(), data) {
			return buf.Bytes(), []string{fmt.Sprintf("minified %d -> %d bytes", len(data), buf.Len())}, nil
		}
	}
	return nil, nil, nil
}

func (p *plan) planManifest(i int, f *zip.File, cfg Config, strip, relatch map[string]bool) {
	data, err := varfile.ReadFile(f)
	if err != nil {
		p.errors = append(p.errors, assetError(f.Name, err))
		return
	}
	tree, err := parseTree(data)
	if err != nil {
		p.errors = append(p.errors, assetError(f.Name, fmt.Errorf("parsing manifest: %w", err)))
		return
	}
	p.tree = tree
	var flat bytes.Buffer
	if json.Compact(&flat, data) == nil {
		p.compact = bytes.Equal(flat.Bytes(), bytes.TrimSpace(data))
	}
	if manifestOptimized(tree) {
		p.optimized = true
	}

	details := editDependencies(tree, strip, relatch)
	details = append(details, relatchReferences(tree, relatch)...)
	if len(details) == 0 && cfg.Minify {
		var buf bytes.Buffer
		if err := json.Compact(&buf, data); err == nil && !bytes.Equal(buf.Bytes(), data) {
			details = append(details, "minified manifest")
		}
	}
	if len(details) > 0 {
		p.actions[i] = &action{kind: actManifest, details: details}
	}
}
