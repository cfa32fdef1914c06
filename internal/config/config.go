// Package config implements the layered, profile-conditional
// configuration resolution of spec.md §4.1. There is no generalized
// deep-merge library anywhere in the retrieval pack, so the merge is
// hand-written over map[string]interface{} trees (documented stdlib
// justification: see DESIGN.md). .json5 files are parsed with
// gopkg.in/yaml.v3 because YAML 1.2 flow syntax is a superset of the
// JSON subset these files actually use.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/bifrost-iot/device-agent/internal/agenterr"
)

// WriteLayer persists a single named layer document (e.g. "device.json5")
// back into dir, merging newFields into whatever already exists on disk
// so an unrelated field written by another layer isn't clobbered.
func WriteLayer(dir, name string, newFields Tree) error {
	path := filepath.Join(dir, name)

	existing := Tree{}
	if data, err := os.ReadFile(path); err == nil {
		_ = yaml.Unmarshal(data, &existing)
	} else if !os.IsNotExist(err) {
		return agenterr.Wrap(agenterr.CantRead, "config", "WriteLayer", err)
	}
	if existing == nil {
		existing = Tree{}
	}
	merge(existing, newFields)

	out, err := yaml.Marshal(existing)
	if err != nil {
		return agenterr.Wrap(agenterr.CantWrite, "config", "WriteLayer", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return agenterr.Wrap(agenterr.CantWrite, "config", "WriteLayer", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return agenterr.Wrap(agenterr.CantWrite, "config", "WriteLayer", err)
	}
	return nil
}

// Tree is the blended configuration document.
type Tree map[string]any

// Loader resolves the layered document set described in spec.md §4.1:
// ioto.json5 (base) -> local.json5 (pass 1) -> device.json5 ->
// provision.json5 -> conditional.profile.<profile> (merged after every
// layer, then stripped) -> local.json5 (pass 2, last chance).
type Loader struct {
	Dir     string
	Profile string
}

// Load reads and blends the layered documents into a single Tree.
func (l *Loader) Load() (Tree, error) {
	tree := Tree{}

	base, err := l.readLayer("ioto.json5")
	if err != nil {
		return nil, err
	}
	merge(tree, base)
	l.applyConditional(tree)

	local, err := l.readLayer("local.json5")
	if err != nil {
		return nil, err
	}
	merge(tree, local)
	l.applyConditional(tree)

	device, err := l.readLayer("device.json5")
	if err != nil {
		return nil, err
	}
	merge(tree, device)
	l.applyConditional(tree)

	provision, err := l.readLayer("provision.json5")
	if err != nil {
		return nil, err
	}
	merge(tree, provision)
	l.applyConditional(tree)

	// Last-chance override pass: local.json5 applied again so it wins
	// over device/provision layers loaded after its first pass.
	merge(tree, local)
	l.applyConditional(tree)

	if err := validateServiceDeps(tree); err != nil {
		return nil, err
	}

	return tree, nil
}

func (l *Loader) readLayer(name string) (Tree, error) {
	path := filepath.Join(l.Dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Tree{}, nil
		}
		return nil, agenterr.Wrap(agenterr.CantRead, "config", "readLayer", err)
	}

	var doc Tree
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, agenterr.Wrap(agenterr.BadArgs, "config", "readLayer", err)
	}
	if doc == nil {
		doc = Tree{}
	}
	return doc, nil
}

// applyConditional merges tree["conditional"]["profile"][l.Profile] into
// the root of tree, then removes the "conditional" key entirely, per
// spec.md §4.1: "merged after each layer, then removed from the tree".
func (l *Loader) applyConditional(tree Tree) {
	cond, ok := tree["conditional"].(map[string]any)
	if !ok {
		delete(tree, "conditional")
		return
	}
	profiles, ok := cond["profile"].(map[string]any)
	if ok && l.Profile != "" {
		if overlay, ok := profiles[l.Profile].(map[string]any); ok {
			merge(tree, Tree(overlay))
		}
	}
	delete(tree, "conditional")
}

// merge deep-merges src into dst; later (src) values win, nested maps
// are merged recursively, everything else is a plain overwrite.
func merge(dst, src Tree) {
	for k, v := range src {
		if srcMap, ok := v.(map[string]any); ok {
			if dstMap, ok := dst[k].(map[string]any); ok {
				merge(dstMap, srcMap)
				continue
			}
		}
		dst[k] = v
	}
}

// validateServiceDeps enforces spec.md §4.1's dependency rules:
//
//	keys or mqtt => provision
//	provision or keys or sync => mqtt
//
// Violations are auto-corrected (the dependency is turned on) silently:
// no warning is produced, and the returned error is always nil.
func validateServiceDeps(tree Tree) error {
	services, _ := tree["services"].(map[string]any)
	if services == nil {
		return nil
	}

	enabled := func(name string) bool {
		v, _ := services[name].(bool)
		return v
	}
	enable := func(name string) {
		services[name] = true
	}

	if enabled("keys") || enabled("mqtt") {
		if !enabled("provision") {
			enable("provision")
		}
	}
	if enabled("provision") || enabled("keys") || enabled("sync") {
		if !enabled("mqtt") {
			enable("mqtt")
		}
	}
	return nil
}

// Get fetches a dotted-path value ("device.id") from the tree.
func (t Tree) Get(path string) (any, bool) {
	parts := splitPath(path)
	var cur any = map[string]any(t)
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// GetString fetches a dotted-path string value, or "" if absent/wrong type.
func (t Tree) GetString(path string) string {
	v, ok := t.Get(path)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func splitPath(path string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			parts = append(parts, path[start:i])
			start = i + 1
		}
	}
	parts = append(parts, path[start:])
	return parts
}
