package resolve

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BadgerOps/varpack/internal/index"
	"github.com/BadgerOps/varpack/internal/pkgid"
)

func TestFindMatchingDeclarationsMinimum(t *testing.T) {
	decl := Declaration{Target: "Creator.Dep", Requirement: pkgid.MinVersion(3), Raw: "Creator.Dep.min3"}
	disabled := decl
	disabled.UserDisabled = true

	tests := []struct {
		name       string
		downloaded string
		decls      []Declaration
		want       int
	}{
		{"v4 satisfies min3", "Creator.Dep.4", []Declaration{decl}, 1},
		{"v3 satisfies min3", "Creator.Dep.3", []Declaration{decl}, 1},
		{"v2 does not", "Creator.Dep.2", []Declaration{decl}, 0},
		{"disabled v4", "Creator.Dep.4", []Declaration{disabled}, 0},
		{"disabled v100", "Creator.Dep.100", []Declaration{disabled}, 0},
		{"other base", "Creator.Other.4", []Declaration{decl}, 0},
		{"case-insensitive base", "creator.dep.9", []Declaration{decl}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FindMatchingDeclarations(pkgid.Parse(tt.downloaded), tt.decls)
			if len(got) != tt.want {
				t.Errorf("got %d matches, want %d: %+v", len(got), tt.want, got)
			}
		})
	}
}

func TestFindMatchingDeclarationsOrder(t *testing.T) {
	decls := []Declaration{
		NewDeclaration("Creator.Dep.latest", nil),
		NewDeclaration("Creator.Dep.min2", nil),
		{Target: "Creator.Dep", Requirement: pkgid.ExactVersion(5), Raw: "Creator.Dep.v5-alias"},
		NewDeclaration("Creator.Dep.5", nil),
		NewDeclaration("Creator.Dep.6", nil),
	}

	got := FindMatchingDeclarations(pkgid.Parse("Creator.Dep.5"), decls)
	want := []string{"Creator.Dep.5", "Creator.Dep.v5-alias", "Creator.Dep.latest", "Creator.Dep.min2"}
	if len(got) != len(want) {
		t.Fatalf("got %d matches, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i].Raw != want[i] {
			t.Errorf("match[%d] = %q, want %q", i, got[i].Raw, want[i])
		}
	}
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFindBestLocalMatch(t *testing.T) {
	lib := t.TempDir()
	idx := index.New(index.Options{LibraryDir: lib}, nil, nil)

	for _, v := range []string{"1", "3", "7"} {
		p := filepath.Join(lib, "Creator.Pkg."+v+".var")
		writeFile(t, p)
		idx.Put(index.Record{ID: pkgid.Parse("Creator.Pkg." + v), Path: p, Status: index.StatusLoaded})
	}
	idx.Put(index.Record{ID: pkgid.Parse("Creator.Pkg.9"), Path: filepath.Join(lib, "archive", "Creator.Pkg.9.var"), Status: index.StatusArchived})

	rec, ok := FindBestLocalMatch("creator.pkg", idx)
	if !ok || rec.ID.Version.Number != 7 {
		t.Fatalf("best match = %+v (found %v), want version 7", rec, ok)
	}

	// The index still lists v7, but the file is gone.
	if err := os.Remove(filepath.Join(lib, "Creator.Pkg.7.var")); err != nil {
		t.Fatal(err)
	}
	rec, ok = FindBestLocalMatch("Creator.Pkg", idx)
	if !ok || rec.ID.Version.Number != 3 {
		t.Errorf("after removal best match = %+v (found %v), want version 3", rec, ok)
	}

	if _, ok := FindBestLocalMatch("Creator.Nothing", idx); ok {
		t.Error("expected no match for unknown base")
	}
}

func TestFindBestLocalMatchTieBreak(t *testing.T) {
	lib := t.TempDir()
	idx := index.New(index.Options{LibraryDir: lib}, nil, nil)

	older := filepath.Join(lib, "a", "Creator.Pkg.2.var")
	newer := filepath.Join(lib, "b", "Creator.Pkg.2.var")
	for _, p := range []string{older, newer} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		writeFile(t, p)
	}
	now := time.Now()
	idx.Put(index.Record{ID: pkgid.Parse("Creator.Pkg.2"), Path: newer, Status: index.StatusLoaded, IndexedAt: now})
	idx.Put(index.Record{ID: pkgid.Parse("Creator.Pkg.2"), Path: older, Status: index.StatusLoaded, IndexedAt: now.Add(-time.Hour)})

	rec, ok := FindBestLocalMatch("Creator.Pkg", idx)
	if !ok || rec.Path != newer {
		t.Errorf("tie-break chose %q, want %q", rec.Path, newer)
	}
}

func TestUnsatisfied(t *testing.T) {
	lib := t.TempDir()
	idx := index.New(index.Options{LibraryDir: lib}, nil, nil)
	p := filepath.Join(lib, "Creator.Have.4.var")
	writeFile(t, p)
	idx.Put(index.Record{ID: pkgid.Parse("Creator.Have.4"), Path: p, Status: index.StatusLoaded})

	decls := []Declaration{
		NewDeclaration("Creator.Have.latest", nil),
		NewDeclaration("Creator.Have.min5", nil),
		NewDeclaration("Creator.Have.4", nil),
		NewDeclaration("Creator.Missing.1", nil),
		NewDeclaration("Creator.Missing.1", nil),
		{Target: "Creator.Gone", Requirement: pkgid.ExactVersion(1), Raw: "Creator.Gone.1", UserDisabled: true},
	}
	got := Unsatisfied(decls, idx)
	if len(got) != 2 {
		t.Fatalf("got %d unsatisfied, want 2: %+v", len(got), got)
	}
	if got[0].Raw != "Creator.Have.min5" || got[1].Raw != "Creator.Missing.1" {
		t.Errorf("unexpected unsatisfied set: %+v", got)
	}
}

func TestDeclarationsFromMeta(t *testing.T) {
	meta := []byte(`{
		"creatorName": "Creator",
		"dependencies": {
			"Alice.Hair.3": {
				"dependencies": {
					"Bob.Textures.latest": {},
					"Alice.Shared.2": {"dependencies": {"Carol.Deep.1": {}}}
				}
			},
			"Bob.Textures.latest": {},
			"Dan.Plugin.min4": "not an object"
		}
	}`)
	parent := pkgid.Parse("Creator.Scene.1")
	decls, err := DeclarationsFromMeta(meta, &parent)
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]pkgid.VersionSpec{
		"Alice.Hair.3":        pkgid.ExactVersion(3),
		"Bob.Textures.latest": pkgid.LatestVersion(),
		"Dan.Plugin.min4":     pkgid.MinVersion(4),
		"Alice.Shared.2":      pkgid.ExactVersion(2),
		"Carol.Deep.1":        pkgid.ExactVersion(1),
	}
	if len(decls) != len(want) {
		t.Fatalf("got %d declarations, want %d: %+v", len(decls), len(want), decls)
	}
	for _, d := range decls {
		spec, ok := want[d.Raw]
		if !ok {
			t.Errorf("unexpected declaration %q", d.Raw)
			continue
		}
		if d.Requirement != spec {
			t.Errorf("%s requirement = %v, want %v", d.Raw, d.Requirement, spec)
		}
		if d.Parent == nil || d.Parent.String() != "Creator.Scene.1" {
			t.Errorf("%s parent = %v", d.Raw, d.Parent)
		}
	}
}

func TestDeclarationsFromMetaInvalid(t *testing.T) {
	if _, err := DeclarationsFromMeta([]byte("{not json"), nil); err == nil {
		t.Error("expected error for invalid json")
	}
	decls, err := DeclarationsFromMeta([]byte(`{"licenseType":"CC BY"}`), nil)
	if err != nil || len(decls) != 0 {
		t.Errorf("no dependencies: got %v, %v", decls, err)
	}
}

func TestReadDeclarations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Creator.Scene.2.var")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create("meta.json")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte(`{"dependencies":{"Alice.Hair.latest":{}}}`)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()

	decls, err := ReadDeclarations(path)
	if err != nil {
		t.Fatalf("ReadDeclarations() failed: %v", err)
	}
	if len(decls) != 1 || decls[0].Target != "Alice.Hair" || decls[0].Parent.String() != "Creator.Scene.2" {
		t.Errorf("unexpected declarations: %+v", decls)
	}

	if _, err := ReadDeclarations(filepath.Join(t.TempDir(), "absent.var")); err == nil {
		t.Error("expected error for missing archive")
	}
}

func TestDisable(t *testing.T) {
	decls := []Declaration{NewDeclaration("A.One.1", nil), NewDeclaration("B.Two.latest", nil)}
	out := Disable(decls, []string{"b.two"})
	if out[0].UserDisabled || !out[1].UserDisabled {
		t.Errorf("unexpected disable flags: %+v", out)
	}
	if decls[1].UserDisabled {
		t.Error("Disable modified its input")
	}
}
