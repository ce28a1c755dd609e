package safety

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestSafeJoinUnder(t *testing.T) {
	root := t.TempDir()

	tests := []struct {
		rel     string
		want    string
		wantErr bool
	}{
		{rel: "a/b/c.var", want: filepath.Join(root, "a", "b", "c.var")},
		{rel: "a/../c.var", want: filepath.Join(root, "c.var")},
		{rel: "../escape.var", wantErr: true},
		{rel: "a/../../escape.var", wantErr: true},
		{rel: "/abs/path.var", wantErr: true},
		{rel: ".", wantErr: true},
		{rel: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := SafeJoinUnder(root, tt.rel)
		if tt.wantErr {
			if !errors.Is(err, ErrUnsafePath) {
				t.Errorf("SafeJoinUnder(%q) error = %v, want ErrUnsafePath", tt.rel, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("SafeJoinUnder(%q): %v", tt.rel, err)
			continue
		}
		if got != tt.want {
			t.Errorf("SafeJoinUnder(%q) = %q, want %q", tt.rel, got, tt.want)
		}
	}
}

func TestEnsureUnderRoot(t *testing.T) {
	root := t.TempDir()
	if _, err := EnsureUnderRoot(root, filepath.Join(root, "child", "Acme.Scene.1.var")); err != nil {
		t.Fatalf("child path rejected: %v", err)
	}
	if got, err := EnsureUnderRoot(root, root); err != nil || got != root {
		t.Fatalf("root itself = %q, %v", got, err)
	}
	sibling := root + "-sibling"
	if _, err := EnsureUnderRoot(root, filepath.Join(sibling, "x.var")); !errors.Is(err, ErrUnsafePath) {
		t.Fatalf("sibling directory accepted: %v", err)
	}
}

func TestReadAllWithLimit(t *testing.T) {
	if _, err := ReadAllWithLimit(strings.NewReader("index"), 4); !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("over-limit read error = %v, want ErrBodyTooLarge", err)
	}
	data, err := ReadAllWithLimit(strings.NewReader("index"), 5)
	if err != nil || string(data) != "index" {
		t.Fatalf("exact-limit read = %q, %v", data, err)
	}
	if _, err := ReadAllWithLimit(strings.NewReader(""), 0); err == nil {
		t.Fatal("zero limit accepted")
	}
}

func TestMirrorPath(t *testing.T) {
	lib := t.TempDir()
	backup := t.TempDir()

	got, err := MirrorPath(lib, backup, filepath.Join(lib, "sub", "Creator.Pkg.1.var"))
	if err != nil {
		t.Fatalf("MirrorPath failed: %v", err)
	}
	if want := filepath.Join(backup, "sub", "Creator.Pkg.1.var"); got != want {
		t.Errorf("MirrorPath = %q, want %q", got, want)
	}

	outside := filepath.Join(t.TempDir(), "Creator.Other.2.var")
	got, err = MirrorPath(lib, backup, outside)
	if err != nil {
		t.Fatalf("MirrorPath failed for outside file: %v", err)
	}
	if want := filepath.Join(backup, "Creator.Other.2.var"); got != want {
		t.Errorf("MirrorPath = %q, want %q", got, want)
	}
}

func TestCleanEntryName(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"Custom/Atom/Person/Textures/a.jpg", "Custom/Atom/Person/Textures/a.jpg", false},
		{"Saves\\scene\\x.json", "Saves/scene/x.json", false},
		{"a/./b/../c.json", "a/c.json", false},
		{"", "", true},
		{"/etc/passwd", "", true},
		{"../escape", "", true},
		{"a/../../escape", "", true},
	}
	for _, tt := range tests {
		got, err := CleanEntryName(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("CleanEntryName(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("CleanEntryName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseBaseURLAndLoopback(t *testing.T) {
	tests := []struct {
		raw      string
		wantErr  bool
		loopback bool
	}{
		{raw: "http://localhost:8080", loopback: true},
		{raw: "http://127.0.0.1/catalog", loopback: true},
		{raw: "http://[::1]:9000", loopback: true},
		{raw: "https://hub.example.com"},
		{raw: "ftp://hub.example.com", wantErr: true},
		{raw: "http://user:pw@hub.example.com", wantErr: true},
		{raw: "http://", wantErr: true},
		{raw: "http://hub.lan/?page=2", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			u, err := ParseBaseURL(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseBaseURL(%q) succeeded", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got := IsLoopbackHost(u); got != tt.loopback {
				t.Errorf("IsLoopbackHost(%q) = %v, want %v", tt.raw, got, tt.loopback)
			}
		})
	}
}
