package repack

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/BadgerOps/varpack/internal/varfile"
)

// MarkerEntry is written into every archive the engine produces.
const MarkerEntry = "varpack.optimized.json"

// Marker is the content of MarkerEntry.
type Marker struct {
	Tool        string       `json:"tool"`
	OptimizedAt time.Time    `json:"optimizedAt"`
	Config      markerConfig `json:"config"`
	// Backup is where the original was saved, relative to the backup root
	// with forward slashes, or absolute when it lies elsewhere.
	Backup string `json:"backup,omitempty"`
}

type markerConfig struct {
	Textures            map[string]int     `json:"textures,omitempty"`
	DefaultTextureSize  int                `json:"defaultTextureSize,omitempty"`
	SceneSettings       map[string]float64 `json:"sceneSettings,omitempty"`
	StripDependencies   []string           `json:"stripDependencies,omitempty"`
	RelatchDependencies []string           `json:"relatchDependencies,omitempty"`
	Minify              bool               `json:"minify,omitempty"`
	JPEGQuality         int                `json:"jpegQuality,omitempty"`
}

func newMarker(tool string, now time.Time, cfg Config, backup string) Marker {
	strip := append([]string(nil), cfg.StripDependencies...)
	relatch := append([]string(nil), cfg.RelatchDependencies...)
	sort.Strings(strip)
	sort.Strings(relatch)
	return Marker{
		Tool:        tool,
		OptimizedAt: now.UTC(),
		Config: markerConfig{
			Textures:            cfg.Textures,
			DefaultTextureSize:  cfg.DefaultTextureSize,
			SceneSettings:       cfg.SceneSettings,
			StripDependencies:   strip,
			RelatchDependencies: relatch,
			Minify:              cfg.Minify,
			JPEGQuality:         cfg.jpegQuality(),
		},
		Backup: backup,
	}
}

// ReadMarker returns the marker of an optimized archive reader, or false.
func ReadMarker(r *zip.Reader) (Marker, bool) {
	data, err := varfile.ReadNamed(r, MarkerEntry)
	if err != nil {
		return Marker{}, false
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		// A damaged marker still means the archive was rewritten before.
		return Marker{}, true
	}
	return m, true
}

func writeMarker(zw *zip.Writer, m Marker, modified time.Time) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	w, err := zw.CreateHeader(&zip.FileHeader{Name: MarkerEntry, Method: zip.Deflate, Modified: modified})
	if err != nil {
		return fmt.Errorf("creating marker entry: %w", err)
	}
	_, err = w.Write(data)
	return err
}
