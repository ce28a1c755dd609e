// Package repack rewrites package archives with selected assets transformed.
//
// An optimization run moves through a fixed sequence: the source archive is
// opened and every entry is planned against the Config; an empty plan ends the
// run without touching any file. Otherwise the original is backed up once,
// entries are streamed into a temporary archive in their original order, and
// the temporary file is renamed over the target.
package repack

import (
	"archive/zip"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BadgerOps/varpack/internal/pkgid"
	"github.com/BadgerOps/varpack/internal/safety"
	"github.com/BadgerOps/varpack/internal/varfile"
)

// DefaultTool is recorded in the marker when Options.Tool is empty.
const DefaultTool = "varpack"

// Options configures an Engine.
type Options struct {
	// LibraryDir is the root the backup tree mirrors.
	LibraryDir string
	// BackupDir holds one pristine copy of every package ever optimized.
	// Defaults to a sibling of LibraryDir named "<library>.backup".
	BackupDir string
	Tool      string
	Now       func() time.Time
	Logger    *slog.Logger
}

// Engine optimizes package archives. It holds no per-run state and may be
// shared, but two runs must not target the same archive at once.
type Engine struct {
	opts   Options
	logger *slog.Logger
}

// New creates an Engine.
func New(opts Options) *Engine {
	if opts.Tool == "" {
		opts.Tool = DefaultTool
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.BackupDir == "" && opts.LibraryDir != "" {
		lib := filepath.Clean(opts.LibraryDir)
		opts.BackupDir = filepath.Join(filepath.Dir(lib), filepath.Base(lib)+".backup")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{opts: opts, logger: logger}
}

// BackupPath returns where the backup of archivePath lives.
func (e *Engine) BackupPath(archivePath string) (string, error) {
	if e.opts.BackupDir == "" {
		return "", errors.New("no backup directory configured")
	}
	return safety.MirrorPath(e.opts.LibraryDir, e.opts.BackupDir, archivePath)
}

// Optimize applies cfg to the archive at archivePath. Asset-level failures are
// reported in Result.Errors; the returned error is reserved for failures to
// read the archive at all (ErrArchiveUnreadable), to produce the output
// (ErrArchiveWriteFailed), or a *FileLockedError.
func (e *Engine) Optimize(archivePath string, cfg Config, progress ProgressFunc) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid optimization config: %w", err)
	}
	pkg := pkgid.Parse(filepath.Base(archivePath)).String()
	log := e.logger.With("package", pkg)

	info, err := os.Stat(archivePath)
	if err != nil {
		return nil, classify(err, ErrArchiveUnreadable, pkg, archivePath)
	}
	zr, err := varfile.Open(archivePath)
	if err != nil {
		return nil, classify(err, ErrArchiveUnreadable, pkg, archivePath)
	}
	readerOpen := true
	defer func() {
		if readerOpen {
			zr.Close()
		}
	}()

	p := buildPlan(&zr.Reader, cfg)
	res := &Result{
		Package:      pkg,
		OutputPath:   archivePath,
		OriginalSize: info.Size(),
		NewSize:      info.Size(),
		Errors:       p.errors,
	}

	if p.empty() {
		if cfg.NoChange != NoChangeRefreshMarker || !p.optimized {
			res.Outcome = OutcomeNoChangesNeeded
			log.Info("no changes needed", "asset_errors", len(res.Errors))
			return res, nil
		}
		res.Details = append(res.Details, "refreshed optimization marker")
	}

	now := e.opts.Now()
	output := archivePath
	if cfg.OutputPath != "" {
		output = cfg.OutputPath
	}
	inPlace := samePath(output, archivePath)
	if !inPlace {
		alt, renamed, err := resolveConflict(output, cfg.Conflict, now)
		if err != nil {
			return nil, classify(err, ErrArchiveWriteFailed, pkg, output)
		}
		if renamed {
			res.Details = append(res.Details, fmt.Sprintf("output %s exists, writing %s", filepath.Base(output), filepath.Base(alt)))
		}
		output = alt
	}

	if p.optimized {
		if m, ok := ReadMarker(&zr.Reader); ok {
			p.backup = m.Backup
		}
	}

	// The original is preserved exactly once: an archive carrying our marker
	// is already modified and must never replace the pristine backup.
	if inPlace && !p.optimized && !p.empty() {
		backup, detail, err := e.backup(archivePath, cfg.Conflict, now)
		if err != nil {
			return nil, classify(err, ErrArchiveWriteFailed, pkg, backup)
		}
		res.BackupPath = backup
		p.backup = e.backupRef(backup)
		if detail != "" {
			res.Details = append(res.Details, detail)
		}
	}

	rel := newRelay(progress)
	tmp, err := e.rewrite(&zr.Reader, p, cfg, output, rel, now, res)
	rel.close()
	zr.Close()
	readerOpen = false
	if err != nil {
		return nil, classify(err, ErrArchiveWriteFailed, pkg, output)
	}

	if err := os.Rename(tmp, output); err != nil {
		os.Remove(tmp)
		return nil, classify(err, ErrArchiveWriteFailed, pkg, output)
	}
	if st, err := os.Stat(output); err == nil {
		res.NewSize = st.Size()
	}
	res.OutputPath = output
	res.Outcome = OutcomeCompleted

	log.Info("package optimized",
		"transformed", res.TransformedAssets,
		"original_size", res.OriginalSize,
		"new_size", res.NewSize,
		"asset_errors", len(res.Errors),
	)
	return res, nil
}

// backup copies the pristine archive into the backup tree. An identical file
// already there is reused; an unrelated one is handled by policy.
func (e *Engine) backup(archivePath string, policy ConflictPolicy, now time.Time) (string, string, error) {
	dst, err := e.BackupPath(archivePath)
	if err != nil {
		return "", "", err
	}
	detail := "backed up to " + dst
	if _, err := os.Stat(dst); err == nil {
		same, err := sameContent(archivePath, dst)
		if err != nil {
			return dst, "", err
		}
		if same {
			return dst, "backup already present", nil
		}
		alt, renamed, err := resolveConflict(dst, policy, now)
		if err != nil {
			return dst, "", err
		}
		if renamed {
			detail = fmt.Sprintf("backup %s holds a different file, backed up to %s", dst, alt)
		} else {
			detail = "overwrote unrelated backup " + dst
		}
		dst = alt
	} else if !errors.Is(err, fs.ErrNotExist) {
		return dst, "", err
	}

	if err := copyFile(archivePath, dst); err != nil {
		return dst, "", fmt.Errorf("backing up: %w", err)
	}
	e.logger.Debug("archive backed up", "path", archivePath, "backup", dst)
	return dst, detail, nil
}

// rewrite streams every entry into a temporary archive next to output and
// returns its path.
func (e *Engine) rewrite(r *zip.Reader, p *plan, cfg Config, output string, rel *relay, now time.Time, res *Result) (string, error) {
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(filepath.Dir(output), "."+filepath.Base(output)+".*.tmp")
	if err != nil {
		return "", err
	}
	tmp := f.Name()
	fail := func(err error) (string, error) {
		f.Close()
		os.Remove(tmp)
		return "", err
	}

	zw := varfile.NewWriter(f, 0)
	if r.Comment != "" {
		if err := zw.SetComment(r.Comment); err != nil {
			return fail(err)
		}
	}

	total := len(r.File) + 1
	for i, entry := range r.File {
		rel.report("processing "+entry.Name, i+1, total)
		if i == p.marker {
			continue
		}
		if err := e.writeEntry(zw, entry, i, p, cfg, res); err != nil {
			return fail(fmt.Errorf("writing %s: %w", entry.Name, err))
		}
	}

	rel.report("writing marker", total, total)
	if err := writeMarker(zw, newMarker(e.opts.Tool, now, cfg, p.backup), now); err != nil {
		return fail(err)
	}
	if err := zw.Close(); err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return tmp, nil
}

func (e *Engine) writeEntry(zw *zip.Writer, f *zip.File, i int, p *plan, cfg Config, res *Result) error {
	act := p.actions[i]

	if i == p.manifest && p.tree != nil {
		markOptimized(p.tree)
		if act == nil {
			// Only the marker field changes; keep the author's layout.
			return replaceEntry(zw, f, p.tree.encode(!cfg.Minify && !p.compact))
		}
		res.TransformedAssets++
		res.Details = append(res.Details, prefixed(f.Name, act.details)...)
		return replaceEntry(zw, f, p.tree.encode(!cfg.Minify))
	}

	if act == nil {
		return zw.Copy(f)
	}

	switch act.kind {
	case actResize:
		src, err := varfile.ReadFile(f)
		if err != nil {
			res.Errors = append(res.Errors, assetError(f.Name, err))
			return zw.Copy(f)
		}
		out, detail, err := resizeTexture(src, act.limit, cfg.jpegQuality())
		if err != nil {
			res.Errors = append(res.Errors, assetError(f.Name, err))
			e.logger.Warn("texture transform failed, keeping original", "entry", f.Name, "error", err)
			return zw.Copy(f)
		}
		res.TransformedAssets++
		res.Details = append(res.Details, f.Name+": "+detail)
		return replaceEntry(zw, f, out)
	case actDocument:
		res.TransformedAssets++
		res.Details = append(res.Details, prefixed(f.Name, act.details)...)
		return replaceEntry(zw, f, act.data)
	}
	return zw.Copy(f)
}

func replaceEntry(zw *zip.Writer, f *zip.File, data []byte) error {
	hdr := &zip.FileHeader{
		Name:          f.Name,
		Comment:       f.Comment,
		Method:        f.Method,
		Modified:      f.Modified,
		ExternalAttrs: f.ExternalAttrs,
	}
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func prefixed(name string, details []string) []string {
	out := make([]string, len(details))
	for i, d := range details {
		out[i] = name + ": " + d
	}
	return out
}

// IsOptimized reports whether the archive carries the optimization marker.
func (e *Engine) IsOptimized(archivePath string) (bool, error) {
	zr, err := varfile.Open(archivePath)
	if err != nil {
		return false, classify(err, ErrArchiveUnreadable, pkgid.Parse(filepath.Base(archivePath)).String(), archivePath)
	}
	defer zr.Close()
	if _, ok := ReadMarker(&zr.Reader); ok {
		return true, nil
	}
	data, err := varfile.ReadNamed(&zr.Reader, varfile.MetaEntry)
	if err != nil {
		return false, nil
	}
	tree, err := parseTree(data)
	if err != nil {
		return false, nil
	}
	return manifestOptimized(tree), nil
}

// Restore puts the backed-up original back in place of archivePath and
// removes the backup, so a later optimization takes a fresh one. The backup
// recorded in the archive's marker is preferred over the mirror location, and
// a candidate that is not an unmodified archive is refused.
func (e *Engine) Restore(archivePath string) (string, error) {
	pkg := pkgid.Parse(filepath.Base(archivePath)).String()
	backup, err := e.locateBackup(archivePath)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(backup); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%s: %w", pkg, ErrNoBackup)
		}
		return "", err
	}
	if err := checkPristine(backup); err != nil {
		return "", fmt.Errorf("%s: %s: %w", pkg, backup, err)
	}
	if err := copyFile(backup, archivePath); err != nil {
		return "", classify(err, ErrArchiveWriteFailed, pkg, archivePath)
	}
	if err := os.Remove(backup); err != nil {
		e.logger.Warn("restored package but could not remove backup", "package", pkg, "backup", backup, "error", err)
	}
	e.logger.Info("package restored", "package", pkg, "from", backup)
	return backup, nil
}

// backupRef renders a backup path for the marker.
func (e *Engine) backupRef(backup string) string {
	if rel, err := filepath.Rel(e.opts.BackupDir, backup); err == nil && !strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(rel)
	}
	return backup
}

// locateBackup returns the backup recorded in the live archive's marker when
// it still exists, and the mirror location otherwise.
func (e *Engine) locateBackup(archivePath string) (string, error) {
	mirror, err := e.BackupPath(archivePath)
	if err != nil {
		return "", err
	}
	zr, err := varfile.Open(archivePath)
	if err != nil {
		return mirror, nil
	}
	m, ok := ReadMarker(&zr.Reader)
	zr.Close()
	if !ok || m.Backup == "" {
		return mirror, nil
	}

	recorded := filepath.FromSlash(m.Backup)
	if !filepath.IsAbs(recorded) {
		if recorded, err = safety.SafeJoinUnder(e.opts.BackupDir, recorded); err != nil {
			return mirror, nil
		}
	}
	if _, err := os.Stat(recorded); err != nil {
		e.logger.Warn("recorded backup is gone, trying the mirror location", "recorded", recorded, "mirror", mirror)
		return mirror, nil
	}
	return recorded, nil
}

// checkPristine accepts only a readable archive that varpack has not rewritten.
func checkPristine(path string) error {
	zr, err := varfile.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}
	defer zr.Close()
	if _, ok := ReadMarker(&zr.Reader); ok {
		return fmt.Errorf("%w: it carries an optimization marker", ErrInvalidBackup)
	}
	if data, err := varfile.ReadNamed(&zr.Reader, varfile.MetaEntry); err == nil {
		if tree, err := parseTree(data); err == nil && manifestOptimized(tree) {
			return fmt.Errorf("%w: its manifest is marked optimized", ErrInvalidBackup)
		}
	}
	return nil
}

func samePath(a, b string) bool {
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	if err1 != nil || err2 != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return aa == bb
}
