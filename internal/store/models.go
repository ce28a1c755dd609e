package store

import "time"

// PackageRow is the persisted form of an indexed package
type PackageRow struct {
	ID         int64
	Key        string // case-folded full identifier
	BaseKey    string // case-folded base name
	Identifier string // identifier as found on disk
	Path       string
	Status     string // "loaded", "archived", "missing"
	Size       int64
	ModTime    time.Time
	IndexedAt  time.Time
}

// BatchRun records one batch optimization execution
type BatchRun struct {
	ID           int64
	StartTime    time.Time
	EndTime      time.Time
	Total        int
	Completed    int
	Partial      int
	Unchanged    int
	Failed       int
	BytesSaved   int64
	Status       string // "running", "completed", "cancelled", "failed"
	ErrorMessage string
}

// BatchItem records the outcome for a single package in a batch run
type BatchItem struct {
	ID                int64
	RunID             int64
	Package           string
	Status            string // "succeeded", "partial", "unchanged", "failed", "cancelled"
	OriginalSize      int64
	NewSize           int64
	TransformedAssets int
	OutputPath        string
	BackupPath        string
	Errors            []string
	Elapsed           time.Duration
}

// FailedDownload is a dead letter queue entry for a package that could not be fetched
type FailedDownload struct {
	ID           int64
	Package      string
	Error        string
	RetryCount   int
	FirstFailure time.Time
	LastFailure  time.Time
	Resolved     bool
}

// Transfer records an export or import of library bundles
type Transfer struct {
	ID           int64
	Direction    string // "export" or "import"
	Path         string
	PackageCount int
	ArchiveCount int
	TotalSize    int64
	ManifestHash string
	Status       string // "running", "completed", "failed"
	ErrorMessage string
	StartTime    time.Time
	EndTime      time.Time
}

// TransferArchive tracks per-archive validation state during import
type TransferArchive struct {
	ID          int64
	TransferID  int64
	Path        string
	ArchiveName string
	SHA256      string
	Size        int64
	Validated   bool
	ValidatedAt time.Time
}
