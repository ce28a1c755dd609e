package repack

// Outcome is the terminal state of a successful Optimize call.
type Outcome string

const (
	OutcomeCompleted       Outcome = "completed"
	OutcomeNoChangesNeeded Outcome = "no_changes_needed"
)

// Result describes one package optimization. It is not modified after
// Optimize returns.
type Result struct {
	Package           string   `json:"package"`
	Outcome           Outcome  `json:"outcome"`
	OutputPath        string   `json:"output_path"`
	BackupPath        string   `json:"backup_path,omitempty"`
	OriginalSize      int64    `json:"original_size"`
	NewSize           int64    `json:"new_size"`
	TransformedAssets int      `json:"transformed_assets"`
	Details           []string `json:"details,omitempty"`
	Errors            []string `json:"errors,omitempty"`
}

// BytesSaved is the size reduction, negative when the archive grew.
func (r *Result) BytesSaved() int64 {
	if r == nil {
		return 0
	}
	return r.OriginalSize - r.NewSize
}

// HasErrors reports whether any asset failed to transform.
func (r *Result) HasErrors() bool {
	return r != nil && len(r.Errors) > 0
}
