// Package dataset defines the dataset document driven through the lifecycle
// pipeline. A dataset is a tagged variant: the Kind field selects which of
// the kind-specific sub-documents (File, REST, Virtual) is populated.
package dataset

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Kind is the discriminant of the dataset variant.
type Kind string

const (
	KindFile     Kind = "file"
	KindREST     Kind = "rest"
	KindVirtual  Kind = "virtual"
	KindMetaOnly Kind = "meta-only"
)

func (k Kind) Valid() bool {
	switch k {
	case KindFile, KindREST, KindVirtual, KindMetaOnly:
		return true
	}
	return false
}

// OwnerType is the account type of a dataset owner.
type OwnerType string

const (
	OwnerUser         OwnerType = "user"
	OwnerOrganization OwnerType = "organization"
)

// Owner references the account owning a dataset.
type Owner struct {
	Type       OwnerType `json:"type"`
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	Department string    `json:"department,omitempty"`
}

func (o Owner) String() string {
	s := string(o.Type) + ":" + o.ID
	if o.Department != "" {
		s += ":" + o.Department
	}
	return s
}

// FileInfo describes a stored file and, once analyzed, what was learned
// about it.
type FileInfo struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimetype,omitempty"`
	Hash     string `json:"hash,omitempty"`

	// Filled by analysis.
	Format      string     `json:"format,omitempty"`
	Encoding    string     `json:"encoding,omitempty"`
	Delimiter   string     `json:"delimiter,omitempty"`
	Rows        int64      `json:"rows,omitempty"`
	Attachments []string   `json:"attachments,omitempty"`
	Schema      []Property `json:"schema,omitempty"`
}

// RESTConfig is carried by REST datasets whose rows are written through the API.
type RESTConfig struct {
	History bool `json:"history"`
	// LinesRevision counts line write batches; IndexedRevision is the last
	// revision whose lines were all indexed.
	LinesRevision   int64 `json:"linesRevision,omitempty"`
	IndexedRevision int64 `json:"indexedRevision,omitempty"`
}

// PendingLines reports whether line writes are waiting to be indexed.
func (r *RESTConfig) PendingLines() bool {
	return r != nil && r.LinesRevision > r.IndexedRevision
}

// VirtualConfig describes a dataset computed over child datasets.
type VirtualConfig struct {
	Children []string `json:"children"`
	// Select restricts the virtual schema to these keys. Empty means every
	// key shared by all children.
	Select  []string `json:"select,omitempty"`
	Filters []Filter `json:"filters,omitempty"`
}

// Filter is a static filter applied to the children of a virtual dataset.
type Filter struct {
	Key    string   `json:"key"`
	Values []string `json:"values"`
}

// Draft is a pending version of a file dataset staged next to the live one.
type Draft struct {
	Status          State      `json:"status"`
	File            *FileInfo  `json:"file,omitempty"`
	OriginalFile    *FileInfo  `json:"originalFile,omitempty"`
	Schema          []Property `json:"schema,omitempty"`
	ValidationMode  string     `json:"validationMode,omitempty"`
	BreakingChanges []string   `json:"breakingChanges,omitempty"`
	Count           int64      `json:"count,omitempty"`
	ErrorCause      string     `json:"errorCause,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

type Dataset struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Owner       Owner  `json:"owner"`
	Kind        Kind   `json:"kind"`

	Status     State      `json:"status"`
	ErrorCause string     `json:"errorCause,omitempty"`
	Schema     []Property `json:"schema,omitempty"`
	Count      int64      `json:"count"`

	// IndexWarning summarizes rows rejected by the search engine during the
	// last indexing run. Set when some, but not all, rows failed.
	IndexWarning string `json:"indexWarning,omitempty"`

	// DraftValidationMode overrides the process-wide draft policy.
	DraftValidationMode string `json:"draftValidationMode,omitempty"`

	File         *FileInfo      `json:"file,omitempty"`
	OriginalFile *FileInfo      `json:"originalFile,omitempty"`
	REST         *RESTConfig    `json:"rest,omitempty"`
	Virtual      *VirtualConfig `json:"virtual,omitempty"`
	Draft        *Draft         `json:"draft,omitempty"`

	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	FinalizedAt   time.Time `json:"finalizedAt"`
	DataUpdatedAt time.Time `json:"dataUpdatedAt"`

	// WaitUntil keeps a dataset whose stage had nothing to do yet out of
	// the work queue until then. Any transition clears it.
	WaitUntil time.Time `json:"waitUntil,omitempty"`
}

// Ready reports whether the dataset needs work and is not waiting at now.
func (d *Dataset) Ready(now time.Time) bool {
	return d.NeedsWork() && !d.WaitUntil.After(now)
}

// State returns the state driving the pipeline: the draft state when a
// draft is staged, the main status otherwise.
func (d *Dataset) State() State {
	if d.Draft != nil {
		return d.Draft.Status
	}
	return d.Status
}

// WorkingFile returns the file the pipeline is currently working on.
func (d *Dataset) WorkingFile() *FileInfo {
	if d.Draft != nil {
		return d.Draft.File
	}
	return d.File
}

// WorkingSchema returns the schema the pipeline is currently working on.
func (d *Dataset) WorkingSchema() []Property {
	if d.Draft != nil {
		return d.Draft.Schema
	}
	return d.Schema
}

// SetWorkingSchema stores schema on the draft when one is staged, on the
// main document otherwise.
func (d *Dataset) SetWorkingSchema(schema []Property) {
	if d.Draft != nil {
		d.Draft.Schema = schema
		return
	}
	d.Schema = schema
}

// SetWorkingFile mirrors SetWorkingSchema for the analyzed file.
func (d *Dataset) SetWorkingFile(f *FileInfo) {
	if d.Draft != nil {
		d.Draft.File = f
		return
	}
	d.File = f
}

// CheckKind verifies that the populated sub-documents match Kind.
func (d *Dataset) CheckKind() error {
	if !d.Kind.Valid() {
		return fmt.Errorf("dataset %s: unknown kind %q", d.ID, d.Kind)
	}
	switch d.Kind {
	case KindFile:
		if d.OriginalFile == nil {
			return fmt.Errorf("dataset %s: file dataset without originalFile", d.ID)
		}
		if d.REST != nil || d.Virtual != nil {
			return fmt.Errorf("dataset %s: file dataset carries rest/virtual config", d.ID)
		}
	case KindREST:
		if d.REST == nil {
			return fmt.Errorf("dataset %s: rest dataset without rest config", d.ID)
		}
		if d.File != nil || d.Virtual != nil || d.Draft != nil {
			return fmt.Errorf("dataset %s: rest dataset carries file/virtual/draft", d.ID)
		}
	case KindVirtual:
		if d.Virtual == nil {
			return fmt.Errorf("dataset %s: virtual dataset without virtual config", d.ID)
		}
		if d.File != nil || d.REST != nil || d.Draft != nil {
			return fmt.Errorf("dataset %s: virtual dataset carries file/rest/draft", d.ID)
		}
	case KindMetaOnly:
		if d.File != nil || d.REST != nil || d.Virtual != nil || d.Draft != nil {
			return fmt.Errorf("dataset %s: meta-only dataset carries data", d.ID)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (d *Dataset) Clone() *Dataset {
	b, err := json.Marshal(d)
	if err != nil {
		panic(fmt.Sprintf("dataset: clone marshal: %v", err))
	}
	var out Dataset
	if err := json.Unmarshal(b, &out); err != nil {
		panic(fmt.Sprintf("dataset: clone unmarshal: %v", err))
	}
	return &out
}

// StoragePrefix is the storage directory holding every file of a dataset.
func StoragePrefix(id string) string {
	return "datasets/" + strings.TrimSpace(id)
}

// LockKey is the lock resource serializing work on a dataset.
func LockKey(id string) string { return "dataset:" + id }
