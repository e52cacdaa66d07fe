package models

import (
	"time"
)

// PipelineStatus is the stage of a ProcessingDocument.
type PipelineStatus string

const (
	StatusPending    PipelineStatus = "PENDING"
	StatusQueued     PipelineStatus = "QUEUED"
	StatusSplitting  PipelineStatus = "SPLITTING"
	StatusExtracting PipelineStatus = "EXTRACTING"
	StatusCompleted  PipelineStatus = "COMPLETED"
	StatusFailed     PipelineStatus = "FAILED"
)

func (s PipelineStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s PipelineStatus) Valid() bool {
	_, ok := edges[s]
	return ok
}

// edges is the pipeline graph. FAILED -> QUEUED is the manual retry path and
// the only edge leaving a terminal state.
var edges = map[PipelineStatus][]PipelineStatus{
	StatusPending:    {StatusQueued, StatusFailed},
	StatusQueued:     {StatusSplitting, StatusExtracting, StatusFailed},
	StatusSplitting:  {StatusExtracting, StatusCompleted, StatusFailed},
	StatusExtracting: {StatusCompleted, StatusFailed},
	StatusCompleted:  {},
	StatusFailed:     {StatusQueued},
}

// CanTransition reports whether from -> to is an edge of the pipeline graph
// for a document of the given kind. SPLITTING is reserved for containers.
func CanTransition(from, to PipelineStatus, isContainer bool) bool {
	if to == StatusSplitting && !isContainer {
		return false
	}
	if from == StatusQueued && to == StatusExtracting && isContainer {
		return false
	}
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// DuplicateStatus is the advisory duplicate annotation.
type DuplicateStatus string

const (
	DuplicateUnchecked DuplicateStatus = "UNCHECKED"
	DuplicateUnique    DuplicateStatus = "UNIQUE"
	DuplicateExact     DuplicateStatus = "DUPLICATE"
)

// SplitMode selects how a container is divided into children.
type SplitMode string

const (
	SplitNone      SplitMode = "none"
	SplitPerPage   SplitMode = "per_page"
	SplitRanges    SplitMode = "ranges"
	SplitHeuristic SplitMode = "heuristic"
)

func (m SplitMode) Valid() bool {
	switch m {
	case SplitNone, SplitPerPage, SplitRanges, SplitHeuristic:
		return true
	}
	return false
}

// Kind values for list filters.
const (
	KindContainer  = "container"
	KindChild      = "child"
	KindStandalone = "standalone"
)

// ProcessingDocument tracks one Document (or a page range of it) through the pipeline.
type ProcessingDocument struct {
	ID                    string          `json:"id"`
	TenantID              string          `json:"tenantId"`
	CompanyID             string          `json:"companyId"`
	DocumentID            string          `json:"documentId"`
	IsContainer           bool            `json:"isContainer"`
	ParentID              string          `json:"parentProcessingDocumentId,omitempty"`
	PageFrom              int             `json:"pageFrom,omitempty"`
	PageTo                int             `json:"pageTo,omitempty"`
	PageCount             int             `json:"pageCount"`
	Status                PipelineStatus  `json:"status"`
	DuplicateStatus       DuplicateStatus `json:"duplicateStatus"`
	DuplicateOfDocumentID string          `json:"duplicateOfDocumentId,omitempty"`
	CurrentRevisionID     string          `json:"currentRevisionId,omitempty"`
	LockVersion           int64           `json:"lockVersion"`
	RetryCount            int             `json:"retryCount"`
	Priority              int             `json:"priority"`
	Source                string          `json:"source,omitempty"`
	SplitMode             SplitMode       `json:"splitMode,omitempty"`
	PageRanges            []PageRange     `json:"pageRanges,omitempty"`
	CancelRequested       bool            `json:"cancelRequested"`
	CancelReason          string          `json:"cancelReason,omitempty"`
	ErrorMessage          string          `json:"errorMessage,omitempty"`
	ErrorStage            PipelineStatus  `json:"errorStage,omitempty"`
	FailedAt              *time.Time      `json:"failedAt,omitempty"`
	CreatedAt             time.Time       `json:"createdAt"`
	UpdatedAt             time.Time       `json:"updatedAt"`
}

func (p *ProcessingDocument) Kind() string {
	switch {
	case p.IsContainer:
		return KindContainer
	case p.ParentID != "":
		return KindChild
	default:
		return KindStandalone
	}
}

// Range is the slice of the parent's pages this document covers. Standalone
// documents and containers cover all of their own pages.
func (p *ProcessingDocument) Range() PageRange {
	if p.ParentID != "" && p.PageFrom > 0 {
		return PageRange{From: p.PageFrom, To: p.PageTo}
	}
	return PageRange{From: 1, To: p.PageCount}
}

// Clone returns a deep copy so callers can build a mutation without touching the loaded row.
func (p *ProcessingDocument) Clone() *ProcessingDocument {
	c := *p
	if p.PageRanges != nil {
		c.PageRanges = append([]PageRange(nil), p.PageRanges...)
	}
	if p.FailedAt != nil {
		t := *p.FailedAt
		c.FailedAt = &t
	}
	return &c
}
