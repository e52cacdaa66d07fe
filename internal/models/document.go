package models

import (
	"time"
)

// Document is the immutable identity of an uploaded file. Only DeletedAt
// changes after creation.
type Document struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenantId"`
	CompanyID   string     `json:"companyId"`
	Filename    string     `json:"filename"`
	MimeType    string     `json:"mimeType"`
	Size        int64      `json:"size"`
	StorageKey  string     `json:"storageKey"`
	ContentHash string     `json:"contentHash"`
	CreatedAt   time.Time  `json:"createdAt"`
	CreatedSeq  int64      `json:"-"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
}

func (d *Document) IsDeleted() bool {
	return d.DeletedAt != nil
}

// TextDecision records how the text of a page was (or will be) obtained.
type TextDecision string

const (
	TextEmbedded TextDecision = "EMBEDDED"
	TextOCR      TextDecision = "OCR"
	TextNone     TextDecision = "NONE"
)

// DocumentPage is one rendered page. Pages are never updated; a re-render
// writes a new generation and the older rows stay as history.
type DocumentPage struct {
	ID                   string       `json:"id"`
	ProcessingDocumentID string       `json:"processingDocumentId"`
	TenantID             string       `json:"tenantId"`
	Number               int          `json:"number"`
	Generation           int          `json:"generation"`
	Width                int          `json:"width"`
	Height               int          `json:"height"`
	Rotation             int          `json:"rotation"`
	DPI                  int          `json:"dpi"`
	StorageKey           string       `json:"storageKey"`
	ContentType          string       `json:"contentType"`
	Fingerprint          string       `json:"fingerprint"`
	OCRProvider          string       `json:"ocrProvider,omitempty"`
	TextDecision         TextDecision `json:"textDecision"`
	Text                 string       `json:"-"`
	DuplicateOfPageID    string       `json:"duplicateOfPageId,omitempty"`
	CreatedAt            time.Time    `json:"createdAt"`
}

// RevisionStatus is the review state of an extracted snapshot.
type RevisionStatus string

const (
	RevisionExtracted RevisionStatus = "EXTRACTED"
	RevisionReviewed  RevisionStatus = "REVIEWED"
)

// DocumentRevision is a numbered snapshot of extracted data. Exactly one
// revision per processing document is current.
type DocumentRevision struct {
	ID                   string           `json:"id"`
	ProcessingDocumentID string           `json:"processingDocumentId"`
	TenantID             string           `json:"tenantId"`
	Number               int              `json:"number"`
	Status               RevisionStatus   `json:"status"`
	Result               ExtractionResult `json:"result"`
	CreatedAt            time.Time        `json:"createdAt"`
}

// LinkType is the relation a DocumentLink expresses.
type LinkType string

const (
	LinkSupersedes   LinkType = "supersedes"
	LinkAttachmentOf LinkType = "attachment_of"
	LinkAmends       LinkType = "amends"
	LinkRelatedTo    LinkType = "related_to"
	LinkDuplicateOf  LinkType = "duplicate_of"
)

func (t LinkType) Valid() bool {
	switch t {
	case LinkSupersedes, LinkAttachmentOf, LinkAmends, LinkRelatedTo, LinkDuplicateOf:
		return true
	}
	return false
}

// DocumentLink is a directed typed edge between two processing documents of one tenant.
type DocumentLink struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	SourceID  string    `json:"sourceId"`
	TargetID  string    `json:"targetId"`
	Type      LinkType  `json:"type"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Transition is one entry of the pipeline audit log.
type Transition struct {
	ID                   string         `json:"id"`
	ProcessingDocumentID string         `json:"processingDocumentId"`
	From                 PipelineStatus `json:"from"`
	To                   PipelineStatus `json:"to"`
	Trigger              string         `json:"trigger"`
	Version              int64          `json:"version"`
	Message              string         `json:"message,omitempty"`
	At                   time.Time      `json:"at"`
}
