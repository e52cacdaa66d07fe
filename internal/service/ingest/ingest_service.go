package ingest

import (
	"context"

	"github.com/feichai0017/ingest-pipeline/internal/models"
)

// Gateway is the upload entry point.
type Gateway interface {
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error)
	SubmitBatch(ctx context.Context, reqs []SubmitRequest) []BatchItem
}

// SubmitRequest is one uploaded file plus its processing options.
type SubmitRequest struct {
	TenantID  string
	CompanyID string
	Data      []byte
	Filename  string
	MimeType  string
	Priority  int
	Source    string
	// IdempotencyKey is optional. Requests sharing a key within a tenant and
	// endpoint get the first response replayed.
	IdempotencyKey string
	// Endpoint is the route signature the key is scoped to.
	Endpoint string
	// Container nil means "decide by MIME type".
	Container  *bool
	SplitMode  models.SplitMode
	PageRanges []models.PageRange
}

// DuplicateWarning tells the client the content was seen before. The upload
// is accepted and processed anyway.
type DuplicateWarning struct {
	MatchedDocumentID string `json:"matchedDocumentId"`
	Message           string `json:"message"`
}

// SubmitResponse is the JSON body returned for an accepted upload.
type SubmitResponse struct {
	ProcessingDocumentID string                `json:"processingDocumentId"`
	DocumentID           string                `json:"documentId"`
	Status               models.PipelineStatus `json:"status"`
	DuplicateWarning     *DuplicateWarning     `json:"duplicateWarning,omitempty"`
}

// SubmitResult carries the exact bytes to send so replays are identical.
type SubmitResult struct {
	StatusCode int
	Body       []byte
	Response   *SubmitResponse
	Replayed   bool
}

// BatchItem is the outcome of one file of a batch.
type BatchItem struct {
	Filename   string          `json:"filename"`
	StatusCode int             `json:"statusCode"`
	Result     *SubmitResponse `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Code       string          `json:"code,omitempty"`
}
