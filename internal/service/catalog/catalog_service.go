package catalog

import (
	"context"
	"io"

	"github.com/feichai0017/ingest-pipeline/internal/models"
)

// Browser is the read side of the pipeline. Every call is scoped to one
// tenant; documents of other tenants are reported as not found.
type Browser interface {
	List(ctx context.Context, q ListQuery) (*ListPage, error)
	Get(ctx context.Context, tenantID, id string) (*Detail, error)
	Pages(ctx context.Context, tenantID, id string) ([]PageView, error)
	PageImage(ctx context.Context, tenantID, id string, number int) (*PageImage, error)
	Transitions(ctx context.Context, tenantID, id string) ([]models.Transition, error)
	Revisions(ctx context.Context, tenantID, id string) ([]*models.DocumentRevision, error)
	ExportRevisions(ctx context.Context, tenantID, companyID string) ([]byte, error)
}

type ListQuery struct {
	TenantID        string
	CompanyID       string
	Status          models.PipelineStatus
	DuplicateStatus models.DuplicateStatus
	Kind            string
	ParentID        string
	Page            int
	PageSize        int
}

type ListPage struct {
	Items    []*models.ProcessingDocument `json:"items"`
	Total    int                          `json:"total"`
	Page     int                          `json:"page"`
	PageSize int                          `json:"pageSize"`
}

// Detail is one processing document with its place in the family.
type Detail struct {
	Document *models.ProcessingDocument   `json:"document"`
	Original *models.Document             `json:"original"`
	Parent   *models.ProcessingDocument   `json:"parent,omitempty"`
	Children []*models.ProcessingDocument `json:"children,omitempty"`
	Revision *models.DocumentRevision     `json:"currentRevision,omitempty"`
}

type PageView struct {
	*models.DocumentPage
	ImageURL string `json:"imageUrl"`
}

// PageImage streams a rendered page; the caller closes Body.
type PageImage struct {
	Body        io.ReadCloser
	ContentType string
	Size        int64
}
