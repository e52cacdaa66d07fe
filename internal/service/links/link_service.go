package links

import (
	"context"

	"github.com/feichai0017/ingest-pipeline/internal/models"
)

// LinkManager maintains typed edges between processing documents of one tenant.
type LinkManager interface {
	Create(ctx context.Context, tenantID, sourceID, targetID string, linkType models.LinkType, note string) (*models.DocumentLink, error)
	Update(ctx context.Context, tenantID, id string, linkType *models.LinkType, note *string) (*models.DocumentLink, error)
	Delete(ctx context.Context, tenantID, id string) error
	List(ctx context.Context, tenantID, processingDocumentID string) ([]*models.DocumentLink, error)
}
