package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/feichai0017/ingest-pipeline/internal/apperr"
	"github.com/feichai0017/ingest-pipeline/internal/models"
	"github.com/feichai0017/ingest-pipeline/internal/repository"
	"github.com/feichai0017/ingest-pipeline/pkg/logger"
	"github.com/feichai0017/ingest-pipeline/pkg/storage"
)

const maxPageSize = 100

type Repository interface {
	ListProcessingDocuments(ctx context.Context, f repository.ListFilter) ([]*models.ProcessingDocument, int, error)
	GetProcessingDocument(ctx context.Context, tenantID, id string) (*models.ProcessingDocument, error)
	GetDocument(ctx context.Context, tenantID, id string) (*models.Document, error)
	Family(ctx context.Context, tenantID, id string) (*models.Arena, error)
	PagesOf(ctx context.Context, pd *models.ProcessingDocument) ([]*models.DocumentPage, error)
	GetPage(ctx context.Context, pd *models.ProcessingDocument, number int) (*models.DocumentPage, error)
	ListTransitions(ctx context.Context, tenantID, id string) ([]models.Transition, error)
	ListRevisions(ctx context.Context, tenantID, pdID string) ([]*models.DocumentRevision, error)
	GetRevision(ctx context.Context, tenantID, id string) (*models.DocumentRevision, error)
	ListCurrentRevisions(ctx context.Context, tenantID, companyID string) ([]repository.CurrentRevision, error)
}

type ServiceConfig struct {
	// PresignTTL bounds page image URLs from presigning backends.
	PresignTTL time.Duration
	// PageURLPattern is used when the blob store cannot presign; it gets
	// the processing document id and page number.
	PageURLPattern string
}

type CatalogService struct {
	repo   Repository
	blobs  storage.BlobStore
	config *ServiceConfig
	logger logger.Logger
}

func NewService(repo Repository, blobs storage.BlobStore, log logger.Logger, cfg *ServiceConfig) Browser {
	if cfg == nil {
		cfg = &ServiceConfig{}
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = 15 * time.Minute
	}
	if cfg.PageURLPattern == "" {
		cfg.PageURLPattern = "/api/v1/processing-documents/%s/pages/%d/image"
	}
	return &CatalogService{repo: repo, blobs: blobs, config: cfg, logger: log.Named("catalog")}
}

func (s *CatalogService) List(ctx context.Context, q ListQuery) (*ListPage, error) {
	if q.TenantID == "" {
		return nil, apperr.Permission()
	}
	if q.Status != "" && !q.Status.Valid() {
		return nil, apperr.Validation("invalid_filter", "unknown status %q", q.Status)
	}
	switch q.DuplicateStatus {
	case "", models.DuplicateUnchecked, models.DuplicateUnique, models.DuplicateExact:
	default:
		return nil, apperr.Validation("invalid_filter", "unknown duplicate status %q", q.DuplicateStatus)
	}
	switch q.Kind {
	case "", models.KindContainer, models.KindChild, models.KindStandalone:
	default:
		return nil, apperr.Validation("invalid_filter", "unknown kind %q", q.Kind)
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = 20
	}
	if q.PageSize > maxPageSize {
		q.PageSize = maxPageSize
	}

	items, total, err := s.repo.ListProcessingDocuments(ctx, repository.ListFilter{
		TenantID:        q.TenantID,
		CompanyID:       q.CompanyID,
		Status:          q.Status,
		DuplicateStatus: q.DuplicateStatus,
		Kind:            q.Kind,
		ParentID:        q.ParentID,
		Page:            q.Page,
		PageSize:        q.PageSize,
	})
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*models.ProcessingDocument{}
	}
	return &ListPage{Items: items, Total: total, Page: q.Page, PageSize: q.PageSize}, nil
}

func (s *CatalogService) Get(ctx context.Context, tenantID, id string) (*Detail, error) {
	if tenantID == "" {
		return nil, apperr.Permission()
	}
	family, err := s.repo.Family(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	pd, ok := family.Get(id)
	if !ok {
		return nil, apperr.NotFound("processing document")
	}
	original, err := s.repo.GetDocument(ctx, tenantID, pd.DocumentID)
	if err != nil {
		return nil, err
	}
	d := &Detail{
		Document: pd,
		Original: original,
		Parent:   family.Parent(id),
		Children: family.Children(id),
	}
	if pd.CurrentRevisionID != "" {
		if d.Revision, err = s.repo.GetRevision(ctx, tenantID, pd.CurrentRevisionID); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Pages lists the current pages with a URL for each image. Presigning
// backends hand out direct links; the others go through the API.
func (s *CatalogService) Pages(ctx context.Context, tenantID, id string) ([]PageView, error) {
	pd, err := s.load(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	pages, err := s.repo.PagesOf(ctx, pd)
	if err != nil {
		return nil, err
	}
	presigner, canPresign := s.blobs.(storage.Presigner)
	views := make([]PageView, 0, len(pages))
	for _, p := range pages {
		v := PageView{DocumentPage: p}
		if canPresign {
			if v.ImageURL, err = presigner.PresignGet(ctx, p.StorageKey, s.config.PresignTTL); err != nil {
				s.logger.Warn("Failed to presign page",
					logger.String("processing_document_id", pd.ID),
					logger.Int("page", p.Number),
					logger.Error(err),
				)
			}
		}
		if v.ImageURL == "" {
			v.ImageURL = fmt.Sprintf(s.config.PageURLPattern, pd.ID, p.Number)
		}
		views = append(views, v)
	}
	return views, nil
}

func (s *CatalogService) PageImage(ctx context.Context, tenantID, id string, number int) (*PageImage, error) {
	pd, err := s.load(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	page, err := s.repo.GetPage(ctx, pd, number)
	if err != nil {
		return nil, err
	}
	body, err := s.blobs.Download(ctx, page.StorageKey)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, apperr.NotFound("page image")
		}
		return nil, err
	}
	return &PageImage{Body: body, ContentType: page.ContentType}, nil
}

func (s *CatalogService) Transitions(ctx context.Context, tenantID, id string) ([]models.Transition, error) {
	if _, err := s.load(ctx, tenantID, id); err != nil {
		return nil, err
	}
	return s.repo.ListTransitions(ctx, tenantID, id)
}

func (s *CatalogService) Revisions(ctx context.Context, tenantID, id string) ([]*models.DocumentRevision, error) {
	if _, err := s.load(ctx, tenantID, id); err != nil {
		return nil, err
	}
	return s.repo.ListRevisions(ctx, tenantID, id)
}

func (s *CatalogService) load(ctx context.Context, tenantID, id string) (*models.ProcessingDocument, error) {
	if tenantID == "" {
		return nil, apperr.Permission()
	}
	return s.repo.GetProcessingDocument(ctx, tenantID, id)
}
