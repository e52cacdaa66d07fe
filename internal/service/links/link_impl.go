package links

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/feichai0017/ingest-pipeline/internal/apperr"
	"github.com/feichai0017/ingest-pipeline/internal/models"
	"github.com/feichai0017/ingest-pipeline/pkg/logger"
)

const maxNoteLength = 2000

// Repository is the persistence the link manager needs.
type Repository interface {
	GetProcessingDocument(ctx context.Context, tenantID, id string) (*models.ProcessingDocument, error)
	CreateLink(ctx context.Context, l *models.DocumentLink) error
	GetLink(ctx context.Context, tenantID, id string) (*models.DocumentLink, error)
	UpdateLink(ctx context.Context, l *models.DocumentLink) error
	DeleteLink(ctx context.Context, tenantID, id string) error
	ListLinks(ctx context.Context, tenantID, pdID string) ([]*models.DocumentLink, error)
}

type LinkService struct {
	repo   Repository
	logger logger.Logger
}

func NewService(repo Repository, log logger.Logger) LinkManager {
	return &LinkService{repo: repo, logger: log.Named("links")}
}

func (s *LinkService) Create(ctx context.Context, tenantID, sourceID, targetID string, linkType models.LinkType, note string) (*models.DocumentLink, error) {
	if sourceID == "" || targetID == "" {
		return nil, apperr.Validation("invalid_link", "source and target are required")
	}
	if sourceID == targetID {
		return nil, apperr.Validation("self_link", "a document cannot link to itself")
	}
	if !linkType.Valid() {
		return nil, apperr.Validation("invalid_link_type", "unknown link type %q", linkType)
	}
	note, err := cleanNote(note)
	if err != nil {
		return nil, err
	}
	if err := s.visible(ctx, tenantID, sourceID, targetID); err != nil {
		return nil, err
	}

	l := &models.DocumentLink{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		SourceID: sourceID,
		TargetID: targetID,
		Type:     linkType,
		Note:     note,
	}
	if err := s.repo.CreateLink(ctx, l); err != nil {
		return nil, err
	}
	logger.FromContext(ctx, s.logger).Info("Link created",
		logger.String("link_id", l.ID),
		logger.String("type", string(l.Type)),
	)
	return l, nil
}

// Update changes type and/or note. Nil arguments keep the stored value.
func (s *LinkService) Update(ctx context.Context, tenantID, id string, linkType *models.LinkType, note *string) (*models.DocumentLink, error) {
	l, err := s.repo.GetLink(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if linkType != nil {
		if !linkType.Valid() {
			return nil, apperr.Validation("invalid_link_type", "unknown link type %q", *linkType)
		}
		l.Type = *linkType
	}
	if note != nil {
		if l.Note, err = cleanNote(*note); err != nil {
			return nil, err
		}
	}
	if err := s.repo.UpdateLink(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

func (s *LinkService) Delete(ctx context.Context, tenantID, id string) error {
	if err := s.repo.DeleteLink(ctx, tenantID, id); err != nil {
		return err
	}
	logger.FromContext(ctx, s.logger).Info("Link deleted", logger.String("link_id", id))
	return nil
}

func (s *LinkService) List(ctx context.Context, tenantID, processingDocumentID string) ([]*models.DocumentLink, error) {
	if _, err := s.repo.GetProcessingDocument(ctx, tenantID, processingDocumentID); err != nil {
		return nil, err
	}
	return s.repo.ListLinks(ctx, tenantID, processingDocumentID)
}

// visible rejects endpoints the tenant cannot see. Missing and foreign
// documents get the same answer so existence does not leak.
func (s *LinkService) visible(ctx context.Context, tenantID string, ids ...string) error {
	for _, id := range ids {
		if _, err := s.repo.GetProcessingDocument(ctx, tenantID, id); err != nil {
			if apperr.KindOf(err) == apperr.KindNotFound {
				return apperr.Permission()
			}
			return err
		}
	}
	return nil
}

func cleanNote(note string) (string, error) {
	note = strings.TrimSpace(note)
	if len(note) > maxNoteLength {
		return "", apperr.Validation("invalid_note", "note exceeds %d characters", maxNoteLength)
	}
	return note, nil
}
