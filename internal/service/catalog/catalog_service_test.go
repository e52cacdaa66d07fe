package catalog_test

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/feichai0017/ingest-pipeline/internal/apperr"
	"github.com/feichai0017/ingest-pipeline/internal/models"
	"github.com/feichai0017/ingest-pipeline/internal/repository"
	"github.com/feichai0017/ingest-pipeline/internal/service/catalog"
	"github.com/feichai0017/ingest-pipeline/pkg/logger"
	"github.com/feichai0017/ingest-pipeline/pkg/storage"
	"github.com/feichai0017/ingest-pipeline/pkg/storage/memory"
)

type presigningBlobs struct {
	storage.BlobStore
}

func (presigningBlobs) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://blobs.example/" + key + "?ttl=" + ttl.String(), nil
}

type seeder struct {
	t     *testing.T
	store *repository.Store
	blobs storage.BlobStore
}

func openStore(t *testing.T) *repository.Store {
	t.Helper()
	s, err := repository.Open(context.Background(), repository.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "catalog.db"),
	}, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func (s *seeder) document(tenant, company string) *models.Document {
	s.t.Helper()
	d := &models.Document{
		ID:          uuid.NewString(),
		TenantID:    tenant,
		CompanyID:   company,
		Filename:    "scan.pdf",
		MimeType:    "application/pdf",
		Size:        10,
		StorageKey:  "originals/" + uuid.NewString(),
		ContentHash: uuid.NewString(),
	}
	require.NoError(s.t, s.store.CreateDocument(context.Background(), d))
	return d
}

func (s *seeder) processing(doc *models.Document, container bool, dup models.DuplicateStatus) *models.ProcessingDocument {
	s.t.Helper()
	pd := &models.ProcessingDocument{
		ID:              uuid.NewString(),
		TenantID:        doc.TenantID,
		CompanyID:       doc.CompanyID,
		DocumentID:      doc.ID,
		IsContainer:     container,
		Status:          models.StatusPending,
		DuplicateStatus: dup,
		SplitMode:       models.SplitPerPage,
	}
	require.NoError(s.t, s.store.CreateProcessingDocument(context.Background(), pd, "upload"))
	return pd
}

func (s *seeder) move(pd *models.ProcessingDocument, to models.PipelineStatus, pages []*models.DocumentPage, rev *models.DocumentRevision) *models.ProcessingDocument {
	s.t.Helper()
	next := pd.Clone()
	next.Status = to
	if len(pages) > 0 {
		next.PageCount = len(pages)
	}
	out, err := s.store.ApplyTransition(context.Background(), repository.Mutation{
		Doc: next, From: pd.Status, Trigger: "test", Pages: pages, Revision: rev,
	})
	require.NoError(s.t, err)
	return out
}

func (s *seeder) pages(pd *models.ProcessingDocument, n int) []*models.DocumentPage {
	s.t.Helper()
	var out []*models.DocumentPage
	for i := 1; i <= n; i++ {
		key := storage.PageKey(pd.TenantID, pd.CompanyID, pd.DocumentID, 1, i, "png")
		data := []byte("png-" + key)
		_, err := s.blobs.Upload(context.Background(), key, bytes.NewReader(data), int64(len(data)), "image/png")
		require.NoError(s.t, err)
		out = append(out, &models.DocumentPage{
			ID: uuid.NewString(), ProcessingDocumentID: pd.ID, TenantID: pd.TenantID, Number: i, Generation: 1,
			Width: 100, Height: 200, DPI: 150, StorageKey: key, ContentType: "image/png",
			Fingerprint: "sha256:" + uuid.NewString(), TextDecision: models.TextEmbedded,
		})
	}
	return out
}

// completed seeds a standalone document that went through the whole pipeline.
func (s *seeder) completed(tenant, company string, gross int64) *models.ProcessingDocument {
	s.t.Helper()
	pd := s.processing(s.document(tenant, company), false, models.DuplicateUnique)
	pd = s.move(pd, models.StatusQueued, nil, nil)
	pd = s.move(pd, models.StatusExtracting, s.pages(pd, 2), nil)
	return s.move(pd, models.StatusCompleted, nil, &models.DocumentRevision{
		ID: uuid.NewString(), ProcessingDocumentID: pd.ID, TenantID: tenant,
		Result: models.ExtractionResult{
			Category:       models.CategoryInvoice,
			Counterparties: []models.Counterparty{{Role: models.RoleIssuer, Name: "ACME GmbH"}},
			Totals:         &models.Totals{Net: gross - 100, Tax: 100, Gross: gross},
			Currency:       "EUR",
			DocumentDate:   "2024-03-01",
			Confidence:     0.9,
		},
	})
}

func newSeeder(t *testing.T) *seeder {
	return &seeder{t: t, store: openStore(t), blobs: memory.NewMemoryStorage(logger.NewNop())}
}

func TestList(t *testing.T) {
	ctx := context.Background()
	s := newSeeder(t)
	svc := catalog.NewService(s.store, s.blobs, logger.NewNop(), nil)

	for i := 0; i < 3; i++ {
		s.completed("t1", "c1", 1000)
	}
	dup := s.processing(s.document("t1", "c2"), true, models.DuplicateExact)
	s.completed("t2", "c1", 1000)

	page, err := svc.List(ctx, catalog.ListQuery{TenantID: "t1", PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, 1, page.Page)

	page, err = svc.List(ctx, catalog.ListQuery{TenantID: "t1", PageSize: 2, Page: 2})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)

	page, err = svc.List(ctx, catalog.ListQuery{TenantID: "t1", DuplicateStatus: models.DuplicateExact})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, dup.ID, page.Items[0].ID)

	page, err = svc.List(ctx, catalog.ListQuery{TenantID: "t1", Kind: models.KindStandalone, Status: models.StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)

	page, err = svc.List(ctx, catalog.ListQuery{TenantID: "t1", CompanyID: "c9"})
	require.NoError(t, err)
	assert.NotNil(t, page.Items)
	assert.Empty(t, page.Items)

	_, err = svc.List(ctx, catalog.ListQuery{TenantID: "t1", Status: "DONE"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	_, err = svc.List(ctx, catalog.ListQuery{TenantID: "t1", Kind: "folder"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	_, err = svc.List(ctx, catalog.ListQuery{})
	assert.Equal(t, apperr.KindPermission, apperr.KindOf(err))
}

func TestGet_Family(t *testing.T) {
	ctx := context.Background()
	s := newSeeder(t)
	svc := catalog.NewService(s.store, s.blobs, logger.NewNop(), nil)

	doc := s.document("t1", "c1")
	parent := s.processing(doc, true, models.DuplicateUnique)
	parent = s.move(parent, models.StatusQueued, nil, nil)
	parent = s.move(parent, models.StatusSplitting, nil, nil)

	next := parent.Clone()
	next.PageCount = 2
	var children []*models.ProcessingDocument
	for i := 1; i <= 2; i++ {
		children = append(children, &models.ProcessingDocument{
			ID: uuid.NewString(), TenantID: "t1", CompanyID: "c1", DocumentID: doc.ID, ParentID: parent.ID,
			PageFrom: i, PageTo: i, PageCount: 1, Status: models.StatusPending, DuplicateStatus: models.DuplicateUnique,
		})
	}
	_, err := s.store.ApplyTransition(ctx, repository.Mutation{
		Doc: next, From: parent.Status, Trigger: "split", Pages: s.pages(parent, 2), Children: children,
	})
	require.NoError(t, err)

	d, err := svc.Get(ctx, "t1", parent.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, d.Original.ID)
	assert.Nil(t, d.Parent)
	require.Len(t, d.Children, 2)
	assert.Nil(t, d.Revision)

	d, err = svc.Get(ctx, "t1", children[1].ID)
	require.NoError(t, err)
	require.NotNil(t, d.Parent)
	assert.Equal(t, parent.ID, d.Parent.ID)
	assert.Empty(t, d.Children)

	// the child sees its slice of the parent's pages
	views, err := svc.Pages(ctx, "t1", children[1].ID)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, 2, views[0].Number)

	_, err = svc.Get(ctx, "t2", parent.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestPages_URLs(t *testing.T) {
	ctx := context.Background()
	s := newSeeder(t)
	pd := s.completed("t1", "c1", 1000)

	plain := catalog.NewService(s.store, s.blobs, logger.NewNop(), nil)
	views, err := plain.Pages(ctx, "t1", pd.ID)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, "/api/v1/processing-documents/"+pd.ID+"/pages/1/image", views[0].ImageURL)

	signed := catalog.NewService(s.store, presigningBlobs{s.blobs}, logger.NewNop(),
		&catalog.ServiceConfig{PresignTTL: time.Minute})
	views, err = signed.Pages(ctx, "t1", pd.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://blobs.example/"+views[1].StorageKey+"?ttl=1m0s", views[1].ImageURL)

	img, err := plain.PageImage(ctx, "t1", pd.ID, 2)
	require.NoError(t, err)
	defer img.Body.Close()
	data, err := io.ReadAll(img.Body)
	require.NoError(t, err)
	assert.Equal(t, "png-"+views[1].StorageKey, string(data))
	assert.Equal(t, "image/png", img.ContentType)

	_, err = plain.PageImage(ctx, "t1", pd.ID, 3)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	_, err = plain.PageImage(ctx, "t2", pd.ID, 1)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestTransitionsAndRevisions(t *testing.T) {
	ctx := context.Background()
	s := newSeeder(t)
	svc := catalog.NewService(s.store, s.blobs, logger.NewNop(), nil)
	pd := s.completed("t1", "c1", 1000)

	trs, err := svc.Transitions(ctx, "t1", pd.ID)
	require.NoError(t, err)
	var path []models.PipelineStatus
	for _, tr := range trs {
		path = append(path, tr.To)
	}
	assert.Equal(t, []models.PipelineStatus{
		models.StatusPending, models.StatusQueued, models.StatusExtracting, models.StatusCompleted,
	}, path)

	revs, err := svc.Revisions(ctx, "t1", pd.ID)
	require.NoError(t, err)
	require.Len(t, revs, 1)
	assert.Equal(t, 1, revs[0].Number)

	d, err := svc.Get(ctx, "t1", pd.ID)
	require.NoError(t, err)
	require.NotNil(t, d.Revision)
	assert.Equal(t, revs[0].ID, d.Revision.ID)

	_, err = svc.Transitions(ctx, "t2", pd.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestExportRevisions(t *testing.T) {
	ctx := context.Background()
	s := newSeeder(t)
	svc := catalog.NewService(s.store, s.blobs, logger.NewNop(), nil)

	first := s.completed("t1", "c1", 11900)
	s.completed("t1", "c2", 500)
	s.completed("t2", "c1", 700)
	s.processing(s.document("t1", "c1"), false, models.DuplicateUnique)

	data, err := svc.ExportRevisions(ctx, "t1", "c1")
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Revisions")
	require.NoError(t, err)
	require.Len(t, rows, 2, "header plus the one completed c1 document")
	assert.Equal(t, "Processing Document", rows[0][0])
	assert.Equal(t, first.ID, rows[1][0])
	assert.Equal(t, "1-2", rows[1][2])
	assert.Equal(t, "invoice", rows[1][5])
	assert.Equal(t, "ACME GmbH", rows[1][6])
	assert.Equal(t, "119", rows[1][11])

	data, err = svc.ExportRevisions(ctx, "t1", "")
	require.NoError(t, err)
	f2, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f2.Close()
	rows, err = f2.GetRows("Revisions")
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}
