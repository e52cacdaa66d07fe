package links_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/ingest-pipeline/internal/apperr"
	"github.com/feichai0017/ingest-pipeline/internal/models"
	"github.com/feichai0017/ingest-pipeline/internal/repository"
	"github.com/feichai0017/ingest-pipeline/internal/service/links"
	"github.com/feichai0017/ingest-pipeline/pkg/logger"
)

func setup(t *testing.T) (*repository.Store, links.LinkManager) {
	t.Helper()
	s, err := repository.Open(context.Background(), repository.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "links.db"),
	}, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, links.NewService(s, logger.NewTestLogger())
}

func newProcessing(t *testing.T, s *repository.Store, tenant string) string {
	t.Helper()
	ctx := context.Background()
	doc := &models.Document{
		ID: uuid.NewString(), TenantID: tenant, CompanyID: "c1", Filename: "a.pdf",
		MimeType: "application/pdf", Size: 1, StorageKey: uuid.NewString(), ContentHash: uuid.NewString(),
	}
	require.NoError(t, s.CreateDocument(ctx, doc))
	pd := &models.ProcessingDocument{
		ID: uuid.NewString(), TenantID: tenant, CompanyID: "c1", DocumentID: doc.ID,
		Status: models.StatusPending, DuplicateStatus: models.DuplicateUnique,
	}
	require.NoError(t, s.CreateProcessingDocument(ctx, pd, "upload"))
	return pd.ID
}

func TestCreateAndList(t *testing.T) {
	ctx := context.Background()
	s, svc := setup(t)
	a, b, c := newProcessing(t, s, "t1"), newProcessing(t, s, "t1"), newProcessing(t, s, "t1")

	l, err := svc.Create(ctx, "t1", a, b, models.LinkSupersedes, "  newer scan  ")
	require.NoError(t, err)
	assert.Equal(t, "newer scan", l.Note)

	_, err = svc.Create(ctx, "t1", c, a, models.LinkAttachmentOf, "")
	require.NoError(t, err)
	// a different type between the same pair is a different edge
	_, err = svc.Create(ctx, "t1", a, b, models.LinkRelatedTo, "")
	require.NoError(t, err)

	list, err := svc.List(ctx, "t1", a)
	require.NoError(t, err)
	assert.Len(t, list, 3)

	list, err = svc.List(ctx, "t1", b)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestCreate_Rejections(t *testing.T) {
	ctx := context.Background()
	s, svc := setup(t)
	a, b := newProcessing(t, s, "t1"), newProcessing(t, s, "t1")
	foreign := newProcessing(t, s, "t2")

	_, err := svc.Create(ctx, "t1", a, b, models.LinkAmends, "")
	require.NoError(t, err)

	tests := []struct {
		name   string
		source string
		target string
		typ    models.LinkType
		kind   apperr.Kind
	}{
		{"self link", a, a, models.LinkRelatedTo, apperr.KindValidation},
		{"unknown type", a, b, models.LinkType("cites"), apperr.KindValidation},
		{"other tenant", a, foreign, models.LinkRelatedTo, apperr.KindPermission},
		{"missing", uuid.NewString(), b, models.LinkRelatedTo, apperr.KindPermission},
		{"duplicate", a, b, models.LinkAmends, apperr.KindConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(ctx, "t1", tt.source, tt.target, tt.typ, "")
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
		})
	}

	_, err = svc.Create(ctx, "t1", a, foreign, models.LinkRelatedTo, "")
	assert.Equal(t, apperr.PublicMessage(apperr.Permission()), apperr.PublicMessage(err),
		"foreign and missing documents look the same")
}

func TestUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	s, svc := setup(t)
	a, b := newProcessing(t, s, "t1"), newProcessing(t, s, "t1")

	first, err := svc.Create(ctx, "t1", a, b, models.LinkRelatedTo, "")
	require.NoError(t, err)
	second, err := svc.Create(ctx, "t1", a, b, models.LinkAmends, "")
	require.NoError(t, err)

	note := "checked by finance"
	updated, err := svc.Update(ctx, "t1", first.ID, nil, &note)
	require.NoError(t, err)
	assert.Equal(t, models.LinkRelatedTo, updated.Type)
	assert.Equal(t, note, updated.Note)

	clash := models.LinkAmends
	_, err = svc.Update(ctx, "t1", first.ID, &clash, nil)
	assert.ErrorIs(t, err, apperr.ErrDuplicateLink)

	_, err = svc.Update(ctx, "t2", first.ID, nil, &note)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	require.NoError(t, svc.Delete(ctx, "t1", second.ID))
	err = svc.Delete(ctx, "t1", second.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	list, err := svc.List(ctx, "t1", a)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, first.ID, list[0].ID)
}
