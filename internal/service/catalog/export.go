package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/feichai0017/ingest-pipeline/internal/apperr"
	"github.com/feichai0017/ingest-pipeline/internal/models"
	"github.com/feichai0017/ingest-pipeline/pkg/logger"
)

const revisionsSheet = "Revisions"

var revisionHeaders = []string{
	"Processing Document",
	"Company",
	"Pages",
	"Revision",
	"Status",
	"Category",
	"Issuer",
	"Document Date",
	"Currency",
	"Net",
	"Tax",
	"Gross",
	"Confidence",
	"Duplicate",
	"Extracted At",
}

// ExportRevisions writes the current revision of every completed document
// as one XLSX row. Amounts are converted from minor units.
func (s *CatalogService) ExportRevisions(ctx context.Context, tenantID, companyID string) ([]byte, error) {
	if tenantID == "" {
		return nil, apperr.Permission()
	}
	start := time.Now()
	rows, err := s.repo.ListCurrentRevisions(ctx, tenantID, companyID)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", revisionsSheet); err != nil {
		return nil, err
	}
	for i, h := range revisionHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(revisionsSheet, cell, h)
	}
	if err := f.SetPanes(revisionsSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return nil, err
	}

	for i, cr := range rows {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(revisionsSheet, cell, v)
		}
		pd, rev := cr.Document, cr.Revision
		res := rev.Result
		write(1, pd.ID)
		write(2, pd.CompanyID)
		write(3, pd.Range().String())
		write(4, rev.Number)
		write(5, string(rev.Status))
		write(6, string(res.Category))
		write(7, res.Issuer())
		write(8, res.DocumentDate)
		write(9, res.Currency)
		if res.Totals != nil {
			write(10, minorToMajor(res.Totals.Net))
			write(11, minorToMajor(res.Totals.Tax))
			write(12, minorToMajor(res.Totals.Gross))
		}
		write(13, res.Confidence)
		write(14, pd.DuplicateStatus == models.DuplicateExact)
		write(15, rev.CreatedAt.UTC().Format(time.RFC3339))
	}

	_ = f.SetColWidth(revisionsSheet, "A", "B", 38)
	_ = f.SetColWidth(revisionsSheet, "C", "F", 12)
	_ = f.SetColWidth(revisionsSheet, "G", "G", 32)
	_ = f.SetColWidth(revisionsSheet, "H", "N", 14)
	_ = f.SetColWidth(revisionsSheet, "O", "O", 22)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	logger.FromContext(ctx, s.logger).Info("Revisions exported",
		logger.String("company_id", companyID),
		logger.Int("rows", len(rows)),
		logger.Duration("elapsed", time.Since(start)),
	)
	return buf.Bytes(), nil
}

func minorToMajor(v int64) float64 {
	return float64(v) / 100
}
