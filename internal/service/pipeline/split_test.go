package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/ingest-pipeline/internal/apperr"
	"github.com/feichai0017/ingest-pipeline/internal/models"
)

func TestPlanSplit(t *testing.T) {
	tests := []struct {
		name      string
		mode      models.SplitMode
		pages     int
		requested []models.PageRange
		texts     []string
		want      []models.PageRange
	}{
		{
			name:  "none keeps one record",
			mode:  models.SplitNone,
			pages: 3,
			want:  []models.PageRange{{From: 1, To: 3}},
		},
		{
			name:  "per page",
			mode:  models.SplitPerPage,
			pages: 3,
			want:  []models.PageRange{{From: 1, To: 1}, {From: 2, To: 2}, {From: 3, To: 3}},
		},
		{
			name:  "empty mode defaults to per page",
			pages: 2,
			want:  []models.PageRange{{From: 1, To: 1}, {From: 2, To: 2}},
		},
		{
			name:      "requested ranges",
			mode:      models.SplitRanges,
			pages:     5,
			requested: []models.PageRange{{From: 1, To: 2}, {From: 3, To: 5}},
			want:      []models.PageRange{{From: 1, To: 2}, {From: 3, To: 5}},
		},
		{
			name:  "heuristic follows page markers",
			mode:  models.SplitHeuristic,
			pages: 5,
			texts: []string{"Invoice 17\nPage 1 of 2", "Page 2 of 2", "Receipt\npage 1/3", "page 2/3", "page 3/3"},
			want:  []models.PageRange{{From: 1, To: 2}, {From: 3, To: 5}},
		},
		{
			name:  "heuristic splits off pages past the declared length",
			mode:  models.SplitHeuristic,
			pages: 3,
			texts: []string{"Page 1 of 1", "cover letter", "terms"},
			want:  []models.PageRange{{From: 1, To: 1}, {From: 2, To: 3}},
		},
		{
			name:  "heuristic without markers keeps one record",
			mode:  models.SplitHeuristic,
			pages: 2,
			texts: []string{"", ""},
			want:  []models.PageRange{{From: 1, To: 2}},
		},
		{
			name:  "heuristic with leading unmarked pages",
			mode:  models.SplitHeuristic,
			pages: 3,
			texts: []string{"fax cover", "Page 1 of 2", "Page 2 of 2"},
			want:  []models.PageRange{{From: 1, To: 1}, {From: 2, To: 3}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PlanSplit(tt.mode, tt.pages, tt.requested, tt.texts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			require.NoError(t, models.ValidatePartition(got, tt.pages))
		})
	}
}

func TestPlanSplit_Rejections(t *testing.T) {
	tests := []struct {
		name      string
		mode      models.SplitMode
		pages     int
		requested []models.PageRange
		code      string
	}{
		{"no pages", models.SplitPerPage, 0, nil, "empty_document"},
		{"unknown mode", models.SplitMode("chapters"), 2, nil, "invalid_split_mode"},
		{"gap", models.SplitRanges, 3, []models.PageRange{{From: 1, To: 1}, {From: 3, To: 3}}, "invalid_split_plan"},
		{"overlap", models.SplitRanges, 3, []models.PageRange{{From: 1, To: 2}, {From: 2, To: 3}}, "invalid_split_plan"},
		{"past the end", models.SplitRanges, 2, []models.PageRange{{From: 1, To: 3}}, "invalid_split_plan"},
		{"nothing requested", models.SplitRanges, 2, nil, "invalid_split_plan"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := PlanSplit(tt.mode, tt.pages, tt.requested, nil)
			require.Error(t, err)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
			assert.Equal(t, tt.code, apperr.Code(err))
		})
	}
}
