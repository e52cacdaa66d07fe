package pipeline

import (
	"regexp"
	"strconv"

	"github.com/feichai0017/ingest-pipeline/internal/apperr"
	"github.com/feichai0017/ingest-pipeline/internal/models"
)

// firstPageMarker matches footers like "Page 1 of 3" or "page 1/3".
var firstPageMarker = regexp.MustCompile(`(?i)\bpage\s+1\s*(?:of|/)\s*(\d+)\b`)

// PlanSplit divides pages 1..pageCount of a container into the ranges its
// children will cover. texts holds the embedded text of each page in order
// and is only read in heuristic mode. The plan always partitions the pages;
// anything else is a validation error.
func PlanSplit(mode models.SplitMode, pageCount int, requested []models.PageRange, texts []string) ([]models.PageRange, error) {
	if pageCount <= 0 {
		return nil, apperr.Validation("empty_document", "document has no pages")
	}

	var plan []models.PageRange
	switch mode {
	case models.SplitNone:
		plan = []models.PageRange{{From: 1, To: pageCount}}
	case models.SplitPerPage, "":
		plan = make([]models.PageRange, pageCount)
		for i := range plan {
			plan[i] = models.PageRange{From: i + 1, To: i + 1}
		}
	case models.SplitRanges:
		plan = append(plan, requested...)
	case models.SplitHeuristic:
		plan = heuristicPlan(pageCount, texts)
	default:
		return nil, apperr.Validation("invalid_split_mode", "unknown split mode %q", mode)
	}

	if err := models.ValidatePartition(plan, pageCount); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid_split_plan", err.Error(), nil)
	}
	return plan, nil
}

// heuristicPlan starts a new record on every page that reads "page 1 of N"
// and, when N fits, ends it N pages later.
func heuristicPlan(pageCount int, texts []string) []models.PageRange {
	var starts []int
	for i := 0; i < pageCount && i < len(texts); i++ {
		if firstPageMarker.MatchString(texts[i]) {
			starts = append(starts, i+1)
		}
	}
	if len(starts) == 0 || starts[0] != 1 {
		starts = append([]int{1}, starts...)
	}

	plan := make([]models.PageRange, 0, len(starts))
	for i, from := range starts {
		to := pageCount
		if i+1 < len(starts) {
			to = starts[i+1] - 1
		}
		if n := declaredLength(texts[from-1:]); n > 0 && from+n-1 < to {
			// trailing pages after a record of known length form their own record
			plan = append(plan, models.PageRange{From: from, To: from + n - 1})
			plan = append(plan, models.PageRange{From: from + n, To: to})
			continue
		}
		plan = append(plan, models.PageRange{From: from, To: to})
	}
	return plan
}

func declaredLength(texts []string) int {
	if len(texts) == 0 {
		return 0
	}
	m := firstPageMarker.FindStringSubmatch(texts[0])
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 {
		return 0
	}
	return n
}
