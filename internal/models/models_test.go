package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to  PipelineStatus
		container bool
		want      bool
	}{
		{StatusPending, StatusQueued, false, true},
		{StatusQueued, StatusExtracting, false, true},
		{StatusQueued, StatusExtracting, true, false},
		{StatusQueued, StatusSplitting, true, true},
		{StatusQueued, StatusSplitting, false, false},
		{StatusSplitting, StatusExtracting, true, true},
		{StatusSplitting, StatusCompleted, true, true},
		{StatusExtracting, StatusCompleted, false, true},
		{StatusExtracting, StatusQueued, false, false},
		{StatusPending, StatusExtracting, false, false},
		{StatusFailed, StatusQueued, false, true},
		{StatusFailed, StatusQueued, true, true},
		{StatusFailed, StatusExtracting, false, false},
		{StatusCompleted, StatusQueued, false, false},
		{StatusCompleted, StatusFailed, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to, tt.container))
		})
	}
}

func TestCanTransition_TerminalStatesOnlyLeaveViaRetry(t *testing.T) {
	all := []PipelineStatus{StatusPending, StatusQueued, StatusSplitting, StatusExtracting, StatusCompleted, StatusFailed}
	for _, from := range []PipelineStatus{StatusCompleted, StatusFailed} {
		for _, to := range all {
			for _, container := range []bool{true, false} {
				allowed := CanTransition(from, to, container)
				if from == StatusFailed && to == StatusQueued {
					assert.True(t, allowed)
					continue
				}
				assert.False(t, allowed, "%s -> %s container=%v", from, to, container)
			}
		}
	}
}

func TestValidatePartition(t *testing.T) {
	tests := []struct {
		name    string
		ranges  []PageRange
		total   int
		wantErr string
	}{
		{"per page", []PageRange{{1, 1}, {2, 2}, {3, 3}}, 3, ""},
		{"single", []PageRange{{1, 5}}, 5, ""},
		{"gap", []PageRange{{1, 1}, {3, 3}}, 3, "gap"},
		{"overlap", []PageRange{{1, 2}, {2, 3}}, 3, "overlaps"},
		{"short", []PageRange{{1, 2}}, 3, "not covered"},
		{"too long", []PageRange{{1, 4}}, 3, "past page"},
		{"inverted", []PageRange{{2, 1}}, 2, "inverted"},
		{"empty", nil, 2, "no page ranges"},
		{"zero pages", []PageRange{{1, 1}}, 0, "positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePartition(tt.ranges, tt.total)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParsePageRanges(t *testing.T) {
	got, err := ParsePageRanges(" 4-6, 1-2 ,3")
	require.NoError(t, err)
	assert.Equal(t, []PageRange{{1, 2}, {3, 3}, {4, 6}}, got)
	assert.Equal(t, "1-2,3,4-6", FormatPageRanges(got))

	for _, bad := range []string{"a", "3-1", "0", "1-x"} {
		_, err := ParsePageRanges(bad)
		assert.Error(t, err, bad)
	}

	none, err := ParsePageRanges("")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestArena(t *testing.T) {
	parent := &ProcessingDocument{ID: "p", IsContainer: true, PageCount: 3}
	c1 := &ProcessingDocument{ID: "c1", ParentID: "p", PageFrom: 1, PageTo: 1}
	c2 := &ProcessingDocument{ID: "c2", ParentID: "p", PageFrom: 2, PageTo: 3}
	grand := &ProcessingDocument{ID: "g", ParentID: "c2"}

	a, err := BuildArena([]*ProcessingDocument{grand, c2, c1, parent})
	require.NoError(t, err)
	assert.Equal(t, 4, a.Len())
	assert.Equal(t, "p", a.All()[0].ID)

	kids := a.Children("p")
	require.Len(t, kids, 2)
	assert.ElementsMatch(t, []string{"c1", "c2"}, []string{kids[0].ID, kids[1].ID})
	assert.Equal(t, "p", a.Root("g").ID)
	assert.Equal(t, "c2", a.Parent("g").ID)
	assert.Nil(t, a.Parent("p"))
	assert.Len(t, a.Descendants("p"), 3)
	assert.True(t, a.IsAncestor("p", "g"))
	assert.False(t, a.IsAncestor("c1", "g"))

	got, ok := a.Get("c2")
	require.True(t, ok)
	assert.Equal(t, PageRange{2, 3}, got.Range())
	assert.Equal(t, KindChild, got.Kind())
	assert.Equal(t, KindContainer, parent.Kind())
}

func TestArena_RejectsMissingParentAndCycles(t *testing.T) {
	a := NewArena()
	assert.Error(t, a.Add(&ProcessingDocument{ID: "x", ParentID: "nope"}))
	assert.Error(t, a.Add(&ProcessingDocument{ID: "self", ParentID: "self"}))
	require.NoError(t, a.Add(&ProcessingDocument{ID: "root"}))
	assert.Error(t, a.Add(&ProcessingDocument{ID: "root"}))

	_, err := BuildArena([]*ProcessingDocument{
		{ID: "a", ParentID: "b"},
		{ID: "b", ParentID: "a"},
	})
	assert.Error(t, err)
}

func TestExtractionResultValidate(t *testing.T) {
	valid := ExtractionResult{
		Category:       CategoryInvoice,
		Counterparties: []Counterparty{{Role: RoleIssuer, Name: "ACME GmbH"}},
		Totals:         &Totals{Net: 10000, Tax: 1900, Gross: 11900},
		Currency:       "EUR",
		DocumentDate:   "2024-03-01",
		Confidence:     0.9,
	}
	require.NoError(t, valid.Validate())
	assert.Equal(t, "ACME GmbH", valid.Issuer())

	tests := []struct {
		name   string
		mutate func(r *ExtractionResult)
		want   string
	}{
		{"unknown category", func(r *ExtractionResult) { r.Category = "memo" }, "unknown category"},
		{"missing totals", func(r *ExtractionResult) { r.Totals = nil }, "requires totals"},
		{"bad sum", func(r *ExtractionResult) { r.Totals.Gross = 1 }, "!= gross"},
		{"bad currency", func(r *ExtractionResult) { r.Currency = "euro" }, "ISO 4217"},
		{"missing currency", func(r *ExtractionResult) { r.Currency = "" }, "requires a currency"},
		{"bad date", func(r *ExtractionResult) { r.DocumentDate = "01.03.2024" }, "YYYY-MM-DD"},
		{"confidence", func(r *ExtractionResult) { r.Confidence = 1.5 }, "out of range"},
		{"nameless party", func(r *ExtractionResult) { r.Counterparties[0].Name = " " }, "no name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			r.Totals = &Totals{Net: 10000, Tax: 1900, Gross: 11900}
			r.Counterparties = []Counterparty{{Role: RoleIssuer, Name: "ACME GmbH"}}
			tt.mutate(&r)
			err := r.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestExtractionResultValidate_Contract(t *testing.T) {
	r := ExtractionResult{Category: CategoryContract, Contract: &ContractTerms{StartDate: "2024-01-01", EndDate: "2023-12-31"}}
	err := r.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ends before it starts")

	r.Contract.EndDate = "2025-01-01"
	assert.NoError(t, r.Validate())

	r.Contract = nil
	assert.Error(t, r.Validate())

	other := ExtractionResult{Category: CategoryOther}
	assert.NoError(t, other.Validate())
}
