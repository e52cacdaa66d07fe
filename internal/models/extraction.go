package models

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Category is the document category an extraction result describes. Each
// category has its own required fields.
type Category string

const (
	CategoryInvoice     Category = "invoice"
	CategoryReceipt     Category = "receipt"
	CategoryUtilityBill Category = "utility_bill"
	CategoryContract    Category = "contract"
	CategoryOther       Category = "other"
)

var Categories = []Category{CategoryInvoice, CategoryReceipt, CategoryUtilityBill, CategoryContract, CategoryOther}

func (c Category) Valid() bool {
	for _, k := range Categories {
		if k == c {
			return true
		}
	}
	return false
}

// Monetary reports whether results of this category must carry totals.
func (c Category) Monetary() bool {
	return c == CategoryInvoice || c == CategoryReceipt || c == CategoryUtilityBill
}

// CounterpartyRole is the role a party plays on a document.
type CounterpartyRole string

const (
	RoleIssuer    CounterpartyRole = "issuer"
	RoleRecipient CounterpartyRole = "recipient"
	RoleParty     CounterpartyRole = "party"
)

type Counterparty struct {
	Role  CounterpartyRole `json:"role"`
	Name  string           `json:"name"`
	TaxID string           `json:"taxId,omitempty"`
}

// Totals are amounts in minor currency units (cents).
type Totals struct {
	Net   int64 `json:"net"`
	Tax   int64 `json:"tax"`
	Gross int64 `json:"gross"`
}

type ContractTerms struct {
	StartDate        string `json:"startDate"`
	EndDate          string `json:"endDate,omitempty"`
	NoticePeriodDays int    `json:"noticePeriodDays,omitempty"`
	AutoRenew        bool   `json:"autoRenew,omitempty"`
}

// Usage is the provider cost metadata returned with a result.
type Usage struct {
	Provider     string        `json:"provider"`
	Model        string        `json:"model,omitempty"`
	Pages        int           `json:"pages"`
	InputTokens  int           `json:"inputTokens,omitempty"`
	OutputTokens int           `json:"outputTokens,omitempty"`
	CostMicros   int64         `json:"costMicros,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// ExtractionResult is the typed output of the extraction collaborator.
type ExtractionResult struct {
	Category       Category       `json:"category"`
	Counterparties []Counterparty `json:"counterparties,omitempty"`
	Totals         *Totals        `json:"totals,omitempty"`
	Currency       string         `json:"currency,omitempty"`
	DocumentDate   string         `json:"documentDate,omitempty"`
	Contract       *ContractTerms `json:"contract,omitempty"`
	Confidence     float64        `json:"confidence"`
	Usage          Usage          `json:"usage"`
}

const DateLayout = "2006-01-02"

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// Validate enforces the per-category rules at the pipeline boundary.
func (r *ExtractionResult) Validate() error {
	var errs []error
	if !r.Category.Valid() {
		errs = append(errs, fmt.Errorf("unknown category %q", r.Category))
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		errs = append(errs, fmt.Errorf("confidence %v out of range [0,1]", r.Confidence))
	}
	if r.DocumentDate != "" {
		if _, err := time.Parse(DateLayout, r.DocumentDate); err != nil {
			errs = append(errs, fmt.Errorf("documentDate %q is not YYYY-MM-DD", r.DocumentDate))
		}
	}
	if r.Currency != "" && !currencyPattern.MatchString(r.Currency) {
		errs = append(errs, fmt.Errorf("currency %q is not an ISO 4217 code", r.Currency))
	}
	for i, cp := range r.Counterparties {
		if strings.TrimSpace(cp.Name) == "" {
			errs = append(errs, fmt.Errorf("counterparty %d has no name", i))
		}
		switch cp.Role {
		case RoleIssuer, RoleRecipient, RoleParty:
		default:
			errs = append(errs, fmt.Errorf("counterparty %d has unknown role %q", i, cp.Role))
		}
	}

	if r.Category.Monetary() {
		switch {
		case r.Totals == nil:
			errs = append(errs, fmt.Errorf("%s requires totals", r.Category))
		case r.Totals.Gross < 0 || r.Totals.Net < 0 || r.Totals.Tax < 0:
			errs = append(errs, errors.New("totals must not be negative"))
		case r.Totals.Net+r.Totals.Tax != r.Totals.Gross && r.Totals.Net != 0:
			errs = append(errs, fmt.Errorf("net %d + tax %d != gross %d", r.Totals.Net, r.Totals.Tax, r.Totals.Gross))
		}
		if r.Currency == "" {
			errs = append(errs, fmt.Errorf("%s requires a currency", r.Category))
		}
	}

	if r.Category == CategoryContract {
		if r.Contract == nil || r.Contract.StartDate == "" {
			errs = append(errs, errors.New("contract requires a start date"))
		} else {
			start, err := time.Parse(DateLayout, r.Contract.StartDate)
			if err != nil {
				errs = append(errs, fmt.Errorf("contract startDate %q is not YYYY-MM-DD", r.Contract.StartDate))
			}
			if r.Contract.EndDate != "" {
				end, err2 := time.Parse(DateLayout, r.Contract.EndDate)
				if err2 != nil {
					errs = append(errs, fmt.Errorf("contract endDate %q is not YYYY-MM-DD", r.Contract.EndDate))
				} else if err == nil && end.Before(start) {
					errs = append(errs, errors.New("contract ends before it starts"))
				}
			}
			if r.Contract.NoticePeriodDays < 0 {
				errs = append(errs, errors.New("notice period must not be negative"))
			}
		}
	}
	return errors.Join(errs...)
}

// Issuer returns the first issuer counterparty name, if any.
func (r *ExtractionResult) Issuer() string {
	for _, cp := range r.Counterparties {
		if cp.Role == RoleIssuer {
			return cp.Name
		}
	}
	return ""
}
