package extract

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/feichai0017/ingest-pipeline/internal/models"
	"github.com/feichai0017/ingest-pipeline/pkg/logger"
)

// TextParser pulls fields out of plain text with keyword and pattern
// matching. It runs without any provider call when every page carries
// embedded text, and on the OCR output of providers that only return text.
type TextParser struct {
	logger logger.Logger
}

var _ Extractor = (*TextParser)(nil)

func NewTextParser(log logger.Logger) *TextParser {
	return &TextParser{logger: log.Named("text-parser")}
}

func (p *TextParser) Extract(ctx context.Context, in Input) (*models.ExtractionResult, error) {
	start := time.Now()
	texts := make([]string, 0, len(in.Pages))
	for _, pg := range in.Pages {
		texts = append(texts, pg.Text)
	}
	res := ParseText(strings.Join(texts, "\n"))
	res.Usage = models.Usage{
		Provider: ProviderText,
		Pages:    len(in.Pages),
		Duration: time.Since(start),
	}
	p.logger.Debug("Parsed embedded text",
		logger.String("category", string(res.Category)),
		logger.Int("pages", len(in.Pages)),
	)
	return res, nil
}

var (
	grossPattern    = regexp.MustCompile(`(?i)\b(?:grand total|total due|amount due|total)\s*[:=]?\s*(?:[A-Z]{3}|[$€£])?\s*([0-9][0-9.,']*[0-9]|[0-9])`)
	netPattern      = regexp.MustCompile(`(?i)\b(?:subtotal|net amount|net)\s*[:=]?\s*(?:[A-Z]{3}|[$€£])?\s*([0-9][0-9.,']*[0-9]|[0-9])`)
	taxPattern      = regexp.MustCompile(`(?i)\b(?:vat|tax|gst)(?:\s*\d+(?:[.,]\d+)?\s*%)?\s*[:=]?\s*(?:[A-Z]{3}|[$€£])?\s*([0-9][0-9.,']*[0-9]|[0-9])`)
	currencyCode    = regexp.MustCompile(`\b(EUR|USD|GBP|CHF|JPY|CAD|AUD|SEK|NOK|DKK|PLN|CZK)\b`)
	isoDatePattern  = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	euDatePattern   = regexp.MustCompile(`\b(\d{1,2})[./](\d{1,2})[./](\d{4})\b`)
	taxIDPattern    = regexp.MustCompile(`(?i)(?:vat id|vat no|tax id|ust-idnr)\.?\s*[:#]?\s*([A-Z]{2}[A-Z0-9]{6,12})`)
	noticePattern   = regexp.MustCompile(`(?i)(\d{1,3})\s*days?'?\s*notice`)
	validityPattern = regexp.MustCompile(`(?i)(?:effective|commenc\w*|start\w*)\D{0,20}(\d{4}-\d{2}-\d{2}|\d{1,2}[./]\d{1,2}[./]\d{4})`)
)

var currencySymbols = map[string]string{"€": "EUR", "$": "USD", "£": "GBP"}

var categoryKeywords = []struct {
	category models.Category
	words    []string
}{
	{models.CategoryContract, []string{"agreement", "contract", "terms and conditions", "hereinafter"}},
	{models.CategoryUtilityBill, []string{"electricity", "kwh", "meter reading", "water supply", "gas supply", "utility"}},
	{models.CategoryInvoice, []string{"invoice", "rechnung", "facture", "bill to"}},
	{models.CategoryReceipt, []string{"receipt", "thank you for your purchase", "cashier", "change due"}},
}

// ParseText classifies text and extracts what it can. Results always pass
// Validate: a monetary category without a readable total is downgraded to
// other.
func ParseText(text string) *models.ExtractionResult {
	lower := strings.ToLower(text)
	res := &models.ExtractionResult{Category: models.CategoryOther, Confidence: 0.3}

	for _, ck := range categoryKeywords {
		for _, w := range ck.words {
			if strings.Contains(lower, w) {
				res.Category = ck.category
				break
			}
		}
		if res.Category != models.CategoryOther {
			break
		}
	}

	if name := firstLine(text); name != "" {
		cp := models.Counterparty{Role: models.RoleIssuer, Name: name}
		if m := taxIDPattern.FindStringSubmatch(text); m != nil {
			cp.TaxID = strings.ToUpper(m[1])
		}
		res.Counterparties = append(res.Counterparties, cp)
	}

	dates := findDates(text)
	if len(dates) > 0 {
		res.DocumentDate = dates[0]
	}

	switch {
	case res.Category.Monetary():
		totals, ok := parseTotals(text)
		currency := findCurrency(text)
		if !ok || currency == "" {
			res.Category = models.CategoryOther
			res.Confidence = 0.2
			break
		}
		res.Totals = totals
		res.Currency = currency
		res.Confidence = 0.7
	case res.Category == models.CategoryContract:
		terms := parseContract(text, dates)
		if terms == nil {
			res.Category = models.CategoryOther
			res.Confidence = 0.2
			break
		}
		res.Contract = terms
		res.Confidence = 0.6
	}
	return res
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if len([]rune(line)) >= 2 {
			if len(line) > 120 {
				line = line[:120]
			}
			return line
		}
	}
	return ""
}

func findCurrency(text string) string {
	if m := currencyCode.FindString(text); m != "" {
		return m
	}
	for sym, code := range currencySymbols {
		if strings.Contains(text, sym) {
			return code
		}
	}
	return ""
}

func parseTotals(text string) (*models.Totals, bool) {
	m := lastMatch(grossPattern, text)
	if m == "" {
		return nil, false
	}
	gross, ok := parseCents(m)
	if !ok {
		return nil, false
	}
	t := &models.Totals{Gross: gross}
	net, netOK := parseCents(lastMatch(netPattern, text))
	tax, taxOK := parseCents(lastMatch(taxPattern, text))
	if netOK && taxOK && net+tax == gross {
		t.Net, t.Tax = net, tax
	}
	return t, true
}

func lastMatch(re *regexp.Regexp, text string) string {
	all := re.FindAllStringSubmatch(text, -1)
	if len(all) == 0 {
		return ""
	}
	return all[len(all)-1][1]
}

// parseCents reads "1.234,56", "1,234.56", "1'234.56" or "99" as minor units.
func parseCents(s string) (int64, bool) {
	s = strings.NewReplacer(" ", "", "'", "").Replace(strings.TrimSpace(s))
	if s == "" {
		return 0, false
	}
	dot := strings.LastIndex(s, ".")
	comma := strings.LastIndex(s, ",")
	sep := dot
	if comma > dot {
		sep = comma
	}
	whole, frac := s, ""
	if sep >= 0 && len(s)-sep-1 == 2 {
		whole, frac = s[:sep], s[sep+1:]
	}
	whole = strings.NewReplacer(".", "", ",", "").Replace(whole)
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, false
	}
	var f int64
	if frac != "" {
		f, err = strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, false
		}
	}
	return w*100 + f, true
}

func findDates(text string) []string {
	type hit struct {
		pos  int
		date string
	}
	var hits []hit
	for _, m := range isoDatePattern.FindAllStringSubmatchIndex(text, -1) {
		d := text[m[0]:m[1]]
		if _, err := time.Parse(models.DateLayout, d); err == nil {
			hits = append(hits, hit{m[0], d})
		}
	}
	for _, m := range euDatePattern.FindAllStringSubmatchIndex(text, -1) {
		day, _ := strconv.Atoi(text[m[2]:m[3]])
		month, _ := strconv.Atoi(text[m[4]:m[5]])
		year, _ := strconv.Atoi(text[m[6]:m[7]])
		t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
		if t.Day() == day && int(t.Month()) == month {
			hits = append(hits, hit{m[0], t.Format(models.DateLayout)})
		}
	}
	// keep document order
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].pos < hits[j-1].pos; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.date
	}
	return out
}

func parseContract(text string, dates []string) *models.ContractTerms {
	var start string
	if m := validityPattern.FindStringSubmatch(text); m != nil {
		if d := findDates(m[1]); len(d) > 0 {
			start = d[0]
		}
	}
	if start == "" && len(dates) > 0 {
		start = dates[0]
	}
	if start == "" {
		return nil
	}
	terms := &models.ContractTerms{StartDate: start}
	for _, d := range dates {
		if d > start {
			terms.EndDate = d
		}
	}
	if m := noticePattern.FindStringSubmatch(text); m != nil {
		terms.NoticePeriodDays, _ = strconv.Atoi(m[1])
	}
	lower := strings.ToLower(text)
	terms.AutoRenew = strings.Contains(lower, "automatically renew") || strings.Contains(lower, "auto-renew")
	return terms
}
