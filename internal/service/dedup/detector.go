// Package dedup classifies uploads as unique or duplicate by content hash
// and annotates rendered pages already seen in other documents.
package dedup

import (
	"context"
	"fmt"
	"strings"

	"github.com/feichai0017/ingest-pipeline/internal/models"
	"github.com/feichai0017/ingest-pipeline/pkg/hasher"
	"github.com/feichai0017/ingest-pipeline/pkg/logger"
)

// Scope bounds the duplicate search.
type Scope string

const (
	ScopeTenant  Scope = "tenant"
	ScopeCompany Scope = "company"
)

const (
	perceptualPrefix = "dhash:"
	// candidate pages compared by Hamming distance per lookup
	nearMatchCandidates = 500
)

// Repository is the lookup surface the detector needs.
type Repository interface {
	FindEarliestByHash(ctx context.Context, tenantID, companyID, hash string, beforeSeq int64) (*models.Document, error)
	FindPageByFingerprint(ctx context.Context, tenantID, fp, excludePD string) (*models.DocumentPage, error)
	ListPagesByFingerprintPrefix(ctx context.Context, tenantID, prefix, excludePD string, limit int) ([]*models.DocumentPage, error)
}

type Options struct {
	Scope Scope
	// MaxDistance is the Hamming distance under which two perceptual
	// fingerprints count as the same page. Zero means exact matches only.
	MaxDistance int
}

type Detector struct {
	repo   Repository
	opts   Options
	logger logger.Logger
}

// Result is the annotation for one document.
type Result struct {
	Status            models.DuplicateStatus
	MatchedDocumentID string
}

func (r Result) IsDuplicate() bool {
	return r.Status == models.DuplicateExact
}

func NewDetector(repo Repository, opts Options, log logger.Logger) *Detector {
	if opts.Scope == "" {
		opts.Scope = ScopeTenant
	}
	return &Detector{repo: repo, opts: opts, logger: log.Named("dedup")}
}

// Classify reports whether doc duplicates an earlier live document of the
// same tenant. Hash equality is identity; the earliest match wins, so of
// two concurrent uploads only the later one is flagged.
func (d *Detector) Classify(ctx context.Context, doc *models.Document) (Result, error) {
	company := ""
	if d.opts.Scope == ScopeCompany {
		company = doc.CompanyID
	}
	match, err := d.repo.FindEarliestByHash(ctx, doc.TenantID, company, doc.ContentHash, doc.CreatedSeq)
	if err != nil {
		return Result{}, fmt.Errorf("failed to look up content hash: %w", err)
	}
	if match == nil || match.ID == doc.ID {
		return Result{Status: models.DuplicateUnique}, nil
	}
	d.logger.Info("Duplicate upload detected",
		logger.String("tenant_id", doc.TenantID),
		logger.String("document_id", doc.ID),
		logger.String("matched_document_id", match.ID),
	)
	return Result{Status: models.DuplicateExact, MatchedDocumentID: match.ID}, nil
}

// MatchPages sets DuplicateOfPageID on every page whose fingerprint was
// already rendered for another processing document of the tenant. It
// returns the number of annotated pages.
func (d *Detector) MatchPages(ctx context.Context, tenantID, pdID string, pages []*models.DocumentPage) (int, error) {
	matched := 0
	var candidates []*models.DocumentPage
	loaded := false

	for _, p := range pages {
		if p.Fingerprint == "" {
			continue
		}
		hit, err := d.repo.FindPageByFingerprint(ctx, tenantID, p.Fingerprint, pdID)
		if err != nil {
			return matched, fmt.Errorf("failed to look up page fingerprint: %w", err)
		}

		if hit == nil && d.opts.MaxDistance > 0 && strings.HasPrefix(p.Fingerprint, perceptualPrefix) {
			if !loaded {
				candidates, err = d.repo.ListPagesByFingerprintPrefix(ctx, tenantID, perceptualPrefix, pdID, nearMatchCandidates)
				if err != nil {
					return matched, fmt.Errorf("failed to list page fingerprints: %w", err)
				}
				loaded = true
			}
			hit = nearest(p.Fingerprint, candidates, d.opts.MaxDistance)
		}

		if hit != nil {
			p.DuplicateOfPageID = hit.ID
			matched++
		}
	}
	if matched > 0 {
		d.logger.Info("Reused pages detected",
			logger.String("tenant_id", tenantID),
			logger.String("processing_document_id", pdID),
			logger.Int("pages", matched),
		)
	}
	return matched, nil
}

func nearest(fp string, candidates []*models.DocumentPage, maxDistance int) *models.DocumentPage {
	want := strings.TrimPrefix(fp, perceptualPrefix)
	var best *models.DocumentPage
	bestDist := maxDistance + 1
	for _, c := range candidates {
		dist, err := hasher.Hamming(want, strings.TrimPrefix(c.Fingerprint, perceptualPrefix))
		if err != nil {
			continue
		}
		if dist < bestDist {
			best, bestDist = c, dist
		}
	}
	return best
}
