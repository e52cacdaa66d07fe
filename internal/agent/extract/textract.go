package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"

	cfg "github.com/feichai0017/ingest-pipeline/config"
	"github.com/feichai0017/ingest-pipeline/internal/models"
	"github.com/feichai0017/ingest-pipeline/pkg/logger"
)

// TextractAPI is the part of the Textract client the extractor uses.
type TextractAPI interface {
	AnalyzeDocument(ctx context.Context, params *textract.AnalyzeDocumentInput, optFns ...func(*textract.Options)) (*textract.AnalyzeDocumentOutput, error)
}

// TextractExtractor OCRs each page that lacks embedded text with
// AnalyzeDocument (lines and form fields), then parses the combined text.
type TextractExtractor struct {
	client        TextractAPI
	minConfidence float32
	logger        logger.Logger
}

var _ Extractor = (*TextractExtractor)(nil)

func NewTextractExtractor(client TextractAPI, minConfidence float32, log logger.Logger) *TextractExtractor {
	return &TextractExtractor{client: client, minConfidence: minConfidence, logger: log.Named("textract")}
}

// NewTextractClient builds a Textract client from c. Static credentials
// are used when configured, the default chain otherwise.
func NewTextractClient(ctx context.Context, c *cfg.TextractConfig) (*textract.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(c.Region)}
	if c.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKey, c.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}
	return textract.NewFromConfig(awsCfg, func(o *textract.Options) {
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
		}
	}), nil
}

func (e *TextractExtractor) Extract(ctx context.Context, in Input) (*models.ExtractionResult, error) {
	start := time.Now()
	log := logger.FromContext(ctx, e.logger)

	texts := make([]string, 0, len(in.Pages))
	calls := 0
	for _, p := range in.Pages {
		if p.Decision == models.TextEmbedded {
			texts = append(texts, p.Text)
			continue
		}
		switch p.ContentType {
		case "application/pdf", "image/png", "image/jpeg", "image/tiff":
		default:
			return nil, UnsupportedPage(ProviderTextract, p)
		}

		out, err := e.client.AnalyzeDocument(ctx, &textract.AnalyzeDocumentInput{
			Document:     &types.Document{Bytes: p.Data},
			FeatureTypes: []types.FeatureType{types.FeatureTypeForms},
		})
		if err != nil {
			log.Error("Failed to analyze page", logger.Int("page", p.Number), logger.Error(err))
			return nil, ProviderError(ProviderTextract, err)
		}
		calls++

		var sb strings.Builder
		for _, line := range e.lines(out.Blocks) {
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
		for _, f := range formFields(out.Blocks) {
			fmt.Fprintf(&sb, "%s: %s\n", f.Key, f.Value)
		}
		texts = append(texts, sb.String())
	}

	res := ParseText(strings.Join(texts, "\n"))
	res.Usage = models.Usage{
		Provider: ProviderTextract,
		Pages:    len(in.Pages),
		Duration: time.Since(start),
	}
	log.Info("Textract extraction complete",
		logger.Int("pages", len(in.Pages)),
		logger.Int("api_calls", calls),
		logger.String("category", string(res.Category)),
	)
	return res, nil
}

func (e *TextractExtractor) lines(blocks []types.Block) []string {
	var texts []string
	for _, b := range blocks {
		if b.BlockType == types.BlockTypeLine && b.Text != nil &&
			(b.Confidence == nil || *b.Confidence >= e.minConfidence) {
			texts = append(texts, *b.Text)
		}
	}
	return texts
}

type formField struct {
	Key   string
	Value string
}

func formFields(blocks []types.Block) []formField {
	byID := make(map[string]types.Block, len(blocks))
	for _, b := range blocks {
		if b.Id != nil {
			byID[*b.Id] = b
		}
	}

	var fields []formField
	for _, b := range blocks {
		if b.BlockType != types.BlockTypeKeyValueSet || len(b.EntityTypes) == 0 || b.EntityTypes[0] != types.EntityTypeKey {
			continue
		}
		key := childText(b, byID)
		var value string
		for _, rel := range b.Relationships {
			if rel.Type != types.RelationshipTypeValue {
				continue
			}
			for _, id := range rel.Ids {
				if vb, ok := byID[id]; ok {
					value = childText(vb, byID)
				}
			}
		}
		if key != "" && value != "" {
			fields = append(fields, formField{Key: key, Value: value})
		}
	}
	return fields
}

func childText(b types.Block, byID map[string]types.Block) string {
	var words []string
	for _, rel := range b.Relationships {
		if rel.Type != types.RelationshipTypeChild {
			continue
		}
		for _, id := range rel.Ids {
			if c, ok := byID[id]; ok && c.Text != nil {
				words = append(words, *c.Text)
			}
		}
	}
	return strings.Join(words, " ")
}
