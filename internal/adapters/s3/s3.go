// Package s3 implements the object-store source adapter: documents live
// under a bucket prefix, runbooks as JSON under "<prefix>runbooks/". The
// adapter keeps a key index and fetches object bodies on demand.
package s3

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/prodpipe/prodpipe/internal/config"
	"github.com/prodpipe/prodpipe/pkg/models"
	"github.com/prodpipe/prodpipe/pkg/observability"
)

// AdapterType is the registry key for this adapter.
const AdapterType = "s3"

// maxObjectBytes caps how much of one object body is read.
const maxObjectBytes = 4 << 20

// Client is the slice of the S3 API the adapter uses.
type Client interface {
	ListObjectsV2(ctx context.Context, params *awss3.ListObjectsV2Input, optFns ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, params *awss3.HeadBucketInput, optFns ...func(*awss3.Options)) (*awss3.HeadBucketOutput, error)
}

// objectRef is one indexed object key.
type objectRef struct {
	Key      string
	Modified time.Time
}

// Adapter reads documents from one bucket prefix.
type Adapter struct {
	cfg    config.SourceConfig
	client Client
	bucket string
	prefix string
	logger observability.Logger

	mu          sync.RWMutex
	index       []objectRef
	lastIndexed time.Time
}

// New builds an S3 adapter, resolving credentials from the default chain.
func New(cfg config.SourceConfig, logger observability.Logger) (*Adapter, error) {
	region, _ := cfg.Config["region"].(string)

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("s3 adapter %q: loading aws config: %w", cfg.Name, err)
	}

	return NewWithClient(cfg, awss3.NewFromConfig(awsCfg), logger)
}

// NewWithClient builds the adapter on an existing client; used by tests.
func NewWithClient(cfg config.SourceConfig, client Client, logger observability.Logger) (*Adapter, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	bucket, _ := cfg.Config["bucket"].(string)
	if bucket == "" {
		return nil, fmt.Errorf("s3 adapter %q: config.bucket is required", cfg.Name)
	}
	prefix, _ := cfg.Config["prefix"].(string)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &Adapter{
		cfg:    cfg,
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger.WithPrefix("s3:" + cfg.Name),
	}, nil
}

// Name returns the instance name.
func (a *Adapter) Name() string { return a.cfg.Name }

// Type returns "s3".
func (a *Adapter) Type() string { return AdapterType }

// GetConfig returns the source config.
func (a *Adapter) GetConfig() config.SourceConfig { return a.cfg }

// Initialize builds the key index.
func (a *Adapter) Initialize(ctx context.Context) error {
	return a.RefreshIndex(ctx, true)
}

// RefreshIndex lists every object under the prefix.
func (a *Adapter) RefreshIndex(ctx context.Context, _ bool) error {
	var (
		index             []objectRef
		continuationToken *string
	)

	for {
		out, err := a.client.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
			Bucket:            aws.String(a.bucket),
			Prefix:            aws.String(a.prefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return fmt.Errorf("listing s3://%s/%s: %w", a.bucket, a.prefix, err)
		}

		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if key == "" {
				continue
			}
			index = append(index, objectRef{Key: key, Modified: aws.ToTime(obj.LastModified)})
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		continuationToken = out.NextContinuationToken
	}

	a.mu.Lock()
	a.index = index
	a.lastIndexed = time.Now()
	a.mu.Unlock()

	a.logger.Info("S3 index rebuilt", map[string]interface{}{
		"objects": len(index),
	})
	return nil
}

// fetch reads one object body.
func (a *Adapter) fetch(ctx context.Context, key string) ([]byte, error) {
	out, err := a.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching s3://%s/%s: %w", a.bucket, key, err)
	}
	defer func() { _ = out.Body.Close() }()

	return io.ReadAll(io.LimitReader(out.Body, maxObjectBytes))
}

// docID derives a stable identifier from the object key.
func (a *Adapter) docID(key string) string {
	return strings.ReplaceAll(strings.TrimPrefix(key, a.prefix), "/", "__")
}

func (a *Adapter) keyForID(id string) string {
	return a.prefix + strings.ReplaceAll(id, "__", "/")
}

// Search matches object keys against the query terms and fetches the
// matching bodies.
func (a *Adapter) Search(ctx context.Context, query string, filters *models.SearchFilters) ([]models.SearchResult, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}

	limit := 10
	if filters != nil && filters.Limit > 0 && filters.Limit < limit {
		limit = filters.Limit
	}

	a.mu.RLock()
	refs := make([]objectRef, len(a.index))
	copy(refs, a.index)
	a.mu.RUnlock()

	type scored struct {
		ref   objectRef
		score float64
	}
	var matches []scored
	for _, ref := range refs {
		name := strings.ToLower(ref.Key)
		hit := 0
		for _, term := range terms {
			if strings.Contains(name, term) {
				hit++
			}
		}
		if hit > 0 {
			matches = append(matches, scored{ref: ref, score: float64(hit) / float64(len(terms))})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].score > matches[j].score })
	if len(matches) > limit {
		matches = matches[:limit]
	}

	results := make([]models.SearchResult, 0, len(matches))
	for _, m := range matches {
		body, err := a.fetch(ctx, m.ref.Key)
		if err != nil {
			a.logger.Warn("S3 object fetch failed during search", map[string]interface{}{
				"key":   m.ref.Key,
				"error": err.Error(),
			})
			continue
		}
		results = append(results, models.SearchResult{
			ID:              a.docID(m.ref.Key),
			Title:           strings.TrimSuffix(path.Base(m.ref.Key), path.Ext(m.ref.Key)),
			Content:         string(body),
			Source:          a.cfg.Name,
			SourceType:      AdapterType,
			ConfidenceScore: m.score,
			LastUpdated:     m.ref.Modified,
			MatchReasons:    []string{"object key match"},
		})
	}
	return results, nil
}

// SearchRunbooks decodes JSON runbooks stored under "<prefix>runbooks/".
func (a *Adapter) SearchRunbooks(ctx context.Context, alertType string, severity models.Severity, affectedSystems []string) ([]models.Runbook, error) {
	needle := strings.ToLower(alertType)

	a.mu.RLock()
	refs := make([]objectRef, len(a.index))
	copy(refs, a.index)
	a.mu.RUnlock()

	var runbooks []models.Runbook
	for _, ref := range refs {
		if !strings.HasPrefix(ref.Key, a.prefix+"runbooks/") || !strings.HasSuffix(ref.Key, ".json") {
			continue
		}
		body, err := a.fetch(ctx, ref.Key)
		if err != nil {
			continue
		}
		var rb models.Runbook
		if err := json.Unmarshal(body, &rb); err != nil || rb.ID == "" {
			continue
		}
		if !runbookMatches(&rb, needle) {
			continue
		}
		rb.Metadata.Source = a.cfg.Name
		runbooks = append(runbooks, rb)
	}
	return runbooks, nil
}

func runbookMatches(rb *models.Runbook, alertType string) bool {
	for _, trigger := range rb.Triggers {
		if strings.Contains(strings.ToLower(trigger), alertType) {
			return true
		}
	}
	return strings.Contains(strings.ToLower(rb.Title+" "+rb.Description), alertType)
}

// GetDocument fetches one object by document id.
func (a *Adapter) GetDocument(ctx context.Context, id string) (*models.SearchResult, error) {
	key := a.keyForID(id)
	body, err := a.fetch(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("document not found: %s: %w", id, err)
	}

	return &models.SearchResult{
		ID:              id,
		Title:           strings.TrimSuffix(path.Base(key), path.Ext(key)),
		Content:         string(body),
		Source:          a.cfg.Name,
		SourceType:      AdapterType,
		ConfidenceScore: 1.0,
	}, nil
}

// HealthCheck verifies the bucket answers.
func (a *Adapter) HealthCheck(ctx context.Context) models.AdapterHealth {
	start := time.Now()
	_, err := a.client.HeadBucket(ctx, &awss3.HeadBucketInput{Bucket: aws.String(a.bucket)})
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return models.AdapterHealth{Healthy: false, ResponseTimeMS: elapsed, Error: err.Error()}
	}
	return models.AdapterHealth{Healthy: true, ResponseTimeMS: elapsed}
}

// GetMetadata describes the adapter instance.
func (a *Adapter) GetMetadata() models.AdapterMetadata {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return models.AdapterMetadata{
		Name:          a.cfg.Name,
		Type:          AdapterType,
		Enabled:       a.cfg.Enabled,
		DocumentCount: len(a.index),
		LastIndexed:   a.lastIndexed,
	}
}

// Cleanup drops the index. The SDK client holds no resources to close.
func (a *Adapter) Cleanup() error {
	a.mu.Lock()
	a.index = nil
	a.mu.Unlock()
	return nil
}
