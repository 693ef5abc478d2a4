package scope

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kelpielabs/gatehouse/pkg/observability"
)

var objectTracer = otel.Tracer("github.com/kelpielabs/gatehouse/pkg/scope")

// ObjectStoreConfig holds S3 connection settings.
type ObjectStoreConfig struct {
	Bucket       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// ObjectStore is the tenant-scoped S3 adapter. All keys live under a
// "tenants/{tenant}/" prefix derived from the scope.
type ObjectStore struct {
	client  *s3.Client
	bucket  string
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewObjectStore creates an S3-backed object store.
func NewObjectStore(ctx context.Context, cfg ObjectStoreConfig, logger *observability.Logger, metrics *observability.Metrics) (*ObjectStore, error) {
	var awsCfg aws.Config
	var err error

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		// Static credentials (MinIO or AWS with explicit keys)
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKey,
				cfg.SecretKey,
				"",
			)),
		)
	} else {
		// Default credential chain (IAM roles, env vars, etc.)
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return &ObjectStore{
		client:  client,
		bucket:  cfg.Bucket,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// NewObjectStoreWithClient wires an existing S3 client; used by tests.
func NewObjectStoreWithClient(client *s3.Client, bucket string, logger *observability.Logger, metrics *observability.Metrics) *ObjectStore {
	return &ObjectStore{client: client, bucket: bucket, logger: logger, metrics: metrics}
}

func (o *ObjectStore) objectKey(sc Scope, key string) (string, error) {
	if err := validateTenantID(sc.TenantID); err != nil {
		o.recordViolation()
		return "", err
	}
	if err := validateKey(key); err != nil {
		o.recordViolation()
		return "", err
	}
	return fmt.Sprintf("tenants/%s/%s", sc.TenantID, key), nil
}

// Put uploads an object under the scope tenant's prefix.
func (o *ObjectStore) Put(ctx context.Context, sc Scope, key string, content io.Reader, contentType string) error {
	k, err := o.objectKey(sc, key)
	if err != nil {
		return err
	}

	ctx, span := objectTracer.Start(ctx, "ObjectStore.Put",
		trace.WithAttributes(
			attribute.String("s3.bucket", o.bucket),
			attribute.String("s3.key", k),
			attribute.String("tenant.id", sc.TenantID),
			attribute.String("content.type", contentType),
		),
	)
	defer span.End()

	start := time.Now()
	_, err = o.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(o.bucket),
		Key:         aws.String(k),
		Body:        content,
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"tenant-id": sc.TenantID,
		},
	})
	o.recordOp("put", start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upload object")
		return fmt.Errorf("failed to upload object: %w", err)
	}

	span.SetStatus(codes.Ok, "object uploaded")
	return nil
}

// Get retrieves an object from the scope tenant's prefix. The caller must
// close the returned body.
func (o *ObjectStore) Get(ctx context.Context, sc Scope, key string) (io.ReadCloser, error) {
	k, err := o.objectKey(sc, key)
	if err != nil {
		return nil, err
	}

	ctx, span := objectTracer.Start(ctx, "ObjectStore.Get",
		trace.WithAttributes(
			attribute.String("s3.bucket", o.bucket),
			attribute.String("s3.key", k),
			attribute.String("tenant.id", sc.TenantID),
		),
	)
	defer span.End()

	start := time.Now()
	result, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(k),
	})
	o.recordOp("get", start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get object")
		return nil, fmt.Errorf("failed to get object: %w", err)
	}

	if result.ContentLength != nil {
		span.SetAttributes(attribute.Int64("content.size", *result.ContentLength))
	}
	span.SetStatus(codes.Ok, "object retrieved")
	return result.Body, nil
}

// Exists checks whether an object exists under the scope tenant's prefix.
func (o *ObjectStore) Exists(ctx context.Context, sc Scope, key string) (bool, error) {
	k, err := o.objectKey(sc, key)
	if err != nil {
		return false, err
	}

	_, err = o.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		if isNotFoundError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return true, nil
}

// Delete removes an object from the scope tenant's prefix.
func (o *ObjectStore) Delete(ctx context.Context, sc Scope, key string) error {
	k, err := o.objectKey(sc, key)
	if err != nil {
		return err
	}

	start := time.Now()
	_, err = o.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(k),
	})
	o.recordOp("delete", start, err)
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// List returns object keys under the scope tenant's prefix, with the prefix
// stripped so callers never see another tenant's namespace.
func (o *ObjectStore) List(ctx context.Context, sc Scope, keyPrefix string) ([]string, error) {
	if err := validateTenantID(sc.TenantID); err != nil {
		o.recordViolation()
		return nil, err
	}
	if keyPrefix != "" {
		if err := validateKey(keyPrefix); err != nil {
			o.recordViolation()
			return nil, err
		}
	}

	tenantPrefix := fmt.Sprintf("tenants/%s/", sc.TenantID)

	start := time.Now()
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(o.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(o.bucket),
		Prefix: aws.String(tenantPrefix + keyPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			o.recordOp("list", start, err)
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, strings.TrimPrefix(aws.ToString(obj.Key), tenantPrefix))
		}
	}

	o.recordOp("list", start, nil)
	return keys, nil
}

func (o *ObjectStore) recordOp(operation string, start time.Time, err error) {
	if o.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	o.metrics.StorageOperationsTotal.WithLabelValues(operation, "object", status).Inc()
	o.metrics.StorageOperationDuration.WithLabelValues(operation, "object").Observe(time.Since(start).Seconds())
}

func (o *ObjectStore) recordViolation() {
	if o.metrics != nil {
		o.metrics.IsolationViolationsTotal.WithLabelValues("object").Inc()
	}
}

func isNotFoundError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "404"))
}
