package emitter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/cellar/pkg/template"
)

// S3API is the subset of the S3 client the emitter uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config configures the S3 emitter.
type S3Config struct {
	Bucket string
	Key    string // defaults to cellar/<cluster>/template.<format>
	Region string
	Format template.Format
}

// S3Emitter publishes the rendered template to a bucket.
type S3Emitter struct {
	client S3API
	config S3Config
}

// NewS3Emitter creates an S3 emitter using the default credential chain.
func NewS3Emitter(ctx context.Context, cfg S3Config) (*S3Emitter, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 emitter: bucket is required")
	}
	if cfg.Format.IsUnknown() {
		return nil, fmt.Errorf("unsupported format: %s", cfg.Format)
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &S3Emitter{client: s3.NewFromConfig(awsCfg), config: cfg}, nil
}

// Emit uploads the template. Revision, run and digest are attached as
// object metadata.
func (e *S3Emitter) Emit(ctx context.Context, result Result) error {
	if result.Template == nil || result.Topology == nil {
		return fmt.Errorf("s3 emitter: result has no template")
	}

	var buf bytes.Buffer
	if err := result.Template.Encode(&buf, e.config.Format); err != nil {
		return err
	}

	key := e.objectKey(result.Topology.Cluster.Name)
	data := buf.Bytes()

	_, err := e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(e.config.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType(e.config.Format)),
		Metadata: map[string]string{
			"cellar-revision": strconv.FormatInt(result.Revision, 10),
			"cellar-run":      result.Run,
			"cellar-digest":   result.Digest,
		},
	})
	if err != nil {
		if isNoSuchBucket(err) {
			return fmt.Errorf("bucket %s does not exist: %w", e.config.Bucket, err)
		}
		return fmt.Errorf("failed to put object %s in bucket %s: %w", key, e.config.Bucket, err)
	}

	log.Info().
		Str("bucket", e.config.Bucket).
		Str("key", key).
		Int64("revision", result.Revision).
		Msg("template published")
	return nil
}

func (e *S3Emitter) objectKey(cluster string) string {
	if e.config.Key != "" {
		return e.config.Key
	}
	return fmt.Sprintf("cellar/%s/template.%s", cluster, e.config.Format)
}

// Close is a no-op for S3 emitter.
func (e *S3Emitter) Close() error {
	return nil
}

func contentType(f template.Format) string {
	if f == template.FormatJSON {
		return "application/json"
	}
	return "application/yaml"
}

// isNoSuchBucket checks typed S3 errors first, then the API error code.
func isNoSuchBucket(err error) bool {
	var nsb *s3types.NoSuchBucket
	if errors.As(err, &nsb) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "NoSuchBucket"
	}
	return false
}
