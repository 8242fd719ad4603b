package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/reflexive-dev/reflexive/pkg/types"
)

// S3Config configures the S3-compatible object-store backend.
type S3Config struct {
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
	Prefix          string // key prefix, default "snapshots/"
}

// S3Store persists snapshots as one JSON object per ID under Prefix. S3 is
// always the source of truth; there is no local cache layer here because
// snapshots (unlike CRIU checkpoints) are small JSON documents, not
// multi-gigabyte workspace archives.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store creates an S3Store. If AccessKeyID is empty the default AWS
// credential chain is used (IAM instance profile, environment, etc).
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "snapshots/"
	}

	var client *s3.Client
	if cfg.AccessKeyID != "" {
		opts := []func(*s3.Options){
			func(o *s3.Options) {
				o.Region = cfg.Region
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
				if cfg.ForcePathStyle {
					o.UsePathStyle = true
				}
				if cfg.Endpoint != "" {
					o.BaseEndpoint = aws.String(cfg.Endpoint)
				}
			},
		}
		client = s3.New(s3.Options{}, opts...)
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("s3store: failed to load AWS config: %w", err)
		}
		var s3Opts []func(*s3.Options)
		if cfg.ForcePathStyle {
			s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
		}
		if cfg.Endpoint != "" {
			s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(cfg.Endpoint) })
		}
		client = s3.NewFromConfig(awsCfg, s3Opts...)
	}

	return &S3Store{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

func (s *S3Store) key(id string) string {
	return fmt.Sprintf("%s%s.json", s.prefix, id)
}

// Save uploads snapshot as a JSON object, overwriting any prior version.
func (s *S3Store) Save(snapshot types.Snapshot) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("s3store: marshal: %w", err)
	}
	ctx := context.Background()
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(snapshot.ID)),
		Body:          bytes.NewReader(raw),
		ContentLength: aws.Int64(int64(len(raw))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3store: put %s: %w", snapshot.ID, err)
	}
	return nil
}

// Load downloads and unmarshals the snapshot for id, returning nil if absent.
func (s *S3Store) Load(id string) (*types.Snapshot, error) {
	ctx := context.Background()
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("s3store: get %s: %w", id, err)
	}
	defer out.Body.Close()

	var snapshot types.Snapshot
	if err := json.NewDecoder(out.Body).Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("s3store: decode %s: %w", id, err)
	}
	return &snapshot, nil
}

// List enumerates every object under Prefix and loads each one. For large
// snapshot counts this is O(n) GETs; acceptable given snapshots are an
// operator-triggered, low-frequency path rather than a hot one.
func (s *S3Store) List() ([]types.Snapshot, error) {
	ctx := context.Background()
	var out []types.Snapshot

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3store: list: %w", err)
		}
		for _, obj := range page.Contents {
			getOut, err := s.client.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    obj.Key,
			})
			if err != nil {
				return nil, fmt.Errorf("s3store: list get %s: %w", aws.ToString(obj.Key), err)
			}
			var snapshot types.Snapshot
			decErr := json.NewDecoder(getOut.Body).Decode(&snapshot)
			getOut.Body.Close()
			if decErr != nil {
				return nil, fmt.Errorf("s3store: list decode %s: %w", aws.ToString(obj.Key), decErr)
			}
			out = append(out, snapshot)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// Delete removes the object for id, reporting whether it existed.
func (s *S3Store) Delete(id string) (bool, error) {
	existed, err := s.Exists(id)
	if err != nil {
		return false, err
	}
	if !existed {
		return false, nil
	}
	ctx := context.Background()
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		return false, fmt.Errorf("s3store: delete %s: %w", id, err)
	}
	return true, nil
}

// Exists performs a HeadObject to check presence without downloading the body.
func (s *S3Store) Exists(id string) (bool, error) {
	ctx := context.Background()
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("s3store: head %s: %w", id, err)
	}
	return true, nil
}

func isNotFound(err error) bool {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == 404
	}
	return false
}
