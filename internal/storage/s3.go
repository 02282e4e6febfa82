package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	appconfig "resticserver/internal/config"
	"resticserver/internal/repo"
)

// s3API is the subset of the S3 client used by S3Store.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type s3Uploader interface {
	UploadObject(ctx context.Context, input *transfermanager.UploadObjectInput, optFns ...func(*transfermanager.Options)) (*transfermanager.UploadObjectOutput, error)
}

type listObjectsV2Paginator interface {
	HasMorePages() bool
	NextPage(ctx context.Context, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type awsListObjectsV2Paginator struct {
	inner *s3.ListObjectsV2Paginator
}

func (p *awsListObjectsV2Paginator) HasMorePages() bool {
	return p.inner != nil && p.inner.HasMorePages()
}

func (p *awsListObjectsV2Paginator) NextPage(ctx context.Context, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if p.inner == nil {
		return nil, errors.New("s3 paginator is not configured")
	}
	return p.inner.NextPage(ctx, optFns...)
}

// S3Store keeps objects in an S3-compatible bucket. Keys follow
// prefix/[repoName/]type[/name]; data blobs are not sharded because
// object stores have no directory fan-out to limit.
type S3Store struct {
	api      s3API
	uploader s3Uploader
	bucket   string
	prefix   string

	newListObjectsV2Paginator func(client s3.ListObjectsV2APIClient, input *s3.ListObjectsV2Input) listObjectsV2Paginator
}

// NewS3Store builds an S3-backed store from configuration. The bucket
// and region are required; a non-empty endpoint switches the client
// to path-style addressing for S3-compatible services.
func NewS3Store(cfg appconfig.S3Config) (*S3Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("s3 bucket is required")
	}
	if strings.TrimSpace(cfg.Region) == "" {
		return nil, errors.New("s3 region is required")
	}
	if cfg.Endpoint != "" {
		parsed, err := url.Parse(cfg.Endpoint)
		if err != nil || parsed.Host == "" {
			return nil, fmt.Errorf("s3 endpoint must be a valid http(s) URL: %q", cfg.Endpoint)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return nil, fmt.Errorf("s3 endpoint must use http or https: %q", cfg.Endpoint)
		}
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{
		api:      client,
		uploader: transfermanager.New(client),
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		newListObjectsV2Paginator: func(c s3.ListObjectsV2APIClient, input *s3.ListObjectsV2Input) listObjectsV2Paginator {
			return &awsListObjectsV2Paginator{inner: s3.NewListObjectsV2Paginator(c, input)}
		},
	}, nil
}

// objectKey builds the bucket key for an object, validating the
// repository, type, and name on the way.
func (s *S3Store) objectKey(repoName string, t repo.Type, name string) (string, error) {
	if _, err := repo.ParseType(string(t)); err != nil {
		return "", err
	}
	if err := repo.ValidateName(t, name); err != nil {
		return "", err
	}
	if t == repo.TypeConfig {
		return s.join(repoName, string(repo.TypeConfig)), nil
	}
	return s.join(repoName, string(t), name), nil
}

func (s *S3Store) typePrefix(repoName string, t repo.Type) (string, error) {
	if _, err := repo.ParseType(string(t)); err != nil {
		return "", err
	}
	if err := repo.ValidateRepoName(repoName); err != nil {
		return "", err
	}
	return s.join(repoName, string(t)) + "/", nil
}

func (s *S3Store) join(parts ...string) string {
	joined := make([]string, 0, len(parts)+1)
	if s.prefix != "" {
		joined = append(joined, s.prefix)
	}
	for _, p := range parts {
		if p != "" {
			joined = append(joined, p)
		}
	}
	return strings.Join(joined, "/")
}

func (s *S3Store) Stat(ctx context.Context, repoName string, t repo.Type, name string) (int64, error) {
	if err := repo.ValidateRepoName(repoName); err != nil {
		return 0, err
	}
	key, err := s.objectKey(repoName, t, name)
	if err != nil {
		return 0, err
	}
	out, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("head object: %w", err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

func (s *S3Store) Open(ctx context.Context, repoName string, t repo.Type, name string, offset, length int64) (io.ReadCloser, int64, error) {
	size, err := s.Stat(ctx, repoName, t, name)
	if err != nil {
		return nil, 0, err
	}
	if err := checkRange(offset, length, size); err != nil {
		return nil, 0, err
	}
	key, err := s.objectKey(repoName, t, name)
	if err != nil {
		return nil, 0, err
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if offset != 0 || length >= 0 {
		if length >= 0 {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
		} else {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
		}
	}
	out, err := s.api.GetObject(ctx, input)
	if err != nil {
		if isS3NotFound(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("get object: %w", err)
	}
	return out.Body, size, nil
}

func (s *S3Store) Save(ctx context.Context, repoName string, t repo.Type, name string, body io.Reader, expected int64) error {
	if err := repo.ValidateRepoName(repoName); err != nil {
		return err
	}
	key, err := s.objectKey(repoName, t, name)
	if err != nil {
		return err
	}
	if s.uploader == nil {
		return errors.New("s3 uploader is not configured")
	}

	// Buffer the body so a short or oversized request never reaches
	// the bucket; the upload happens only once the length checks out.
	buf := new(bytes.Buffer)
	written, err := io.Copy(buf, body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if expected >= 0 && written != expected {
		return fmt.Errorf("%w: declared %d bytes, received %d", ErrLengthMismatch, expected, written)
	}

	_, err = s.uploader.UploadObject(ctx, &transfermanager.UploadObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentLength: aws.Int64(written),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

func (s *S3Store) Delete(ctx context.Context, repoName string, t repo.Type, name string) error {
	// S3 deletes are silently idempotent; the protocol wants a
	// second delete to be detectable, so probe first.
	if _, err := s.Stat(ctx, repoName, t, name); err != nil {
		return err
	}
	key, err := s.objectKey(repoName, t, name)
	if err != nil {
		return err
	}
	if _, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func (s *S3Store) List(ctx context.Context, repoName string, t repo.Type) ([]ObjectInfo, error) {
	if t == repo.TypeConfig {
		return nil, repo.ErrInvalidType
	}
	keyPrefix, err := s.typePrefix(repoName, t)
	if err != nil {
		return nil, err
	}

	objects := []ObjectInfo{}
	paginator := s.newListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(keyPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			name := strings.TrimPrefix(key, keyPrefix)
			if repo.ValidateName(t, name) != nil {
				continue
			}
			objects = append(objects, ObjectInfo{Name: name, Size: aws.ToInt64(obj.Size)})
		}
	}
	return objects, nil
}

// CreateRepository is a no-op for buckets: S3 has no directories to
// pre-create, and creation must be idempotent anyway.
func (s *S3Store) CreateRepository(_ context.Context, repoName string) error {
	return repo.ValidateRepoName(repoName)
}

func (s *S3Store) DeleteRepository(ctx context.Context, repoName string) error {
	if err := repo.ValidateRepoName(repoName); err != nil {
		return err
	}
	keyPrefix := s.join(repoName)
	if keyPrefix != "" {
		keyPrefix += "/"
	}

	deleted := 0
	paginator := s.newListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(keyPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list repository objects: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			if _, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    obj.Key,
			}); err != nil {
				return fmt.Errorf("delete repository object: %w", err)
			}
			deleted++
		}
	}
	if deleted == 0 {
		return ErrNotFound
	}
	return nil
}

// isS3NotFound reports whether err indicates a missing bucket key.
func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

var _ ObjectStore = (*S3Store)(nil)
