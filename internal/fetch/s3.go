package fetch

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
)

type S3Options struct {
	Region   string
	Endpoint string
	// Static credentials; when empty the SDK's default chain is used.
	AccessKey string
	SecretKey string
	// PathStyle addresses buckets as ENDPOINT/BUCKET, as most S3-compatible
	// stores require.
	PathStyle bool
}

// S3 downloads an object named by an s3://bucket/key identifier.
type S3 struct {
	client *s3.S3
	logger *log.Logger
}

func NewS3(opts S3Options, logger *log.Logger) (*S3, error) {
	cfg := aws.Config{
		Region:           aws.String(valueOr(opts.Region, "us-east-1")),
		S3ForcePathStyle: aws.Bool(opts.PathStyle),
	}
	if opts.Endpoint != "" {
		cfg.Endpoint = aws.String(opts.Endpoint)
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(opts.AccessKey, opts.SecretKey, "")
	}
	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("create AWS session: %w", err)
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &S3{client: s3.New(sess), logger: logger}, nil
}

// ParseS3URI splits s3://bucket/key.
func ParseS3URI(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse %q: %w", raw, err)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Scheme != "s3" || u.Host == "" || key == "" {
		return "", "", fmt.Errorf("%q is not an s3://bucket/key URI", raw)
	}
	return u.Host, key, nil
}

func (s *S3) Fetch(ctx context.Context, identifier, dest string, force bool) error {
	fail := func(err error) error {
		return &FetchError{Source: "s3", Identifier: identifier, Destination: dest, Err: err}
	}
	skip, err := Skip(dest, force)
	if err != nil {
		return fail(err)
	}
	if skip {
		s.logger.Info("image already present, skipping download", "path", dest)
		return nil
	}
	bucket, key, err := ParseS3URI(identifier)
	if err != nil {
		return fail(err)
	}

	res, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fail(fmt.Errorf("get object: %w", err))
	}
	defer res.Body.Close()

	n, err := writeAtomically(dest, res.Body)
	if err != nil {
		return fail(err)
	}
	s.logger.Info("image downloaded", "path", dest, "size", humanize.Bytes(uint64(n)))
	return nil
}

// writeAtomically streams r into a temporary sibling of dest and renames it
// into place.
func writeAtomically(dest string, r io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".tmp-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if err != nil {
		_ = tmp.Close()
		return n, fmt.Errorf("write %q: %w", dest, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return n, err
	}
	if err := tmp.Close(); err != nil {
		return n, err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return n, fmt.Errorf("store %q: %w", dest, err)
	}
	return n, nil
}
