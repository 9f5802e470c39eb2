package corpus

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"ipalab/internal/model"
)

// S3Source streams the image objects below an s3://bucket/prefix locator in
// key order. Objects are fetched one at a time as the stream advances.
type S3Source struct {
	client s3iface.S3API
	bucket string
	keys   []string
	pos    int
}

func NewS3Source(ctx context.Context, client s3iface.S3API, locator string) (*S3Source, error) {
	bucket, prefix, err := parseS3Locator(locator)
	if err != nil {
		return nil, err
	}
	params := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	var keys []string
	err = client.ListObjectsV2PagesWithContext(ctx, params, func(p *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range p.Contents {
			// zero sized objects are directory markers
			if aws.Int64Value(obj.Size) == 0 {
				continue
			}
			key := aws.StringValue(obj.Key)
			if imageExtensions[strings.ToLower(path.Ext(key))] {
				keys = append(keys, key)
			}
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("list objects in %s: %w", locator, err)
	}
	return &S3Source{client: client, bucket: bucket, keys: keys}, nil
}

// DefaultS3Client builds a client from the shared AWS configuration.
func DefaultS3Client(region string) (s3iface.S3API, error) {
	sess, err := session.NewSession()
	if err != nil {
		return nil, err
	}
	cfg := aws.NewConfig()
	if region != "" {
		cfg = cfg.WithRegion(region)
	}
	return s3.New(sess, cfg), nil
}

func (s *S3Source) Next(ctx context.Context) (model.LabeledImage, error) {
	if s.pos >= len(s.keys) {
		return model.LabeledImage{}, io.EOF
	}
	key := s.keys[s.pos]
	s.pos++

	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return model.LabeledImage{}, fmt.Errorf("get s3://%s/%s: %w", s.bucket, key, err)
	}
	defer out.Body.Close()
	return decodeImage(stem(key), out.Body)
}

func (s *S3Source) Close() error { return nil }

func parseS3Locator(locator string) (string, string, error) {
	u, err := url.Parse(locator)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("not an s3 locator: %s", locator)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}
