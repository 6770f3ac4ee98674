package storage

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

	"github.com/fabrice-guiot/shuttersense-sub005/shared/types"
)

// s3Adapter lists a bucket prefix as a collection. Credential keys
// follow the connector payload shape: access_key_id, secret_access_key,
// region, and optionally endpoint for S3-compatible stores.
type s3Adapter struct {
	client *s3.Client
	bucket string
	prefix string
}

// newS3 builds the adapter from a collection location of the form
// "s3://bucket/prefix" or "bucket/prefix".
func newS3(location string, creds map[string]string) (*s3Adapter, error) {
	bucket, prefix, err := splitBucketLocation(location)
	if err != nil {
		return nil, err
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if region := creds["region"]; region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if ak := creds["access_key_id"]; ak != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(ak, creds["secret_access_key"], ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint := creds["endpoint"]; endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &s3Adapter{client: client, bucket: bucket, prefix: prefix}, nil
}

func splitBucketLocation(location string) (bucket, prefix string, err error) {
	loc := strings.TrimPrefix(location, "s3://")
	loc = strings.Trim(loc, "/")
	if loc == "" {
		return "", "", fmt.Errorf("storage: empty s3 location")
	}
	parts := strings.SplitN(loc, "/", 2)
	bucket = parts[0]
	if len(parts) == 2 {
		prefix = parts[1] + "/"
	}
	return bucket, prefix, nil
}

// Walk pages through ListObjectsV2 and maps every object under the
// prefix to a FileInfo. Directory marker objects are skipped.
func (a *s3Adapter) Walk(ctx context.Context) ([]types.FileInfo, error) {
	var files []types.FileInfo

	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(a.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("storage: list s3://%s/%s: %w", a.bucket, a.prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			rel := strings.TrimPrefix(key, a.prefix)
			if rel == "" || strings.HasSuffix(rel, "/") {
				continue
			}
			var mtime time.Time
			if obj.LastModified != nil {
				mtime = obj.LastModified.UTC().Truncate(time.Second)
			}
			files = append(files, types.FileInfo{
				Path:         rel,
				Size:         aws.ToInt64(obj.Size),
				LastModified: mtime,
			})
		}
	}
	return files, nil
}

// Fetch downloads one object relative to the prefix.
func (a *s3Adapter) Fetch(ctx context.Context, path string) ([]byte, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.prefix + path),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: get s3://%s/%s%s: %w", a.bucket, a.prefix, path, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("storage: read s3://%s/%s%s: %w", a.bucket, a.prefix, path, err)
	}
	return data, nil
}

// TestConnection issues a single-key listing against the prefix.
func (a *s3Adapter) TestConnection(ctx context.Context) error {
	_, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(a.bucket),
		Prefix:  aws.String(a.prefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return fmt.Errorf("storage: s3://%s/%s unreachable: %w", a.bucket, a.prefix, err)
	}
	return nil
}
