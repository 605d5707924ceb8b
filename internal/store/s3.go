package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// s3Remote lists and downloads a bucket prefix. The remote URL carries the
// connection details: s3://bucket/prefix?endpoint=host&region=r&insecure=1;
// the endpoint defaults to AWS. Credentials come from the sync token
// ("access:secret") or the standard AWS environment variables.
type s3Remote struct {
	client *minio.Client
	bucket string
	prefix string
	label  string
}

func newS3Remote(raw, token string) (*s3Remote, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse sync remote: %w", err)
	}
	bucket := u.Host
	if bucket == "" {
		return nil, errors.New("sync remote missing bucket")
	}
	prefix := strings.Trim(u.Path, "/")
	if prefix != "" {
		prefix += "/"
	}

	endpoint := u.Query().Get("endpoint")
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}
	insecure := u.Query().Get("insecure")

	var creds *credentials.Credentials
	if token != "" {
		access, secret, ok := strings.Cut(token, ":")
		if !ok {
			return nil, errors.New("s3 sync token must be access:secret")
		}
		creds = credentials.NewStaticV4(access, secret, "")
	} else {
		creds = credentials.NewEnvAWS()
	}

	opts := &minio.Options{
		Creds:  creds,
		Secure: insecure != "1" && insecure != "true",
		Region: u.Query().Get("region"),
	}
	client, err := minio.New(endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	return &s3Remote{
		client: client,
		bucket: bucket,
		prefix: prefix,
		label:  "s3://" + bucket + "/" + prefix,
	}, nil
}

func (s *s3Remote) Name() string { return s.label }

func (s *s3Remote) Fetch(ctx context.Context) (map[string][]byte, error) {
	files := make(map[string][]byte)
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s: %w", s.label, obj.Err)
		}
		name := strings.TrimPrefix(obj.Key, s.prefix)
		if !safeName(name) || !strings.HasSuffix(name, ".json") {
			continue
		}
		content, err := s.download(ctx, obj.Key)
		if err != nil {
			return nil, err
		}
		files[name] = content
	}
	return files, nil
}

func (s *s3Remote) download(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer obj.Close()
	content, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return content, nil
}
