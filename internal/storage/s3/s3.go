// Package s3 provides an S3-compatible workspace store backend.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/fruitsalade/orchard/internal/storage"
	"github.com/fruitsalade/orchard/pkg/models"
)

// Config holds S3 connection settings.
type Config struct {
	Endpoint  string
	Bucket    string
	Prefix    string // key prefix scoping one workspace inside the bucket
	AccessKey string
	SecretKey string
	Region    string
}

// Store implements storage.Store on an S3/MinIO bucket. Documents are
// plain objects keyed by their logical path; directories exist only as
// key prefixes, which is enough because the tree is derived from a
// full listing.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// New creates an S3 store. The bucket is created if missing.
func New(ctx context.Context, cfg Config) (*Store, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               cfg.Endpoint,
				HostnameImmutable: true,
			}, nil
		},
	)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithEndpointResolverWithOptions(resolver),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true // Required for MinIO
	})

	store := &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}
	if err := store.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Store) ensureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err == nil {
		return nil
	}
	_, createErr := s.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if createErr != nil {
		return fmt.Errorf("bucket %s does not exist and cannot create: %w", s.bucket, createErr)
	}
	return nil
}

func (s *Store) key(path string) string {
	p := strings.TrimPrefix(path, "/")
	if s.prefix == "" {
		return p
	}
	return s.prefix + "/" + p
}

// Exists reports whether an object exists for path.
func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("head object %s: %w", path, err)
	}
	return true, nil
}

// Read returns the full content of the object at path.
func (s *Store) Read(ctx context.Context, path string) ([]byte, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get object %s: %w", path, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", path, err)
	}
	return data, nil
}

// Write stores content at path. PutObject completion is the durability
// point; parent "directories" need no creation on S3.
func (s *Store) Write(ctx context.Context, path string, content []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(path)),
		Body:          bytes.NewReader(content),
		ContentLength: aws.Int64(int64(len(content))),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", path, err)
	}
	return nil
}

// BuildTree lists the whole prefix and folds the flat key space into a
// directory tree with children sorted by name.
func (s *Store) BuildTree(ctx context.Context) (*models.FileNode, error) {
	root := &models.FileNode{Name: "root", Path: "/", IsDir: true, ModTime: time.Now()}
	dirs := map[string]*models.FileNode{"/": root}

	listPrefix := ""
	if s.prefix != "" {
		listPrefix = s.prefix + "/"
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(listPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range page.Contents {
			rel := strings.TrimPrefix(aws.ToString(obj.Key), listPrefix)
			if rel == "" || strings.HasSuffix(rel, "/") {
				continue
			}
			node := &models.FileNode{
				Name:  rel[strings.LastIndex(rel, "/")+1:],
				Path:  "/" + rel,
				IsDir: false,
			}
			if obj.Size != nil {
				node.Size = *obj.Size
			}
			if obj.LastModified != nil {
				node.ModTime = *obj.LastModified
			}
			parent := s.ensureDir(dirs, parentPath(node.Path))
			parent.Children = append(parent.Children, node)
		}
	}

	sortTree(root)
	return root, nil
}

func (s *Store) ensureDir(dirs map[string]*models.FileNode, path string) *models.FileNode {
	if node, ok := dirs[path]; ok {
		return node
	}
	node := &models.FileNode{
		Name:  path[strings.LastIndex(path, "/")+1:],
		Path:  path,
		IsDir: true,
	}
	dirs[path] = node
	parent := s.ensureDir(dirs, parentPath(path))
	parent.Children = append(parent.Children, node)
	return node
}

func parentPath(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

func sortTree(node *models.FileNode) {
	sort.Slice(node.Children, func(i, j int) bool {
		return node.Children[i].Name < node.Children[j].Name
	})
	for _, child := range node.Children {
		if child.IsDir {
			sortTree(child)
		}
	}
}
