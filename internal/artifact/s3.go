package artifact

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/linewatch/linewatch/internal/config"
)

// s3API is the subset of the S3 client used here, narrowed for testing.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3 uploads every file of a training run under
// <prefix><lineID>/<runID>/ and references the model as s3://bucket/key.
// Resolve downloads the whole run into CacheDir once.
type S3 struct {
	client   s3API
	bucket   string
	prefix   string
	cacheDir string
}

// NewS3 creates an S3 artifact store using the default AWS credential chain.
func NewS3(ctx context.Context, cfg config.S3Config, cacheDir string) (*S3, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("artifact: load aws config: %w", err)
	}
	return newS3(s3.NewFromConfig(awsCfg), cfg.Bucket, cfg.Prefix, cacheDir), nil
}

func newS3(client s3API, bucket, prefix, cacheDir string) *S3 {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3{client: client, bucket: bucket, prefix: prefix, cacheDir: cacheDir}
}

// Publish uploads the staged run and returns the model's s3:// URI.
func (s *S3) Publish(ctx context.Context, req PublishRequest) (string, error) {
	rel, err := filepath.Rel(req.StageDir, req.ModelPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("artifact: model %s is outside stage dir %s", req.ModelPath, req.StageDir)
	}
	runPrefix := fmt.Sprintf("%s%d/%s/", s.prefix, req.LineID, req.RunID)

	var uploaded int
	err = filepath.WalkDir(req.StageDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		r, err := filepath.Rel(req.StageDir, p)
		if err != nil {
			return err
		}
		if err := s.upload(ctx, p, runPrefix+filepath.ToSlash(r)); err != nil {
			return err
		}
		uploaded++
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("artifact: publish line %d run %s: %w", req.LineID, req.RunID, err)
	}
	if uploaded == 0 {
		return "", fmt.Errorf("artifact: publish line %d run %s: stage dir is empty", req.LineID, req.RunID)
	}

	key := runPrefix + filepath.ToSlash(rel)
	if rel == "." {
		key = runPrefix
	}
	log.Printf("artifact: uploaded %d files to s3://%s/%s", uploaded, s.bucket, runPrefix)
	return "s3://" + s.bucket + "/" + key, nil
}

func (s *S3) upload(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Resolve maps an s3:// reference to a local path, downloading its run on
// first use. Plain paths are returned unchanged.
func (s *S3) Resolve(ctx context.Context, ref string) (string, error) {
	if !strings.HasPrefix(ref, "s3://") {
		return Local{}.Resolve(ctx, ref)
	}
	bucket, key, ok := strings.Cut(strings.TrimPrefix(ref, "s3://"), "/")
	if !ok || bucket == "" {
		return "", fmt.Errorf("artifact: malformed reference %q", ref)
	}
	runPrefix, err := s.runPrefix(key)
	if err != nil {
		return "", err
	}

	local := filepath.Join(s.cacheDir, bucket, filepath.FromSlash(key))
	if _, err := os.Stat(local); err == nil {
		return local, nil
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(runPrefix),
	})
	var fetched int
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return "", fmt.Errorf("artifact: list s3://%s/%s: %w", bucket, runPrefix, err)
		}
		for _, obj := range page.Contents {
			objKey := aws.ToString(obj.Key)
			dst := filepath.Join(s.cacheDir, bucket, filepath.FromSlash(objKey))
			if err := s.download(ctx, bucket, objKey, dst); err != nil {
				return "", fmt.Errorf("artifact: resolve %s: %w", ref, err)
			}
			fetched++
		}
	}
	if fetched == 0 {
		return "", fmt.Errorf("artifact: resolve %s: no objects under s3://%s/%s", ref, bucket, runPrefix)
	}
	log.Printf("artifact: fetched %d files for %s", fetched, ref)
	return local, nil
}

// runPrefix returns the <prefix><line>/<run>/ part of a model key.
func (s *S3) runPrefix(key string) (string, error) {
	rest := strings.TrimPrefix(key, s.prefix)
	parts := strings.SplitN(rest, "/", 3)
	if (rest == key && s.prefix != "") || len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("artifact: key %q is not under %s<line>/<run>/", key, s.prefix)
	}
	return s.prefix + path.Join(parts[0], parts[1]) + "/", nil
}

func (s *S3) download(ctx context.Context, bucket, key, dst string) error {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	defer out.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return f.Close()
}
