package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

// putAPI is the S3 surface the uploader uses.
type putAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader archives release directories to S3.
type Uploader struct {
	cfg    Config
	client putAPI
	logger *zap.Logger
}

// New builds an Uploader with a client from the default credential chain.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Uploader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	region := cfg.Region
	if region == "" && cfg.Endpoint == "" {
		region = DefaultAWSRegion
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		staticCreds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCreds))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return NewWithClient(cfg, client, logger)
}

// NewWithClient builds an Uploader around an existing client.
func NewWithClient(cfg Config, client putAPI, logger *zap.Logger) (*Uploader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{cfg: cfg, client: client, logger: logger}, nil
}

// Archive packs releaseDir into a tar.gz and uploads it.
//
// The archive is spooled before upload so the SDK gets a seekable body
// for retries. Returns the s3:// location of the uploaded object.
func (u *Uploader) Archive(ctx context.Context, releaseDir, releaseID string) (string, error) {
	body, size, err := spoolTarball(releaseDir, releaseID)
	if err != nil {
		return "", fmt.Errorf("archive: pack %s: %w", releaseID, err)
	}
	defer body.Close()

	key := u.key(releaseID)
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.cfg.Bucket),
		Key:           aws.String(key),
		Body:          body.Reader(),
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/gzip"),
	})
	if err != nil {
		return "", fmt.Errorf("archive: upload %s: %w", key, classify(err))
	}

	location := "s3://" + u.cfg.Bucket + "/" + key
	u.logger.Info("release archived",
		zap.String("release_id", releaseID),
		zap.String("location", location),
		zap.Int64("bytes", size))
	return location, nil
}

func (u *Uploader) key(releaseID string) string {
	prefix := strings.TrimPrefix(u.cfg.Prefix, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix + releaseID + ".tar.gz"
}

// classify surfaces the S3 error code when present.
func classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())
	}
	return err
}

// spoolMaxMemoryBytes controls how large an archive is buffered in memory
// to make PUT retries seekable. Larger archives are spooled to a temp file.
const spoolMaxMemoryBytes int64 = 16 << 20 // 16 MiB

// spooledBody is a seekable, closeable archive body.
type spooledBody struct {
	reader  io.ReadSeeker
	cleanup func() error
}

func (b *spooledBody) Reader() io.ReadSeeker { return b.reader }

func (b *spooledBody) Close() error {
	if b.cleanup == nil {
		return nil
	}
	return b.cleanup()
}

// spoolTarball writes the tar.gz to a temp file, then keeps small archives
// in memory and hands large ones back as the file itself.
func spoolTarball(releaseDir, releaseID string) (*spooledBody, int64, error) {
	f, err := os.CreateTemp("", "pushdeploy-archive-*")
	if err != nil {
		return nil, 0, err
	}

	size, err := writeTarball(f, releaseDir, releaseID)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, 0, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, 0, err
	}

	if size <= spoolMaxMemoryBytes {
		data, err := io.ReadAll(f)
		name := f.Name()
		_ = f.Close()
		_ = os.Remove(name)
		if err != nil {
			return nil, 0, err
		}
		return &spooledBody{reader: bytes.NewReader(data)}, size, nil
	}

	return &spooledBody{
		reader: f,
		cleanup: func() error {
			name := f.Name()
			closeErr := f.Close()
			rmErr := os.Remove(name)
			if closeErr != nil {
				return fmt.Errorf("close temp file: %w", closeErr)
			}
			if rmErr != nil {
				return fmt.Errorf("remove temp file: %w", rmErr)
			}
			return nil
		},
	}, size, nil
}

// writeTarball streams releaseDir into w as gzip-compressed tar and
// returns the compressed size. Entries are rooted at the release ID so an
// extracted archive unpacks into a single directory.
func writeTarball(w io.Writer, releaseDir, releaseID string) (int64, error) {
	counter := &countingWriter{w: w}
	gz := gzip.NewWriter(counter)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(releaseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(releaseDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		link := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = releaseID + "/" + filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return 0, err
	}

	if err := tw.Close(); err != nil {
		return 0, err
	}
	if err := gz.Close(); err != nil {
		return 0, err
	}
	return counter.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
