package attachments

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"keygate/internal/providers"
)

const (
	DefaultPresignExpiry = 15 * time.Minute
	DefaultMaxBytes      = 20 << 20
)

var ErrTooLarge = errors.New("attachment too large")

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
	Bucket    string
	// Prefix is prepended to attachment ids to form object names.
	Prefix string
	// PublicBaseURL, when set, is used instead of presigned URLs.
	PublicBaseURL string
	PresignExpiry time.Duration
	MaxBytes      int64
	Logger        zerolog.Logger
}

// MinioResolver looks attachments up in an S3 compatible bucket.
type MinioResolver struct {
	client *minio.Client
	cfg    Config
	log    zerolog.Logger
}

var _ providers.AttachmentResolver = (*MinioResolver)(nil)

func NewMinioResolver(cfg Config) (*MinioResolver, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("minio endpoint is empty")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("minio bucket is empty")
	}
	if cfg.PresignExpiry <= 0 {
		cfg.PresignExpiry = DefaultPresignExpiry
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinioResolver{
		client: client,
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "attachments").Logger(),
	}, nil
}

// EnsureBucket creates the bucket when it is missing.
func (r *MinioResolver) EnsureBucket(ctx context.Context) error {
	exists, err := r.client.BucketExists(ctx, r.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := r.client.MakeBucket(ctx, r.cfg.Bucket, minio.MakeBucketOptions{Region: r.cfg.Region}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	r.log.Info().Str("bucket", r.cfg.Bucket).Msg("created attachment bucket")
	return nil
}

func (r *MinioResolver) objectName(id string) string {
	return r.cfg.Prefix + id
}

func (r *MinioResolver) Resolve(ctx context.Context, id string) (providers.Attachment, error) {
	if strings.TrimSpace(id) == "" || strings.Contains(id, "..") {
		return providers.Attachment{}, fmt.Errorf("invalid attachment id %q", id)
	}
	name := r.objectName(id)

	info, err := r.client.StatObject(ctx, r.cfg.Bucket, name, minio.StatObjectOptions{})
	if err != nil {
		return providers.Attachment{}, fmt.Errorf("stat attachment %s: %w", id, err)
	}

	link, err := r.url(ctx, name)
	if err != nil {
		return providers.Attachment{}, err
	}

	att := providers.Attachment{
		ID:       id,
		MimeType: normalizeMime(info.ContentType),
		Size:     info.Size,
		Filename: filename(info, id),
		URL:      link,
	}
	att.Fetch = func(ctx context.Context) ([]byte, error) {
		return r.fetch(ctx, name)
	}
	if att.MimeType == "application/pdf" {
		att.ExtractText = func(ctx context.Context) (string, error) {
			b, err := r.fetch(ctx, name)
			if err != nil {
				return "", err
			}
			return ExtractPDFText(b)
		}
	}
	return att, nil
}

func (r *MinioResolver) url(ctx context.Context, name string) (string, error) {
	if r.cfg.PublicBaseURL != "" {
		return r.cfg.PublicBaseURL + "/" + url.PathEscape(name), nil
	}
	u, err := r.client.PresignedGetObject(ctx, r.cfg.Bucket, name, r.cfg.PresignExpiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign attachment: %w", err)
	}
	return u.String(), nil
}

func (r *MinioResolver) fetch(ctx context.Context, name string) ([]byte, error) {
	obj, err := r.client.GetObject(ctx, r.cfg.Bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get attachment: %w", err)
	}
	defer obj.Close()

	b, err := io.ReadAll(io.LimitReader(obj, r.cfg.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	if int64(len(b)) > r.cfg.MaxBytes {
		return nil, ErrTooLarge
	}
	return b, nil
}

// ExtractPDFText returns the plain text layer of a PDF document.
func ExtractPDFText(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(plain); err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func normalizeMime(ct string) string {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if ct == "" {
		return "application/octet-stream"
	}
	return ct
}

func filename(info minio.ObjectInfo, id string) string {
	for _, k := range []string{"Filename", "filename"} {
		if v := strings.TrimSpace(info.UserMetadata[k]); v != "" {
			return v
		}
	}
	return id
}
