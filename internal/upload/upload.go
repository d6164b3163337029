// Package upload issues presigned PUT URLs so clients can send video bytes
// straight to object storage.
package upload

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/cliprelay/internal/config"
)

var ErrValidation = errors.New("invalid upload request")

var extPattern = regexp.MustCompile(`^\.[a-z0-9]{1,8}$`)

// Presigner is the part of *s3.PresignClient the issuer needs.
type Presigner interface {
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Request asks for a slot to upload one file.
type Request struct {
	OwnerID     uuid.UUID
	Filename    string
	ContentType string
	Size        int64
}

// Slot tells the client where and how to PUT the file, and which URL to use
// as the original once the upload finishes.
type Slot struct {
	StorageKey  string            `json:"storage_key"`
	UploadURL   string            `json:"upload_url"`
	Method      string            `json:"method"`
	Headers     map[string]string `json:"headers"`
	ExpiresAt   time.Time         `json:"expires_at"`
	OriginalURL string            `json:"original_url"`
}

// Issuer validates upload requests and presigns object keys for them.
type Issuer struct {
	presigner     Presigner
	bucket        string
	publicBaseURL string
	expiry        time.Duration
	maxBytes      int64
	now           func() time.Time
	newID         func() uuid.UUID
}

// Option configures an Issuer.
type Option func(*Issuer)

func WithPresigner(p Presigner) Option {
	return func(i *Issuer) { i.presigner = p }
}

func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

func WithIDGenerator(f func() uuid.UUID) Option {
	return func(i *Issuer) { i.newID = f }
}

// NewIssuer builds an S3 presign client from storage settings. No network
// call is made; presigning is local.
func NewIssuer(cfg config.StorageConfig, opts ...Option) *Issuer {
	i := &Issuer{
		bucket:        cfg.Bucket,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		expiry:        cfg.PresignExpiry,
		maxBytes:      cfg.MaxUploadBytes,
		now:           time.Now,
		newID:         uuid.New,
	}
	if i.expiry <= 0 {
		i.expiry = 15 * time.Minute
	}
	for _, opt := range opts {
		opt(i)
	}

	if i.presigner == nil {
		s3Opts := s3.Options{
			Region:       cfg.Region,
			Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
			UsePathStyle: cfg.UsePathStyle,
		}
		if cfg.Endpoint != "" {
			s3Opts.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		i.presigner = s3.NewPresignClient(s3.New(s3Opts))
	}
	return i
}

// Issue validates req and returns a presigned slot.
func (i *Issuer) Issue(ctx context.Context, req Request) (*Slot, error) {
	contentType, err := i.validate(req)
	if err != nil {
		return nil, err
	}

	key := i.storageKey(req.OwnerID, req.Filename)
	issuedAt := i.now()

	presigned, err := i.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(i.bucket),
		Key:           aws.String(key),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(req.Size),
	}, s3.WithPresignExpires(i.expiry))
	if err != nil {
		return nil, fmt.Errorf("presign upload: %w", err)
	}

	headers := map[string]string{"Content-Type": contentType}
	for name, vals := range presigned.SignedHeader {
		if strings.EqualFold(name, "Host") || len(vals) == 0 {
			continue
		}
		headers[http.CanonicalHeaderKey(name)] = vals[0]
	}

	method := presigned.Method
	if method == "" {
		method = http.MethodPut
	}

	return &Slot{
		StorageKey:  key,
		UploadURL:   presigned.URL,
		Method:      method,
		Headers:     headers,
		ExpiresAt:   issuedAt.Add(i.expiry).UTC(),
		OriginalURL: i.publicBaseURL + "/" + key,
	}, nil
}

func (i *Issuer) validate(req Request) (string, error) {
	if req.OwnerID == uuid.Nil {
		return "", fmt.Errorf("%w: owner is required", ErrValidation)
	}
	if strings.TrimSpace(req.Filename) == "" {
		return "", fmt.Errorf("%w: filename is required", ErrValidation)
	}

	mediaType, _, err := mime.ParseMediaType(req.ContentType)
	if err != nil {
		return "", fmt.Errorf("%w: content_type %q is not a media type", ErrValidation, req.ContentType)
	}
	if !strings.HasPrefix(mediaType, "video/") {
		return "", fmt.Errorf("%w: content_type must be video/*, got %q", ErrValidation, mediaType)
	}

	if req.Size <= 0 {
		return "", fmt.Errorf("%w: size must be positive", ErrValidation)
	}
	if i.maxBytes > 0 && req.Size > i.maxBytes {
		return "", fmt.Errorf("%w: size %d exceeds limit of %d bytes", ErrValidation, req.Size, i.maxBytes)
	}
	return mediaType, nil
}

// storageKey is uploads/<owner>/<random id><ext>. The client's filename only
// contributes a sanitized extension.
func (i *Issuer) storageKey(owner uuid.UUID, filename string) string {
	ext := strings.ToLower(path.Ext(strings.ReplaceAll(filename, "\\", "/")))
	if !extPattern.MatchString(ext) {
		ext = ""
	}
	return fmt.Sprintf("uploads/%s/%s%s", owner, i.newID(), ext)
}
