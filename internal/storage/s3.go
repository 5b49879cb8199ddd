// Package storage keeps user images in S3-compatible blob storage.
package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"portal-backend/internal/apperr"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// MaxImageBytes bounds a decoded upload.
const MaxImageBytes = 5 << 20

var imageExt = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// Config holds S3 connection settings
type Config struct {
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	// Endpoint points at an S3-compatible provider; empty means AWS.
	Endpoint string
	// PublicURL is the base of the URLs handed to clients.
	PublicURL    string
	UsePathStyle bool
}

// S3Store uploads and removes images
type S3Store struct {
	client  *s3.Client
	bucket  string
	baseURL string
}

// NewS3Store creates an S3 client from static credentials.
func NewS3Store(ctx context.Context, cfg Config) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// third-party providers reject the newer default checksums
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Store{
		client:  client,
		bucket:  cfg.Bucket,
		baseURL: publicBase(cfg),
	}, nil
}

func publicBase(cfg Config) string {
	switch {
	case cfg.PublicURL != "":
		return strings.TrimRight(cfg.PublicURL, "/")
	case cfg.Endpoint != "":
		return strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
	}
}

// UploadBase64 decodes a base64 image, optionally wrapped in a data URL,
// stores it under prefix and returns its public URL.
func (s *S3Store) UploadBase64(ctx context.Context, prefix, encoded string) (string, error) {
	data, contentType, err := DecodeImage(encoded)
	if err != nil {
		return "", err
	}

	key := strings.Trim(prefix, "/") + "/" + uuid.New().String() + imageExt[contentType]
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", apperr.Wrap(apperr.KindStoreUnavailable, "failed to upload image", err)
	}

	log.Debug().Str("key", key).Int("bytes", len(data)).Msg("Image uploaded")
	return s.baseURL + "/" + key, nil
}

// Delete removes the objects behind the given URLs. URLs outside this
// store are ignored.
func (s *S3Store) Delete(ctx context.Context, urls ...string) error {
	for _, url := range urls {
		key, ok := s.keyOf(url)
		if !ok {
			continue
		}
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
	}
	return nil
}

func (s *S3Store) keyOf(url string) (string, bool) {
	key, ok := strings.CutPrefix(url, s.baseURL+"/")
	return key, ok && key != ""
}

// DecodeImage returns the bytes and sniffed content type of a base64
// image. Only png, jpeg, gif and webp are accepted.
func DecodeImage(encoded string) ([]byte, string, error) {
	encoded = strings.TrimSpace(encoded)
	if rest, ok := strings.CutPrefix(encoded, "data:"); ok {
		meta, payload, found := strings.Cut(rest, ",")
		if !found || !strings.HasSuffix(meta, ";base64") {
			return nil, "", apperr.New(apperr.KindInvalidArgument, "image must be a base64 data URL")
		}
		encoded = payload
	}
	if encoded == "" {
		return nil, "", apperr.New(apperr.KindInvalidArgument, "image is empty")
	}
	if base64.StdEncoding.DecodedLen(len(encoded)) > MaxImageBytes {
		return nil, "", apperr.New(apperr.KindInvalidArgument, "image is too large")
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.KindInvalidArgument, "image is not valid base64", err)
	}

	contentType := http.DetectContentType(data)
	if _, ok := imageExt[contentType]; !ok {
		return nil, "", apperr.New(apperr.KindInvalidArgument, "unsupported image type "+contentType)
	}
	return data, contentType, nil
}
