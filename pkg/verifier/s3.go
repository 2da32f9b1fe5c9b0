package verifier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/wisbric/uploadgw/pkg/webhook"
)

// S3Checker implements HeadChecker against S3 and R2 (R2 via a custom
// endpoint, same API surface). A fresh client is built per call from the
// record's own locator credentials — these are short-lived, per-tenant
// credentials, not a shared service identity, so pooling clients across
// tenants buys nothing.
type S3Checker struct{}

// NewS3Checker creates an S3Checker.
func NewS3Checker() *S3Checker { return &S3Checker{} }

// Head issues a HeadObject request for locator's (bucket, key) and reports
// existence plus metadata (spec.md §4.4).
func (c *S3Checker) Head(ctx context.Context, locator webhook.ProviderLocator) (Metadata, bool, error) {
	client, err := c.buildClient(locator)
	if err != nil {
		return Metadata{}, false, fmt.Errorf("building s3 client: %w", err)
	}

	out, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(locator.Bucket),
		Key:    aws.String(locator.Key),
	})
	if err != nil {
		if isNotFound(err) {
			return Metadata{}, false, nil
		}
		return Metadata{}, false, &RetryableError{Err: fmt.Errorf("head object %s/%s: %w", locator.Bucket, locator.Key, err)}
	}

	meta := Metadata{
		UserMetadata: out.Metadata,
	}
	if out.ContentLength != nil {
		meta.ContentLength = *out.ContentLength
	}
	if out.ContentType != nil {
		meta.ContentType = *out.ContentType
	}
	if out.ETag != nil {
		meta.Etag = strings.Trim(*out.ETag, `"`)
	}
	if out.LastModified != nil {
		meta.LastModified = out.LastModified.UTC().Format("2006-01-02T15:04:05Z")
	}
	return meta, true, nil
}

func (c *S3Checker) buildClient(locator webhook.ProviderLocator) (*s3.Client, error) {
	if locator.Credentials == nil {
		return nil, errors.New("no credentials in provider locator")
	}
	creds := credentials.NewStaticCredentialsProvider(
		locator.Credentials.AccessKeyID,
		locator.Credentials.SecretAccessKey,
		locator.Credentials.SessionToken,
	)

	opts := []func(*s3.Options){
		func(o *s3.Options) {
			o.Credentials = creds
			o.Region = firstNonEmpty(locator.Region, "us-east-1")
		},
	}
	if locator.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(locator.Endpoint)
			o.UsePathStyle = true // R2 and most S3-compatible endpoints require path-style addressing
		})
	}
	return s3.New(s3.Options{}, opts...), nil
}

func isNotFound(err error) bool {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == 404
	}
	return strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
