// Package verifier implements the object verifier (C7): a provider-specific
// existence/metadata check used only under auto trigger (spec.md §4.4).
package verifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/wisbric/uploadgw/pkg/webhook"
)

// Reasons used when verification is skipped or the object isn't found.
const (
	ReasonProviderNoVerification = "provider_no_verification"
	ReasonNoCredentialsStored    = "no_credentials_stored"
	ReasonNotFound               = "not_found"
)

// Metadata is the provider-reported object metadata returned on a
// successful HEAD-equivalent check.
type Metadata struct {
	ContentLength int64
	ContentType   string
	Etag          string
	LastModified  string
	UserMetadata  map[string]string
}

// Result is Verify's outcome (spec.md §4.4: "Verify(record) → {exists,
// metadata, skipped, reason}").
type Result struct {
	Exists   bool
	Metadata *Metadata
	Skipped  bool
	Reason   string
}

// RetryableError wraps a transient provider error (network, 5xx) that the
// delivery engine should retry rather than treat as a permanent failure.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// IsRetryable reports whether err should be retried rather than dead-lettered
// immediately as a permanent failure.
func IsRetryable(err error) bool {
	var re *RetryableError
	var mismatch *ETagMismatchError
	return errors.As(err, &re) || errors.As(err, &mismatch)
}

// ETagMismatchError is raised when the verifier observes an etag different
// from the one already recorded (spec.md §4.4, §7: "treated as transient").
type ETagMismatchError struct {
	Expected, Got string
}

func (e *ETagMismatchError) Error() string {
	return fmt.Sprintf("ETag mismatch: expected %q, got %q", e.Expected, e.Got)
}

// HeadChecker performs the actual provider-specific existence/metadata
// lookup. S3Checker implements this for S3/R2; other providers never need
// one because they short-circuit to a skip result.
type HeadChecker interface {
	Head(ctx context.Context, locator webhook.ProviderLocator) (Metadata, bool, error)
}

// Verifier dispatches Verify by provider type.
type Verifier struct {
	s3 HeadChecker
}

// New creates a Verifier. s3 handles both S3 and R2 (R2 uses the S3 API
// surface with a custom endpoint).
func New(s3 HeadChecker) *Verifier {
	return &Verifier{s3: s3}
}

// Verify checks object existence/metadata for rec, given its decrypted
// provider locator (spec.md §4.4).
func (v *Verifier) Verify(ctx context.Context, rec webhook.Record, locator webhook.ProviderLocator) (Result, error) {
	switch rec.Provider {
	case webhook.ProviderSupabase, webhook.ProviderUploadcare, webhook.ProviderVercel:
		return Result{Exists: true, Skipped: true, Reason: ReasonProviderNoVerification}, nil

	case webhook.ProviderS3, webhook.ProviderR2:
		if locator.Credentials == nil {
			return Result{Exists: true, Skipped: true, Reason: ReasonNoCredentialsStored}, nil
		}
		meta, exists, err := v.s3.Head(ctx, locator)
		if err != nil {
			return Result{}, err
		}
		if !exists {
			return Result{Exists: false, Reason: ReasonNotFound}, nil
		}
		if rec.Etag != "" && meta.Etag != "" && rec.Etag != meta.Etag {
			return Result{}, &ETagMismatchError{Expected: rec.Etag, Got: meta.Etag}
		}
		return Result{Exists: true, Metadata: &meta}, nil

	default:
		return Result{}, fmt.Errorf("verifier: unknown provider %q", rec.Provider)
	}
}
