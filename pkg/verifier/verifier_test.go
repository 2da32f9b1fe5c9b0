package verifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/uploadgw/pkg/webhook"
)

type fakeHeadChecker struct {
	calls    int
	existsAt int // call number (1-indexed) at which the object starts existing; 0 = never
	meta     Metadata
	err      error
}

func (f *fakeHeadChecker) Head(ctx context.Context, locator webhook.ProviderLocator) (Metadata, bool, error) {
	f.calls++
	if f.err != nil {
		return Metadata{}, false, f.err
	}
	if f.existsAt != 0 && f.calls >= f.existsAt {
		return f.meta, true, nil
	}
	return Metadata{}, false, nil
}

func TestVerify_SkipsForProvidersWithNoHeadEquivalent(t *testing.T) {
	v := New(&fakeHeadChecker{})
	for _, provider := range []string{webhook.ProviderSupabase, webhook.ProviderUploadcare, webhook.ProviderVercel} {
		rec := webhook.Record{Provider: provider}
		result, err := v.Verify(context.Background(), rec, webhook.ProviderLocator{})
		if err != nil {
			t.Fatalf("Verify(%s) error = %v", provider, err)
		}
		if !result.Exists || !result.Skipped || result.Reason != ReasonProviderNoVerification {
			t.Errorf("Verify(%s) = %+v, want skipped provider_no_verification", provider, result)
		}
	}
}

func TestVerify_SkipsS3WhenCredentialsMissing(t *testing.T) {
	v := New(&fakeHeadChecker{})
	rec := webhook.Record{Provider: webhook.ProviderS3}
	result, err := v.Verify(context.Background(), rec, webhook.ProviderLocator{Bucket: "b", Key: "k"})
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !result.Exists || !result.Skipped || result.Reason != ReasonNoCredentialsStored {
		t.Errorf("Verify() = %+v, want skipped no_credentials_stored", result)
	}
}

func TestVerify_S3_NotFound(t *testing.T) {
	checker := &fakeHeadChecker{}
	v := New(checker)
	rec := webhook.Record{Provider: webhook.ProviderS3}
	locator := webhook.ProviderLocator{Bucket: "b", Key: "k", Credentials: &webhook.Credentials{AccessKeyID: "AK"}}

	result, err := v.Verify(context.Background(), rec, locator)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if result.Exists {
		t.Error("expected exists=false when the object is absent")
	}
}

func TestVerify_S3_EtagMismatchIsRetryable(t *testing.T) {
	checker := &fakeHeadChecker{existsAt: 1, meta: Metadata{Etag: "B"}}
	v := New(checker)
	rec := webhook.Record{Provider: webhook.ProviderS3, Etag: "A"}
	locator := webhook.ProviderLocator{Bucket: "b", Key: "k", Credentials: &webhook.Credentials{AccessKeyID: "AK"}}

	_, err := v.Verify(context.Background(), rec, locator)
	var mismatch *ETagMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Verify() error = %v, want *ETagMismatchError", err)
	}
}

func TestWaitForObject_PollsUntilExists(t *testing.T) {
	checker := &fakeHeadChecker{existsAt: 3, meta: Metadata{ContentLength: 10}}
	v := New(checker)
	rec := webhook.Record{Provider: webhook.ProviderS3}
	locator := webhook.ProviderLocator{Bucket: "b", Key: "k", Credentials: &webhook.Credentials{AccessKeyID: "AK"}}

	result, err := v.WaitForObject(context.Background(), rec, locator, 5*time.Second)
	if err != nil {
		t.Fatalf("WaitForObject() error = %v", err)
	}
	if !result.Exists {
		t.Error("expected object to eventually exist")
	}
	if checker.calls != 3 {
		t.Errorf("calls = %d, want 3", checker.calls)
	}
}

func TestWaitForObject_GivesUpAtMaxWait(t *testing.T) {
	checker := &fakeHeadChecker{} // never exists
	v := New(checker)
	rec := webhook.Record{Provider: webhook.ProviderS3}
	locator := webhook.ProviderLocator{Bucket: "b", Key: "k", Credentials: &webhook.Credentials{AccessKeyID: "AK"}}

	result, err := v.WaitForObject(context.Background(), rec, locator, 600*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForObject() error = %v", err)
	}
	if result.Exists {
		t.Error("expected object to still not exist after maxWait elapses")
	}
}

func TestVerify_UnknownProvider(t *testing.T) {
	v := New(&fakeHeadChecker{})
	rec := webhook.Record{ID: uuid.New(), Provider: "NOPE"}
	if _, err := v.Verify(context.Background(), rec, webhook.ProviderLocator{}); err == nil {
		t.Error("expected an error for an unknown provider")
	}
}
