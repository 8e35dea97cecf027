package invoice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	gcs "cloud.google.com/go/storage"

	"github.com/hanko-field/settlement/internal/services"
)

type objectWriter interface {
	io.Writer
	Close() error
}

type writerFactory func(ctx context.Context, bucket, object, contentType string) objectWriter

// BucketArchive stores rendered invoices in a Cloud Storage bucket.
type BucketArchive struct {
	bucket    string
	newWriter writerFactory
}

var _ services.InvoiceArchive = (*BucketArchive)(nil)

// NewBucketArchive constructs an archive backed by the provided Cloud Storage client.
func NewBucketArchive(client *gcs.Client, bucket string) (*BucketArchive, error) {
	if client == nil {
		return nil, errors.New("invoice archive: client is required")
	}
	return newBucketArchive(bucket, func(ctx context.Context, bucket, object, contentType string) objectWriter {
		w := client.Bucket(bucket).Object(object).NewWriter(ctx)
		w.ContentType = contentType
		w.CacheControl = "private, max-age=0"
		return w
	})
}

func newBucketArchive(bucket string, factory writerFactory) (*BucketArchive, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("invoice archive: bucket is required")
	}
	return &BucketArchive{bucket: bucket, newWriter: factory}, nil
}

// ObjectPath returns the object key used for an order's invoice.
func ObjectPath(orderID string) string {
	return fmt.Sprintf("invoices/%s/invoice.html", strings.TrimSpace(orderID))
}

// StoreInvoice writes body and returns its gs:// location.
func (a *BucketArchive) StoreInvoice(ctx context.Context, orderID string, body []byte) (string, error) {
	if a == nil || a.newWriter == nil {
		return "", errors.New("invoice archive: not initialised")
	}
	if strings.TrimSpace(orderID) == "" {
		return "", errors.New("invoice archive: order id is required")
	}
	object := ObjectPath(orderID)
	w := a.newWriter(ctx, a.bucket, object, "text/html; charset=utf-8")
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("invoice archive: write %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("invoice archive: finalise %s: %w", object, err)
	}
	return fmt.Sprintf("gs://%s/%s", a.bucket, object), nil
}
