// Sinks implement the pluggable SegmentSink behind the Uploader: the
// default httpSink speaks the ingest API's multipart wire format, and the
// object-storage sinks cover self-hosted deployments that want sealed
// segments written directly to their own bucket instead of proxied through
// the ingest API.
package uploader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"cloud.google.com/go/storage"

	"github.com/Backblaze/blazer/b2"

	azblob "github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/rejourneyco/replaycore/internal/core"
)

// SegmentUploadRequest carries everything a SegmentSink needs to ship one
// sealed segment.
type SegmentUploadRequest struct {
	SessionID  core.SessionID
	Seq        int
	StartTSMs  int64
	EndTSMs    int64
	FrameCount int
	Payload    []byte
	Token      string
}

// UploadOutcome distinguishes the dispositions a sink can report: Accepted
// covers both a fresh 200 and an idempotent 409 (already present).
type UploadOutcome int

const (
	Accepted UploadOutcome = iota
	AuthExpired                 // 401: caller should refresh and retry once
	AuthPermanentlyDenied       // 403/404
	Transient                   // network error or 5xx: caller retries with backoff
)

// SegmentSink is the pluggable transport the Uploader drives.
type SegmentSink interface {
	UploadSegment(ctx context.Context, apiURL string, req SegmentUploadRequest) (UploadOutcome, error)
}

// --- httpSink: the default, speaking the ingest API's wire format exactly ---

type httpSink struct {
	client *http.Client
}

func newHTTPSink(client *http.Client) *httpSink {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpSink{client: client}
}

func (s *httpSink) UploadSegment(ctx context.Context, apiURL string, req SegmentUploadRequest) (UploadOutcome, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	_ = w.WriteField("startTs", strconv.FormatInt(req.StartTSMs, 10))
	_ = w.WriteField("endTs", strconv.FormatInt(req.EndTSMs, 10))
	_ = w.WriteField("frameCount", strconv.Itoa(req.FrameCount))

	part, err := w.CreateFormFile("payload", fmt.Sprintf("seg-%08d.dat", req.Seq))
	if err != nil {
		return Transient, fmt.Errorf("uploader: build multipart: %w", err)
	}
	if _, err := part.Write(req.Payload); err != nil {
		return Transient, fmt.Errorf("uploader: write multipart payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return Transient, fmt.Errorf("uploader: close multipart: %w", err)
	}

	url := fmt.Sprintf("%s/segments/%s/%d", apiURL, req.SessionID.String(), req.Seq)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return Transient, err
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+req.Token)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return Transient, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return classifyStatus(resp.StatusCode), nil
}

func classifyStatus(code int) UploadOutcome {
	switch {
	case code == http.StatusOK || code == http.StatusConflict:
		return Accepted
	case code == http.StatusUnauthorized:
		return AuthExpired
	case code == http.StatusForbidden || code == http.StatusNotFound:
		return AuthPermanentlyDenied
	default:
		return Transient
	}
}

// --- object-storage sinks: self-hosted alternative to the ingest proxy ----

// bucketKey is the storage key every object-storage sink writes sealed
// segments under, mirroring the pending/{sessionId}/seg-{seq}.dat layout
// the on-device segment store uses.
func bucketKey(sessionID core.SessionID, seq int) string {
	return fmt.Sprintf("segments/%s/seg-%08d.dat", sessionID.String(), seq)
}

// s3Sink uploads directly to an S3-compatible bucket via the aws-sdk-go-v2
// multipart manager.
type s3Sink struct {
	client *s3.Client
	bucket string
}

// NewS3Sink creates a SegmentSink backed by an S3-compatible bucket. client
// is constructed by the caller (region/credentials are host-app concerns,
// out of scope).
func NewS3Sink(client *s3.Client, bucket string) SegmentSink {
	return &s3Sink{client: client, bucket: bucket}
}

func (s *s3Sink) UploadSegment(ctx context.Context, _ string, req SegmentUploadRequest) (UploadOutcome, error) {
	uploader := manager.NewUploader(s.client)
	key := bucketKey(req.SessionID, req.Seq)
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   bytes.NewReader(req.Payload),
	})
	if err != nil {
		return Transient, fmt.Errorf("uploader: s3 upload: %w", err)
	}
	return Accepted, nil
}

// azblobSink uploads to Azure Blob Storage, the sibling object-storage sink
// to s3Sink.
type azblobSink struct {
	client    *azblob.Client
	container string
}

// NewAzblobSink creates a SegmentSink backed by an Azure Blob container.
func NewAzblobSink(client *azblob.Client, container string) SegmentSink {
	return &azblobSink{client: client, container: container}
}

func (s *azblobSink) UploadSegment(ctx context.Context, _ string, req SegmentUploadRequest) (UploadOutcome, error) {
	key := bucketKey(req.SessionID, req.Seq)
	_, err := s.client.UploadBuffer(ctx, s.container, key, req.Payload, nil)
	if err != nil {
		return Transient, fmt.Errorf("uploader: azblob upload: %w", err)
	}
	return Accepted, nil
}

// gcsSink uploads to a Google Cloud Storage bucket.
type gcsSink struct {
	client *storage.Client
	bucket string
}

// NewGCSSink creates a SegmentSink backed by a GCS bucket.
func NewGCSSink(client *storage.Client, bucket string) SegmentSink {
	return &gcsSink{client: client, bucket: bucket}
}

func (s *gcsSink) UploadSegment(ctx context.Context, _ string, req SegmentUploadRequest) (UploadOutcome, error) {
	key := bucketKey(req.SessionID, req.Seq)
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	if _, err := w.Write(req.Payload); err != nil {
		_ = w.Close()
		return Transient, fmt.Errorf("uploader: gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		return Transient, fmt.Errorf("uploader: gcs close: %w", err)
	}
	return Accepted, nil
}

// b2Sink uploads to a Backblaze B2 bucket.
type b2Sink struct {
	bucket *b2.Bucket
}

// NewB2Sink creates a SegmentSink backed by a Backblaze B2 bucket.
func NewB2Sink(bucket *b2.Bucket) SegmentSink {
	return &b2Sink{bucket: bucket}
}

func (s *b2Sink) UploadSegment(ctx context.Context, _ string, req SegmentUploadRequest) (UploadOutcome, error) {
	key := bucketKey(req.SessionID, req.Seq)
	w := s.bucket.Object(key).NewWriter(ctx)
	if _, err := w.Write(req.Payload); err != nil {
		_ = w.Close()
		return Transient, fmt.Errorf("uploader: b2 write: %w", err)
	}
	if err := w.Close(); err != nil {
		return Transient, fmt.Errorf("uploader: b2 close: %w", err)
	}
	return Accepted, nil
}
