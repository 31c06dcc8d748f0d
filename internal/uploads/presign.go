package uploads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/marcus-qen/bouncer/internal/ids"
	"github.com/marcus-qen/bouncer/internal/store"
)

// Presigned URL expiry bounds.
const (
	PresignDefaultExpiry = 900 * time.Second
	PresignMinExpiry     = 60 * time.Second
	PresignMaxExpiry     = 3600 * time.Second

	confirmMaxFiles = 50
	confirmTTL      = 7 * 24 * time.Hour
	presignAuditTTL = store.AuditRetention

	listPageSize = 1000
)

var batchIDPattern = regexp.MustCompile(`^batch-[0-9a-f]{12}$`)

// PresignRequest asks for one direct-upload URL.
type PresignRequest struct {
	Filename    string
	ContentType string
	Reason      string
	Source      string
	AccountID   string
	ExpiresIn   time.Duration
}

// PresignResult carries everything the client needs for the PUT.
type PresignResult struct {
	URL         string    `json:"presigned_url"`
	S3Key       string    `json:"s3_key"`
	S3URI       string    `json:"s3_uri"`
	RequestID   string    `json:"request_id"`
	ExpiresAt   time.Time `json:"expires_at"`
	Method      string    `json:"method"`
	ContentType string    `json:"content_type"`
}

// Presign issues a presigned PUT URL for the staging bucket. No approval:
// the URL only reaches a broker-owned bucket, and the audit row makes the
// issuance visible.
func (m *Manager) Presign(ctx context.Context, req PresignRequest) (*PresignResult, error) {
	if err := checkPresignFields(req.Filename, req.ContentType, req.Reason, req.Source); err != nil {
		return nil, err
	}
	expires, err := clampExpiry(req.ExpiresIn)
	if err != nil {
		return nil, err
	}

	safe := SanitizePath(req.Filename)
	if safe == "unnamed" {
		return nil, fmt.Errorf("invalid filename after sanitization: %q", req.Filename)
	}

	if m.limiter != nil {
		if err := m.limiter.Check(ctx, req.Source); err != nil {
			return nil, err
		}
	}

	target := req.AccountID
	if target == "" {
		target = m.accounts.DefaultID()
	}
	bucket := BucketFor(target)
	requestID := ids.New("presigned:" + safe)
	key := fmt.Sprintf("%s/%s/%s", m.now().UTC().Format("2006-01-02"), requestID, safe)

	res, err := m.presignPut(ctx, bucket, key, req.ContentType, expires)
	if err != nil {
		return nil, err
	}
	res.RequestID = requestID
	m.auditPresign(ctx, requestID, req, bucket, []string{key}, res.ExpiresAt)
	return res, nil
}

// PresignFile is one entry of a batch presign call.
type PresignFile struct {
	Filename    string
	ContentType string
}

// BatchPresignRequest asks for URLs for several files under one batch id.
type BatchPresignRequest struct {
	Files     []PresignFile
	Reason    string
	Source    string
	AccountID string
	ExpiresIn time.Duration
}

// BatchPresignResult groups the minted URLs under the batch id that
// confirm verification later checks.
type BatchPresignResult struct {
	BatchID   string          `json:"batch_id"`
	Files     []PresignResult `json:"files"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// PresignBatch mints one URL per file, all keyed under a shared batch
// prefix so ConfirmUpload can verify them with a single list call.
func (m *Manager) PresignBatch(ctx context.Context, req BatchPresignRequest) (*BatchPresignResult, error) {
	if len(req.Files) == 0 {
		return nil, errors.New("files array is required and must be non-empty")
	}
	if len(req.Files) > MaxBatchFiles {
		return nil, fmt.Errorf("too many files: %d (max %d)", len(req.Files), MaxBatchFiles)
	}
	if req.Reason == "" || req.Source == "" {
		return nil, errors.New("missing required parameters: reason, source")
	}
	expires, err := clampExpiry(req.ExpiresIn)
	if err != nil {
		return nil, err
	}

	if m.limiter != nil {
		if err := m.limiter.Check(ctx, req.Source); err != nil {
			return nil, err
		}
	}

	target := req.AccountID
	if target == "" {
		target = m.accounts.DefaultID()
	}
	bucket := BucketFor(target)
	batchID := ids.NewBatch()
	date := m.now().UTC().Format("2006-01-02")

	out := &BatchPresignResult{BatchID: batchID}
	var keys []string
	for i, f := range req.Files {
		if err := checkPresignFields(f.Filename, f.ContentType, req.Reason, req.Source); err != nil {
			return nil, fmt.Errorf("file #%d: %w", i+1, err)
		}
		safe := SanitizePath(f.Filename)
		if safe == "unnamed" {
			return nil, fmt.Errorf("file #%d: invalid filename after sanitization: %q", i+1, f.Filename)
		}
		key := fmt.Sprintf("%s/%s/%s", date, batchID, safe)
		res, err := m.presignPut(ctx, bucket, key, f.ContentType, expires)
		if err != nil {
			return nil, fmt.Errorf("file #%d (%s): %w", i+1, safe, err)
		}
		res.RequestID = batchID
		out.Files = append(out.Files, *res)
		out.ExpiresAt = res.ExpiresAt
		keys = append(keys, key)
	}

	m.auditPresign(ctx, batchID, PresignRequest{
		Reason: req.Reason, Source: req.Source, AccountID: req.AccountID,
	}, bucket, keys, out.ExpiresAt)
	return out, nil
}

func (m *Manager) presignPut(ctx context.Context, bucket, key, contentType string, expires time.Duration) (*PresignResult, error) {
	signed, err := m.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, func(o *s3.PresignOptions) {
		o.Expires = expires
	})
	if err != nil {
		return nil, fmt.Errorf("presigned url generation failed: %w", err)
	}
	return &PresignResult{
		URL:         signed.URL,
		S3Key:       key,
		S3URI:       "s3://" + bucket + "/" + key,
		ExpiresAt:   m.now().UTC().Add(expires),
		Method:      signed.Method,
		ContentType: contentType,
	}, nil
}

// auditPresign writes the issuance record. Best effort: a broken audit row
// never blocks an already-minted URL.
func (m *Manager) auditPresign(ctx context.Context, requestID string, req PresignRequest, bucket string, keys []string, expiresAt time.Time) {
	manifest, err := json.Marshal(map[string]any{
		"bucket":     bucket,
		"keys":       keys,
		"expires_at": expiresAt.Format(time.RFC3339),
	})
	if err != nil {
		m.log.Warn("presign audit marshal failed", zap.Error(err))
		return
	}
	now := m.now().UTC()
	r := &store.Request{
		RequestID:      requestID,
		Type:           store.TypePresign,
		Source:         sourceOrAnonymous(req.Source),
		AccountID:      req.AccountID,
		Reason:         req.Reason,
		Status:         store.StatusURLIssued,
		Payload:        string(manifest),
		DisplaySummary: fmt.Sprintf("presigned: %d url(s)", len(keys)),
		CreatedAt:      now,
		ExpiresAt:      now.Add(presignAuditTTL),
	}
	if err := m.store.PutRequest(ctx, r); err != nil {
		m.log.Warn("presign audit failed", zap.String("request_id", requestID), zap.Error(err))
	}
}

// KeyCheck is one file's verification outcome.
type KeyCheck struct {
	S3Key  string `json:"s3_key"`
	Exists bool   `json:"exists"`
}

// ConfirmResult reports which batch files actually arrived.
type ConfirmResult struct {
	BatchID  string     `json:"batch_id"`
	Verified bool       `json:"verified"`
	Results  []KeyCheck `json:"results"`
	Missing  []string   `json:"missing"`
}

// Confirm verifies that presign-uploaded files landed in the staging
// bucket. One prefixed list call covers the whole batch; the outcome is
// written as an audit row for later status queries.
func (m *Manager) Confirm(ctx context.Context, batchID string, keys []string) (*ConfirmResult, error) {
	batchID = strings.TrimSpace(batchID)
	if batchID == "" {
		return nil, errors.New("batch_id is required")
	}
	if !batchIDPattern.MatchString(batchID) {
		return nil, errors.New("batch_id must match format batch-{12 hex chars}")
	}
	if len(keys) == 0 {
		return nil, errors.New("files must be a non-empty array")
	}
	if len(keys) > confirmMaxFiles {
		return nil, fmt.Errorf("files exceeds maximum of %d items", confirmMaxFiles)
	}
	for i, k := range keys {
		if strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("files[%d].s3_key is required", i)
		}
	}

	client, err := m.clients(ctx, "")
	if err != nil {
		return nil, err
	}
	found, err := listKeys(ctx, client, m.staging, batchPrefix(batchID, keys))
	if err != nil {
		return nil, err
	}

	res := &ConfirmResult{BatchID: batchID, Verified: true}
	for _, k := range keys {
		exists := found[k]
		res.Results = append(res.Results, KeyCheck{S3Key: k, Exists: exists})
		if !exists {
			res.Missing = append(res.Missing, k)
			res.Verified = false
		}
	}

	m.auditConfirm(ctx, res)
	return res, nil
}

func (m *Manager) auditConfirm(ctx context.Context, res *ConfirmResult) {
	status := store.StatusVerified
	if !res.Verified {
		status = store.StatusIncomplete
	}
	manifest, err := json.Marshal(res)
	if err != nil {
		m.log.Warn("confirm audit marshal failed", zap.Error(err))
		return
	}
	now := m.now().UTC()
	r := &store.Request{
		RequestID:      "CONFIRM#" + res.BatchID,
		Type:           store.TypeConfirm,
		Status:         status,
		Payload:        string(manifest),
		DisplaySummary: fmt.Sprintf("confirm %s: %d file(s), %d missing", res.BatchID, len(res.Results), len(res.Missing)),
		CreatedAt:      now,
		ExpiresAt:      now.Add(confirmTTL),
	}
	if err := m.store.PutRequest(ctx, r); err != nil {
		m.log.Warn("confirm audit failed", zap.String("batch_id", res.BatchID), zap.Error(err))
	}
}

// batchPrefix derives the list prefix covering the batch. Keys follow
// {date}/{batch_id}/{filename}; the prefix ends right after the batch id.
func batchPrefix(batchID string, keys []string) string {
	for _, k := range keys {
		if idx := strings.Index(k, batchID); idx >= 0 {
			return k[:idx+len(batchID)] + "/"
		}
	}
	return batchID + "/"
}

func listKeys(ctx context.Context, client ObjectStore, bucket, prefix string) (map[string]bool, error) {
	found := map[string]bool{}
	var token *string
	for {
		out, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			Prefix:            aws.String(prefix),
			MaxKeys:           aws.Int32(listPageSize),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list staging objects: %w", err)
		}
		for _, obj := range out.Contents {
			found[aws.ToString(obj.Key)] = true
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	return found, nil
}

func checkPresignFields(filename, contentType, reason, source string) error {
	var missing []string
	if strings.TrimSpace(filename) == "" {
		missing = append(missing, "filename")
	}
	if strings.TrimSpace(contentType) == "" {
		missing = append(missing, "content_type")
	}
	if strings.TrimSpace(reason) == "" {
		missing = append(missing, "reason")
	}
	if strings.TrimSpace(source) == "" {
		missing = append(missing, "source")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required parameters: %s", strings.Join(missing, ", "))
	}
	return nil
}

func clampExpiry(d time.Duration) (time.Duration, error) {
	if d == 0 {
		return PresignDefaultExpiry, nil
	}
	if d < PresignMinExpiry {
		return 0, fmt.Errorf("expires_in must be at least %d seconds, got %d",
			int(PresignMinExpiry.Seconds()), int(d.Seconds()))
	}
	if d > PresignMaxExpiry {
		return 0, fmt.Errorf("expires_in must not exceed %d seconds, got %d",
			int(PresignMaxExpiry.Seconds()), int(d.Seconds()))
	}
	return d, nil
}
