// Package uploads moves files into the broker's staging buckets. Small
// payloads travel base64-encoded through the approval pipeline; large files
// go direct-to-S3 via presigned PUT URLs and are verified afterwards.
package uploads

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/marcus-qen/bouncer/internal/accounts"
	"github.com/marcus-qen/bouncer/internal/ids"
	"github.com/marcus-qen/bouncer/internal/ratelimit"
	"github.com/marcus-qen/bouncer/internal/store"
	"github.com/marcus-qen/bouncer/internal/telegram"
	"github.com/marcus-qen/bouncer/internal/trust"
)

const (
	// MaxPayloadBytes caps a single base64 upload. Anything bigger goes
	// through the presigned path.
	MaxPayloadBytes = 4608 * 1024 // 4.5 MiB

	// MaxBatchFiles caps one batch upload call.
	MaxBatchFiles = 50

	// ApprovalTimeout is how long an upload waits for a decision.
	ApprovalTimeout = 300 * time.Second

	// approvalTTLBuffer keeps decided rows around briefly past the window
	// so late status polls still see the outcome.
	approvalTTLBuffer = 60 * time.Second

	trustRoleSession = "bouncer-trust-upload"
)

var (
	safeNameChars = regexp.MustCompile(`[^\w\-.]`)
	safePathChars = regexp.MustCompile(`[^\w\-./]`)
)

// ObjectStore is the slice of the S3 API the upload paths use.
type ObjectStore interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Presigner mints presigned PUT requests.
type Presigner interface {
	PresignPutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// ClientFactory returns an object store for the target account. roleArn is
// empty for the default account.
type ClientFactory func(ctx context.Context, roleArn string) (ObjectStore, error)

// BucketFor names the staging bucket owned by an account.
func BucketFor(accountID string) string {
	return "bouncer-uploads-" + accountID
}

// SanitizeFilename flattens a name to a safe basename: directories stripped,
// traversal removed, anything outside [\w.-] replaced.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\x00", "")
	name = strings.ReplaceAll(name, `\`, "/")
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	name = strings.ReplaceAll(name, "..", "")
	name = strings.TrimLeft(name, ". ")
	name = safeNameChars.ReplaceAllString(name, "_")
	if name == "" {
		return "unnamed"
	}
	return name
}

// SanitizePath sanitizes a filename while preserving subdirectories, so a
// presigned key like assets/app.min.js keeps its layout. Absolute prefixes
// and traversal components are dropped.
func SanitizePath(name string) string {
	name = strings.ReplaceAll(name, "\x00", "")
	name = strings.ReplaceAll(name, `\`, "/")

	var parts []string
	for _, p := range strings.Split(name, "/") {
		if p == "" || p == "." || p == ".." {
			continue
		}
		parts = append(parts, p)
	}
	name = strings.Join(parts, "/")
	name = safePathChars.ReplaceAllString(name, "_")
	if name == "" {
		return "unnamed"
	}
	return name
}

// Manager runs the upload pipelines.
type Manager struct {
	store     *store.Store
	accounts  *accounts.Registry
	trust     *trust.Manager
	limiter   *ratelimit.Limiter
	chat      *telegram.Client
	clients   ClientFactory
	presigner Presigner
	staging   string
	log       *zap.Logger
	now       func() time.Time
}

// NewManager wires the upload pipelines. clients builds S3 access per target
// account; presigner signs against the broker's own staging bucket.
func NewManager(st *store.Store, reg *accounts.Registry, tr *trust.Manager,
	rl *ratelimit.Limiter, chat *telegram.Client, clients ClientFactory,
	presigner Presigner, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:     st,
		accounts:  reg,
		trust:     tr,
		limiter:   rl,
		chat:      chat,
		clients:   clients,
		presigner: presigner,
		staging:   BucketFor(reg.DefaultID()),
		log:       logger.Named("uploads"),
		now:       time.Now,
	}
}

// UploadRequest is one small-payload upload.
type UploadRequest struct {
	Filename    string
	ContentB64  string
	ContentType string
	Reason      string
	Source      string
	TrustScope  string
	AccountID   string
}

// UploadedFile describes one object that landed in the staging bucket.
type UploadedFile struct {
	Filename string `json:"filename"`
	S3URI    string `json:"s3_uri"`
	Size     int64  `json:"size"`
	SHA256   string `json:"sha256"`
}

// Result is the outcome of an upload call: either executed under trust, or
// parked pending approval.
type Result struct {
	Status    string         `json:"status"`
	RequestID string         `json:"request_id,omitempty"`
	S3URI     string         `json:"s3_uri,omitempty"`
	SHA256    string         `json:"sha256,omitempty"`
	Size      int64          `json:"size,omitempty"`
	TrustID   string         `json:"trust_session,omitempty"`
	Quota     string         `json:"upload_quota,omitempty"`
	Uploaded  []UploadedFile `json:"uploaded,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// payload is the persisted manifest an approval decision executes from.
type payload struct {
	Bucket      string      `json:"bucket"`
	RoleArn     string      `json:"role_arn,omitempty"`
	Key         string      `json:"key,omitempty"`
	Content     string      `json:"content,omitempty"`
	ContentType string      `json:"content_type,omitempty"`
	Size        int64       `json:"size,omitempty"`
	SHA256      string      `json:"sha256,omitempty"`
	Files       []fileEntry `json:"files,omitempty"`
}

type fileEntry struct {
	Filename    string `json:"filename"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	SHA256      string `json:"sha256"`
}

// processedFile carries a validated batch entry plus its decoded bytes.
type processedFile struct {
	fileEntry
	raw []byte
}

// Upload runs the small-payload pipeline: validate, rate limit, try trust,
// otherwise park the content and ask the approver.
func (m *Manager) Upload(ctx context.Context, req UploadRequest) (*Result, error) {
	req.Filename = strings.TrimSpace(req.Filename)
	if req.Filename == "" {
		return nil, errors.New("filename is required")
	}
	if req.ContentB64 == "" {
		return nil, errors.New("content is required")
	}
	if req.ContentType == "" {
		req.ContentType = "application/octet-stream"
	}
	if req.Reason == "" {
		req.Reason = "No reason provided"
	}

	content, err := base64.StdEncoding.DecodeString(req.ContentB64)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 content: %w", err)
	}
	size := int64(len(content))
	if size > MaxPayloadBytes {
		return nil, fmt.Errorf("content too large: %d bytes (max %d bytes)", size, MaxPayloadBytes)
	}

	acct, err := m.accounts.Resolve(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}

	requestID := ids.New("upload:" + req.Filename)
	bucket := BucketFor(acct.AccountID)
	key := fmt.Sprintf("%s/%s/%s", m.now().UTC().Format("2006-01-02"), requestID, req.Filename)

	if req.Source != "" && m.limiter != nil {
		if err := m.limiter.Check(ctx, req.Source); err != nil {
			return nil, err
		}
	}

	if res := m.tryTrustUpload(ctx, req, acct, bucket, key, content); res != nil {
		return res, nil
	}

	return m.submitForApproval(ctx, req, acct, requestID, bucket, key, content, size)
}

// tryTrustUpload executes immediately under an active trust session. Any
// refusal or failure returns nil so the pipeline falls through to human
// approval.
func (m *Manager) tryTrustUpload(ctx context.Context, req UploadRequest, acct *store.Account, bucket, key string, content []byte) *Result {
	if req.TrustScope == "" || m.trust == nil {
		return nil
	}
	ok, sess, _ := m.trust.ShouldApproveUpload(ctx, req.TrustScope, acct.AccountID, req.Filename, int64(len(content)))
	if !ok || sess == nil {
		return nil
	}
	// Take the quota before touching S3; a race on the last slot falls
	// through instead of double-spending.
	if err := m.trust.ConsumeUpload(ctx, sess.TrustID, int64(len(content))); err != nil {
		return nil
	}

	client, err := m.clients(ctx, acct.RoleArn)
	if err != nil {
		m.log.Warn("trust upload client failed", zap.Error(err))
		return nil
	}
	if err := putObject(ctx, client, bucket, key, req.ContentType, content); err != nil {
		m.log.Warn("trust upload failed", zap.String("key", key), zap.Error(err))
		return nil
	}

	sum := sha256.Sum256(content)
	digest := hex.EncodeToString(sum[:])
	uri := "s3://" + bucket + "/" + key
	count := sess.UploadCount + 1

	m.recordTrustUpload(ctx, req, acct.AccountID, uri, int64(len(content)), sess.TrustID)

	if m.chat != nil {
		text, kb := telegram.UploadTrustNotice{
			Filename: req.Filename,
			Size:     int64(len(content)),
			SHA256:   digest,
			TrustID:  sess.TrustID,
			Source:   req.Source,
			Count:    count,
			Max:      sess.MaxUploads,
		}.Render()
		if _, err := m.chat.SendSilent(ctx, text, kb); err != nil {
			m.log.Warn("trust upload notice failed", zap.Error(err))
		}
	}

	return &Result{
		Status:  store.StatusTrustAutoApproved,
		S3URI:   uri,
		SHA256:  digest,
		Size:    int64(len(content)),
		TrustID: sess.TrustID,
		Quota:   fmt.Sprintf("%d/%d", count, sess.MaxUploads),
	}
}

func (m *Manager) recordTrustUpload(ctx context.Context, req UploadRequest, accountID, uri string, size int64, trustID string) {
	now := m.now().UTC()
	r := &store.Request{
		RequestID:      ids.New("trust-upload:" + req.Filename),
		Type:           store.TypeUpload,
		Source:         req.Source,
		AccountID:      accountID,
		Reason:         req.Reason,
		Status:         store.StatusTrustAutoApproved,
		Result:         uri,
		DisplaySummary: fmt.Sprintf("upload %s (%s)", req.Filename, telegram.FormatSize(size)),
		Approver:       trustID,
		CreatedAt:      now,
		ExpiresAt:      now.Add(store.AuditRetention),
	}
	if err := m.store.PutRequest(ctx, r); err != nil {
		m.log.Warn("trust upload audit failed", zap.Error(err))
	}
}

func (m *Manager) submitForApproval(ctx context.Context, req UploadRequest, acct *store.Account,
	requestID, bucket, key string, content []byte, size int64) (*Result, error) {
	sum := sha256.Sum256(content)
	manifest, err := json.Marshal(payload{
		Bucket:      bucket,
		RoleArn:     acct.RoleArn,
		Key:         key,
		Content:     req.ContentB64,
		ContentType: req.ContentType,
		Size:        size,
		SHA256:      hex.EncodeToString(sum[:]),
	})
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	r := &store.Request{
		RequestID:      requestID,
		Type:           store.TypeUpload,
		Source:         sourceOrAnonymous(req.Source),
		AccountID:      acct.AccountID,
		Reason:         req.Reason,
		Status:         store.StatusPendingApproval,
		Payload:        string(manifest),
		DisplaySummary: fmt.Sprintf("upload %s (%s)", req.Filename, telegram.FormatSize(size)),
		CreatedAt:      now,
		ExpiresAt:      now.Add(ApprovalTimeout + approvalTTLBuffer),
	}
	if err := m.store.PutRequest(ctx, r); err != nil {
		return nil, err
	}

	text, kb := telegram.UploadCard{
		RequestID:   requestID,
		Bucket:      bucket,
		Key:         key,
		Size:        size,
		Reason:      req.Reason,
		Source:      req.Source,
		AccountID:   acct.AccountID,
		AccountName: acct.Name,
	}.Render()
	if _, err := m.chat.SendMessage(ctx, text, kb); err != nil {
		// The approver never saw the card; leaving the row would strand a
		// pending request nobody can decide.
		if delErr := m.store.DeleteRequest(ctx, requestID); delErr != nil {
			m.log.Warn("orphan cleanup failed", zap.String("request_id", requestID), zap.Error(delErr))
		}
		return nil, fmt.Errorf("approval notification failed: %w", err)
	}

	return &Result{
		Status:    store.StatusPendingApproval,
		RequestID: requestID,
		S3URI:     "s3://" + bucket + "/" + key,
		Size:      size,
		Message:   "request submitted; poll status for the result",
	}, nil
}

// BatchFile is one entry in a batch upload.
type BatchFile struct {
	Filename    string
	ContentB64  string
	ContentType string
}

// BatchRequest is a multi-file upload.
type BatchRequest struct {
	Files      []BatchFile
	Reason     string
	Source     string
	TrustScope string
	AccountID  string
}

// UploadBatch validates every file up front, then either executes the whole
// batch under trust or parks it for a single approval decision. Partial
// batches never auto-approve.
func (m *Manager) UploadBatch(ctx context.Context, req BatchRequest) (*Result, error) {
	if len(req.Files) == 0 {
		return nil, errors.New("files array is required and must be non-empty")
	}
	if len(req.Files) > MaxBatchFiles {
		return nil, fmt.Errorf("too many files: %d (max %d)", len(req.Files), MaxBatchFiles)
	}
	if req.Reason == "" {
		req.Reason = "No reason provided"
	}

	acct, err := m.accounts.Resolve(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}

	var files []processedFile
	var totalSize int64
	for i, f := range req.Files {
		name := strings.TrimSpace(f.Filename)
		if name == "" {
			return nil, fmt.Errorf("file #%d: filename is required", i+1)
		}
		if f.ContentB64 == "" {
			return nil, fmt.Errorf("file #%d (%s): content is required", i+1, name)
		}
		safe := SanitizeFilename(name)
		if !trust.FilenameSafe(safe) {
			return nil, fmt.Errorf("file #%d (%s): unsafe filename", i+1, name)
		}
		if trust.ExtensionBlocked(safe) {
			return nil, fmt.Errorf("file #%d (%s): blocked extension", i+1, safe)
		}
		raw, err := base64.StdEncoding.DecodeString(f.ContentB64)
		if err != nil {
			return nil, fmt.Errorf("file #%d (%s): invalid base64", i+1, safe)
		}
		size := int64(len(raw))
		if size > trust.MaxUploadBytesPerFile {
			return nil, fmt.Errorf("file #%d (%s): too large (%s, max %s)", i+1, safe,
				telegram.FormatSize(size), telegram.FormatSize(trust.MaxUploadBytesPerFile))
		}
		ct := f.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		sum := sha256.Sum256(raw)
		totalSize += size
		files = append(files, processedFile{
			fileEntry: fileEntry{
				Filename:    safe,
				Content:     f.ContentB64,
				ContentType: ct,
				Size:        size,
				SHA256:      hex.EncodeToString(sum[:]),
			},
			raw: raw,
		})
	}
	if totalSize > trust.MaxUploadBytesTotal {
		return nil, fmt.Errorf("total size %s exceeds limit (%s)",
			telegram.FormatSize(totalSize), telegram.FormatSize(trust.MaxUploadBytesTotal))
	}

	bucket := BucketFor(acct.AccountID)

	// Trust only takes the batch whole: enough slots and bytes for every
	// file, and each file individually acceptable.
	if req.TrustScope != "" && m.trust != nil {
		allOK := true
		var sess *store.TrustSession
		for _, pf := range files {
			ok, s, _ := m.trust.ShouldApproveUpload(ctx, req.TrustScope, acct.AccountID, pf.Filename, pf.Size)
			if !ok || s == nil {
				allOK = false
				break
			}
			sess = s
		}
		if allOK && sess != nil &&
			sess.MaxUploads-sess.UploadCount >= len(files) &&
			trust.MaxUploadBytesTotal-sess.UploadBytes >= totalSize {
			if res := m.executeBatchUnderTrust(ctx, req, sess, bucket, acct.RoleArn, files); res != nil {
				return res, nil
			}
		}
	}

	return m.submitBatchForApproval(ctx, req, acct, bucket, files, totalSize)
}

func (m *Manager) executeBatchUnderTrust(ctx context.Context, req BatchRequest,
	sess *store.TrustSession, bucket, roleArn string, files []processedFile) *Result {
	client, err := m.clients(ctx, roleArn)
	if err != nil {
		m.log.Warn("batch trust client failed", zap.Error(err))
		return nil
	}

	date := m.now().UTC().Format("2006-01-02")
	var uploaded []UploadedFile
	for _, pf := range files {
		// Per-file quota take; a race stops the batch where it stands.
		if err := m.trust.ConsumeUpload(ctx, sess.TrustID, pf.Size); err != nil {
			break
		}
		key := fmt.Sprintf("%s/%s/%s", date, ids.New("batch-upload"), pf.Filename)
		if err := putObject(ctx, client, bucket, key, pf.ContentType, pf.raw); err != nil {
			m.log.Warn("batch trust upload failed", zap.String("key", key), zap.Error(err))
			break
		}
		uploaded = append(uploaded, UploadedFile{
			Filename: pf.Filename,
			S3URI:    "s3://" + bucket + "/" + key,
			Size:     pf.Size,
			SHA256:   pf.SHA256,
		})
	}
	if len(uploaded) == 0 {
		return nil
	}

	count := sess.UploadCount + len(uploaded)
	var size int64
	for _, u := range uploaded {
		size += u.Size
	}
	if m.chat != nil {
		text, kb := telegram.UploadTrustNotice{
			Filename: fmt.Sprintf("[batch: %d files]", len(uploaded)),
			Size:     size,
			TrustID:  sess.TrustID,
			Source:   req.Source,
			Count:    count,
			Max:      sess.MaxUploads,
		}.Render()
		if _, err := m.chat.SendSilent(ctx, text, kb); err != nil {
			m.log.Warn("batch trust notice failed", zap.Error(err))
		}
	}

	return &Result{
		Status:   store.StatusTrustAutoApproved,
		Uploaded: uploaded,
		Size:     size,
		TrustID:  sess.TrustID,
		Quota:    fmt.Sprintf("%d/%d", count, sess.MaxUploads),
	}
}

func (m *Manager) submitBatchForApproval(ctx context.Context, req BatchRequest, acct *store.Account,
	bucket string, files []processedFile, totalSize int64) (*Result, error) {
	batchID := ids.New("upload_batch")
	entries := make([]fileEntry, len(files))
	extCounts := map[string]int{}
	for i, pf := range files {
		entries[i] = pf.fileEntry
		ext := "OTHER"
		if dot := strings.LastIndexByte(pf.Filename, '.'); dot >= 0 {
			ext = strings.ToUpper(pf.Filename[dot+1:])
		}
		extCounts[ext]++
	}

	manifest, err := json.Marshal(payload{
		Bucket:  bucket,
		RoleArn: acct.RoleArn,
		Files:   entries,
		Size:    totalSize,
	})
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	r := &store.Request{
		RequestID:      batchID,
		Type:           store.TypeUpload,
		Source:         sourceOrAnonymous(req.Source),
		AccountID:      acct.AccountID,
		Reason:         req.Reason,
		Status:         store.StatusPendingApproval,
		Payload:        string(manifest),
		DisplaySummary: fmt.Sprintf("batch upload: %d files (%s)", len(files), telegram.FormatSize(totalSize)),
		CreatedAt:      now,
		ExpiresAt:      now.Add(ApprovalTimeout + approvalTTLBuffer),
	}
	if err := m.store.PutRequest(ctx, r); err != nil {
		return nil, err
	}

	text, kb := telegram.BatchUploadCard{
		BatchID:     batchID,
		FileCount:   len(files),
		TotalSize:   totalSize,
		ExtCounts:   extCounts,
		Reason:      req.Reason,
		Source:      req.Source,
		AccountName: acct.Name,
	}.Render()
	if _, err := m.chat.SendMessage(ctx, text, kb); err != nil {
		if delErr := m.store.DeleteRequest(ctx, batchID); delErr != nil {
			m.log.Warn("orphan cleanup failed", zap.String("request_id", batchID), zap.Error(delErr))
		}
		return nil, fmt.Errorf("approval notification failed: %w", err)
	}

	return &Result{
		Status:    store.StatusPendingApproval,
		RequestID: batchID,
		Size:      totalSize,
		Message:   "batch submitted; poll status for the result",
	}, nil
}

// ExecuteApproved performs the S3 writes for a decided upload request and
// returns the result string stored on the request.
func (m *Manager) ExecuteApproved(ctx context.Context, r *store.Request) (string, error) {
	var p payload
	if err := json.Unmarshal([]byte(r.Payload), &p); err != nil {
		return "", fmt.Errorf("upload payload: %w", err)
	}
	client, err := m.clients(ctx, p.RoleArn)
	if err != nil {
		return "", err
	}

	if len(p.Files) == 0 {
		raw, err := base64.StdEncoding.DecodeString(p.Content)
		if err != nil {
			return "", fmt.Errorf("upload content: %w", err)
		}
		if err := putObject(ctx, client, p.Bucket, p.Key, p.ContentType, raw); err != nil {
			return "", err
		}
		return "s3://" + p.Bucket + "/" + p.Key, nil
	}

	date := m.now().UTC().Format("2006-01-02")
	var uploaded []UploadedFile
	for _, f := range p.Files {
		raw, err := base64.StdEncoding.DecodeString(f.Content)
		if err != nil {
			return "", fmt.Errorf("upload content %s: %w", f.Filename, err)
		}
		key := fmt.Sprintf("%s/%s/%s", date, r.RequestID, f.Filename)
		if err := putObject(ctx, client, p.Bucket, key, f.ContentType, raw); err != nil {
			return "", fmt.Errorf("upload %s: %w", f.Filename, err)
		}
		uploaded = append(uploaded, UploadedFile{
			Filename: f.Filename,
			S3URI:    "s3://" + p.Bucket + "/" + key,
			Size:     f.Size,
			SHA256:   f.SHA256,
		})
	}
	out, err := json.Marshal(uploaded)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func putObject(ctx context.Context, client ObjectStore, bucket, key, contentType string, body []byte) error {
	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	return err
}

func sourceOrAnonymous(source string) string {
	if source == "" {
		return "__anonymous__"
	}
	return source
}
