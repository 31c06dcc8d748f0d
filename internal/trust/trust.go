// Package trust manages short-lived trust sessions. An approver can grant a
// caller scope ten minutes of auto-approval; the session carries a command
// budget, an optional upload quota, and a hard exclusion list that keeps
// destructive operations out of the window no matter what.
package trust

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/bouncer/internal/store"
)

const (
	// SessionDuration is the trust window length.
	SessionDuration = 600 * time.Second
	// SessionMaxCommands caps executions per window.
	SessionMaxCommands = 20

	// MaxUploadBytesPerFile and MaxUploadBytesTotal cap what a single
	// trust session may upload.
	MaxUploadBytesPerFile = 5 * 1024 * 1024
	MaxUploadBytesTotal   = 20 * 1024 * 1024
)

// excludedServices never auto-approve inside a trust window. These are the
// services where a single call can change who controls the account.
var excludedServices = []string{
	"iam",
	"sts",
	"organizations",
	"kms",
	"secretsmanager",
	"cloudformation",
	"cloudtrail",
}

// excludedActions are matched as lowercase substrings of the whole command.
var excludedActions = []string{
	"delete-",
	"terminate-",
	"remove-",
	"destroy-",
	"stop-",
	"disable-",
	"deregister-",
	"modify-instance-attribute",
	"s3 rm",
	"s3 mv",
	"s3api delete",
	"s3 sync --delete",
	"put-bucket-policy",
	"put-bucket-acl",
	"delete-bucket",
	"update-function-code",
	"update-function-configuration",
	"update-service",
	"delete-service",
	"stop-task",
	"delete-db",
	"modify-db",
	"reboot-db",
	"delete-table",
	"update-table",
	"delete-alarms",
	"disable-alarm-actions",
	"delete-hosted-zone",
	"change-resource-record-sets",
	"delete-vpc",
	"delete-subnet",
	"delete-security-group",
	"authorize-security-group",
	"revoke-security-group",
	"delete-rest-api",
	"delete-stage",
	"delete-topic",
	"delete-queue",
	"set-queue-attributes",
	"create-secret",
	"update-secret",
	"delete-secret",
	"put-secret-value",
}

var excludedFlags = []string{
	"--force",
	"--yes",
	"--no-wait",
	"--no-verify-ssl",
	"--recursive",
	"--include-all-instances",
	"--skip-final-snapshot",
	"--delete-automated-backups",
}

// blockedUploadExtensions keeps executables and archives out of trusted
// uploads. Matched as a lowercase suffix of the filename.
var blockedUploadExtensions = []string{
	".sh", ".bash", ".zsh",
	".py", ".rb", ".pl", ".php",
	".exe", ".dll", ".so", ".bin", ".com",
	".bat", ".cmd", ".ps1", ".psm1", ".vbs", ".scr",
	".msi", ".deb", ".rpm", ".apk", ".dmg",
	".jar", ".war",
	".zip", ".tar", ".tar.gz", ".tgz", ".rar", ".7z",
}

// ID derives the session id from the trust scope and account. Scope plus
// account is the match key; the caller-supplied source string is display only.
func ID(trustScope, accountID string) string {
	sum := sha256.Sum256([]byte(trustScope))
	return "trust-" + hex.EncodeToString(sum[:])[:16] + "-" + accountID
}

// Manager decides whether a command or upload rides an active trust session.
type Manager struct {
	store   *store.Store
	log     *zap.Logger
	enabled bool
	now     func() time.Time
}

// NewManager wires trust decisions to the store. When enabled is false every
// decision is a refusal and sessions are never created.
func NewManager(st *store.Store, enabled bool, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:   st,
		log:     logger.Named("trust"),
		enabled: enabled,
		now:     time.Now,
	}
}

// Enabled reports whether trust sessions are switched on.
func (m *Manager) Enabled() bool { return m.enabled }

// Create opens a trust window for the scope on the account. Re-granting the
// same scope replaces the old session and resets its counters. maxUploads of
// zero means uploads never ride this session.
func (m *Manager) Create(ctx context.Context, trustScope, accountID, approvedBy, source string, maxUploads int) (*store.TrustSession, error) {
	if !m.enabled {
		return nil, errors.New("trust sessions disabled")
	}
	if trustScope == "" {
		return nil, errors.New("trust scope required")
	}
	now := m.now().UTC()
	sess := &store.TrustSession{
		TrustID:     ID(trustScope, accountID),
		TrustScope:  trustScope,
		Source:      source,
		AccountID:   accountID,
		ApprovedBy:  approvedBy,
		MaxCommands: SessionMaxCommands,
		MaxUploads:  maxUploads,
		CreatedAt:   now,
		ExpiresAt:   now.Add(SessionDuration),
	}
	if sess.Source == "" {
		sess.Source = trustScope
	}
	if err := m.store.PutTrustSession(ctx, sess); err != nil {
		return nil, err
	}
	m.log.Info("trust session created",
		zap.String("trust_id", sess.TrustID),
		zap.String("account_id", accountID),
		zap.Int("max_uploads", maxUploads))
	return sess, nil
}

// IsExcluded reports whether a command may never be trust-approved. The match
// is substring-based on the lowercased command so flags buried anywhere in
// the line still count.
func IsExcluded(command string) bool {
	lower := strings.ToLower(command)
	for _, svc := range excludedServices {
		if strings.Contains(lower, "aws "+svc+" ") || strings.Contains(lower, "aws "+svc+"\t") {
			return true
		}
	}
	for _, action := range excludedActions {
		if strings.Contains(lower, action) {
			return true
		}
	}
	for _, flag := range excludedFlags {
		if strings.Contains(lower, flag) {
			return true
		}
	}
	return false
}

// ShouldApprove decides whether the command auto-approves under an active
// session for the scope and account. The session is returned when one exists
// even on refusal so the caller can report its state.
func (m *Manager) ShouldApprove(ctx context.Context, command, trustScope, accountID string) (bool, *store.TrustSession, string) {
	if !m.enabled || trustScope == "" {
		return false, nil, "trust sessions disabled or no trust scope"
	}

	sess := m.activeSession(ctx, trustScope, accountID)
	if sess == nil {
		return false, nil, "no active trust session"
	}
	if sess.CommandCount >= sess.MaxCommands {
		return false, sess, fmt.Sprintf("trust session command limit reached (%d)", sess.MaxCommands)
	}
	if IsExcluded(command) {
		return false, sess, "command excluded from trust"
	}
	remaining := sess.ExpiresAt.Sub(m.now().UTC())
	if remaining <= 0 {
		return false, nil, "trust session expired"
	}
	return true, sess, fmt.Sprintf("trust session active (%ds remaining)", int(remaining.Seconds()))
}

// Consume takes one command slot. The returned session reflects the new
// count; store.ErrExpired or store.ErrConflict means the window closed or
// the budget ran out between the check and the take.
func (m *Manager) Consume(ctx context.Context, trustID string) (*store.TrustSession, error) {
	return m.store.ConsumeTrust(ctx, trustID)
}

// ShouldApproveUpload decides whether an upload rides the session. Filename
// hygiene and the extension blocklist are checked before the session is even
// looked up.
func (m *Manager) ShouldApproveUpload(ctx context.Context, trustScope, accountID, filename string, size int64) (bool, *store.TrustSession, string) {
	if !m.enabled || trustScope == "" {
		return false, nil, "trust sessions disabled or no trust scope"
	}
	if !FilenameSafe(filename) {
		return false, nil, "filename contains unsafe characters"
	}
	if ExtensionBlocked(filename) {
		return false, nil, "file extension blocked: " + filename
	}

	sess := m.activeSession(ctx, trustScope, accountID)
	if sess == nil {
		return false, nil, "no active trust session"
	}
	if !sess.ExpiresAt.After(m.now().UTC()) {
		return false, nil, "trust session expired"
	}
	if sess.MaxUploads <= 0 {
		return false, sess, "trust session upload not enabled"
	}
	if sess.UploadCount >= sess.MaxUploads {
		return false, sess, fmt.Sprintf("upload quota exhausted (%d/%d)", sess.UploadCount, sess.MaxUploads)
	}
	if size > MaxUploadBytesPerFile {
		return false, sess, fmt.Sprintf("file too large: %d > %d", size, MaxUploadBytesPerFile)
	}
	if sess.UploadBytes+size > MaxUploadBytesTotal {
		return false, sess, "total upload bytes would exceed limit"
	}
	return true, sess, fmt.Sprintf("trust upload approved (%d/%d)", sess.UploadCount+1, sess.MaxUploads)
}

// ConsumeUpload takes one upload slot plus the file's byte count.
func (m *Manager) ConsumeUpload(ctx context.Context, trustID string, size int64) error {
	return m.store.ConsumeTrustUpload(ctx, trustID, size, MaxUploadBytesTotal)
}

// Revoke ends a session early.
func (m *Manager) Revoke(ctx context.Context, trustID string) error {
	if err := m.store.RevokeTrust(ctx, trustID); err != nil {
		return err
	}
	m.log.Info("trust session revoked", zap.String("trust_id", trustID))
	return nil
}

// Active lists live sessions, optionally filtered by source.
func (m *Manager) Active(ctx context.Context, source string) ([]store.TrustSession, error) {
	return m.store.ListActiveTrustSessions(ctx, source)
}

func (m *Manager) activeSession(ctx context.Context, trustScope, accountID string) *store.TrustSession {
	sess, err := m.store.GetTrustSession(ctx, ID(trustScope, accountID))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		m.log.Warn("trust session lookup failed", zap.Error(err))
		return nil
	}
	if sess.Revoked || !sess.ExpiresAt.After(m.now().UTC()) {
		return nil
	}
	return sess
}

// FilenameSafe rejects names that could escape the upload prefix: empty
// names, NUL bytes, dot-dot segments, and any path separator.
func FilenameSafe(filename string) bool {
	if filename == "" {
		return false
	}
	if strings.ContainsRune(filename, 0) {
		return false
	}
	if strings.Contains(filename, "..") {
		return false
	}
	if strings.ContainsAny(filename, `/\`) {
		return false
	}
	return true
}

// ExtensionBlocked reports whether the filename carries a blocked suffix.
// The check is case-insensitive.
func ExtensionBlocked(filename string) bool {
	lower := strings.ToLower(filename)
	for _, ext := range blockedUploadExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
