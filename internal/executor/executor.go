// Package executor runs approved AWS CLI commands. Commands are tokenized
// without a shell and run with an isolated environment; cross-account
// execution assumes the target account's role for a short-lived session so
// the broker's own credentials never touch the subprocess.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	ststypes "github.com/aws/aws-sdk-go-v2/service/sts/types"
	"go.uber.org/zap"

	"github.com/marcus-qen/bouncer/internal/classify"
)

const (
	// roleSessionName labels assumed sessions in CloudTrail.
	roleSessionName = "bouncer-execution"
	// roleDuration keeps assumed credentials short-lived.
	roleDuration = 900 * time.Second
	// DefaultTimeout bounds one command.
	DefaultTimeout = 25 * time.Second

	// NoOutputMessage is returned when a command succeeds silently.
	NoOutputMessage = "command succeeded (no output)"
)

// ErrTimeout means the command was killed at the deadline.
var ErrTimeout = errors.New("executor: command timed out")

// AssumeRoleAPI is the slice of the STS client the runner needs.
type AssumeRoleAPI interface {
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// Result is one finished execution.
type Result struct {
	Output   string
	ExitCode int
	Duration time.Duration
}

// Runner executes commands. Safe for concurrent use.
type Runner struct {
	sts     AssumeRoleAPI
	log     *zap.Logger
	timeout time.Duration
	binary  string
}

// NewRunner builds a runner. stsClient may be nil when every execution stays
// in the broker's own account. A non-positive timeout falls back to the
// default.
func NewRunner(stsClient AssumeRoleAPI, timeout time.Duration, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{
		sts:     stsClient,
		log:     logger.Named("executor"),
		timeout: timeout,
		binary:  "aws",
	}
}

// Execute runs one AWS CLI command, assuming roleArn first when it is set.
// Command-level failure is not an error: the CLI's own stderr comes back in
// the Result with its exit code. Errors cover what never ran at all.
func (r *Runner) Execute(ctx context.Context, command, roleArn string) (Result, error) {
	args, err := classify.Tokenize(command)
	if err != nil {
		return Result{}, fmt.Errorf("parse command: %w", err)
	}
	if len(args) == 0 || args[0] != "aws" {
		return Result{}, errors.New("only aws CLI commands can be executed")
	}

	env := isolatedEnv(roleArn != "")
	if roleArn != "" {
		creds, err := r.assumeRole(ctx, roleArn)
		if err != nil {
			return Result{}, fmt.Errorf("assume role %s: %w", roleArn, err)
		}
		env = append(env,
			"AWS_ACCESS_KEY_ID="+aws.ToString(creds.AccessKeyId),
			"AWS_SECRET_ACCESS_KEY="+aws.ToString(creds.SecretAccessKey),
			"AWS_SESSION_TOKEN="+aws.ToString(creds.SessionToken),
		)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, r.binary, args[1:]...)
	cmd.Env = env
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	res := Result{Duration: time.Since(start)}

	if runCtx.Err() == context.DeadlineExceeded {
		return res, fmt.Errorf("%w after %s", ErrTimeout, r.timeout)
	}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		res.ExitCode = 0
	case errors.As(runErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, fmt.Errorf("run aws: %w", runErr)
	}

	res.Output = stdout.String()
	if res.Output == "" {
		res.Output = stderr.String()
	}
	if strings.TrimSpace(res.Output) == "" {
		if res.ExitCode == 0 {
			res.Output = NoOutputMessage
		} else {
			res.Output = fmt.Sprintf("command failed (exit code: %d)", res.ExitCode)
		}
	}

	r.log.Info("command executed",
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration),
		zap.Bool("assumed_role", roleArn != ""))
	return res, nil
}

func (r *Runner) assumeRole(ctx context.Context, roleArn string) (*ststypes.Credentials, error) {
	if r.sts == nil {
		return nil, errors.New("no STS client configured")
	}
	out, err := r.sts.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(roleArn),
		RoleSessionName: aws.String(roleSessionName),
		DurationSeconds: aws.Int32(int32(roleDuration.Seconds())),
	})
	if err != nil {
		return nil, err
	}
	if out.Credentials == nil {
		return nil, errors.New("assume role returned no credentials")
	}
	return out.Credentials, nil
}

// isolatedEnv copies the process environment for the subprocess. When a
// role is being assumed the broker's own credentials are stripped so the
// subprocess sees only the assumed session. The pager is always disabled.
func isolatedEnv(assuming bool) []string {
	stripped := map[string]bool{"AWS_PAGER": true}
	if assuming {
		stripped["AWS_ACCESS_KEY_ID"] = true
		stripped["AWS_SECRET_ACCESS_KEY"] = true
		stripped["AWS_SESSION_TOKEN"] = true
	}
	var env []string
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if ok && stripped[name] {
			continue
		}
		env = append(env, kv)
	}
	return append(env, "AWS_PAGER=")
}
