package mcpserver

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/marcus-qen/bouncer/internal/uploads"
)

func (s *Server) registerUploadTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "upload",
		Description: "Upload one small file to the staging bucket through the approval pipeline",
	}, s.handleUpload)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "upload_batch",
		Description: "Upload several files as one batch with a single approval decision",
	}, s.handleUploadBatch)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "request_presigned",
		Description: "Mint a presigned PUT URL for direct upload to the staging bucket",
	}, s.handleRequestPresigned)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "request_presigned_batch",
		Description: "Mint presigned PUT URLs for several files under one batch id",
	}, s.handleRequestPresignedBatch)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "confirm_upload",
		Description: "Verify that presign-uploaded batch files arrived in the staging bucket",
	}, s.handleConfirmUpload)
}

type uploadInput struct {
	Filename    string `json:"filename" jsonschema:"target filename, directories are stripped"`
	Content     string `json:"content" jsonschema:"base64-encoded file content"`
	ContentType string `json:"content_type,omitempty" jsonschema:"MIME type, default application/octet-stream"`
	Reason      string `json:"reason" jsonschema:"why the upload is needed"`
	Source      string `json:"source" jsonschema:"agent identifier"`
	TrustScope  string `json:"trust_scope,omitempty" jsonschema:"trust-session key; active sessions skip approval within quota"`
	Account     string `json:"account,omitempty" jsonschema:"target account id, default account when omitted"`
}

func (s *Server) handleUpload(ctx context.Context, _ *mcp.CallToolRequest, input uploadInput) (*mcp.CallToolResult, any, error) {
	res, err := s.uploads.Upload(ctx, uploads.UploadRequest{
		Filename:    input.Filename,
		ContentB64:  input.Content,
		ContentType: input.ContentType,
		Reason:      input.Reason,
		Source:      input.Source,
		TrustScope:  input.TrustScope,
		AccountID:   input.Account,
	})
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(res)
}

type batchFileInput struct {
	Filename    string `json:"filename" jsonschema:"target filename"`
	Content     string `json:"content" jsonschema:"base64-encoded file content"`
	ContentType string `json:"content_type,omitempty" jsonschema:"MIME type"`
}

type uploadBatchInput struct {
	Files      []batchFileInput `json:"files" jsonschema:"files to upload together"`
	Reason     string           `json:"reason" jsonschema:"why the batch is needed"`
	Source     string           `json:"source" jsonschema:"agent identifier"`
	TrustScope string           `json:"trust_scope,omitempty" jsonschema:"trust-session key"`
	Account    string           `json:"account,omitempty" jsonschema:"target account id"`
}

func (s *Server) handleUploadBatch(ctx context.Context, _ *mcp.CallToolRequest, input uploadBatchInput) (*mcp.CallToolResult, any, error) {
	files := make([]uploads.BatchFile, 0, len(input.Files))
	for _, f := range input.Files {
		files = append(files, uploads.BatchFile{
			Filename:    f.Filename,
			ContentB64:  f.Content,
			ContentType: f.ContentType,
		})
	}
	res, err := s.uploads.UploadBatch(ctx, uploads.BatchRequest{
		Files:      files,
		Reason:     input.Reason,
		Source:     input.Source,
		TrustScope: input.TrustScope,
		AccountID:  input.Account,
	})
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(res)
}

type presignInput struct {
	Filename    string `json:"filename" jsonschema:"target filename, subdirectories are preserved"`
	ContentType string `json:"content_type" jsonschema:"MIME type the PUT must use"`
	Reason      string `json:"reason" jsonschema:"why the URL is needed"`
	Source      string `json:"source" jsonschema:"agent identifier"`
	Account     string `json:"account,omitempty" jsonschema:"target account id"`
	ExpiresIn   int    `json:"expires_in,omitempty" jsonschema:"URL lifetime in seconds, 60-3600, default 900"`
}

func (s *Server) handleRequestPresigned(ctx context.Context, _ *mcp.CallToolRequest, input presignInput) (*mcp.CallToolResult, any, error) {
	res, err := s.uploads.Presign(ctx, uploads.PresignRequest{
		Filename:    input.Filename,
		ContentType: input.ContentType,
		Reason:      input.Reason,
		Source:      input.Source,
		AccountID:   input.Account,
		ExpiresIn:   time.Duration(input.ExpiresIn) * time.Second,
	})
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(res)
}

type presignFileInput struct {
	Filename    string `json:"filename" jsonschema:"target filename"`
	ContentType string `json:"content_type" jsonschema:"MIME type the PUT must use"`
}

type presignBatchInput struct {
	Files     []presignFileInput `json:"files" jsonschema:"files to mint URLs for"`
	Reason    string             `json:"reason" jsonschema:"why the URLs are needed"`
	Source    string             `json:"source" jsonschema:"agent identifier"`
	Account   string             `json:"account,omitempty" jsonschema:"target account id"`
	ExpiresIn int                `json:"expires_in,omitempty" jsonschema:"URL lifetime in seconds, 60-3600, default 900"`
}

func (s *Server) handleRequestPresignedBatch(ctx context.Context, _ *mcp.CallToolRequest, input presignBatchInput) (*mcp.CallToolResult, any, error) {
	files := make([]uploads.PresignFile, 0, len(input.Files))
	for _, f := range input.Files {
		files = append(files, uploads.PresignFile{
			Filename:    f.Filename,
			ContentType: f.ContentType,
		})
	}
	res, err := s.uploads.PresignBatch(ctx, uploads.BatchPresignRequest{
		Files:     files,
		Reason:    input.Reason,
		Source:    input.Source,
		AccountID: input.Account,
		ExpiresIn: time.Duration(input.ExpiresIn) * time.Second,
	})
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(res)
}

type confirmFileInput struct {
	S3Key string `json:"s3_key" jsonschema:"staging-bucket key returned by request_presigned_batch"`
}

type confirmUploadInput struct {
	BatchID string             `json:"batch_id" jsonschema:"batch id from request_presigned_batch"`
	Files   []confirmFileInput `json:"files" jsonschema:"keys to verify"`
}

func (s *Server) handleConfirmUpload(ctx context.Context, _ *mcp.CallToolRequest, input confirmUploadInput) (*mcp.CallToolResult, any, error) {
	keys := make([]string, 0, len(input.Files))
	for _, f := range input.Files {
		keys = append(keys, f.S3Key)
	}
	res, err := s.uploads.Confirm(ctx, input.BatchID, keys)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(res)
}
