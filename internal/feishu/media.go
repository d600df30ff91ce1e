package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
)

// UploadImage uploads image bytes and returns the image_key usable in
// outgoing messages.
func (c *Client) UploadImage(ctx context.Context, r io.Reader) (string, error) {
	var resp uploadImageResponse
	fields := map[string]string{"image_type": "message"}
	err := c.upload(ctx, "/open-apis/im/v1/images", "image", "image", r, fields, &resp)
	if err != nil {
		return "", fmt.Errorf("failed to upload image: %w", err)
	}
	if err := checkCode(resp.baseResponse); err != nil {
		return "", err
	}
	if resp.Data == nil {
		return "", fmt.Errorf("empty response from image upload")
	}
	return resp.Data.ImageKey, nil
}

// UploadFile uploads a file and returns the file_key usable in outgoing
// messages. fileType is a Feishu file type like "stream", "pdf", "mp4".
func (c *Client) UploadFile(ctx context.Context, name, fileType string, r io.Reader) (string, error) {
	var resp uploadFileResponse
	fields := map[string]string{"file_type": fileType, "file_name": name}
	err := c.upload(ctx, "/open-apis/im/v1/files", "file", name, r, fields, &resp)
	if err != nil {
		return "", fmt.Errorf("failed to upload file: %w", err)
	}
	if err := checkCode(resp.baseResponse); err != nil {
		return "", err
	}
	if resp.Data == nil {
		return "", fmt.Errorf("empty response from file upload")
	}
	return resp.Data.FileKey, nil
}

// DownloadResource downloads an inbound message attachment (image or file)
// into dir and returns the local path. resourceType is "image" or "file".
func (c *Client) DownloadResource(ctx context.Context, messageID, fileKey, resourceType, dir string) (string, error) {
	token, err := c.TenantAccessToken(ctx)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/open-apis/im/v1/messages/%s/resources/%s?type=%s",
		c.baseURL, messageID, fileKey, resourceType)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download resource: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("resource download failed (status %d): %s", resp.StatusCode, body)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}
	path := filepath.Join(dir, fileKey)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	return path, nil
}

// upload performs a multipart upload with the token auth header.
func (c *Client) upload(ctx context.Context, path, fieldName, fileName string, r io.Reader, fields map[string]string, out any) error {
	token, err := c.TenantAccessToken(ctx)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return fmt.Errorf("failed to write form field: %w", err)
		}
	}
	part, err := w.CreateFormFile(fieldName, fileName)
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return fmt.Errorf("failed to copy upload body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finish multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response (status %d): %w", resp.StatusCode, err)
	}
	return nil
}
