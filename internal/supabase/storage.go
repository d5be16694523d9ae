package supabase

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// StorageClient handles object uploads to a Supabase storage bucket.
type StorageClient struct {
	client     *Client
	bucket     string
	publicBase string
}

// NewStorageClient returns a storage client bound to one bucket. publicBase
// is the CDN or public-object prefix used to build result URLs; when empty,
// the standard public object path on the project URL is used.
func NewStorageClient(client *Client, bucket, publicBase string) *StorageClient {
	if publicBase == "" {
		publicBase = client.url + "/storage/v1/object/public/" + bucket
	}
	return &StorageClient{
		client:     client,
		bucket:     bucket,
		publicBase: strings.TrimRight(publicBase, "/"),
	}
}

// Upload writes an object under the given key, overwriting any existing
// object at that key. Overwrites keep result uploads idempotent across
// webhook retries.
func (s *StorageClient) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	url := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.client.url, s.bucket, key)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create upload request: %w", err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("apikey", s.client.serviceKey)
	req.Header.Set("Authorization", "Bearer "+s.client.serviceKey)
	req.Header.Set("x-upsert", "true")

	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload object: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return fmt.Errorf("storage API error %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// Delete removes an object. Missing objects are not an error.
func (s *StorageClient) Delete(ctx context.Context, key string) error {
	url := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.client.url, s.bucket, key)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("create delete request: %w", err)
	}
	req.Header.Set("apikey", s.client.serviceKey)
	req.Header.Set("Authorization", "Bearer "+s.client.serviceKey)

	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return fmt.Errorf("storage API error %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// PublicURL returns the public URL for an object key.
func (s *StorageClient) PublicURL(key string) string {
	return s.publicBase + "/" + key
}
