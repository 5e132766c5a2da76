package contentstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	cid "github.com/ipfs/go-cid"
	"go.uber.org/zap"

	"custody/apps/custody/internal/apperr"
)

const addPath = "/api/v0/add?cid-version=1&raw-leaves=true&pin=true"

// IPFSStore uploads blobs to an IPFS node over its HTTP RPC API.
type IPFSStore struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

type addResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

// NewIPFSStore creates a content store backed by an IPFS node's HTTP API
func NewIPFSStore(baseURL string, logger *zap.Logger) *IPFSStore {
	return &IPFSStore{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// Add uploads data to the node and returns the CID it reports
func (s *IPFSStore) Add(ctx context.Context, data []byte) (cid.Cid, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "proof.json")
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to create multipart field: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return cid.Undef, fmt.Errorf("failed to write multipart body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return cid.Undef, fmt.Errorf("failed to close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+addPath, &body)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to build add request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return cid.Undef, apperr.Transient("content store add", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return cid.Undef, apperr.Transient("content store add",
			fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}

	var added addResponse
	if err := json.NewDecoder(resp.Body).Decode(&added); err != nil {
		return cid.Undef, apperr.Transient("content store add", fmt.Errorf("failed to decode add response: %w", err))
	}

	c, err := cid.Decode(added.Hash)
	if err != nil {
		return cid.Undef, apperr.Transient("content store add", fmt.Errorf("invalid cid %q: %w", added.Hash, err))
	}

	s.logger.Info("Uploaded blob to IPFS", zap.String("cid", c.String()), zap.Int("size", len(data)))
	return c, nil
}
