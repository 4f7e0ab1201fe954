package ml

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/aapda-setu/verification-pipeline/internal/cache"
	"github.com/aapda-setu/verification-pipeline/internal/quality"
)

// ImageAnalysis is the image backend verdict for one media object.
type ImageAnalysis struct {
	Score       float64
	IsTampered  bool
	IsDuplicate bool
}

// ImageClient dereferences a media URL to bytes and submits them to the
// image-scoring backend as a multipart upload.
type ImageClient struct {
	client     *client
	downloader *http.Client
	mediaCache *cache.MediaCache
}

func NewImageClient(cfg ClientConfig, mediaCache *cache.MediaCache) *ImageClient {
	c := newClient("ml-image", cfg)
	return &ImageClient{
		client:     c,
		downloader: &http.Client{Timeout: c.timeout},
		mediaCache: mediaCache,
	}
}

type imageAnalysisResponse struct {
	ImageScore  float64 `json:"image_score"`
	IsTampered  bool    `json:"is_tampered"`
	IsDuplicate bool    `json:"is_duplicate"`
}

// Score downloads the media object and submits it for scoring.
func (c *ImageClient) Score(ctx context.Context, reportID, mediaURL string) (ImageAnalysis, error) {
	data, err := c.fetchMedia(ctx, mediaURL)
	if err != nil {
		return ImageAnalysis{}, fmt.Errorf("fetch media for %s: %w", reportID, err)
	}

	body, contentType, err := buildMultipart(data)
	if err != nil {
		return ImageAnalysis{}, err
	}

	var response imageAnalysisResponse
	if err := c.client.postRaw(ctx, "/analyze/image", contentType, body, &response); err != nil {
		return ImageAnalysis{}, fmt.Errorf("score image for %s: %w", reportID, err)
	}

	if err := quality.ValidateScore("image_score", response.ImageScore); err != nil {
		return ImageAnalysis{}, err
	}
	return ImageAnalysis{
		Score:       response.ImageScore,
		IsTampered:  response.IsTampered,
		IsDuplicate: response.IsDuplicate,
	}, nil
}

func (c *ImageClient) fetchMedia(ctx context.Context, mediaURL string) ([]byte, error) {
	if c.mediaCache != nil {
		if data, ok := c.mediaCache.Get(mediaURL); ok {
			return data, nil
		}
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create media request: %w", err)
	}

	response, err := c.downloader.Do(request)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrBackendTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media download status %d", response.StatusCode)
	}

	data, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("read media body: %w", err)
	}

	if c.mediaCache != nil {
		c.mediaCache.Set(mediaURL, data)
	}
	return data, nil
}

func buildMultipart(data []byte) ([]byte, string, error) {
	var buffer bytes.Buffer
	writer := multipart.NewWriter(&buffer)

	part, err := writer.CreateFormFile("file", "image.jpg")
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", fmt.Errorf("write form file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}

	return buffer.Bytes(), writer.FormDataContentType(), nil
}
