// Package classify provides a classifier backed by a remote inference
// service.
package classify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"net/http"
	"time"

	"ipalab/internal/metrics"
	"ipalab/internal/model"
)

var ErrBadResponse = errors.New("classifier: bad response")

type HTTPOptions struct {
	Name       string
	URL        string
	NumClasses int
	Timeout    time.Duration
	// BatchSize bounds the images per request; 0 sends everything at once.
	BatchSize int
}

// HTTP posts PNG encoded images to an inference endpoint:
//
//	request:  {"images": ["<base64 png>", ...]}
//	response: {"probabilities": [[p0, p1, ...], ...]}
type HTTP struct {
	opts   HTTPOptions
	client *http.Client
}

type predictRequest struct {
	Images []string `json:"images"`
}

type predictResponse struct {
	Probabilities [][]float64 `json:"probabilities"`
}

func NewHTTP(opts HTTPOptions) *HTTP {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &HTTP{opts: opts, client: &http.Client{Timeout: opts.Timeout}}
}

func (h *HTTP) Name() string    { return h.opts.Name }
func (h *HTTP) NumClasses() int { return h.opts.NumClasses }

func (h *HTTP) PredictProba(ctx context.Context, images []model.Image) ([][]float64, error) {
	size := h.opts.BatchSize
	if size <= 0 {
		size = len(images)
	}
	out := make([][]float64, 0, len(images))
	for start := 0; start < len(images); start += size {
		end := min(start+size, len(images))
		rows, err := h.predictBatch(ctx, images[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

func (h *HTTP) PredictSingle(ctx context.Context, image model.LabeledImage) (int, error) {
	rows, err := h.predictBatch(ctx, []model.Image{image.Image})
	if err != nil {
		return 0, fmt.Errorf("predict %s: %w", image.ID, err)
	}
	return metrics.Argmax(rows[0]), nil
}

func (h *HTTP) predictBatch(ctx context.Context, images []model.Image) ([][]float64, error) {
	req := predictRequest{Images: make([]string, len(images))}
	for i, img := range images {
		var buf bytes.Buffer
		if err := png.Encode(&buf, img.ToStd()); err != nil {
			return nil, err
		}
		req.Images[i] = base64.StdEncoding.EncodeToString(buf.Bytes())
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.opts.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrBadResponse, resp.StatusCode)
	}
	var decoded predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if len(decoded.Probabilities) != len(images) {
		return nil, fmt.Errorf("%w: %d rows for %d images", ErrBadResponse, len(decoded.Probabilities), len(images))
	}
	for i, row := range decoded.Probabilities {
		if len(row) != h.opts.NumClasses {
			return nil, fmt.Errorf("%w: row %d has %d classes, expected %d", ErrBadResponse, i, len(row), h.opts.NumClasses)
		}
	}
	return decoded.Probabilities, nil
}
