package classify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ipalab/internal/model"
)

// brightnessServer answers class 1 for images whose first pixel is bright.
func brightnessServer(t *testing.T, requests *atomic.Int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		var req predictRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		var resp predictResponse
		for _, enc := range req.Images {
			raw, err := base64.StdEncoding.DecodeString(enc)
			require.NoError(t, err)
			img, err := png.Decode(bytes.NewReader(raw))
			require.NoError(t, err)
			r, _, _, _ := img.At(0, 0).RGBA()
			if r > 0x8000 {
				resp.Probabilities = append(resp.Probabilities, []float64{0.1, 0.9})
			} else {
				resp.Probabilities = append(resp.Probabilities, []float64{0.9, 0.1})
			}
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func gray(v byte) model.Image {
	img := model.NewImage(2, 2)
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

func TestHTTPClassifierBatches(t *testing.T) {
	var requests atomic.Int32
	srv := brightnessServer(t, &requests)
	defer srv.Close()

	clf := NewHTTP(HTTPOptions{Name: "remote", URL: srv.URL, NumClasses: 2, BatchSize: 2})
	probs, err := clf.PredictProba(context.Background(), []model.Image{gray(250), gray(10), gray(200)})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0.1, 0.9}, {0.9, 0.1}, {0.1, 0.9}}, probs)
	assert.Equal(t, int32(2), requests.Load())

	class, err := clf.PredictSingle(context.Background(), model.LabeledImage{ID: "x", Image: gray(5)})
	require.NoError(t, err)
	assert.Equal(t, 0, class)
}

func TestHTTPClassifierRejectsWrongWidth(t *testing.T) {
	var requests atomic.Int32
	srv := brightnessServer(t, &requests)
	defer srv.Close()

	clf := NewHTTP(HTTPOptions{Name: "remote", URL: srv.URL, NumClasses: 3})
	_, err := clf.PredictProba(context.Background(), []model.Image{gray(1)})
	assert.ErrorIs(t, err, ErrBadResponse)
}

func TestHTTPClassifierStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	_, err := NewHTTP(HTTPOptions{URL: srv.URL, NumClasses: 2}).PredictProba(context.Background(), []model.Image{gray(1)})
	assert.ErrorIs(t, err, ErrBadResponse)
}
