package vision

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardlens/cardlens/internal/domain"
)

const annotateBody = `{
	"textAnnotations": [
		{"description": "Charizard", "confidence": 0.97, "bounds": {"x": 40, "y": 20, "w": 200, "h": 40}},
		{"description": "HP 120", "confidence": 0.91, "bounds": {"x": 280, "y": 20, "w": 80, "h": 30}}
	],
	"imageProperties": {"width": 400, "height": 600, "holoVariance": 0.62, "blur": 0.1, "glare": 0.05},
	"borders": {"top": 90, "bottom": 91, "left": 60, "right": 60, "symmetry": 0.95},
	"typography": {"kerning": [1.0, 1.01], "alignment": 0.92, "fontSizeVariance": 7}
}`

func TestClient_Analyze(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/images:annotate", r.URL.Path)
		assert.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))
		w.Write([]byte(annotateBody))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL, APIKey: "key-1"})
	features, err := client.Analyze(context.Background(), []byte("jpeg-bytes"))
	require.NoError(t, err)

	assert.Len(t, features.OCR, 2)
	assert.Equal(t, "Charizard", features.OCR[0].Text)
	assert.Equal(t, 200, features.OCR[0].BoundingBox.Width)
	assert.Equal(t, 0.62, features.HoloVariance)
	assert.Equal(t, 400, features.ImageMeta.Width)
	assert.Equal(t, 0.95, features.Borders.Symmetry)
	assert.Equal(t, 0.92, features.FontMetrics.Alignment)
}

func TestClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind error
	}{
		{name: "rate_limited", status: http.StatusTooManyRequests, wantKind: domain.ErrRateLimited},
		{name: "server_error", status: http.StatusBadGateway, wantKind: domain.ErrProviderTransient},
		{name: "client_error", status: http.StatusBadRequest, wantKind: domain.ErrProviderPermanent},
		{name: "malformed_body", status: http.StatusOK, body: "{truncated", wantKind: domain.ErrProviderTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewClient(ClientConfig{BaseURL: server.URL})
			_, err := client.Analyze(context.Background(), []byte("img"))
			assert.ErrorIs(t, err, tt.wantKind)
		})
	}
}

func TestStub_Deterministic(t *testing.T) {
	stub := &Stub{}
	a, err := stub.Analyze(context.Background(), []byte("same bytes"))
	require.NoError(t, err)
	b, err := stub.Analyze(context.Background(), []byte("same bytes"))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	_, err = stub.Analyze(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrDecode)
}
