package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardlens/cardlens/internal/backoff"
	"github.com/cardlens/cardlens/internal/domain"
	"github.com/cardlens/cardlens/internal/idempotency"
	"github.com/cardlens/cardlens/internal/persistence/memory"
	"github.com/cardlens/cardlens/internal/pipeline"
	"github.com/cardlens/cardlens/internal/providers/pricing"
	"github.com/cardlens/cardlens/internal/providers/reasoning"
	"github.com/cardlens/cardlens/internal/providers/vision"
	"github.com/cardlens/cardlens/internal/refstore"
	"github.com/cardlens/cardlens/internal/storage"
)

type testEnv struct {
	server   *Server
	store    *memory.Store
	objects  *storage.MemStore
	tokens   *idempotency.MemoryStore
	executor *pipeline.Executor
}

// adapterDelay slows the pricing branch so in-flight behavior is
// observable; zero means instant.
func newTestEnv(t *testing.T, adapterDelay time.Duration, startWorkers bool) *testEnv {
	t.Helper()

	store := memory.New()
	objects := storage.NewMemStore()
	tokens := idempotency.NewMemoryStore(10 * time.Minute)
	presigner, err := storage.NewPresigner([]byte("test-secret"))
	require.NoError(t, err)

	fixture := &pricing.Fixture{AdapterTag: "ebay", Comps: []domain.Comp{
		{Price: 100, Currency: "USD", SoldAt: time.Now().UTC().AddDate(0, 0, -1), SourceTag: "ebay"},
		{Price: 120, Currency: "USD", SoldAt: time.Now().UTC().AddDate(0, 0, -2), SourceTag: "ebay"},
	}}
	if adapterDelay > 0 {
		fixture.Delay = func(ctx context.Context) error {
			select {
			case <-time.After(adapterDelay):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	registryConfig := pricing.DefaultRegistryConfig()
	registryConfig.Retry = backoff.Policy{MaxAttempts: 1, Base: time.Millisecond, Factor: 1}

	p := pipeline.New(pipeline.Deps{
		Objects:  objects,
		Vision:   &vision.Stub{},
		Reasoner: &reasoning.Stub{},
		Pricing:  pricing.NewRegistry(registryConfig, fixture),
		Refs:     refstore.New(objects),
		Store:    store,
	}, pipeline.Config{
		Workers: 2,
		Retry:   backoff.Policy{MaxAttempts: 1, Base: time.Millisecond, Factor: 1},
	})
	executor := pipeline.NewExecutor(p)
	if startWorkers {
		ctx, cancel := context.WithCancel(context.Background())
		executor.Start(ctx)
		t.Cleanup(func() {
			cancel()
			executor.Stop()
		})
	}

	server := NewServer(Deps{
		Store:     store,
		Objects:   objects,
		Presigner: presigner,
		Tokens:    tokens,
		Executor:  executor,
		Auth:      StaticTokens{"token-a": "sub-A", "token-b": "sub-B"},
	}, ServerConfig{})

	return &testEnv{server: server, store: store, objects: objects, tokens: tokens, executor: executor}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) seedFront(t *testing.T, subject string) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 48, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 48; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 5), G: uint8(y * 3), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	key := "uploads/" + subject + "/front.png"
	require.NoError(t, e.objects.Put(context.Background(), key, buf.Bytes()))
	return key
}

func TestHealthAndAuth(t *testing.T) {
	env := newTestEnv(t, 0, false)

	rec := env.do(t, http.MethodGet, "/healthz", "", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/cards", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	rec = env.do(t, http.MethodGet, "/cards", "bogus", nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPresignAndUpload(t *testing.T) {
	env := newTestEnv(t, 0, false)

	t.Run("unsupported_mime", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/upload/presign", "token-a",
			presignRequest{MimeType: "application/pdf", SizeBytes: 1000}, nil)
		assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	})

	t.Run("too_large", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/upload/presign", "token-a",
			presignRequest{MimeType: "image/png", SizeBytes: 13 << 20}, nil)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})

	t.Run("sign_then_put", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/upload/presign", "token-a",
			presignRequest{MimeType: "image/png", SizeBytes: 1000}, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var signed storage.PresignedURL
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &signed))
		assert.True(t, strings.HasPrefix(signed.Key, "uploads/sub-A/"), "key %q scoped to subject", signed.Key)

		req := httptest.NewRequest(http.MethodPut, signed.Path, bytes.NewReader([]byte("png-bytes")))
		put := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(put, req)
		require.Equal(t, http.StatusCreated, put.Code)

		stored, err := env.objects.Get(context.Background(), signed.Key)
		require.NoError(t, err)
		assert.Equal(t, []byte("png-bytes"), stored)
	})

	t.Run("bad_signature", func(t *testing.T) {
		path := fmt.Sprintf("/upload/uploads/sub-A/x.png?expires=%d&sig=deadbeef", time.Now().Add(time.Hour).Unix())
		req := httptest.NewRequest(http.MethodPut, path, bytes.NewReader([]byte("x")))
		rec := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestCreateCardIdempotency(t *testing.T) {
	env := newTestEnv(t, 0, false)
	frontKey := env.seedFront(t, "sub-A")
	body := createCardRequest{FrontKey: frontKey}
	headers := map[string]string{"Idempotency-Key": "ik-create-1"}

	t.Run("missing_key_rejected", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/cards", "token-a", body, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	rec := env.do(t, http.MethodPost, "/cards", "token-a", body, headers)
	require.Equal(t, http.StatusCreated, rec.Code)
	first := rec.Body.Bytes()

	t.Run("replay_is_byte_identical", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/cards", "token-a", body, headers)
		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, first, rec.Body.Bytes())
		assert.Equal(t, "true", rec.Header().Get("Idempotency-Replay"))
	})

	t.Run("in_progress_conflicts", func(t *testing.T) {
		created, err := env.tokens.PutInProgress(context.Background(), "sub-A", "ik-create-2", "createCard")
		require.NoError(t, err)
		require.True(t, created)

		rec := env.do(t, http.MethodPost, "/cards", "token-a", body,
			map[string]string{"Idempotency-Key": "ik-create-2"})
		assert.Equal(t, http.StatusConflict, rec.Code)

		var problem Problem
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
		assert.Equal(t, "/problems/conflict/in-progress", problem.Type)
		assert.Equal(t, http.StatusConflict, problem.Status)
		assert.Equal(t, "/cards", problem.Instance)
		assert.NotEmpty(t, problem.RequestID)
	})

	t.Run("failed_attempt_frees_key", func(t *testing.T) {
		bad := createCardRequest{FrontKey: "uploads/sub-A/missing.png"}
		h := map[string]string{"Idempotency-Key": "ik-create-3"}
		rec := env.do(t, http.MethodPost, "/cards", "token-a", bad, h)
		require.Equal(t, http.StatusBadRequest, rec.Code)

		rec = env.do(t, http.MethodPost, "/cards", "token-a", body, h)
		assert.Equal(t, http.StatusCreated, rec.Code, "key reusable after a non-2xx outcome")
	})

	t.Run("foreign_key_rejected", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/cards", "token-b",
			createCardRequest{FrontKey: frontKey}, map[string]string{"Idempotency-Key": "ik-b-1"})
		assert.Equal(t, http.StatusBadRequest, rec.Code, "sub-B cannot claim sub-A's upload")
	})
}

func TestCardCRUDAndScoping(t *testing.T) {
	env := newTestEnv(t, 0, false)
	frontKey := env.seedFront(t, "sub-A")

	name := "Blastoise"
	rec := env.do(t, http.MethodPost, "/cards", "token-a", createCardRequest{
		FrontKey:    frontKey,
		Descriptors: &domain.CardDescriptors{Name: &name},
	}, map[string]string{"Idempotency-Key": "ik-1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var card domain.Card
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &card))
	require.NotEmpty(t, card.CardID)

	t.Run("get", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/cards/"+card.CardID, "token-a", nil, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("cross_subject_reads_404", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/cards/"+card.CardID, "token-b", nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("list", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/cards?limit=10", "token-a", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var page struct {
			Items []domain.Card `json:"items"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
		assert.Len(t, page.Items, 1)
	})

	t.Run("bad_limit", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/cards?limit=500", "token-a", nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("update_descriptors", func(t *testing.T) {
		rarity := "Holo Rare"
		rec := env.do(t, http.MethodPatch, "/cards/"+card.CardID, "token-a",
			domain.CardDescriptors{Rarity: &rarity}, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var updated domain.Card
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
		require.NotNil(t, updated.Rarity)
		assert.Equal(t, "Holo Rare", *updated.Rarity)
	})

	t.Run("delete_then_404", func(t *testing.T) {
		rec := env.do(t, http.MethodDelete, "/cards/"+card.CardID, "token-a", nil, nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		rec = env.do(t, http.MethodGet, "/cards/"+card.CardID, "token-a", nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestRevalueConflict(t *testing.T) {
	// Workers not started: the first job sits queued and the revalue
	// lock stays held.
	env := newTestEnv(t, 0, false)
	frontKey := env.seedFront(t, "sub-A")

	name := "Charizard"
	rec := env.do(t, http.MethodPost, "/cards", "token-a", createCardRequest{
		FrontKey:    frontKey,
		Descriptors: &domain.CardDescriptors{Name: &name},
	}, map[string]string{"Idempotency-Key": "ik-1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var card domain.Card
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &card))

	rec = env.do(t, http.MethodPost, "/cards/"+card.CardID+"/revalue", "token-a",
		nil, map[string]string{"Idempotency-Key": "ik-rv-1"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var accepted revalueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	assert.Equal(t, "QUEUED", accepted.Status)
	require.NotEmpty(t, accepted.ExecutionID)

	t.Run("second_revalue_conflicts", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/cards/"+card.CardID+"/revalue", "token-a",
			nil, map[string]string{"Idempotency-Key": "ik-rv-2"})
		assert.Equal(t, http.StatusConflict, rec.Code)

		var problem Problem
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
		assert.Equal(t, "/problems/conflict/in-progress", problem.Type)
	})

	t.Run("execution_record_visible", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/executions/"+accepted.ExecutionID, "token-a", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var exec domain.ExecutionRecord
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &exec))
		assert.Equal(t, domain.ExecQueued, exec.State)
	})

	t.Run("cross_subject_execution_404", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/executions/"+accepted.ExecutionID, "token-b", nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)

		var problem Problem
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
		assert.Equal(t, "/problems/not-found", problem.Type)
		assert.Equal(t, "/executions/"+accepted.ExecutionID, problem.Instance)
	})

	t.Run("revalue_unknown_card_404", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/cards/nope/revalue", "token-a",
			nil, map[string]string{"Idempotency-Key": "ik-rv-3"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestRevalueEndToEndWithWatch(t *testing.T) {
	env := newTestEnv(t, 50*time.Millisecond, true)
	frontKey := env.seedFront(t, "sub-A")

	name := "Charizard"
	rec := env.do(t, http.MethodPost, "/cards", "token-a", createCardRequest{
		FrontKey:    frontKey,
		Descriptors: &domain.CardDescriptors{Name: &name},
	}, map[string]string{"Idempotency-Key": "ik-1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var card domain.Card
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &card))

	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	rec = env.do(t, http.MethodPost, "/cards/"+card.CardID+"/revalue", "token-a",
		nil, map[string]string{"Idempotency-Key": "ik-rv-1"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var accepted revalueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/executions/" + accepted.ExecutionID + "/watch"
	header := http.Header{"Authorization": []string{"Bearer token-a"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	var final pipeline.StateChange
	deadline := time.Now().Add(10 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var change pipeline.StateChange
		if err := conn.ReadJSON(&change); err != nil {
			break
		}
		final = change
		if change.State.Terminal() {
			break
		}
	}
	require.Equal(t, domain.ExecSucceeded, final.State)

	// The snapshot landed and the card caches it.
	getRec := env.do(t, http.MethodGet, "/cards/"+card.CardID+"/snapshots", "token-a", nil, nil)
	require.Equal(t, http.StatusOK, getRec.Code)
	var snaps struct {
		Items []domain.Snapshot `json:"items"`
	}
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &snaps))
	require.Len(t, snaps.Items, 1)
	require.NotNil(t, snaps.Items[0].ValueMedian)
	assert.Equal(t, 110.0, *snaps.Items[0].ValueMedian)

	// Lock released after the terminal state: a new revalue is accepted.
	require.Eventually(t, func() bool {
		rec := env.do(t, http.MethodPost, "/cards/"+card.CardID+"/revalue", "token-a",
			nil, map[string]string{"Idempotency-Key": "ik-rv-2"})
		return rec.Code == http.StatusAccepted
	}, 5*time.Second, 50*time.Millisecond)
}

func TestDefaultUploadLimit(t *testing.T) {
	assert.Equal(t, int64(12<<20), DefaultServerConfig().MaxUploadBytes)
}

func TestAnalyticsTopValidation(t *testing.T) {
	env := newTestEnv(t, 0, false)
	rec := env.do(t, http.MethodGet, "/analytics/top", "token-a", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/analytics/top?set=Base&rarity=Holo", "token-a", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDLQEndpointEmpty(t *testing.T) {
	env := newTestEnv(t, 0, false)
	rec := env.do(t, http.MethodGet, "/ops/dlq", "token-a", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Items []pipeline.DeadLetter `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Items)
}
