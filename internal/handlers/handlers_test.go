package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/face-check/internal/embedder"
	"github.com/example/face-check/internal/imagestore"
	"github.com/example/face-check/internal/repository"
	"github.com/example/face-check/internal/usecase"
)

type stubProvider struct {
	embedding []float64
	err       error
	delay     time.Duration
	pingErr   error
}

func (s *stubProvider) Embed(ctx context.Context, image []byte) ([]float64, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.embedding, nil
}

func (s *stubProvider) Ping(ctx context.Context) error {
	return s.pingErr
}

type testServer struct {
	router   *gin.Engine
	provider *stubProvider
}

func newTestServer(t *testing.T, opts usecase.Options, maxBodyBytes int64) *testServer {
	t.Helper()
	return newTestServerWithStore(t, opts, maxBodyBytes, nil)
}

// newTestServerWithStore lets a test wrap the local image store.
func newTestServerWithStore(t *testing.T, opts usecase.Options, maxBodyBytes int64, wrap func(imagestore.Store) imagestore.Store) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	root := t.TempDir()
	repo := repository.NewEmbeddingRepository(filepath.Join(root, "embeddings.json"), zap.NewNop())
	images, err := imagestore.NewLocalStore(root, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create image store: %v", err)
	}
	var store imagestore.Store = images
	if wrap != nil {
		store = wrap(images)
	}
	provider := &stubProvider{embedding: []float64{1, 0}}
	uc := usecase.NewFaceUseCase(repo, store, provider, zap.NewNop(), opts)

	router := gin.New()
	router.Use(RequestLogger(zap.NewNop()))
	RegisterRoutes(router, uc, maxBodyBytes, zap.NewNop())
	return &testServer{router: router, provider: provider}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		payload, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	s.router.ServeHTTP(resp, req)

	var decoded map[string]any
	if resp.Body.Len() > 0 {
		if err := json.Unmarshal(resp.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("response is not JSON: %v body: %s", err, resp.Body.String())
		}
	}
	return resp, decoded
}

func pngPayload(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func metadata(name string) map[string]any {
	return map[string]any{
		"name":               name,
		"emergency_contacts": []any{},
		"medical_conditions": []any{},
	}
}

func expectError(t *testing.T, resp *httptest.ResponseRecorder, body map[string]any, status int, code string) {
	t.Helper()
	if resp.Code != status {
		t.Fatalf("expected status %d, got %d body: %s", status, resp.Code, resp.Body.String())
	}
	if body["status"] != "error" || body["code"] != code {
		t.Fatalf("expected error code %s, got %v", code, body)
	}
	if msg, _ := body["message"].(string); msg == "" {
		t.Fatalf("expected error message, got %v", body)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, usecase.Options{}, 0)

	resp, body := s.do(t, http.MethodGet, "/health", nil)
	if resp.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected health response: %d %v", resp.Code, body)
	}

	s.provider.pingErr = errors.New("model server down")
	resp, body = s.do(t, http.MethodGet, "/health", nil)
	expectError(t, resp, body, http.StatusServiceUnavailable, "dependency_unavailable")
	if body["dependency"] != "embedding_provider" {
		t.Fatalf("expected embedding_provider, got %v", body)
	}
}

type failingStore struct {
	imagestore.Store
}

func (failingStore) Ping(ctx context.Context) error { return errors.New("bucket unreachable") }

func TestHealthReportsImageStoreFailure(t *testing.T) {
	s := newTestServerWithStore(t, usecase.Options{}, 0, func(store imagestore.Store) imagestore.Store {
		return failingStore{Store: store}
	})

	resp, body := s.do(t, http.MethodGet, "/health", nil)
	expectError(t, resp, body, http.StatusServiceUnavailable, "dependency_unavailable")
	if body["dependency"] != "image_store" || body["message"] != "image store unavailable" {
		t.Fatalf("expected image store failure, got %v", body)
	}
}

func TestGetUserFacesWithoutMetadataReturnsEmptyObject(t *testing.T) {
	s := newTestServer(t, usecase.Options{}, 0)
	if resp, _ := s.do(t, http.MethodPost, "/api/faces/register", gin.H{"user_id": "u1", "image_data": pngPayload(t)}); resp.Code != http.StatusOK {
		t.Fatalf("register failed: %d", resp.Code)
	}

	resp, body := s.do(t, http.MethodGet, "/api/faces/user?user_id=u1", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	meta, ok := body["metadata"].(map[string]any)
	if !ok || len(meta) != 0 {
		t.Fatalf("expected empty metadata object, got %#v", body["metadata"])
	}
}

func TestVerifyNonFiniteEmbedding(t *testing.T) {
	s := newTestServer(t, usecase.Options{}, 0)
	s.provider.embedding = []float64{math.Inf(1), 0}

	resp, body := s.do(t, http.MethodPost, "/api/faces/verify", gin.H{"image_data": pngPayload(t)})
	expectError(t, resp, body, http.StatusInternalServerError, "invalid_embedding")
}

func TestRegisterAndVerifyMatch(t *testing.T) {
	s := newTestServer(t, usecase.Options{}, 0)

	resp, body := s.do(t, http.MethodPost, "/api/faces/register", gin.H{
		"user_id":    "u1",
		"image_data": pngPayload(t),
		"metadata":   metadata("A"),
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("register failed: %d %s", resp.Code, resp.Body.String())
	}
	if body["status"] != "success" || body["user_id"] != "u1" {
		t.Fatalf("unexpected register body: %v", body)
	}
	if path, _ := body["image_path"].(string); !strings.HasSuffix(path, filepath.Join("images", "u1.png")) {
		t.Fatalf("unexpected image path: %v", body["image_path"])
	}

	resp, body = s.do(t, http.MethodPost, "/api/faces/verify", gin.H{
		"image_data":     pngPayload(t),
		"min_confidence": 0.9,
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("verify failed: %d %s", resp.Code, resp.Body.String())
	}
	if body["match_found"] != true || body["user_id"] != "u1" || body["confidence"] != 1.0 {
		t.Fatalf("unexpected verify body: %v", body)
	}
	meta, ok := body["metadata"].(map[string]any)
	if !ok || meta["name"] != "A" {
		t.Fatalf("expected metadata echoed back, got %v", body["metadata"])
	}
	if body["request_id"] == "" || body["verification_image"] == "" {
		t.Fatalf("expected request id and verification image, got %v", body)
	}
}

func TestVerifyNoMatch(t *testing.T) {
	s := newTestServer(t, usecase.Options{}, 0)
	if resp, _ := s.do(t, http.MethodPost, "/api/faces/register", gin.H{"user_id": "u1", "image_data": pngPayload(t)}); resp.Code != http.StatusOK {
		t.Fatalf("register failed: %d", resp.Code)
	}

	s.provider.embedding = []float64{5, 5}
	resp, body := s.do(t, http.MethodPost, "/api/faces/verify", gin.H{"image_data": pngPayload(t)})
	if resp.Code != http.StatusOK {
		t.Fatalf("verify failed: %d", resp.Code)
	}
	if body["status"] != "success" || body["match_found"] != false {
		t.Fatalf("unexpected body: %v", body)
	}
	if _, ok := body["user_id"]; ok {
		t.Fatalf("no-match response must not carry a user id: %v", body)
	}
}

func TestVerifyNoFaceIsStructured(t *testing.T) {
	s := newTestServer(t, usecase.Options{}, 0)
	s.provider.err = embedder.ErrNoFaceDetected

	resp, body := s.do(t, http.MethodPost, "/api/faces/verify", gin.H{"image_data": pngPayload(t)})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if body["status"] != "error" || body["code"] != "no_face_detected" || body["match_found"] != false {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestRegisterNoFace(t *testing.T) {
	s := newTestServer(t, usecase.Options{}, 0)
	s.provider.err = embedder.ErrNoFaceDetected

	resp, body := s.do(t, http.MethodPost, "/api/faces/register", gin.H{"user_id": "u1", "image_data": pngPayload(t)})
	expectError(t, resp, body, http.StatusUnprocessableEntity, "no_face_detected")
}

func TestRegisterValidationErrors(t *testing.T) {
	s := newTestServer(t, usecase.Options{}, 0)

	cases := []struct {
		name string
		body any
	}{
		{"malformed json", `{"user_id":`},
		{"empty user id", gin.H{"user_id": "", "image_data": pngPayload(t)}},
		{"oversized image", gin.H{"user_id": "u1", "image_data": strings.Repeat("A", 5_000_001)}},
		{"metadata not an object", gin.H{"user_id": "u1", "image_data": pngPayload(t), "metadata": "x"}},
		{"metadata missing keys", gin.H{"user_id": "u1", "image_data": pngPayload(t), "metadata": gin.H{"name": "A"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := s.do(t, http.MethodPost, "/api/faces/register", tc.body)
			expectError(t, resp, body, http.StatusBadRequest, "validation_error")
		})
	}
}

func TestRejectsOversizedBody(t *testing.T) {
	s := newTestServer(t, usecase.Options{}, 1024)

	resp, body := s.do(t, http.MethodPost, "/api/faces/verify", gin.H{"image_data": strings.Repeat("A", 2048)})
	expectError(t, resp, body, http.StatusRequestEntityTooLarge, "payload_too_large")
}

func TestRegisterTimeout(t *testing.T) {
	s := newTestServer(t, usecase.Options{Timeout: 20 * time.Millisecond}, 0)
	s.provider.delay = 100 * time.Millisecond

	resp, body := s.do(t, http.MethodPost, "/api/faces/register", gin.H{"user_id": "u1", "image_data": pngPayload(t)})
	expectError(t, resp, body, http.StatusServiceUnavailable, "timeout")

	time.Sleep(150 * time.Millisecond)
	resp, body = s.do(t, http.MethodGet, "/api/faces/user?user_id=u1", nil)
	expectError(t, resp, body, http.StatusNotFound, "not_found")
}

func TestVerifyShapeMismatch(t *testing.T) {
	s := newTestServer(t, usecase.Options{}, 0)
	if resp, _ := s.do(t, http.MethodPost, "/api/faces/register", gin.H{"user_id": "u1", "image_data": pngPayload(t)}); resp.Code != http.StatusOK {
		t.Fatalf("register failed: %d", resp.Code)
	}

	s.provider.embedding = []float64{1, 0, 0}
	resp, body := s.do(t, http.MethodPost, "/api/faces/verify", gin.H{"image_data": pngPayload(t)})
	expectError(t, resp, body, http.StatusInternalServerError, "embedding_shape_mismatch")
}

func TestGetUserFaces(t *testing.T) {
	s := newTestServer(t, usecase.Options{}, 0)
	if resp, _ := s.do(t, http.MethodPost, "/api/faces/register", gin.H{"user_id": "u1", "image_data": pngPayload(t), "metadata": metadata("A")}); resp.Code != http.StatusOK {
		t.Fatalf("register failed: %d", resp.Code)
	}

	resp, body := s.do(t, http.MethodGet, "/api/faces/user?user_id=u1", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if body["user_id"] != "u1" || body["registered_at"] == nil || body["last_updated"] == nil {
		t.Fatalf("unexpected body: %v", body)
	}

	resp, body = s.do(t, http.MethodGet, "/api/faces/user", nil)
	expectError(t, resp, body, http.StatusBadRequest, "validation_error")
}

func TestUpdateMetadata(t *testing.T) {
	s := newTestServer(t, usecase.Options{}, 0)
	if resp, _ := s.do(t, http.MethodPost, "/api/faces/register", gin.H{"user_id": "u1", "image_data": pngPayload(t), "metadata": metadata("A")}); resp.Code != http.StatusOK {
		t.Fatalf("register failed: %d", resp.Code)
	}

	resp, body := s.do(t, http.MethodPut, "/api/faces/metadata", gin.H{"user_id": "ghost", "metadata": metadata("G")})
	expectError(t, resp, body, http.StatusNotFound, "not_found")

	resp, body = s.do(t, http.MethodPut, "/api/faces/metadata", gin.H{"user_id": "u1"})
	expectError(t, resp, body, http.StatusBadRequest, "validation_error")

	resp, body = s.do(t, http.MethodPut, "/api/faces/metadata", gin.H{"user_id": "u1", "metadata": gin.H{"name": "B"}})
	if resp.Code != http.StatusOK || body["status"] != "success" {
		t.Fatalf("update failed: %d %v", resp.Code, body)
	}

	_, body = s.do(t, http.MethodGet, "/api/faces/user?user_id=u1", nil)
	meta, _ := body["metadata"].(map[string]any)
	if meta["name"] != "B" || len(meta) != 1 {
		t.Fatalf("expected metadata replaced wholesale, got %v", body["metadata"])
	}
}

func TestGetVerificationWithoutStores(t *testing.T) {
	s := newTestServer(t, usecase.Options{}, 0)

	resp, body := s.do(t, http.MethodGet, "/api/verifications/unknown", nil)
	expectError(t, resp, body, http.StatusNotFound, "not_found")
}

func TestMetricsSummary(t *testing.T) {
	s := newTestServer(t, usecase.Options{}, 0)
	if resp, _ := s.do(t, http.MethodPost, "/api/faces/register", gin.H{"user_id": "u1", "image_data": pngPayload(t)}); resp.Code != http.StatusOK {
		t.Fatalf("register failed: %d", resp.Code)
	}

	resp, body := s.do(t, http.MethodGet, "/api/metrics/summary", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if body["registered_faces"] != 1.0 {
		t.Fatalf("unexpected summary: %v", body)
	}
}

func TestClassifyErrorDefaultsToInternal(t *testing.T) {
	status, code, _ := classifyError(errors.New("boom"))
	if status != http.StatusInternalServerError || code != "internal_error" {
		t.Fatalf("unexpected classification: %d %s", status, code)
	}

	status, code, _ = classifyError(repository.ErrPersistence)
	if status != http.StatusInternalServerError || code != "persistence_error" {
		t.Fatalf("unexpected classification: %d %s", status, code)
	}
}
