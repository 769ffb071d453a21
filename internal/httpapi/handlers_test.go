package httpapi

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"auditchain/internal/auditlog"
	"auditchain/internal/config"
	"auditchain/internal/event"
	"auditchain/internal/store"

	"github.com/gin-gonic/gin"
)

var (
	pemOnce sync.Once
	privPEM string
)

func newTestRouter(t *testing.T) (*gin.Engine, *store.Memory) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	pemOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		privPEM = string(pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(k),
		}))
	})

	cfg := config.Config{
		App:     config.AppConfig{Env: "local", Port: 0},
		Crypto:  config.CryptoConfig{PrivateKeyPEM: privPEM},
		Ingest:  config.IngestConfig{MaxBulkEvents: 10, CreateEventTimeout: time.Second},
		Backlog: config.BacklogConfig{MaxAttempts: 3, BatchSize: 10, Tick: time.Second, MaxPerStream: 100},
		Context: config.ContextConfig{ProjectID: "p1", EnvironmentID: "e1"},
	}

	mem := store.NewMemory()
	client, err := auditlog.New(cfg, mem, nil, nil)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	h := Handlers{Client: client}
	r := gin.New()
	v1 := r.Group("/v1")
	{
		v1.POST("/events", h.CreateEvent)
		v1.POST("/events/bulk", h.CreateEvents)
		v1.GET("/events", h.QueryEvents)
		v1.GET("/events/:id", h.GetEvent)
		v1.POST("/integrity/validate", h.ValidateEvents)
		v1.POST("/integrity/seal", h.SealEvents)
		v1.POST("/integrity/receipts/verify", h.VerifySealReceipt)
	}
	return r, mem
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func sub(action string) event.Submission {
	return event.Submission{Action: action, CRUD: event.CRUDCreate, ActorID: "actor-1"}
}

func TestCreateEventEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/v1/events", sub("user.create"))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var ev event.Event
	if err := json.Unmarshal(w.Body.Bytes(), &ev); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if ev.Hash == "" || ev.Signature == "" {
		t.Fatalf("response missing chain fields: %s", w.Body.String())
	}

	got := doJSON(t, r, http.MethodGet, "/v1/events/"+ev.ID, nil)
	if got.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", got.Code)
	}
}

func TestCreateEventEndpointStatusMapping(t *testing.T) {
	r, _ := newTestRouter(t)

	bad := sub("user.create")
	bad.Action = "Not.Valid"
	if w := doJSON(t, r, http.MethodPost, "/v1/events", bad); w.Code != http.StatusBadRequest {
		t.Fatalf("validation should map to 400, got %d", w.Code)
	}

	dup := sub("user.create")
	dup.ExternalID = "ext-1"
	if w := doJSON(t, r, http.MethodPost, "/v1/events", dup); w.Code != http.StatusCreated {
		t.Fatalf("first submit should succeed, got %d", w.Code)
	}
	if w := doJSON(t, r, http.MethodPost, "/v1/events", dup); w.Code != http.StatusConflict {
		t.Fatalf("duplicate external_id should map to 409, got %d", w.Code)
	}

	if w := doJSON(t, r, http.MethodGet, "/v1/events/unknown", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing event should map to 404, got %d", w.Code)
	}
}

func TestCreateEventTransientFailureMapsTo503(t *testing.T) {
	r, mem := newTestRouter(t)
	mem.SetAppendErr(fmt.Errorf("connection refused"))

	w := doJSON(t, r, http.MethodPost, "/v1/events", sub("user.create"))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("deferred ingest should map to 503, got %d: %s", w.Code, w.Body.String())
	}
}

func TestBulkEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/v1/events/bulk", []event.Submission{sub("a.b"), sub("c.d")})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	big := make([]event.Submission, 11)
	for i := range big {
		big[i] = sub("a.b")
	}
	if w := doJSON(t, r, http.MethodPost, "/v1/events/bulk", big); w.Code != http.StatusBadRequest {
		t.Fatalf("oversized bulk should map to 400, got %d", w.Code)
	}
}

func TestQueryEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)
	for i := 0; i < 3; i++ {
		if w := doJSON(t, r, http.MethodPost, "/v1/events", sub("user.create")); w.Code != http.StatusCreated {
			t.Fatalf("seed failed: %d", w.Code)
		}
	}

	w := doJSON(t, r, http.MethodGet, "/v1/events?action=user.create&limit=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Events     []event.Event `json:"events"`
		Count      int           `json:"count"`
		NextCursor *store.Cursor `json:"next_cursor"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if resp.Count != 2 || resp.NextCursor == nil {
		t.Fatalf("expected paged response with cursor, got %s", w.Body.String())
	}

	if w := doJSON(t, r, http.MethodGet, "/v1/events?limit=zero", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad limit should map to 400, got %d", w.Code)
	}
	if w := doJSON(t, r, http.MethodGet, "/v1/events?from=yesterday", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad time should map to 400, got %d", w.Code)
	}
}

func TestIntegrityEndpoints(t *testing.T) {
	r, _ := newTestRouter(t)
	if w := doJSON(t, r, http.MethodPost, "/v1/events", sub("user.create")); w.Code != http.StatusCreated {
		t.Fatalf("seed failed")
	}

	w := doJSON(t, r, http.MethodPost, "/v1/integrity/validate", map[string]any{})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodPost, "/v1/integrity/seal", map[string]any{"up_to": time.Now().UTC().Format(time.RFC3339)})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var marker store.SealMarker
	if err := json.Unmarshal(w.Body.Bytes(), &marker); err != nil {
		t.Fatalf("bad marker: %v", err)
	}
	if marker.EventCount != 1 || marker.Receipt == "" {
		t.Fatalf("unexpected marker: %s", w.Body.String())
	}

	w = doJSON(t, r, http.MethodPost, "/v1/integrity/receipts/verify", map[string]string{"receipt": marker.Receipt})
	if w.Code != http.StatusOK {
		t.Fatalf("receipt should verify, got %d: %s", w.Code, w.Body.String())
	}
	w = doJSON(t, r, http.MethodPost, "/v1/integrity/receipts/verify", map[string]string{"receipt": marker.Receipt + "x"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("tampered receipt should map to 422, got %d", w.Code)
	}
}
