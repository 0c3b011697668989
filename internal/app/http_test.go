package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"ringplan/api/internal/reconcile"
)

func newTestHTTPServer(t *testing.T) (*HTTPServer, *fakeStore) {
	t.Helper()
	fs := newFakeStore()
	svc := &Service{
		store:    fs,
		recon:    reconcile.New(fs),
		versions: newFakeVersions(),
	}
	return NewHTTPServer(svc, "*"), fs
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	return recorder
}

func decodeResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestHTTPServer(t)
	recorder := doJSON(t, server.Handler(), http.MethodGet, "/api/health", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}
	var body map[string]any
	decodeResponse(t, recorder, &body)
	if body["ok"] != true {
		t.Fatalf("body = %v", body)
	}
}

func TestCreateAndFetchDocument(t *testing.T) {
	server, _ := newTestHTTPServer(t)
	handler := server.Handler()

	recorder := doJSON(t, handler, http.MethodPost, "/api/documents", CreateDocumentInput{Title: "Roadmap", Year: 2026})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create status = %d body = %s", recorder.Code, recorder.Body.String())
	}
	var created DocumentView
	decodeResponse(t, recorder, &created)
	if created.Document.Metadata.Title != "Roadmap" || len(created.Pages) != 1 {
		t.Fatalf("created = %+v", created)
	}

	recorder = doJSON(t, handler, http.MethodGet, "/api/documents/"+created.Document.ID, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("fetch status = %d", recorder.Code)
	}
	var fetched DocumentView
	decodeResponse(t, recorder, &fetched)
	if fetched.Document.ID != created.Document.ID {
		t.Fatalf("fetched %s, want %s", fetched.Document.ID, created.Document.ID)
	}
}

func TestCreateDocumentWithoutTitleIsRejected(t *testing.T) {
	server, _ := newTestHTTPServer(t)
	recorder := doJSON(t, server.Handler(), http.MethodPost, "/api/documents", map[string]any{"year": 2026})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", recorder.Code)
	}
	var body map[string]any
	decodeResponse(t, recorder, &body)
	if body["code"] != "VALIDATION" {
		t.Fatalf("body = %v", body)
	}
}

func TestSaveEndpointReturnsIDMaps(t *testing.T) {
	server, _ := newTestHTTPServer(t)
	handler := server.Handler()

	recorder := doJSON(t, handler, http.MethodPost, "/api/documents", CreateDocumentInput{Title: "Wheel", Year: 2026})
	var created DocumentView
	decodeResponse(t, recorder, &created)

	snapshot := map[string]any{
		"structure": map[string]any{
			"rings":          []map[string]any{{"id": "ring-1", "name": "Ops", "type": "outer"}},
			"activityGroups": []map[string]any{{"id": "group-1", "name": "General"}},
			"labels":         []map[string]any{},
		},
	}
	recorder = doJSON(t, handler, http.MethodPost, "/api/documents/"+created.Document.ID+"/save", snapshot)
	if recorder.Code != http.StatusOK {
		t.Fatalf("save status = %d body = %s", recorder.Code, recorder.Body.String())
	}
	var result SaveResult
	decodeResponse(t, recorder, &result)
	if result.Rings["ring-1"] == "" || result.Rings["ring-1"] == "ring-1" {
		t.Fatalf("ring map = %v", result.Rings)
	}
}

func TestUnknownRouteIsNotFound(t *testing.T) {
	server, _ := newTestHTTPServer(t)
	recorder := doJSON(t, server.Handler(), http.MethodGet, "/api/nonsense", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("status = %d", recorder.Code)
	}
	var body map[string]any
	decodeResponse(t, recorder, &body)
	if body["code"] != "NOT_FOUND" {
		t.Fatalf("body = %v", body)
	}
}

func TestDeleteMissingDocumentMapsToNotFound(t *testing.T) {
	server, _ := newTestHTTPServer(t)
	recorder := doJSON(t, server.Handler(), http.MethodDelete, "/api/documents/ghost", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("status = %d", recorder.Code)
	}
}

func TestCORSAndRequestIDHeaders(t *testing.T) {
	server, _ := newTestHTTPServer(t)
	recorder := doJSON(t, server.Handler(), http.MethodGet, "/api/health", nil)
	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Fatalf("cors origin = %q", origin)
	}
	if recorder.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing request id")
	}
}
