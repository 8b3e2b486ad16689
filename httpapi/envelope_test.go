package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func decodeErr(t *testing.T, err error) *APIError {
	t.Helper()
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	return apiErr
}

func TestDecodeRejectsWrongContentType(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(`{}`))
	r.Header.Set("Content-Type", "text/plain")
	var dst map[string]any
	apiErr := decodeErr(t, Decode(httptest.NewRecorder(), r, 0, &dst))
	if apiErr.Status != http.StatusUnsupportedMediaType || apiErr.Code != CodeUnsupportedMedia {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestDecodeRejectsOversizedBody(t *testing.T) {
	body := `{"spec":"` + strings.Repeat("a", 64) + `"}`
	r := httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	var dst map[string]any
	apiErr := decodeErr(t, Decode(httptest.NewRecorder(), r, 16, &dst))
	if apiErr.Status != http.StatusRequestEntityTooLarge || apiErr.Code != CodePayloadTooLarge {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestDecodeRejectsBadJSON(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(`{"title":`))
	r.Header.Set("Content-Type", "application/json")
	var dst map[string]any
	apiErr := decodeErr(t, Decode(httptest.NewRecorder(), r, 0, &dst))
	if apiErr.Status != http.StatusBadRequest || apiErr.Code != CodeInvalidPayload {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestDecodeAcceptsValidBody(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(`{"title":"translate"}`))
	r.Header.Set("Content-Type", "application/json")
	var dst struct {
		Title string `json:"title"`
	}
	if err := Decode(httptest.NewRecorder(), r, 0, &dst); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dst.Title != "translate" {
		t.Fatalf("unexpected title %q", dst.Title)
	}
}

func TestWriteErrorKeepsAPIError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, Errorf(http.StatusConflict, CodeTaskExists, "task t-1 already exists"))
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error != CodeTaskExists || envelope.Message == "" {
		t.Fatalf("unexpected envelope: %+v", envelope)
	}
}

func TestWriteErrorMasksUnknownErrors(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, errors.New("sqlite exploded on page 7"))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error != CodeInternal {
		t.Fatalf("error = %q, want %q", envelope.Error, CodeInternal)
	}
	if strings.Contains(envelope.Message, "sqlite") {
		t.Fatalf("internal detail leaked to client: %q", envelope.Message)
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/tasks/t-1/bids", nil)
	if got := BearerToken(r); got != "" {
		t.Fatalf("expected empty token, got %q", got)
	}
	r.Header.Set("Authorization", "Bearer abc.def.ghi")
	if got := BearerToken(r); got != "abc.def.ghi" {
		t.Fatalf("token = %q", got)
	}
	r.Header.Set("Authorization", "Basic abc")
	if got := BearerToken(r); got != "" {
		t.Fatalf("expected empty token for basic auth, got %q", got)
	}
}
