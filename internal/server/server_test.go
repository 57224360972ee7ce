package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/edgard/relaybot/internal/config"
	"github.com/edgard/relaybot/internal/database"
	"github.com/edgard/relaybot/internal/registration"
)

const adminToken = "0123456789abcdef-admin"

type fakeStore struct {
	bots    map[string]database.Bot
	pingErr error
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) GetBot(_ context.Context, id string) (*database.Bot, error) {
	b, ok := f.bots[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

type fakeRegistrar struct {
	bots      []database.Bot
	err       error
	lastReq   registration.Request
	toggledID string
}

func (f *fakeRegistrar) Register(_ context.Context, req registration.Request) (*database.Bot, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &database.Bot{ID: "new", Token: req.Token, Handle: "new_bot", Active: true}, nil
}

func (f *fakeRegistrar) SetActive(_ context.Context, id string, active bool) (*database.Bot, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.toggledID = id
	return &database.Bot{ID: id, Token: "1:secret", Active: active}, nil
}

func (f *fakeRegistrar) Delete(context.Context, string) error { return f.err }

func (f *fakeRegistrar) List(context.Context) ([]database.Bot, error) { return f.bots, f.err }

type fakeWebhooks struct {
	served []string
}

func (f *fakeWebhooks) WebhookHandler(bot database.Bot) (http.Handler, error) {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		f.served = append(f.served, bot.ID)
		w.WriteHeader(http.StatusOK)
	}), nil
}

func newTestServer(store *fakeStore, reg *fakeRegistrar, hooks *fakeWebhooks) http.Handler {
	cfg := config.HTTPConfig{Addr: "127.0.0.1:0", AdminToken: adminToken, ShutdownTimeout: time.Second}
	return New(cfg, Deps{Store: store, Registration: reg, Webhooks: hooks}).Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if admin {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	t.Parallel()

	h := newTestServer(&fakeStore{}, &fakeRegistrar{}, &fakeWebhooks{})
	if rec := do(t, h, http.MethodGet, "/healthz", "", false); rec.Code != http.StatusOK {
		t.Errorf("healthy status = %d", rec.Code)
	}

	h = newTestServer(&fakeStore{pingErr: errors.New("db gone")}, &fakeRegistrar{}, &fakeWebhooks{})
	if rec := do(t, h, http.MethodGet, "/healthz", "", false); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy status = %d", rec.Code)
	}
}

func TestWebhookRouting(t *testing.T) {
	t.Parallel()

	store := &fakeStore{bots: map[string]database.Bot{
		"on":  {ID: "on", Active: true},
		"off": {ID: "off", Active: false},
	}}
	hooks := &fakeWebhooks{}
	h := newTestServer(store, &fakeRegistrar{}, hooks)

	tests := []struct {
		path string
		want int
	}{
		{path: "/telegram/on", want: http.StatusOK},
		{path: "/telegram/off", want: http.StatusOK},
		{path: "/telegram/missing", want: http.StatusNotFound},
	}
	for _, tc := range tests {
		if rec := do(t, h, http.MethodPost, tc.path, "{}", false); rec.Code != tc.want {
			t.Errorf("POST %s = %d, want %d", tc.path, rec.Code, tc.want)
		}
	}
	if len(hooks.served) != 1 || hooks.served[0] != "on" {
		t.Errorf("delegated to %v, want only the active bot", hooks.served)
	}
}

func TestAdminRequiresToken(t *testing.T) {
	t.Parallel()
	h := newTestServer(&fakeStore{}, &fakeRegistrar{}, &fakeWebhooks{})

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/bots"},
		{http.MethodPost, "/api/bots"},
		{http.MethodPatch, "/api/bots/x"},
		{http.MethodDelete, "/api/bots/x"},
	} {
		if rec := do(t, h, tc.method, tc.path, "{}", false); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without token = %d", tc.method, tc.path, rec.Code)
		}
	}
}

func TestAdminBots(t *testing.T) {
	t.Parallel()

	t.Run("list redacts tokens", func(t *testing.T) {
		t.Parallel()
		reg := &fakeRegistrar{bots: []database.Bot{{ID: "a", Token: "123:very-secret"}}}
		rec := do(t, newTestServer(&fakeStore{}, reg, &fakeWebhooks{}), http.MethodGet, "/api/bots", "", true)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if strings.Contains(rec.Body.String(), "very-secret") {
			t.Fatalf("token leaked: %s", rec.Body.String())
		}
		var views []botView
		if err := json.NewDecoder(rec.Body).Decode(&views); err != nil || len(views) != 1 || views[0].Token != "123:***" {
			t.Errorf("views = %+v, err = %v", views, err)
		}
	})

	t.Run("create", func(t *testing.T) {
		t.Parallel()
		reg := &fakeRegistrar{}
		body := `{"token":"1:abc","chat_id":-100,"group_name":"lounge","personality":"dry wit"}`
		rec := do(t, newTestServer(&fakeStore{}, reg, &fakeWebhooks{}), http.MethodPost, "/api/bots", body, true)
		if rec.Code != http.StatusCreated {
			t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
		}
		if reg.lastReq.ChatID != -100 || reg.lastReq.Personality != "dry wit" {
			t.Errorf("request = %+v", reg.lastReq)
		}
	})

	t.Run("toggle requires active", func(t *testing.T) {
		t.Parallel()
		reg := &fakeRegistrar{}
		h := newTestServer(&fakeStore{}, reg, &fakeWebhooks{})
		if rec := do(t, h, http.MethodPatch, "/api/bots/a", `{}`, true); rec.Code != http.StatusBadRequest {
			t.Errorf("empty patch = %d", rec.Code)
		}
		if rec := do(t, h, http.MethodPatch, "/api/bots/a", `{"active":false}`, true); rec.Code != http.StatusOK || reg.toggledID != "a" {
			t.Errorf("patch = %d, toggled %q", rec.Code, reg.toggledID)
		}
	})

	t.Run("error mapping", func(t *testing.T) {
		t.Parallel()
		tests := []struct {
			err  error
			want int
		}{
			{err: &registration.ValidationError{Reason: "missing token"}, want: http.StatusBadRequest},
			{err: registration.ErrNotFound, want: http.StatusNotFound},
			{err: registration.ErrAlreadyRegistered, want: http.StatusConflict},
			{err: errors.New("disk full"), want: http.StatusInternalServerError},
		}
		for _, tc := range tests {
			h := newTestServer(&fakeStore{}, &fakeRegistrar{err: tc.err}, &fakeWebhooks{})
			if rec := do(t, h, http.MethodDelete, "/api/bots/a", "", true); rec.Code != tc.want {
				t.Errorf("DELETE with %v = %d, want %d", tc.err, rec.Code, tc.want)
			}
		}
	})

	t.Run("delete", func(t *testing.T) {
		t.Parallel()
		rec := do(t, newTestServer(&fakeStore{}, &fakeRegistrar{}, &fakeWebhooks{}), http.MethodDelete, "/api/bots/a", "", true)
		if rec.Code != http.StatusNoContent {
			t.Errorf("status = %d", rec.Code)
		}
	})
}
