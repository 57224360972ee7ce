package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/edgard/relaybot/internal/database"
	"github.com/edgard/relaybot/internal/logger"
	"github.com/edgard/relaybot/internal/registration"
)

const maxBodyBytes = 64 << 10

// botView is the admin API representation of a bot. The token is redacted.
type botView struct {
	ID             string    `json:"id"`
	Token          string    `json:"token"`
	Handle         string    `json:"handle"`
	PlatformUserID int64     `json:"platform_user_id"`
	Personality    string    `json:"personality"`
	GroupID        int64     `json:"group_id"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
}

func newBotView(b database.Bot) botView {
	return botView{
		ID:             b.ID,
		Token:          logger.RedactToken(b.Token),
		Handle:         b.Handle,
		PlatformUserID: b.PlatformUserID,
		Personality:    b.Personality,
		GroupID:        b.GroupID,
		Active:         b.Active,
		CreatedAt:      b.CreatedAt,
	}
}

type updateBotRequest struct {
	Active *bool `json:"active"`
}

func (s *Server) webhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	botID := r.PathValue("botID")

	bot, err := s.deps.Store.GetBot(ctx, botID)
	if err != nil {
		s.log.ErrorContext(ctx, "Failed to load bot for webhook", "bot_id", botID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if bot == nil {
		writeError(w, http.StatusNotFound, "unknown bot")
		return
	}
	if !bot.Active {
		// acknowledge so Telegram stops redelivering
		w.WriteHeader(http.StatusOK)
		return
	}

	handler, err := s.deps.Webhooks.WebhookHandler(*bot)
	if err != nil {
		s.log.ErrorContext(ctx, "Failed to build webhook handler", "bot_id", botID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable")
		return
	}
	handler.ServeHTTP(w, r)
}

func (s *Server) listBots(w http.ResponseWriter, r *http.Request) {
	bots, err := s.deps.Registration.List(r.Context())
	if err != nil {
		s.writeRegistrationError(w, r, err)
		return
	}

	views := make([]botView, 0, len(bots))
	for _, b := range bots {
		views = append(views, newBotView(b))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) createBot(w http.ResponseWriter, r *http.Request) {
	var req registration.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	bot, err := s.deps.Registration.Register(r.Context(), req)
	if err != nil {
		s.writeRegistrationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newBotView(*bot))
}

func (s *Server) updateBot(w http.ResponseWriter, r *http.Request) {
	var req updateBotRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil || req.Active == nil {
		writeError(w, http.StatusBadRequest, "body must contain \"active\"")
		return
	}

	bot, err := s.deps.Registration.SetActive(r.Context(), r.PathValue("id"), *req.Active)
	if err != nil {
		s.writeRegistrationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newBotView(*bot))
}

func (s *Server) deleteBot(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Registration.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeRegistrationError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeRegistrationError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *registration.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, registration.ErrNotFound):
		writeError(w, http.StatusNotFound, "bot not found")
	case errors.Is(err, registration.ErrAlreadyRegistered):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.ErrorContext(r.Context(), "Admin request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
