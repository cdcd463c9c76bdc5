package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/WaffleCafe/internal/messaging"
	"github.com/BTreeMap/WaffleCafe/internal/models"
	"github.com/BTreeMap/WaffleCafe/internal/util"
)

// MaxSlotWeeks bounds GET /users/{id}/slots.
const MaxSlotWeeks = 8

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"time": s.dispatcher.Now().UTC().Format(time.RFC3339)}))
}

// createUserHandler handles POST /users. Posting an existing id replaces the
// profile.
func (s *Server) createUserHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CreateUserRequest
	if !decodeJSON(w, r, "createUserHandler", &req) {
		return
	}
	u := models.User{
		ID:    strings.TrimSpace(req.ID),
		Name:  strings.TrimSpace(req.Name),
		Email: strings.TrimSpace(req.Email),
	}
	if u.ID == "" {
		u.ID = util.NewUserID()
	}
	if req.Phone != "" {
		phone, err := messaging.CanonicalPhone(req.Phone)
		if err != nil {
			slog.Warn("Server.createUserHandler: phone validation failed", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		u.Phone = phone
	}
	u.Preference = models.DefaultPreference()
	if req.Preference != nil {
		u.Preference = *req.Preference
	}
	if err := u.Validate(); err != nil {
		writeError(w, r, "createUserHandler", err)
		return
	}
	if err := s.st.SaveUser(u); err != nil {
		writeError(w, r, "createUserHandler", err)
		return
	}
	saved, err := s.st.GetUser(u.ID)
	if err != nil || saved == nil {
		saved = &u
	}
	slog.Info("Server.createUserHandler: user saved", "userID", u.ID)
	writeJSONResponse(w, http.StatusCreated, models.Success(saved))
}

func (s *Server) getUserHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	u, err := s.st.GetUser(id)
	if err != nil {
		writeError(w, r, "getUserHandler", err)
		return
	}
	if u == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("User not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(u))
}

func (s *Server) updatePreferenceHandler(w http.ResponseWriter, r *http.Request) {
	var pref models.SchedulePreference
	if !decodeJSON(w, r, "updatePreferenceHandler", &pref) {
		return
	}
	u, err := s.dispatcher.UpdatePreference(r.Context(), r.PathValue("id"), pref)
	if err != nil {
		writeError(w, r, "updatePreferenceHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Preference updated", u))
}

// slotsHandler handles GET /users/{id}/slots?weeks=N.
func (s *Server) slotsHandler(w http.ResponseWriter, r *http.Request) {
	weeks := 1
	if v := r.URL.Query().Get("weeks"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > MaxSlotWeeks {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("weeks must be between 1 and "+strconv.Itoa(MaxSlotWeeks)))
			return
		}
		weeks = n
	}
	slots, err := s.dispatcher.UpcomingSlots(r.Context(), r.PathValue("id"), weeks)
	if err != nil {
		writeError(w, r, "slotsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(slots))
}

// listPromptsHandler handles GET /prompts?category=.
func (s *Server) listPromptsHandler(w http.ResponseWriter, r *http.Request) {
	prompts, err := s.catalog.List(models.Category(r.URL.Query().Get("category")))
	if err != nil {
		writeError(w, r, "listPromptsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(prompts))
}

func (s *Server) createCustomPromptHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CustomPromptRequest
	if !decodeJSON(w, r, "createCustomPromptHandler", &req) {
		return
	}
	p, err := s.catalog.CreateCustom(r.Context(), req.UserID, req.Text)
	if err != nil {
		writeError(w, r, "createCustomPromptHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(p))
}

func (s *Server) receiptsHandler(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.st.GetReceipts()
	if err != nil {
		writeError(w, r, "receiptsHandler", err)
		return
	}
	if receipts == nil {
		receipts = []models.Receipt{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(receipts))
}
