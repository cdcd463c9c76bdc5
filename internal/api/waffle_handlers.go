package api

import (
	"log/slog"
	"net/http"

	"github.com/BTreeMap/WaffleCafe/internal/models"
)

// IdempotencyKeyHeader lets clients retry a reply without spending quota twice.
const IdempotencyKeyHeader = "Idempotency-Key"

// orderHandler handles POST /waffles.
func (s *Server) orderHandler(w http.ResponseWriter, r *http.Request) {
	var req models.OrderRequest
	if !decodeJSON(w, r, "orderHandler", &req) {
		return
	}
	waffle, err := s.dispatcher.OnOrder(r.Context(), req.PromptID, req.SenderID, req.RecipientID)
	if err != nil {
		writeError(w, r, "orderHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.ScheduledWithMessage("Waffle scheduled", waffle))
}

// getWaffleHandler returns the waffle with its prompt and participants.
func (s *Server) getWaffleHandler(w http.ResponseWriter, r *http.Request) {
	waffle, err := s.dispatcher.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, "getWaffleHandler", err)
		return
	}
	view, err := s.dispatcher.Expand(r.Context(), waffle)
	if err != nil {
		writeError(w, r, "getWaffleHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(view))
}

func (s *Server) cancelHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.dispatcher.OnCancel(r.Context(), id); err != nil {
		writeError(w, r, "cancelHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Waffle cancelled", map[string]string{"id": id}))
}

// replyHandler handles POST /waffles/{id}/replies. A repeated
// Idempotency-Key answers 200 without appending.
func (s *Server) replyHandler(w http.ResponseWriter, r *http.Request) {
	var req models.ReplyRequest
	if !decodeJSON(w, r, "replyHandler", &req) {
		return
	}
	id := r.PathValue("id")
	key := r.Header.Get(IdempotencyKeyHeader)
	reply, duplicate, err := s.dispatcher.OnReplyOnce(r.Context(), key, id, req.AuthorID, req.Text, s.dispatcher.Now())
	if err != nil {
		writeError(w, r, "replyHandler", err)
		return
	}
	if duplicate {
		slog.Debug("Server.replyHandler: duplicate reply", "waffleID", id, "authorID", req.AuthorID)
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Duplicate reply ignored", nil))
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(reply))
}

func (s *Server) videoHandler(w http.ResponseWriter, r *http.Request) {
	var req models.VideoRequest
	if !decodeJSON(w, r, "videoHandler", &req) {
		return
	}
	waffle, err := s.dispatcher.OnVideo(r.Context(), r.PathValue("id"), req.UserID, req.VideoURL, s.dispatcher.Now())
	if err != nil {
		writeError(w, r, "videoHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(waffle))
}

func (s *Server) closeHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CloseRequest
	if !decodeJSON(w, r, "closeHandler", &req) {
		return
	}
	waffle, err := s.dispatcher.OnClose(r.Context(), r.PathValue("id"), req.UserID, s.dispatcher.Now())
	if err != nil {
		writeError(w, r, "closeHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(waffle))
}

// listWafflesHandler handles GET /users/{id}/waffles/{active|upcoming|memories}.
func (s *Server) listWafflesHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	var (
		waffles []models.Waffle
		err     error
	)
	switch kind := r.PathValue("kind"); kind {
	case "active":
		waffles, err = s.dispatcher.ActiveFor(r.Context(), userID)
	case "upcoming":
		waffles, err = s.dispatcher.UpcomingFor(r.Context(), userID)
	case "memories":
		waffles, err = s.dispatcher.MemoriesFor(r.Context(), userID)
	default:
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown waffle list "+kind))
		return
	}
	if err != nil {
		writeError(w, r, "listWafflesHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(waffles))
}
