package api

import (
	"net/http"

	"github.com/BTreeMap/WaffleCafe/internal/models"
)

func (s *Server) inviteHandler(w http.ResponseWriter, r *http.Request) {
	var req models.FriendInviteRequest
	if !decodeJSON(w, r, "inviteHandler", &req) {
		return
	}
	f, err := s.friends.Invite(r.Context(), req.UserID, req.FriendID)
	if err != nil {
		writeError(w, r, "inviteHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(f))
}

func (s *Server) respondHandler(w http.ResponseWriter, r *http.Request) {
	var req models.FriendRespondRequest
	if !decodeJSON(w, r, "respondHandler", &req) {
		return
	}
	f, err := s.friends.Respond(r.Context(), req.UserID, req.FriendID, req.Accept)
	if err != nil {
		writeError(w, r, "respondHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(f))
}

func (s *Server) listFriendsHandler(w http.ResponseWriter, r *http.Request) {
	list, err := s.friends.List(r.PathValue("id"))
	if err != nil {
		writeError(w, r, "listFriendsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(list))
}
