package httpserver

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"dmchat/internal/domain"
	"dmchat/internal/service"
)

type friendRequestBody struct {
	UserID domain.UserID `json:"userId"`
}

func handleSendFriendRequest(friendSvc *service.FriendService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req friendRequestBody
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
			badRequest(w, "userId is required")
			return
		}
		fr, err := friendSvc.SendRequest(r.Context(), CurrentUser(r).ID, req.UserID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, fr)
	}
}

func handleListFriendRequests(friendSvc *service.FriendService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqs, err := friendSvc.ListIncoming(r.Context(), CurrentUser(r).ID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, reqs)
	}
}

func handleAcceptFriendRequest(friendSvc *service.FriendService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := int64Param(w, r, "requestID")
		if !ok {
			return
		}
		if err := friendSvc.Accept(r.Context(), id, CurrentUser(r).ID); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleRejectFriendRequest(friendSvc *service.FriendService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := int64Param(w, r, "requestID")
		if !ok {
			return
		}
		if err := friendSvc.Reject(r.Context(), id, CurrentUser(r).ID); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func int64Param(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		badRequest(w, "invalid "+name)
		return 0, false
	}
	return id, true
}
