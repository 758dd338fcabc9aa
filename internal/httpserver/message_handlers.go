package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"dmchat/internal/domain"
	"dmchat/internal/service"
)

// handleHistory returns the conversation between the caller and the user in
// the path, oldest first.
func handleHistory(msgSvc *service.MessageService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		friendID := domain.UserID(chi.URLParam(r, "id"))
		msgs, err := msgSvc.History(r.Context(), CurrentUser(r).ID, friendID)
		if err != nil {
			writeError(w, err)
			return
		}
		if msgs == nil {
			msgs = []*domain.Message{}
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}

func handleDeleteMessage(msgSvc *service.MessageService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := int64Param(w, r, "id")
		if !ok {
			return
		}
		if err := msgSvc.Delete(r.Context(), id, CurrentUser(r).ID); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
