package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"dmchat/internal/domain"
	"dmchat/internal/service"
)

// handleRegister creates an account and logs it in.
func handleRegister(authSvc *service.AuthService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req service.RegisterInput
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			badRequest(w, "invalid JSON body")
			return
		}

		if _, err := authSvc.Register(r.Context(), req); err != nil {
			writeError(w, err)
			return
		}

		resp, err := authSvc.Login(r.Context(), service.LoginInput{
			Username: req.Username,
			Password: req.Password,
		})
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to login after registration"})
			return
		}
		writeJSON(w, http.StatusCreated, resp)
	}
}

func handleLogin(authSvc *service.AuthService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req service.LoginInput
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			badRequest(w, "invalid JSON body")
			return
		}

		resp, err := authSvc.Login(r.Context(), req)
		if err != nil {
			if errors.Is(err, domain.ErrUnauthorized) {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "incorrect username or password"})
				return
			}
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleMe() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, CurrentUser(r))
	}
}
