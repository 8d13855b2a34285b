package httpserver

import (
	"encoding/json"
	"net/http"

	"portalchat/internal/domain"
	"portalchat/internal/service"
)

type registerRequest struct {
	OfficeID int64  `json:"office_id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Token string             `json:"token"`
	User  domain.Participant `json:"user"`
}

func handleRegister(authSvc *service.AuthService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}

		if _, err := authSvc.Register(r.Context(), service.RegisterInput{
			OfficeID: req.OfficeID,
			Name:     req.Name,
			Email:    req.Email,
			Password: req.Password,
		}); err != nil {
			writeError(w, err)
			return
		}

		// Auto-login after registration.
		resp, err := authSvc.Login(r.Context(), service.LoginInput{
			Email:    req.Email,
			Password: req.Password,
		})
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to login after registration"})
			return
		}
		writeJSON(w, http.StatusCreated, sessionResponse{
			Token: resp.AccessToken,
			User:  resp.User.Participant(),
		})
	}
}

func handleLogin(authSvc *service.AuthService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}

		resp, err := authSvc.Login(r.Context(), service.LoginInput{
			Email:    req.Email,
			Password: req.Password,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sessionResponse{
			Token: resp.AccessToken,
			User:  resp.User.Participant(),
		})
	}
}

func handleMe() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := CurrentUser(r)
		if user == nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		writeJSON(w, http.StatusOK, user.Participant())
	}
}
