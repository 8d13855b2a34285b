package httpserver

import (
	"net/http"

	"portalchat/internal/service"
)

// handleDirectory lists the offices the caller can start a conversation
// with.
func handleDirectory(userSvc *service.UserService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := CurrentUser(r)
		offices, err := userSvc.Directory(r.Context(), user.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, offices)
	}
}
