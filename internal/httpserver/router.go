package httpserver

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"portalchat/internal/config"
	"portalchat/internal/domain"
	"portalchat/internal/security"
	"portalchat/internal/service"
	"portalchat/internal/store/sqlite"
	"portalchat/internal/ws"
)

// NewRouter constructs the HTTP router and wires routes, services, and
// middleware.
func NewRouter(
	cfg *config.Server,
	db *sql.DB,
	hub *ws.Hub,
	tokenSvc *security.TokenService,
	passwordHasher *security.PasswordHasher,
	encryptor *security.Encryptor,
	log *zap.SugaredLogger,
) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Repositories
	userRepo := sqlite.NewUserRepo(db)
	convRepo := sqlite.NewConversationRepo(db)
	msgRepo := sqlite.NewMessageRepo(db)
	partRepo := sqlite.NewParticipantRepo(db)

	// Services
	authSvc := service.NewAuthService(userRepo, tokenSvc, passwordHasher)
	userSvc := service.NewUserService(userRepo)
	convSvc := service.NewConversationService(convRepo, partRepo, userRepo)
	msgSvc := service.NewMessageService(convRepo, partRepo, msgRepo, encryptor, cfg.HistoryLimit)

	chats := &chatHandlers{convSvc: convSvc, msgSvc: msgSvc, hub: hub}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", handleRegister(authSvc))
			r.Post("/login", handleLogin(authSvc))
		})

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(authSvc))

			r.Get("/auth/me", handleMe())
			r.Get("/offices", handleDirectory(userSvc))

			r.Route("/chats", func(r chi.Router) {
				r.Get("/", chats.list)
				r.Post("/direct", chats.createDirect)
				r.Post("/group", chats.createGroup)
				r.Get("/{conversationID}", chats.get)
				r.Delete("/{conversationID}", chats.delete)
				r.Post("/{conversationID}/members", chats.addMembers)
				r.Delete("/{conversationID}/members/me", chats.leave)
				r.Patch("/{conversationID}/preferences", chats.preferences)
				r.Get("/{conversationID}/messages", chats.listMessages)
			})

			r.Mount("/uploads", UploadRoutes(cfg))
		})
	})

	// Live channel endpoint
	r.Get("/ws/chat", ws.MakeHandler(hub, authSvc, msgSvc, partRepo, cfg.CORSOrigins, log))

	return r
}

// writeJSON is a small helper to send JSON responses.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps domain sentinels onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
