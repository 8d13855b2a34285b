package httpserver

import (
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"portalchat/internal/config"
)

const maxVoiceNoteBytes = 25 << 20

// UploadRoutes returns the sub-router mounted at /api/uploads. Voice notes
// are stored on disk and referenced by path from message records.
func UploadRoutes(cfg *config.Server) chi.Router {
	r := chi.NewRouter()

	r.Post("/voice", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(maxVoiceNoteBytes); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to parse multipart form"})
			return
		}
		file, header, err := r.FormFile("voice_note")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing voice_note file"})
			return
		}
		defer file.Close()

		ext := filepath.Ext(header.Filename)
		if ext == "" {
			ext = ".ogg"
		}
		filename := uuid.NewString() + ext
		destPath := filepath.Join(cfg.UploadDir, filename)

		out, err := os.Create(destPath)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not create file"})
			return
		}
		defer out.Close()
		if _, err := io.Copy(out, file); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not save file"})
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{
			"path": "/api/uploads/voice/" + filename,
		})
	})

	r.Get("/voice/{filename}", func(w http.ResponseWriter, r *http.Request) {
		filename := chi.URLParam(r, "filename")
		// Reject anything that is not a bare filename.
		if filename == "" || filepath.Base(filename) != filename {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid filename"})
			return
		}
		http.ServeFile(w, r, filepath.Join(cfg.UploadDir, filename))
	})

	return r
}
