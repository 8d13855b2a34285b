package httpserver

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"portalchat/internal/domain"
	"portalchat/internal/service"
	"portalchat/internal/wire"
	"portalchat/internal/ws"
)

type chatHandlers struct {
	convSvc *service.ConversationService
	msgSvc  *service.MessageService
	hub     *ws.Hub
}

func (h *chatHandlers) list(w http.ResponseWriter, r *http.Request) {
	user := CurrentUser(r)
	archived := r.URL.Query().Get("archived") == "true"
	convs, err := h.convSvc.ListForUser(r.Context(), user.ID, archived)
	if err != nil {
		writeError(w, err)
		return
	}
	if convs == nil {
		convs = []*domain.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (h *chatHandlers) get(w http.ResponseWriter, r *http.Request) {
	user := CurrentUser(r)
	id, ok := pathID(w, r, "conversationID")
	if !ok {
		return
	}
	conv, err := h.convSvc.Get(r.Context(), id, user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *chatHandlers) createDirect(w http.ResponseWriter, r *http.Request) {
	user := CurrentUser(r)
	var req struct {
		OfficeID int64 `json:"office_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	conv, err := h.convSvc.CreateDirect(r.Context(), user.ID, req.OfficeID)
	if err != nil {
		writeError(w, err)
		return
	}
	h.hub.Broadcast(conv.RecipientIDs(user.ID), wire.ConversationCreated{Conversation: *conv})
	writeJSON(w, http.StatusCreated, conv)
}

func (h *chatHandlers) createGroup(w http.ResponseWriter, r *http.Request) {
	user := CurrentUser(r)
	var req struct {
		Name      string  `json:"name"`
		OfficeIDs []int64 `json:"office_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	conv, err := h.convSvc.CreateGroup(r.Context(), user.ID, req.Name, req.OfficeIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	h.hub.Broadcast(conv.RecipientIDs(user.ID), wire.ConversationCreated{Conversation: *conv})
	writeJSON(w, http.StatusCreated, conv)
}

func (h *chatHandlers) addMembers(w http.ResponseWriter, r *http.Request) {
	user := CurrentUser(r)
	id, ok := pathID(w, r, "conversationID")
	if !ok {
		return
	}
	var req struct {
		OfficeIDs []int64 `json:"office_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	conv, err := h.convSvc.AddMembers(r.Context(), user.ID, id, req.OfficeIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	h.hub.Broadcast(conv.RecipientIDs(user.ID), wire.ConversationUpdated{Conversation: *conv})
	writeJSON(w, http.StatusOK, conv)
}

func (h *chatHandlers) leave(w http.ResponseWriter, r *http.Request) {
	user := CurrentUser(r)
	id, ok := pathID(w, r, "conversationID")
	if !ok {
		return
	}
	conv, err := h.convSvc.Leave(r.Context(), user.ID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	// Remaining members see the shrunk roster; the leaver's other sessions
	// drop the conversation.
	h.hub.Broadcast(conv.RecipientIDs(user.ID), wire.ConversationUpdated{Conversation: *conv})
	h.hub.Broadcast([]int64{user.ID}, wire.ConversationDeleted{ConversationID: conv.ID})
	writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

func (h *chatHandlers) delete(w http.ResponseWriter, r *http.Request) {
	user := CurrentUser(r)
	id, ok := pathID(w, r, "conversationID")
	if !ok {
		return
	}
	conv, err := h.convSvc.Delete(r.Context(), user.ID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	ids := make([]int64, 0, len(conv.Participants))
	for _, p := range conv.Participants {
		ids = append(ids, p.ID)
	}
	h.hub.Broadcast(ids, wire.ConversationDeleted{ConversationID: conv.ID})
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *chatHandlers) preferences(w http.ResponseWriter, r *http.Request) {
	user := CurrentUser(r)
	id, ok := pathID(w, r, "conversationID")
	if !ok {
		return
	}
	var req struct {
		Pinned   *bool `json:"pinned"`
		Archived *bool `json:"archived"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if err := h.convSvc.SetPreferences(r.Context(), user.ID, id, req.Pinned, req.Archived); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *chatHandlers) listMessages(w http.ResponseWriter, r *http.Request) {
	user := CurrentUser(r)
	id, ok := pathID(w, r, "conversationID")
	if !ok {
		return
	}
	msgs, err := h.msgSvc.ListMessages(r.Context(), id, user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]wire.Message, len(msgs))
	for i, m := range msgs {
		out[i] = wire.FromDomain(m)
	}
	writeJSON(w, http.StatusOK, out)
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid conversation id"})
		return 0, false
	}
	return id, true
}
