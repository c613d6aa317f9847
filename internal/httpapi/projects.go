// Package httpapi serves the project CRUD REST API. Authentication is
// an external concern: the middleware in front of this server resolves
// the user and forwards the opaque id in the X-User-ID header.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"codecollab/server/internal/document"
)

type Handler struct {
	projects document.ProjectStore
}

// NewRouter builds the API router. ws, when non-nil, is mounted at /ws
// for the realtime sync endpoint.
func NewRouter(projects document.ProjectStore, ws http.Handler) *mux.Router {
	h := &Handler{projects: projects}
	r := mux.NewRouter()
	api := r.PathPrefix("/api/projects").Subrouter()
	api.HandleFunc("", h.create).Methods(http.MethodPost)
	api.HandleFunc("", h.list).Methods(http.MethodGet)
	api.HandleFunc("/{id}", h.get).Methods(http.MethodGet)
	api.HandleFunc("/{id}", h.update).Methods(http.MethodPatch)
	api.HandleFunc("/{id}", h.delete).Methods(http.MethodDelete)
	if ws != nil {
		r.Handle("/ws", ws)
	}
	return r
}

func userID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

type createRequest struct {
	Name          string   `json:"name"`
	Content       string   `json:"content"`
	Language      string   `json:"language"`
	Collaborators []string `json:"collaborators"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Language == "" {
		req.Language = document.DefaultLanguage
	}
	if !document.ValidLanguage(req.Language) {
		http.Error(w, "unsupported language", http.StatusBadRequest)
		return
	}
	if req.Collaborators == nil {
		req.Collaborators = []string{}
	}
	p := &document.Project{
		ID:            uuid.NewString(),
		Name:          req.Name,
		Owner:         uid,
		Collaborators: req.Collaborators,
		Content:       req.Content,
		Language:      req.Language,
	}
	if err := h.projects.Create(r.Context(), p); err != nil {
		glog.Errorf("create project: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	projects, err := h.projects.ListByUser(r.Context(), uid)
	if err != nil {
		glog.Errorf("list projects: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if projects == nil {
		projects = []*document.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	p, err := h.projects.Get(r.Context(), mux.Vars(r)["id"], uid)
	if errors.Is(err, document.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		glog.Errorf("get project: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var upd document.ProjectUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if upd.Language != nil && !document.ValidLanguage(*upd.Language) {
		http.Error(w, "unsupported language", http.StatusBadRequest)
		return
	}
	p, err := h.projects.Update(r.Context(), mux.Vars(r)["id"], uid, &upd)
	if errors.Is(err, document.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		glog.Errorf("update project: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	err := h.projects.Delete(r.Context(), mux.Vars(r)["id"], uid)
	if errors.Is(err, document.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		glog.Errorf("delete project: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Errorf("encode response: %v", err)
	}
}
