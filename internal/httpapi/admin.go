package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/mtzyw/upimage-sub001/internal/domain/apikey"
)

// keyView is the admin representation of a pool key. The secret is masked;
// it is write-only through this API.
type keyView struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	SecretTail    string `json:"secretTail"`
	UsedToday     int    `json:"usedToday"`
	DailyLimit    int    `json:"dailyLimit"`
	IsActive      bool   `json:"isActive"`
	InFlight      int    `json:"inFlight"`
	LastResetDate string `json:"lastResetDate"`
	LastUsedAt    string `json:"lastUsedAt,omitempty"`
	CreatedAt     string `json:"createdAt"`
}

func keyViewOf(k apikey.Key) keyView {
	tail := k.Secret
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	v := keyView{
		ID:            k.ID,
		Name:          k.Name,
		SecretTail:    tail,
		UsedToday:     k.UsedToday,
		DailyLimit:    k.DailyLimit,
		IsActive:      k.IsActive,
		InFlight:      k.InFlight,
		LastResetDate: k.LastResetDate,
		CreatedAt:     k.CreatedAt.UTC().Format(time.RFC3339),
	}
	if !k.LastUsedAt.IsZero() {
		v.LastUsedAt = k.LastUsedAt.UTC().Format(time.RFC3339)
	}
	return v
}

func (h *Handler) adminCreateKey(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Secret     string `json:"secret"`
		Name       string `json:"name"`
		DailyLimit int    `json:"dailyLimit"`
		IsActive   *bool  `json:"isActive"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	active := true
	if payload.IsActive != nil {
		active = *payload.IsActive
	}
	created, err := h.pool.Create(r.Context(), apikey.Key{
		Secret:     payload.Secret,
		Name:       payload.Name,
		DailyLimit: payload.DailyLimit,
		IsActive:   active,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, keyViewOf(created))
}

func (h *Handler) adminListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.pool.List(r.Context())
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	views := make([]keyView, 0, len(keys))
	for _, k := range keys {
		views = append(views, keyViewOf(k))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) adminGetKey(w http.ResponseWriter, r *http.Request) {
	k, err := h.pool.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, apikey.ErrKeyNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, keyViewOf(k))
}

func (h *Handler) adminUpdateKey(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Secret     string `json:"secret"`
		Name       string `json:"name"`
		DailyLimit int    `json:"dailyLimit"`
		IsActive   *bool  `json:"isActive"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	id := mux.Vars(r)["id"]
	existing, err := h.pool.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, apikey.ErrKeyNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeServiceError(w, h.log, err)
		return
	}

	if payload.Secret != "" {
		existing.Secret = payload.Secret
	}
	if payload.Name != "" {
		existing.Name = payload.Name
	}
	if payload.DailyLimit > 0 {
		existing.DailyLimit = payload.DailyLimit
	}
	if payload.IsActive != nil {
		existing.IsActive = *payload.IsActive
	}

	updated, err := h.pool.Update(r.Context(), existing)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, keyViewOf(updated))
}
