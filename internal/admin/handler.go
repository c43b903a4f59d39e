// Package admin is the token-gated JSON HTTP surface over the coordinator's
// control operations. Every request must carry an allow-listed token in the
// X-Admin-Token header.
package admin

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/whisper/lounge/internal/ban"
	"github.com/whisper/lounge/internal/chat"
	"github.com/whisper/lounge/internal/history"
	"github.com/whisper/lounge/internal/identity"
	"github.com/whisper/lounge/internal/moderation"
)

// TokenHeader carries the administrator token.
const TokenHeader = "X-Admin-Token"

const (
	defaultHistoryLimit = 200
	maxHistoryLimit     = 5000
	maxBodyBytes        = 64 << 10
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// BanRequest bans either a participant, by logical id, or a raw address.
type BanRequest struct {
	TargetID string `json:"target_id" validate:"required_without=Address,max=64"`
	Address  string `json:"address" validate:"omitempty,ip"`
	Reason   string `json:"reason" validate:"max=512"`
}

// BanResponse is returned for a new ban.
type BanResponse struct {
	Ban          ban.Entry `json:"ban"`
	Disconnected int       `json:"disconnected"`
}

// MuteRequest mutes a logical id.
type MuteRequest struct {
	TargetID string `json:"target_id" validate:"required,max=64"`
}

// NoticeBody is the notice payload in both directions.
type NoticeBody struct {
	Content string `json:"content"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Handler serves /admin/.
type Handler struct {
	coord    *chat.Coordinator
	resolver *identity.Resolver
	log      zerolog.Logger
	mux      *http.ServeMux
}

// New creates the admin handler.
func New(coord *chat.Coordinator, resolver *identity.Resolver, log zerolog.Logger) *Handler {
	h := &Handler{coord: coord, resolver: resolver, log: log, mux: http.NewServeMux()}
	h.mux.HandleFunc("GET /admin/bans", h.listBans)
	h.mux.HandleFunc("POST /admin/bans", h.createBan)
	h.mux.HandleFunc("DELETE /admin/bans/{id}", h.deleteBan)
	h.mux.HandleFunc("GET /admin/mutes", h.listMutes)
	h.mux.HandleFunc("POST /admin/mutes", h.createMute)
	h.mux.HandleFunc("DELETE /admin/mutes/{id}", h.deleteMute)
	h.mux.HandleFunc("GET /admin/notice", h.getNotice)
	h.mux.HandleFunc("PUT /admin/notice", h.putNotice)
	h.mux.HandleFunc("GET /admin/history", h.exportHistory)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.resolver.IsAdminToken(r.Header.Get(TokenHeader)) {
		h.log.Warn().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("admin request without valid token")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) listBans(w http.ResponseWriter, r *http.Request) {
	bans, err := h.coord.Bans(r.Context(), chat.AdminAPI)
	if err != nil {
		h.log.Error().Err(err).Msg("list bans")
		writeError(w, http.StatusServiceUnavailable, "ban store unavailable")
		return
	}
	if bans == nil {
		bans = []ban.Entry{}
	}
	writeJSON(w, http.StatusOK, bans)
}

func (h *Handler) createBan(w http.ResponseWriter, r *http.Request) {
	var req BanRequest
	if !decode(w, r, &req) {
		return
	}

	var (
		entry ban.Entry
		n     int
		err   error
	)
	if req.Address != "" {
		entry, n, err = h.coord.BanAddress(r.Context(), chat.AdminAPI, ban.Entry{
			Address:   net.ParseIP(req.Address).String(),
			LogicalID: req.TargetID,
			Reason:    req.Reason,
		})
	} else {
		entry, n, err = h.coord.Ban(r.Context(), chat.AdminAPI, req.TargetID, req.Reason)
	}
	switch {
	case errors.Is(err, chat.ErrUnknownTarget):
		writeError(w, http.StatusNotFound, "no address is known for "+req.TargetID)
	case err != nil:
		h.log.Error().Err(err).Msg("create ban")
		writeError(w, http.StatusServiceUnavailable, "ban could not be stored; nobody was disconnected")
	default:
		writeJSON(w, http.StatusCreated, BanResponse{Ban: entry, Disconnected: n})
	}
}

func (h *Handler) deleteBan(w http.ResponseWriter, r *http.Request) {
	entry, err := h.coord.Unban(r.Context(), chat.AdminAPI, r.PathValue("id"))
	switch {
	case errors.Is(err, ban.ErrNotFound):
		writeError(w, http.StatusNotFound, "ban not found")
	case err != nil:
		h.log.Error().Err(err).Msg("delete ban")
		writeError(w, http.StatusServiceUnavailable, "ban store unavailable")
	default:
		writeJSON(w, http.StatusOK, entry)
	}
}

func (h *Handler) listMutes(w http.ResponseWriter, _ *http.Request) {
	mutes := h.coord.Mutes(chat.AdminAPI)
	if mutes == nil {
		mutes = []moderation.MuteEntry{}
	}
	writeJSON(w, http.StatusOK, mutes)
}

func (h *Handler) createMute(w http.ResponseWriter, r *http.Request) {
	var req MuteRequest
	if !decode(w, r, &req) {
		return
	}
	entry, _ := h.coord.Mute(r.Context(), chat.AdminAPI, req.TargetID)
	writeJSON(w, http.StatusCreated, entry)
}

func (h *Handler) deleteMute(w http.ResponseWriter, r *http.Request) {
	if !h.coord.Unmute(r.Context(), chat.AdminAPI, r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "not muted")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getNotice(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, NoticeBody{Content: h.coord.Notice()})
}

func (h *Handler) putNotice(w http.ResponseWriter, r *http.Request) {
	var body NoticeBody
	if !decode(w, r, &body) {
		return
	}
	if err := h.coord.SetNotice(r.Context(), chat.AdminAPI, body.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, NoticeBody{Content: h.coord.Notice()})
}

func (h *Handler) exportHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	msgs, err := h.coord.ExportHistory(r.Context(), chat.AdminAPI, limit)
	if err != nil {
		h.log.Error().Err(err).Msg("export history")
		writeError(w, http.StatusServiceUnavailable, "archive unavailable")
		return
	}
	if msgs == nil {
		msgs = []history.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// decode reads and validates a JSON body, answering 400 itself on failure.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
