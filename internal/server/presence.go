package server

import (
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"topicpresence/internal/presence"
	"topicpresence/internal/storage"
)

type presenceUpdateRequest struct {
	State     presence.State  `json:"state"`
	TopicID   int64           `json:"topic_id"`
	IsWhisper bool            `json:"is_whisper,omitempty"`
	PostID    presence.PostID `json:"post_id,omitempty"`
	StaffOnly bool            `json:"staff_only,omitempty"`
}

type settingsResponse struct {
	KeepAliveSeconds         int           `json:"keep_alive_seconds"`
	MaxUsersShown            int           `json:"max_users_shown"`
	AllowUsersToHidePresence bool          `json:"allow_users_to_hide_presence"`
	HidePresence             bool          `json:"hide_presence"`
	Staff                    bool          `json:"staff"`
	User                     presence.User `json:"user"`
}

type preferencesRequest struct {
	HidePresence *bool `json:"hide_presence"`
}

// HandlePresenceUpdate relays the caller's keep-alive to the topic's
// presence channel.
func (s *Server) HandlePresenceUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	authCtx := s.requireAuth(w, r)
	if authCtx == nil {
		return
	}
	user := authCtx.User
	if !s.presenceLimiter.Allow(strconv.FormatInt(user.ID, 10)) {
		s.metrics.IncPresenceRejected()
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	var req presenceUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.metrics.IncPresenceRejected()
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := validateUpdate(req); err != nil {
		s.metrics.IncPresenceRejected()
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if (req.IsWhisper || req.StaffOnly) && !user.Staff {
		s.metrics.IncPresenceRejected()
		writeError(w, http.StatusForbidden, errors.New("whisper and staff-only presence require staff"))
		return
	}
	if user.HidePresence && s.settings.AllowUsersToHidePresence {
		s.metrics.IncPresenceSuppressed()
		w.WriteHeader(http.StatusNoContent)
		return
	}

	msg := presence.Message{
		User:      publicUser(user),
		State:     req.State,
		IsWhisper: req.IsWhisper,
		StaffOnly: req.StaffOnly,
	}
	if req.State == presence.StateEditing {
		msg.PostID = req.PostID
	}
	channel := presence.ChannelName(req.TopicID)
	if err := s.hub.Publish(r.Context(), channel, msg, req.IsWhisper || req.StaffOnly); err != nil {
		s.logger.Error("presence publish failed", zap.String("channel", channel), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.metrics.IncPresencePublished()
	w.WriteHeader(http.StatusNoContent)
}

func validateUpdate(req presenceUpdateRequest) error {
	if req.TopicID <= 0 {
		return errors.New("topic_id must be a positive integer")
	}
	if !req.State.Valid() {
		return errors.New("state must be one of replying, editing, closed")
	}
	if req.State == presence.StateEditing && req.PostID <= 0 {
		return errors.New("post_id is required when editing")
	}
	return nil
}

// HandlePresenceSettings returns the site settings and the caller's
// preference.
func (s *Server) HandlePresenceSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	authCtx := s.requireAuth(w, r)
	if authCtx == nil {
		return
	}
	writeJSON(w, http.StatusOK, s.settingsFor(authCtx.User))
}

// HandlePresencePreferences updates the caller's hide-presence preference.
func (s *Server) HandlePresencePreferences(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, http.MethodPut)
		return
	}
	authCtx := s.requireAuth(w, r)
	if authCtx == nil {
		return
	}
	var req preferencesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.HidePresence == nil {
		writeError(w, http.StatusBadRequest, errors.New("hide_presence is required"))
		return
	}
	if err := s.store.SetHidePresence(r.Context(), authCtx.User.ID, *req.HidePresence); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	authCtx.User.HidePresence = *req.HidePresence
	writeJSON(w, http.StatusOK, s.settingsFor(authCtx.User))
}

func (s *Server) settingsFor(user *storage.User) settingsResponse {
	return settingsResponse{
		KeepAliveSeconds:         int(presence.KeepAliveInterval.Seconds()),
		MaxUsersShown:            s.settings.MaxUsersShown,
		AllowUsersToHidePresence: s.settings.AllowUsersToHidePresence,
		HidePresence:             user.HidePresence,
		Staff:                    user.Staff,
		User:                     publicUser(user),
	}
}

func publicUser(user *storage.User) presence.User {
	return presence.User{
		ID:             user.ID,
		Username:       user.Username,
		Name:           user.Name,
		AvatarTemplate: user.AvatarTemplate,
	}
}
