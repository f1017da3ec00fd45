package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

type newServerRequest struct {
	Name string `json:"name"`
}

type newChannelRequest struct {
	ServerID uuid.UUID `json:"server_id"`
	Name     string    `json:"name"`
}

type deleteChannelRequest struct {
	ChannelID uuid.UUID `json:"channel_id"`
}

type newInviteRequest struct {
	ServerID uuid.UUID  `json:"server_id"`
	Expires  *time.Time `json:"expires,omitempty"`
}

type targetUserRequest struct {
	ServerID uuid.UUID `json:"server_id"`
	UserID   uuid.UUID `json:"user_id"`
}

type changePermissionsRequest struct {
	ServerID       uuid.UUID `json:"server_id"`
	UserID         uuid.UUID `json:"user_id"`
	ManageChannels *bool     `json:"manage_channels,omitempty"`
	ManageUsers    *bool     `json:"manage_users,omitempty"`
	ManageInvites  *bool     `json:"manage_invites,omitempty"`
}

func (s *serverState) handleNewServer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	u, _, err := s.resolveSession(r.Context(), r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req newServerRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		http.Error(w, "server name is required", http.StatusBadRequest)
		return
	}

	srv, err := s.createServer(r.Context(), strings.TrimSpace(req.Name), u.ID)
	if err != nil {
		writeError(w, r, errInternal(err))
		return
	}

	fmt.Fprint(w, srv.ID.String())
}

// handleNewChannel persists the channel and registers its topic before
// responding. The registration must not be deferred: a channel without a
// topic is unreachable for live delivery.
func (s *serverState) handleNewChannel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	u, _, err := s.resolveSession(r.Context(), r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req newChannelRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		http.Error(w, "channel name is required", http.StatusBadRequest)
		return
	}

	if _, ok, err := s.getServer(r.Context(), req.ServerID); err != nil {
		writeError(w, r, errInternal(err))
		return
	} else if !ok {
		writeError(w, r, errNotFound("this server does not exist"))
		return
	}

	if err := s.authorize(r.Context(), u.ID, req.ServerID, capManageChannels); err != nil {
		writeError(w, r, err)
		return
	}

	ch, err := s.createChannel(r.Context(), req.ServerID, strings.TrimSpace(req.Name))
	if err != nil {
		writeError(w, r, errInternal(err))
		return
	}
	s.topics.create(ch.ID)

	fmt.Fprint(w, ch.ID.String())
}

func (s *serverState) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	u, _, err := s.resolveSession(r.Context(), r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req deleteChannelRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ch, ok, err := s.getChannel(r.Context(), req.ChannelID)
	if err != nil {
		writeError(w, r, errInternal(err))
		return
	}
	if !ok {
		writeError(w, r, errNotFound(msgNoChannel))
		return
	}

	if err := s.authorize(r.Context(), u.ID, ch.ServerID, capManageChannels); err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.deleteChannel(r.Context(), ch.ID); err != nil {
		writeError(w, r, errInternal(err))
		return
	}
	// Ends every live stream on this channel; subscribers observe a clean
	// close rather than hanging.
	s.topics.remove(ch.ID)

	fmt.Fprintf(w, "channel %s deleted", ch.ID)
}

func (s *serverState) handleNewInvite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	u, _, err := s.resolveSession(r.Context(), r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req newInviteRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.authorize(r.Context(), u.ID, req.ServerID, capManageInvites); err != nil {
		writeError(w, r, err)
		return
	}

	inv, err := s.createInvite(r.Context(), req.ServerID, req.Expires)
	if err != nil {
		writeError(w, r, errInternal(err))
		return
	}

	fmt.Fprint(w, inv.ID.String())
}

// handleJoinInvite redeems an invite: GET /server/invite/<id>.
func (s *serverState) handleJoinInvite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, err := uuid.Parse(strings.TrimPrefix(r.URL.Path, "/server/invite/"))
	if err != nil {
		http.Error(w, "invalid invite id", http.StatusBadRequest)
		return
	}
	s.joinViaInvite(w, r, id)
}

// handleJoinInvitePost is the body-carried variant: POST /server/invite
// with a JSON-encoded invite id.
func (s *serverState) handleJoinInvitePost(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var id uuid.UUID
	if err := decodeJSON(r, &id); err != nil {
		http.Error(w, "invalid invite id", http.StatusBadRequest)
		return
	}
	s.joinViaInvite(w, r, id)
}

func (s *serverState) joinViaInvite(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	u, _, err := s.resolveSession(r.Context(), r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	inv, ok, err := s.getInvite(r.Context(), id)
	if err != nil {
		writeError(w, r, errInternal(err))
		return
	}
	if !ok {
		writeError(w, r, errNotFound("this invite is invalid"))
		return
	}
	if !inv.valid() {
		writeError(w, r, errExpired("this invite has expired"))
		return
	}

	if err := s.addMembership(r.Context(), inv.ServerID, u.ID); err != nil {
		writeError(w, r, errInternal(err))
		return
	}

	fmt.Fprintf(w, "joined server %s", inv.ServerID)
}

func (s *serverState) handleBanUser(w http.ResponseWriter, r *http.Request) {
	s.handleModeration(w, r, "banned", func(serverID, userID uuid.UUID) error {
		return s.setBanned(r.Context(), serverID, userID, true)
	})
}

func (s *serverState) handleUnbanUser(w http.ResponseWriter, r *http.Request) {
	s.handleModeration(w, r, "unbanned", func(serverID, userID uuid.UUID) error {
		return s.setBanned(r.Context(), serverID, userID, false)
	})
}

func (s *serverState) handleKickUser(w http.ResponseWriter, r *http.Request) {
	s.handleModeration(w, r, "kicked", func(serverID, userID uuid.UUID) error {
		return s.deleteMembership(r.Context(), serverID, userID)
	})
}

// handleModeration factors the shared shape of ban/unban/kick: the caller
// needs manage_users, the target user must exist, then the store mutation
// runs.
func (s *serverState) handleModeration(w http.ResponseWriter, r *http.Request, verb string,
	apply func(serverID, userID uuid.UUID) error) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	u, _, err := s.resolveSession(r.Context(), r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req targetUserRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.authorize(r.Context(), u.ID, req.ServerID, capManageUsers); err != nil {
		writeError(w, r, err)
		return
	}

	if _, ok, err := s.getUserByID(r.Context(), req.UserID); err != nil {
		writeError(w, r, errInternal(err))
		return
	} else if !ok {
		writeError(w, r, errForbidden(fmt.Sprintf("user with the id %s does not exist", req.UserID)))
		return
	}

	if err := apply(req.ServerID, req.UserID); err != nil {
		if errors.Is(err, errNoMembership) {
			writeError(w, r, errForbidden(msgNotMember))
			return
		}
		writeError(w, r, errInternal(err))
		return
	}

	fmt.Fprintf(w, "user %s %s", req.UserID, verb)
}

func (s *serverState) handleChangePermissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	u, _, err := s.resolveSession(r.Context(), r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req changePermissionsRequest
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.authorize(r.Context(), u.ID, req.ServerID, capManageUsers); err != nil {
		writeError(w, r, err)
		return
	}

	patch := permissionPatch{
		ManageChannels: req.ManageChannels,
		ManageUsers:    req.ManageUsers,
		ManageInvites:  req.ManageInvites,
	}
	if err := s.mergePermissions(r.Context(), req.ServerID, req.UserID, patch); err != nil {
		// Patching a non-member must fail loudly, never create a row.
		if errors.Is(err, errNoMembership) {
			writeError(w, r, errForbidden("that user is not part of this server"))
			return
		}
		writeError(w, r, errInternal(err))
		return
	}

	fmt.Fprintf(w, "permissions updated for user %s", req.UserID)
}
