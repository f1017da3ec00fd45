package main

import (
	"context"

	"github.com/google/uuid"
)

// capability is a bit-set over the per-server manage flags.
type capability uint8

const (
	capManageChannels capability = 1 << iota
	capManageUsers
	capManageInvites
)

func (c capability) has(flag capability) bool {
	return c&flag != 0
}

const (
	msgNotMember         = "you do not appear to be part of this server"
	msgMissingPermission = "you are missing permissions required to perform this action"
	msgBanned            = "you are banned from this server"
	msgNoChannel         = "this channel does not exist"
)

// authorize answers whether the user may perform an action requiring the
// given capabilities on the server. Denials are ordered: no membership row
// first, then banned (which overrides every capability), then individual
// flags. Pure read, no side effects; a repeat call with unchanged state
// gives the same answer.
func (s *serverState) authorize(ctx context.Context, userID, serverID uuid.UUID, need capability) error {
	perms, ok, err := s.getPermissions(ctx, serverID, userID)
	if err != nil {
		return errInternal(err)
	}
	if !ok {
		return errForbidden(msgNotMember)
	}
	if perms.Banned {
		return errForbidden(msgBanned)
	}

	if need.has(capManageChannels) && !perms.ManageChannels {
		return errForbidden(msgMissingPermission)
	}
	if need.has(capManageUsers) && !perms.ManageUsers {
		return errForbidden(msgMissingPermission)
	}
	if need.has(capManageInvites) && !perms.ManageInvites {
		return errForbidden(msgMissingPermission)
	}
	return nil
}

// channelAccess gates subscribe and send: the channel must exist and the
// user must hold any membership on its server and not be banned. No manage
// flag is required to talk. The check is repeated per action, never cached,
// so a fresh ban is seen on the next subscribe or send.
func (s *serverState) channelAccess(ctx context.Context, userID, channelID uuid.UUID) (channel, error) {
	ch, ok, err := s.getChannel(ctx, channelID)
	if err != nil {
		return channel{}, errInternal(err)
	}
	if !ok {
		return channel{}, errNotFound(msgNoChannel)
	}

	if err := s.authorize(ctx, userID, ch.ServerID, 0); err != nil {
		return channel{}, err
	}
	return ch, nil
}
