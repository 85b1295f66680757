package supportbot

import (
	"fmt"
	"slices"
)

const (
	msgPermissionDenied   = "No permission to use this command."
	msgWrongChannelFormat = "This command can only be used in <#%s>."
	msgNoCommandChannel   = "This command is disabled because no command channel is configured."
)

type gateDecision int

const (
	gateAllow gateDecision = iota
	gateDenyPermission
	gateDenyChannel
)

func (g gateDecision) String() string {
	switch g {
	case gateAllow:
		return "allow"
	case gateDenyPermission:
		return "deny_permission"
	case gateDenyChannel:
		return "deny_channel"
	default:
		return "unknown"
	}
}

// PermissionGate decides whether an actor may run a command in a channel.
type PermissionGate struct {
	staffRoleIDs     []string
	commandChannelID string
}

func NewPermissionGate(staffRoleIDs []string, commandChannelID string) PermissionGate {
	return PermissionGate{
		staffRoleIDs:     slices.Clone(staffRoleIDs),
		commandChannelID: commandChannelID,
	}
}

// IsPrivileged returns true if any of actorRoleIDs is in allowedRoleIDs
func IsPrivileged(actorRoleIDs []string, allowedRoleIDs []string) bool {
	for _, r := range actorRoleIDs {
		if r != "" && slices.Contains(allowedRoleIDs, r) {
			return true
		}
	}
	return false
}

// IsInDesignatedChannel reports whether channelID is the configured
// channel. If no channel is configured, no channel matches.
func IsInDesignatedChannel(channelID string, configuredChannelID string) bool {
	return configuredChannelID != "" && channelID == configuredChannelID
}

func (p PermissionGate) IsStaff(actorRoleIDs []string) bool {
	return IsPrivileged(actorRoleIDs, p.staffRoleIDs)
}

// Check returns gateAllow if the command may run. Public commands
// always run. Staff commands need a staff role, and staff commands
// that change stored state also need the designated channel.
func (p PermissionGate) Check(
	cmd *CommandDescriptor,
	actorRoleIDs []string,
	channelID string,
) gateDecision {
	if cmd.Tier == TierPublic {
		return gateAllow
	}
	if !p.IsStaff(actorRoleIDs) {
		return gateDenyPermission
	}
	if cmd.Mutates && !IsInDesignatedChannel(channelID, p.commandChannelID) {
		return gateDenyChannel
	}
	return gateAllow
}

// denial returns the error for a rejected command. It matches
// ErrPermissionDenied, and its message is the reply shown to the actor.
func (p PermissionGate) denial(d gateDecision) error {
	msg := msgPermissionDenied
	if d == gateDenyChannel {
		msg = msgNoCommandChannel
		if p.commandChannelID != "" {
			msg = fmt.Sprintf(msgWrongChannelFormat, p.commandChannelID)
		}
	}
	return userError{kind: ErrPermissionDenied, msg: msg}
}
