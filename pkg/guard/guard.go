// Package guard contains the core domain types for the group blacklist moderator.
package guard

import "strings"

// DefaultRejectReason is used when no reject reason is configured.
const DefaultRejectReason = "blacklisted member, join refused"

// DefaultLeaveNoticeTemplate is used when no leave notice template is configured
// and as the fallback when a configured template renders to nothing.
const DefaultLeaveNoticeTemplate = "member {member} left the group and was added to the blacklist."

// Event is an inbound group event the moderator may act on.
type Event interface {
	// Group returns the id of the group the event belongs to.
	Group() string
}

// LeaveEvent records that a member left (or was removed from) a group.
type LeaveEvent struct {
	GroupID string
	UserID  string
}

// Group implements Event.
func (e *LeaveEvent) Group() string { return e.GroupID }

// JoinRequest is a pending request to join a group, identified by an opaque
// approval flag. SubType distinguishes a direct request ("add") from a group
// invite ("invite"); both are handled identically.
type JoinRequest struct {
	GroupID string
	UserID  string
	Flag    string
	SubType string
}

// Group implements Event.
func (e *JoinRequest) Group() string { return e.GroupID }

// Policy holds the moderation policy for the process lifetime. It is derived
// from configuration once at startup and never mutated afterwards.
type Policy struct {
	Whitelist           map[string]struct{}
	RejectReason        string
	LeaveNoticeTemplate string
	EnforceWhitelist    bool
	NoticeEnabled       bool
	AutoApprove         bool
}

// GroupAllowed reports whether the moderator acts on the given group at all.
// An empty group id is never in scope.
func (p *Policy) GroupAllowed(groupID string) bool {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return false
	}
	if !p.EnforceWhitelist {
		return true
	}
	_, ok := p.Whitelist[groupID]
	return ok
}

// Mention formats a user id for display in a group message. Purely numeric
// ids become a CQ at-mention so the client renders a real mention; anything
// else is shown verbatim.
func Mention(userID string) string {
	if isDigits(userID) {
		return "[CQ:at,qq=" + userID + "]"
	}
	return userID
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// RenderLeaveNotice renders the leave notice template for a blacklisted user.
// Supported placeholders: {member}, {user_id}, {group_id}. A template that
// is empty or renders to an empty message falls back to the default notice.
func (p *Policy) RenderLeaveNotice(groupID, userID string) string {
	tmpl := p.LeaveNoticeTemplate
	if strings.TrimSpace(tmpl) == "" {
		tmpl = DefaultLeaveNoticeTemplate
	}

	out := renderNotice(tmpl, groupID, userID)
	if strings.TrimSpace(out) == "" {
		out = renderNotice(DefaultLeaveNoticeTemplate, groupID, userID)
	}
	return out
}

func renderNotice(tmpl, groupID, userID string) string {
	r := strings.NewReplacer(
		"{member}", Mention(userID),
		"{user_id}", userID,
		"{group_id}", groupID,
	)
	return r.Replace(tmpl)
}
