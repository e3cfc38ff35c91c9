// Package event classifies raw OneBot payloads into a closed set of event
// variants the moderator acts on.
package event

import (
	"encoding/json"
	"strings"

	"qqban/pkg/guard"
)

// envelope is the loosely-typed shape shared by all OneBot v11 payloads.
// Only the fields needed for classification are decoded.
type envelope struct {
	PostType    string `json:"post_type"`
	NoticeType  string `json:"notice_type"`
	RequestType string `json:"request_type"`
	SubType     string `json:"sub_type"`
	GroupID     flexID `json:"group_id"`
	UserID      flexID `json:"user_id"`
	Flag        string `json:"flag"`
}

// flexID accepts both JSON numbers and JSON strings. OneBot implementations
// send group and user ids as numbers, but some proxies re-encode them as
// strings.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

// Decode parses a raw platform payload and returns the matching event
// variant, or nil when the payload is not an event the moderator acts on.
// Malformed payloads, payloads of unknown shape, and payloads missing a
// required field are all dropped by returning nil.
//
// fallbackGroupID is used for group_decrease notices whose payload omits the
// group id; join requests never fall back.
func Decode(raw []byte, fallbackGroupID string) guard.Event {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil
	}

	switch {
	case env.PostType == "notice" && env.NoticeType == "group_decrease":
		groupID := string(env.GroupID)
		if groupID == "" {
			groupID = strings.TrimSpace(fallbackGroupID)
		}
		userID := string(env.UserID)
		if groupID == "" || userID == "" {
			return nil
		}
		return &guard.LeaveEvent{GroupID: groupID, UserID: userID}

	case env.PostType == "request" && env.RequestType == "group":
		groupID := string(env.GroupID)
		userID := string(env.UserID)
		if groupID == "" || userID == "" || env.Flag == "" {
			return nil
		}
		subType := env.SubType
		if subType == "" {
			subType = "add"
		}
		return &guard.JoinRequest{
			GroupID: groupID,
			UserID:  userID,
			Flag:    env.Flag,
			SubType: subType,
		}

	default:
		return nil
	}
}
