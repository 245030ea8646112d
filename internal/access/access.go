// Package access evaluates chat permissions. Every check yields a Decision
// rather than a bare bool so that a transient fetch failure is distinguishable
// from a real denial; callers pick their own policy for Indeterminate.
package access

import (
	"context"
	"fmt"

	"github.com/campuslink/internal/model"
)

type Verdict int

const (
	// Allowed — the operation is permitted.
	Allowed Verdict = iota
	// Denied — the operation is definitely not permitted.
	Denied
	// Indeterminate — permission could not be established (transient failure).
	Indeterminate
)

// Decision is the outcome of a permission check. Reason is set for Denied,
// Cause for Indeterminate.
type Decision struct {
	Verdict Verdict
	Reason  string
	Cause   error
}

func (d Decision) Allowed() bool { return d.Verdict == Allowed }

func allow() Decision              { return Decision{Verdict: Allowed} }
func deny(reason string) Decision  { return Decision{Verdict: Denied, Reason: reason} }
func unknown(cause error) Decision { return Decision{Verdict: Indeterminate, Cause: cause} }

// CanSendMessage evaluates the posting decision table:
//   - private: sender must be a participant;
//   - custom_group: participant, and admin/representative when
//     onlyAdminsCanPost is set;
//   - stage/department group with requires_representative: representative only;
//   - otherwise: participant.
//
// A malformed settings blob is a definite deny, not an indeterminate state:
// the document itself is broken and posting into it must not be guessed open.
func CanSendMessage(chat *model.Chat, userID string) Decision {
	if chat == nil || userID == "" {
		return deny("missing chat or user")
	}
	if !chat.HasParticipant(userID) {
		return deny("not a participant")
	}
	settings, err := model.ParseChatSettings(chat.Settings)
	if err != nil {
		return deny("invalid chat settings")
	}
	switch chat.ChatType {
	case model.ChatTypePrivate:
		return allow()
	case model.ChatTypeCustomGroup:
		if settings.OnlyAdminsCanPost && !chat.IsAdmin(userID) && !chat.IsRepresentative(userID) {
			return deny("only admins can post")
		}
		return allow()
	case model.ChatTypeStageGroup, model.ChatTypeDepartmentGroup:
		if chat.RequiresRepresentative && !chat.IsRepresentative(userID) {
			return deny("representative required")
		}
		return allow()
	default:
		return allow()
	}
}

// CanPinMessage follows the posting table plus the onlyAdminsCanPin setting.
func CanPinMessage(chat *model.Chat, userID string) Decision {
	if d := CanSendMessage(chat, userID); !d.Allowed() {
		return d
	}
	settings, err := model.ParseChatSettings(chat.Settings)
	if err != nil {
		return deny("invalid chat settings")
	}
	if settings.OnlyAdminsCanPin && !chat.IsAdmin(userID) && !chat.IsRepresentative(userID) {
		return deny("only admins can pin")
	}
	return allow()
}

// CanMentionEveryone evaluates the @everyone decision table. Private chats
// never allow it; allowEveryoneMention can disable it chat-wide;
// onlyAdminsCanMention restricts it to admins and representatives.
func CanMentionEveryone(chat *model.Chat, userID string) Decision {
	if chat == nil || userID == "" {
		return deny("missing chat or user")
	}
	if chat.ChatType == model.ChatTypePrivate {
		return deny("no everyone mention in private chats")
	}
	if !chat.HasParticipant(userID) {
		return deny("not a participant")
	}
	settings, err := model.ParseChatSettings(chat.Settings)
	if err != nil {
		return deny("invalid chat settings")
	}
	if !settings.AllowEveryoneMention {
		return deny("everyone mention disabled")
	}
	if settings.OnlyAdminsCanMention && !chat.IsAdmin(userID) && !chat.IsRepresentative(userID) {
		return deny("only admins can mention everyone")
	}
	return allow()
}

// ChatGetter fetches a chat document by id.
type ChatGetter interface {
	GetChat(ctx context.Context, chatID string) (*model.Chat, error)
}

// Gate couples the decision tables with chat fetching. A fetch failure
// resolves to Indeterminate so the caller can tell an outage from a denial.
type Gate struct {
	chats ChatGetter
}

func NewGate(chats ChatGetter) *Gate {
	return &Gate{chats: chats}
}

func (g *Gate) check(ctx context.Context, chatID, userID string, table func(*model.Chat, string) Decision) Decision {
	chat, err := g.chats.GetChat(ctx, chatID)
	if err != nil {
		return unknown(fmt.Errorf("access: fetch chat %s: %w", chatID, err))
	}
	return table(chat, userID)
}

func (g *Gate) CanSend(ctx context.Context, chatID, userID string) Decision {
	return g.check(ctx, chatID, userID, CanSendMessage)
}

func (g *Gate) CanPin(ctx context.Context, chatID, userID string) Decision {
	return g.check(ctx, chatID, userID, CanPinMessage)
}

func (g *Gate) CanMentionAll(ctx context.Context, chatID, userID string) Decision {
	return g.check(ctx, chatID, userID, CanMentionEveryone)
}
