package access

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campuslink/internal/model"
)

func groupChat(typ model.ChatType) *model.Chat {
	return &model.Chat{
		ID:           "c1",
		ChatType:     typ,
		Participants: []string{"alice", "bob", "carol"},
		Admins:       []string{"alice"},
		Settings:     model.DefaultChatSettings().Encode(),
	}
}

func TestCanSendMessage_Private(t *testing.T) {
	c := &model.Chat{ID: "p1", ChatType: model.ChatTypePrivate, Participants: []string{"alice", "bob"}}

	assert.True(t, CanSendMessage(c, "alice").Allowed())
	d := CanSendMessage(c, "mallory")
	assert.Equal(t, Denied, d.Verdict)
	assert.Equal(t, "not a participant", d.Reason)
}

func TestCanSendMessage_CustomGroupOnlyAdmins(t *testing.T) {
	c := groupChat(model.ChatTypeCustomGroup)
	c.Representatives = []string{"carol"}
	c.Settings = model.ChatSettings{OnlyAdminsCanPost: true, AllowEveryoneMention: true}.Encode()

	assert.True(t, CanSendMessage(c, "alice").Allowed(), "admin posts")
	assert.True(t, CanSendMessage(c, "carol").Allowed(), "representative posts")
	d := CanSendMessage(c, "bob")
	assert.Equal(t, Denied, d.Verdict)
	assert.Equal(t, "only admins can post", d.Reason)
}

func TestCanSendMessage_RequiresRepresentative(t *testing.T) {
	for _, typ := range []model.ChatType{model.ChatTypeStageGroup, model.ChatTypeDepartmentGroup} {
		c := groupChat(typ)
		c.RequiresRepresentative = true
		c.Representatives = []string{"bob"}

		assert.True(t, CanSendMessage(c, "bob").Allowed())
		d := CanSendMessage(c, "alice")
		assert.Equal(t, Denied, d.Verdict, "admin without representative role is still denied in %s", typ)
	}
}

func TestCanSendMessage_MalformedSettingsDenies(t *testing.T) {
	c := groupChat(model.ChatTypeCustomGroup)
	c.Settings = `{"onlyAdminsCanPost": tru` // обрезанный JSON

	d := CanSendMessage(c, "bob")
	assert.Equal(t, Denied, d.Verdict)
	assert.Equal(t, "invalid chat settings", d.Reason)
}

func TestCanSendMessage_EmptySettingsUsesDefaults(t *testing.T) {
	c := groupChat(model.ChatTypeCustomGroup)
	c.Settings = ""
	assert.True(t, CanSendMessage(c, "bob").Allowed())
}

func TestCanPinMessage(t *testing.T) {
	c := groupChat(model.ChatTypeCustomGroup)
	c.Settings = model.ChatSettings{AllowEveryoneMention: true, OnlyAdminsCanPin: true}.Encode()

	assert.True(t, CanPinMessage(c, "alice").Allowed())
	d := CanPinMessage(c, "bob")
	assert.Equal(t, Denied, d.Verdict)
	assert.Equal(t, "only admins can pin", d.Reason)
}

func TestCanMentionEveryone(t *testing.T) {
	t.Run("private chats never allow it", func(t *testing.T) {
		c := &model.Chat{ChatType: model.ChatTypePrivate, Participants: []string{"alice", "bob"}}
		assert.Equal(t, Denied, CanMentionEveryone(c, "alice").Verdict)
	})

	t.Run("disabled chat-wide", func(t *testing.T) {
		c := groupChat(model.ChatTypeCustomGroup)
		c.Settings = model.ChatSettings{}.Encode() // AllowEveryoneMention=false
		assert.Equal(t, Denied, CanMentionEveryone(c, "alice").Verdict)
	})

	t.Run("admins only", func(t *testing.T) {
		c := groupChat(model.ChatTypeCustomGroup)
		c.Settings = model.ChatSettings{AllowEveryoneMention: true, OnlyAdminsCanMention: true}.Encode()
		assert.True(t, CanMentionEveryone(c, "alice").Allowed())
		assert.Equal(t, Denied, CanMentionEveryone(c, "bob").Verdict)
	})

	t.Run("default settings allow any participant", func(t *testing.T) {
		c := groupChat(model.ChatTypeCustomGroup)
		assert.True(t, CanMentionEveryone(c, "bob").Allowed())
	})
}

type fakeChatGetter struct {
	chat *model.Chat
	err  error
}

func (f *fakeChatGetter) GetChat(ctx context.Context, chatID string) (*model.Chat, error) {
	return f.chat, f.err
}

func TestGate_FetchFailureIsIndeterminate(t *testing.T) {
	g := NewGate(&fakeChatGetter{err: errors.New("connection refused")})
	d := g.CanSend(context.Background(), "c1", "alice")

	assert.Equal(t, Indeterminate, d.Verdict)
	require.Error(t, d.Cause)
	assert.False(t, d.Allowed())
}

func TestGate_DelegatesToTables(t *testing.T) {
	g := NewGate(&fakeChatGetter{chat: groupChat(model.ChatTypeCustomGroup)})

	assert.True(t, g.CanSend(context.Background(), "c1", "bob").Allowed())
	assert.Equal(t, Denied, g.CanSend(context.Background(), "c1", "mallory").Verdict)
	assert.True(t, g.CanPin(context.Background(), "c1", "bob").Allowed())
	assert.True(t, g.CanMentionAll(context.Background(), "c1", "bob").Allowed())
}
