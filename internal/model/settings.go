package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ChatSettings is the typed form of the chat's settings blob. The blob is
// stored as a JSON string on the chat document and must never be trusted as
// already valid: parse it at the boundary with ParseChatSettings.
type ChatSettings struct {
	OnlyAdminsCanPost    bool `json:"onlyAdminsCanPost"`
	AllowEveryoneMention bool `json:"allowEveryoneMention"`
	OnlyAdminsCanMention bool `json:"onlyAdminsCanMention"`
	OnlyAdminsCanPin     bool `json:"onlyAdminsCanPin"`
}

// DefaultChatSettings returns the settings applied when a chat has no blob:
// everyone may post, pin and mention @everyone.
func DefaultChatSettings() ChatSettings {
	return ChatSettings{AllowEveryoneMention: true}
}

// ParseChatSettings decodes the raw settings blob. An empty blob yields
// defaults. Malformed JSON is an error; callers must not fall back to
// permissive defaults for it.
func ParseChatSettings(raw string) (ChatSettings, error) {
	s := DefaultChatSettings()
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return s, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		// Старые клиенты писали в блоб произвольные ключи — пробуем ещё раз без
		// строгого режима, ошибкой считаем только некорректный JSON.
		s = DefaultChatSettings()
		if err2 := json.Unmarshal([]byte(raw), &s); err2 != nil {
			return DefaultChatSettings(), fmt.Errorf("settings: malformed blob: %w", err2)
		}
	}
	return s, nil
}

// Encode serializes settings back into the blob form stored on the chat.
func (s ChatSettings) Encode() string {
	b, err := json.Marshal(s)
	if err != nil {
		return "{}"
	}
	return string(b)
}
