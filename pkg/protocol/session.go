package protocol

import (
	"encoding/json"
	"fmt"
)

// Session is the resumable login state sent with AuthLoginReq.
type Session struct {
	UID     string `json:"uid" toml:"uid"`
	Token   string `json:"token" toml:"token"`
	Address string `json:"address" toml:"address"`
}

// CurrentUser is the user profile returned after a successful login.
type CurrentUser struct {
	UserID string `json:"user_id" toml:"user_id"`
	Email  string `json:"email,omitempty" toml:"email,omitempty"`
	Name   string `json:"name,omitempty" toml:"name,omitempty"`
	Avatar string `json:"avatar,omitempty" toml:"avatar,omitempty"`
}

// LoginPayload is the JSON document carried in AuthLoginRes.Payload.
type LoginPayload struct {
	CurrentUser CurrentUser `json:"currentUser"`
}

// EncodeLoginPayload renders the payload string for AuthLoginRes.
func EncodeLoginPayload(user CurrentUser) (string, error) {
	data, err := json.Marshal(LoginPayload{CurrentUser: user})
	if err != nil {
		return "", fmt.Errorf("failed to encode login payload: %w", err)
	}
	return string(data), nil
}

// DecodeLoginPayload parses AuthLoginRes.Payload.
func DecodeLoginPayload(payload string) (CurrentUser, error) {
	var lp LoginPayload
	if err := json.Unmarshal([]byte(payload), &lp); err != nil {
		return CurrentUser{}, fmt.Errorf("failed to decode login payload: %w", err)
	}
	return lp.CurrentUser, nil
}
