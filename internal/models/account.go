package models

import (
	"fmt"
	"strings"
)

// Account identifies the active user session. It is passed explicitly to
// every operation instead of being read from shared state.
type Account struct {
	// ID is the account key used to scope stored key material.
	ID string `json:"id"`

	// BaseURL of the server, e.g. https://cloud.example.com
	BaseURL string `json:"base_url"`

	// User is the login name, UserID the server-side user identifier.
	User   string `json:"user"`
	UserID string `json:"user_id"`

	// AppPassword authenticates API requests. Never persisted by this module.
	AppPassword string `json:"-"`

	// Directory holds per-user working files such as a pending private key.
	Directory string `json:"directory"`
}

// NewAccount builds an account whose ID combines user and server.
func NewAccount(baseURL, user, userID, appPassword, directory string) Account {
	baseURL = strings.TrimRight(baseURL, "/")
	if userID == "" {
		userID = user
	}
	return Account{
		ID:          fmt.Sprintf("%s %s", user, baseURL),
		BaseURL:     baseURL,
		User:        user,
		UserID:      userID,
		AppPassword: appPassword,
		Directory:   directory,
	}
}

// Validate checks the fields every server round-trip needs.
func (a Account) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("account ID is required")
	}
	if strings.TrimSpace(a.BaseURL) == "" {
		return fmt.Errorf("account base URL is required")
	}
	if strings.TrimSpace(a.User) == "" {
		return fmt.Errorf("account user is required")
	}
	if strings.TrimSpace(a.UserID) == "" {
		return fmt.Errorf("account user ID is required")
	}
	return nil
}
