// Package model defines data structures for the support chat subsystem.
package model

import (
	"errors"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"
)

// Agent is the human operator assigned to a chat.
type Agent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ChatSession is one customer-support conversation.
type ChatSession struct {
	ID            string    `json:"id"`
	IsActive      bool      `json:"isActive"`
	AssignedAgent *Agent    `json:"assignedAgent,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`

	// Token is the guest credential issued with the session, if any.
	Token string `json:"-"`
}

// CustomerInfo describes a guest or anonymous visitor for session creation.
type CustomerInfo struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	Phone       string `json:"phone,omitempty"`
	Subject     string `json:"subject,omitempty"`
	IsAnonymous bool   `json:"isAnonymous"`
}

// Validate checks the details a guest entered before a session is created.
// Anonymous visitors need no details.
func (c CustomerInfo) Validate() error {
	if c.IsAnonymous {
		return nil
	}
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("name is required")
	}
	if utf8.RuneCountInString(c.Name) > 128 {
		return errors.New("name exceeds maximum length")
	}
	if c.Email != "" {
		if _, err := mail.ParseAddress(c.Email); err != nil {
			return errors.New("invalid email address")
		}
	}
	if utf8.RuneCountInString(c.Subject) > 256 {
		return errors.New("subject exceeds maximum length")
	}
	return nil
}

// Placeholder values sent for anonymous visitors.
const (
	AnonymousName = "Anonymous"
)

// IdentityKind distinguishes how a visitor is known to the backend.
type IdentityKind string

const (
	IdentityAuthenticated IdentityKind = "authenticated"
	IdentityGuest         IdentityKind = "guest"
	IdentityAnonymous     IdentityKind = "anonymous"
)

// Account is the logged-in user as known by the host application.
type Account struct {
	ID    string
	Name  string
	Email string
	Phone string
}

// Identity is what the bootstrapper resolves into a ChatSession.
type Identity struct {
	Kind     IdentityKind
	Account  Account
	Token    string
	Customer CustomerInfo
}

// AuthenticatedIdentity builds an identity from a logged-in account.
func AuthenticatedIdentity(account Account, token string) Identity {
	return Identity{Kind: IdentityAuthenticated, Account: account, Token: token}
}

// GuestIdentity builds an identity for a visitor who left contact details.
func GuestIdentity(info CustomerInfo) Identity {
	info.IsAnonymous = false
	return Identity{Kind: IdentityGuest, Customer: info}
}

// AnonymousIdentity builds an identity for a fully anonymous visitor.
func AnonymousIdentity() Identity {
	return Identity{
		Kind: IdentityAnonymous,
		Customer: CustomerInfo{
			Name:        AnonymousName,
			IsAnonymous: true,
		},
	}
}

// CustomerInfo returns the payload sent to the create-session endpoint.
// Authenticated identities use the trusted account details.
func (id Identity) CustomerInfo() CustomerInfo {
	switch id.Kind {
	case IdentityAuthenticated:
		return CustomerInfo{
			Name:  id.Account.Name,
			Email: id.Account.Email,
			Phone: id.Account.Phone,
		}
	case IdentityAnonymous:
		info := id.Customer
		info.IsAnonymous = true
		if strings.TrimSpace(info.Name) == "" {
			info.Name = AnonymousName
		}
		return info
	default:
		return id.Customer
	}
}

// SenderID returns the id this identity's own messages carry, when known
// before the backend assigns one.
func (id Identity) SenderID() string {
	if id.Kind == IdentityAuthenticated {
		return id.Account.ID
	}
	return ""
}

// DisplayName returns the name shown on this identity's own messages.
func (id Identity) DisplayName() string {
	return id.CustomerInfo().Name
}
