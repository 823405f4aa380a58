package domain

import (
	"context"
	"time"
)

// TokenStore persists the tokens a wallet tracks, per account.
type TokenStore interface {
	SaveTokens(ctx context.Context, account string, tokens []TokenIdentifier) error
	ListTokens(ctx context.Context, account string, contractIndex uint64) ([]TokenIdentifier, error)
	RemoveToken(ctx context.Context, account string, contractIndex uint64, id string) error
}

// ConnectedSite is an origin the user allowed to see an account.
type ConnectedSite struct {
	Origin      string    `json:"origin"`
	Account     string    `json:"account"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// SiteStore tracks connected sites.
type SiteStore interface {
	AllowSite(ctx context.Context, site ConnectedSite) error
	IsAllowed(ctx context.Context, origin, account string) (bool, error)
	RevokeSite(ctx context.Context, origin string) error
	ListSites(ctx context.Context, account string) ([]ConnectedSite, error)
}

// CredentialStatus is the deployment state of an account credential.
type CredentialStatus string

const (
	CredentialPending   CredentialStatus = "pending"
	CredentialConfirmed CredentialStatus = "confirmed"
	CredentialRejected  CredentialStatus = "rejected"
)

// PendingCredential is a credential deployment awaiting finalization.
type PendingCredential struct {
	DeploymentHash string           `json:"deploymentHash"`
	GenesisHash    string           `json:"genesisHash"`
	Account        string           `json:"account,omitempty"`
	Status         CredentialStatus `json:"status"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// CredentialStore tracks credential deployments.
type CredentialStore interface {
	AddCredential(ctx context.Context, cred PendingCredential) error
	ListPending(ctx context.Context, genesisHash string) ([]PendingCredential, error)
	SetCredentialStatus(ctx context.Context, deploymentHash string, status CredentialStatus) error
}

// Deduper suppresses repeated deliveries of the same request.
// Seen returns true when key was already observed within ttl.
type Deduper interface {
	Seen(ctx context.Context, key string, ttl time.Duration) (bool, error)
}
