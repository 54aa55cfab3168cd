package auth

import (
	"errors"
	"time"
)

// Principal is the identity produced by a successful authentication.
type Principal interface {
	// Identity returns a stable, human-readable identifier for logs.
	Identity() string
}

// Anonymous is the principal for requests that were not authenticated.
type Anonymous struct{}

func (Anonymous) Identity() string { return "" }

// UsernamePrincipal is produced by username/password schemes.
type UsernamePrincipal struct {
	Username string
}

func (p UsernamePrincipal) Identity() string { return p.Username }

// NamedPrincipal carries only a display name.
type NamedPrincipal struct {
	Name string
}

func (p NamedPrincipal) Identity() string { return p.Name }

// PrincipalKind distinguishes human callers from service callers.
type PrincipalKind string

const (
	KindUser    PrincipalKind = "USER"
	KindService PrincipalKind = "SERVICE"
)

// ServiceOrUserPrincipal is produced by bearer-token providers. For KindUser
// Name and Username are set and ServiceID is empty; for KindService only
// ServiceID is set.
type ServiceOrUserPrincipal struct {
	Kind      PrincipalKind
	Name      string
	Username  string
	ServiceID string
	IssuedAt  time.Time
	NotBefore time.Time
	ExpiresAt time.Time
}

var (
	errUserWithoutUsername = errors.New("user principal requires a username")
	errServiceWithoutID    = errors.New("service principal requires a service id")
)

// NewUserPrincipal returns a KindUser principal.
func NewUserPrincipal(name, username string, issuedAt, notBefore, expiresAt time.Time) (*ServiceOrUserPrincipal, error) {
	if username == "" {
		return nil, errUserWithoutUsername
	}
	return &ServiceOrUserPrincipal{
		Kind:      KindUser,
		Name:      name,
		Username:  username,
		IssuedAt:  issuedAt,
		NotBefore: notBefore,
		ExpiresAt: expiresAt,
	}, nil
}

// NewServicePrincipal returns a KindService principal.
func NewServicePrincipal(serviceID string, issuedAt, notBefore, expiresAt time.Time) (*ServiceOrUserPrincipal, error) {
	if serviceID == "" {
		return nil, errServiceWithoutID
	}
	return &ServiceOrUserPrincipal{
		Kind:      KindService,
		ServiceID: serviceID,
		IssuedAt:  issuedAt,
		NotBefore: notBefore,
		ExpiresAt: expiresAt,
	}, nil
}

func (p *ServiceOrUserPrincipal) Identity() string {
	if p.Kind == KindService {
		return p.ServiceID
	}
	return p.Username
}

// IsService reports whether the principal represents a calling service.
func (p *ServiceOrUserPrincipal) IsService() bool { return p.Kind == KindService }
