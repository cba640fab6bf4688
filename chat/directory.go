package chat

import (
	"context"
	"fmt"
)

// Contact is a directory entry as seen at fetch time.
type Contact struct {
	Id          string
	DisplayName string
	Email       string
	Role        Role
}

// DirectoryClient fetches every user known to the platform.
type DirectoryClient interface {
	Users(ctx context.Context, token string) ([]Contact, error)
}

// Directory resolves the contacts an identity may talk to.
type Directory struct {
	client DirectoryClient
}

func NewDirectory(client DirectoryClient) *Directory {
	return &Directory{client: client}
}

// ListContacts applies the support routing rule: admins see everyone, other roles
// only see admins. The identity itself is never listed.
// Failures are returned as ErrDirectoryUnavailable and are not retried.
func (d *Directory) ListContacts(ctx context.Context, identity *Identity) ([]Contact, error) {
	all, err := d.client.Users(ctx, identity.Token())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	return visibleContacts(identity, all), nil
}

func visibleContacts(identity *Identity, all []Contact) []Contact {
	out := make([]Contact, 0, len(all))
	for _, c := range all {
		if c.Id == identity.Id {
			continue
		}
		if identity.Role == RoleAdmin || c.Role == RoleAdmin {
			out = append(out, c)
		}
	}
	return out
}
