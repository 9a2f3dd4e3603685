package auth

import (
	"strings"

	"github.com/google/uuid"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/config"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/models"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/crypto"
)

var userNamespace = uuid.MustParse("6f1d4b0e-9a52-4c3e-8d7b-2e5a1c9f0b34")

// Directory holds the API accounts declared in the configuration
type Directory struct {
	byEmail map[string]*models.User
	byID    map[uuid.UUID]*models.User
}

// NewDirectory builds a directory. User IDs derive from the email so tokens
// stay valid across restarts. Accounts without a valid bcrypt hash are disabled.
func NewDirectory(users []config.UserConfig) *Directory {
	d := &Directory{
		byEmail: make(map[string]*models.User, len(users)),
		byID:    make(map[uuid.UUID]*models.User, len(users)),
	}
	for _, u := range users {
		email := strings.ToLower(strings.TrimSpace(u.Email))
		if email == "" {
			continue
		}
		user := &models.User{
			ID:           uuid.NewSHA1(userNamespace, []byte(email)),
			Email:        email,
			PasswordHash: u.PasswordHash,
			IsAdmin:      u.IsAdmin,
			IsActive:     crypto.IsHash(u.PasswordHash),
		}
		d.byEmail[email] = user
		d.byID[user.ID] = user
	}
	return d
}

// Lookup finds a user by email, case-insensitively
func (d *Directory) Lookup(email string) (*models.User, bool) {
	u, ok := d.byEmail[strings.ToLower(strings.TrimSpace(email))]
	return u, ok
}

// Get finds a user by ID
func (d *Directory) Get(id uuid.UUID) (*models.User, bool) {
	u, ok := d.byID[id]
	return u, ok
}

// Len returns the number of accounts
func (d *Directory) Len() int {
	return len(d.byEmail)
}
