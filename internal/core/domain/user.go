package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// SystemUserPrefix marks users owned by the service itself, such as giveaway pools.
const SystemUserPrefix = "giveaway:"

// User is a chat-platform identity. Users are never deleted.
type User struct {
	ID          string    `json:"id"` // Opaque platform user id
	DisplayName string    `json:"display_name"`
	Frozen      bool      `json:"frozen"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CanTransact returns true if the user may originate transactions.
func (u *User) CanTransact() bool {
	return !u.Frozen
}

// IsSystem returns true for service-owned users (giveaway pools).
func (u *User) IsSystem() bool {
	return IsSystemUserID(u.ID)
}

// IsSystemUserID reports whether id belongs to a service-owned user.
func IsSystemUserID(id string) bool {
	return strings.HasPrefix(id, SystemUserPrefix)
}

// GiveawayPoolUserID returns the system user id that owns a giveaway's pool account.
func GiveawayPoolUserID(giveawayID uuid.UUID) string {
	return SystemUserPrefix + giveawayID.String()
}
