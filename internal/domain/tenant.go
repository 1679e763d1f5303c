package domain

import (
	"time"

	"github.com/google/uuid"
)

// TenantStatusActive is the status seeded for new tenants.
const TenantStatusActive = "active"

// Tenant is the isolation boundary. Every read and write against the store
// is implicitly filtered by the tenant bound to the service instance. The
// ID is immutable once created.
type Tenant struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
