package domain

import "errors"

var (
	ErrContactNotFound = errors.New("contact not found")
	ErrMessageNotFound = errors.New("message not found")

	// ErrTenantMismatch guards every tenant-scoped write: the row's tenant
	// must equal the route-derived tenant.
	ErrTenantMismatch = errors.New("tenant id does not match the routed tenant")
)
