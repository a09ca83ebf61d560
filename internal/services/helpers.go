package services

import (
	"context"
	"strings"
)

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// normalizeEmail lower-cases and trims an address before any store lookup or
// write. Comparing raw addresses would let "Ann@x.com" and "ann@x.com"
// register as distinct accounts.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
