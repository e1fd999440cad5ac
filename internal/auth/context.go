// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	operatorIDKey contextKey = "operator_id"
	roleKey       contextKey = "role"
)

// Roles carried by operator tokens
const (
	RoleAdmin  = "admin"  // may resolve errors and reload settings
	RoleViewer = "viewer" // read-only
	RoleNode   = "node"   // source node pushing batches; subject is the node id
)

// SetOperatorID sets the operator (or source node) ID in the context
func SetOperatorID(ctx context.Context, operatorID string) context.Context {
	return context.WithValue(ctx, operatorIDKey, operatorID)
}

// GetOperatorID retrieves the operator ID from the context
func GetOperatorID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(operatorIDKey).(string)
	return id, ok
}

// SetRole sets the caller role in the context
func SetRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleKey, role)
}

// GetRole retrieves the caller role from the context
func GetRole(ctx context.Context) (string, bool) {
	role, ok := ctx.Value(roleKey).(string)
	return role, ok
}

// SetAuthContext sets both operator ID and role
func SetAuthContext(ctx context.Context, operatorID, role string) context.Context {
	ctx = SetOperatorID(ctx, operatorID)
	ctx = SetRole(ctx, role)
	return ctx
}

// HasRole reports whether the context carries one of roles
func HasRole(ctx context.Context, roles ...string) bool {
	role, ok := GetRole(ctx)
	if !ok {
		return false
	}
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
