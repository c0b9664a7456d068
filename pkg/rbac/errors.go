package rbac

import "errors"

var (
	ErrPermissionDenied     = errors.New("permission denied")
	ErrRoleImmutable        = errors.New("system roles cannot be modified")
	ErrRoleNotFound         = errors.New("role not found")
	ErrDuplicateRole        = errors.New("role already exists")
	ErrPermissionNotFound   = errors.New("permission not found")
	ErrTenantMismatch       = errors.New("role belongs to another tenant")
	ErrDuplicateAssignment  = errors.New("role already assigned")
	ErrAssignmentNotFound   = errors.New("role assignment not found")
	ErrMakerCheckerConflict = errors.New("role would hold both sides of a sensitive permission pair")
	ErrInvalidRole          = errors.New("invalid role")
	ErrPlatformScope        = errors.New("platform scope is reserved for operators")

	// ErrAuthorizerUnavailable is wrapped by Authorizer errors that are not denials
	ErrAuthorizerUnavailable = errors.New("authorization unavailable")
)
