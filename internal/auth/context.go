package auth

import "context"

// principalKey 是上下文中存储 Principal 的键类型。
type principalKey struct{}

// WithPrincipal 将通过校验的调用方存入上下文。
func WithPrincipal(ctx context.Context, principal *Principal) context.Context {
	if principal == nil {
		return ctx
	}
	return context.WithValue(ctx, principalKey{}, principal)
}

// PrincipalFromContext 从上下文中取出调用方信息。
func PrincipalFromContext(ctx context.Context) *Principal {
	if ctx == nil {
		return nil
	}
	if principal, ok := ctx.Value(principalKey{}).(*Principal); ok {
		return principal
	}
	return nil
}
