// Package auth authenticates operators of the switchboard API.
//
// Operators present an HS256 JWT whose "sub" claim is their operator id.
// Tokens are issued by the CLI (switchboard token --operator ID) with the
// configured auth.jwt_secret:
//
//	verifier, err := NewJWTVerifier(secret)
//	token, err := verifier.Generate(operatorID, 24*time.Hour)
//
// HTTPAuthMiddleware resolves the operator and attaches an AuthContext;
// handlers read it with FromContext. RequireCapability gates routes on an
// operator capability such as settings.manage.
//
// Provider callback endpoints are not operator traffic; they are guarded by
// a shared token with ProviderTokenMiddleware.
package auth
