// Package auth authenticates the two kinds of principals that hold grants.
//
// Users present an HS256 JWT whose subject is the user id:
//
//	jwtManager, _ := auth.NewJWTManager(secret, "iotaccess", time.Hour)
//	token, _ := jwtManager.Issue(userID)
//	claims, err := jwtManager.Parse(token)
//
// Services present an API key of the form iot_<base64url(32 random bytes)>.
// Keys are stored as SHA256 hashes; the plaintext is returned once by Issue.
// Issuing a key requires user admin on every organization its grants belong
// to:
//
//	apiKey, key, err := keys.Issue(ctx, requesterSet, auth.IssueRequest{
//		Name:     "gateway-bridge",
//		GrantIDs: []int64{readGrantID},
//	})
//
// After authentication the middleware resolves the principal's permission
// set and stores an AuthContext in the request context; handlers read it
// with FromContext.
package auth
