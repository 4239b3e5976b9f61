// Package api serves the authorization HTTP API.
//
// Every /v1 route requires a bearer JWT or an API key. The server exposes:
//
//	GET    /v1/me/permissions                            caller's principal and permission set
//	GET    /v1/me/organizations                          organizations the caller can read
//	GET    /v1/me/applications                           applications the caller can read
//	GET    /v1/access/applications/{id}/{read|write}     access decision, 200 or 403
//	GET    /v1/access/organizations/{id}/{scope}         access decision per organization scope
//	GET    /v1/access/levels/{level}                     coarse level decision
//	GET    /v1/access/global-admin                       global admin decision
//	GET    /v1/organizations/{id}/grants                 list an organization's grants
//	POST   /v1/organizations/{id}/grants                 create a grant
//	GET    /v1/grants/{id}                               read a grant
//	PATCH  /v1/grants/{id}                               update a grant
//	DELETE /v1/grants/{id}                               delete a grant
//	PUT    /v1/grants/{id}/users/{userId}                attach a user
//	DELETE /v1/grants/{id}/users/{userId}                detach a user
//	PUT    /v1/global-admins/{userId}                    promote a user to global admin
//	POST   /v1/api-keys                                  issue a key, returns the plaintext once
//	DELETE /v1/api-keys/{id}                             revoke a key
//
// Denials never say which capability was missing. With MaskNotFound set,
// denied lookups of specific resources answer 404.
package api
