// Package orgs persists organizations and applications.
//
// Every write runs in a single transaction together with the grant
// provisioning it implies:
//
//   - CreateOrganization inserts the organization and its three default
//     grants (Read, ApplicationAdmin with auto-add, OrganizationAdmin),
//     attaching the creator to all of them.
//   - CreateApplication attaches the new application to explicit grant ids,
//     or to the organization's auto-add grants when none are given.
//   - ChangeApplicationOrganization removes the application from every grant
//     before attaching it in its new organization.
//   - DeleteApplication and DeleteOrganization remove the application from
//     grants and delete the organization's grants respectively.
//
// Usage:
//
//	service := orgs.NewService(db, manager.Provisioner())
//	creator := permissions.User(userID)
//	org, err := service.CreateOrganization(ctx, "Acme", &creator)
//	app, err := service.CreateApplication(ctx, org.ID, "sensors", nil)
//
// ListOrganizations and ListApplications filter by a resolved permission set.
package orgs
