// Package guard answers access questions against a resolved permission set.
//
// Every check returns nil or ErrForbidden; a global admin passes all of
// them. Checks are pure functions of the set and never touch storage:
//
//	set, err := resolver.Resolve(ctx, permissions.User(userID))
//	if err != nil {
//		return err
//	}
//	if err := guard.CheckApplicationAccess(set, appID, guard.ApplicationWrite); err != nil {
//		return guard.MaskNotFound(err)
//	}
package guard
