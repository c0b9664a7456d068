// Package audit provides the append-only audit trail for the authorization engine.
//
// # Overview
//
// Every role, delegation and entitlement mutation, every applied lifecycle
// event and, optionally, every denied or failed access decision produces a
// Record. Records are tenant-scoped and carry the actor, the action, the target
// entity, the outcome and before/after state.
//
// # Usage Example
//
//	rec := audit.NewRecord(ctx, tenantID, audit.Actor(actorID), audit.ActionRoleAssign, audit.OutcomeSuccess)
//	rec.TargetType = audit.TargetUser
//	rec.TargetID = strconv.FormatInt(userID, 10)
//	logger.Log(ctx, rec)
//
// Query and export:
//
//	records, err := store.Query(ctx, audit.Filter{TenantID: tenantID, Actions: []audit.Action{audit.ActionRoleAssign}})
//	data, err := store.Export(ctx, filter, audit.ExportFormatCSV)
//
// # Retention Policy
//
// Cleanup deletes records older than RetentionDays. With ArchiveEnabled the
// expiring records are first written to S3 as gzipped NDJSON.
package audit
