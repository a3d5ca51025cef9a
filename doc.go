// Package convstore keeps a phone-style conversation store consistent.
//
// The store holds simple text messages and rich multi-part messages,
// grouped into threads keyed by their participants. Threads carry derived
// state (message count, snippet, date, read and error flags, attachment
// presence), messages carry text search entries, and queued rich messages
// carry retry queue entries. Every write brings all of it back in line in
// the same transaction, so nothing derived is ever written by callers.
//
// # Basic Usage
//
//	device, _ := sqlite.Open("/data/device/conv.db")
//	payloads, _ := local.New(local.WithDir("/data/parts"))
//
//	svc, err := convstore.NewService(
//	    convstore.WithStore(store.PartitionDevice, device),
//	    convstore.WithPayloadStore(payloads),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Connect upgrades the schema and opens the device partition
//	if err := svc.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close(ctx)
//
//	st, _ := svc.Store(store.PartitionDevice)
//	threadID, _ := st.GetOrCreateThread(ctx, []string{"+15551234567"}, "")
//	st.CreateSimple(ctx, store.SimpleMessage{ThreadID: threadID, Box: store.BoxInbox, Body: "hi"})
//
// # Partitions
//
// A device partition is readable from boot. A credential partition, when
// configured, opens on Unlock once the user has authenticated.
//
// # Schema Upgrades
//
// Opening a partition upgrades it step by step to the current schema. If
// a step fails, the partition is dropped and recreated empty: the
// StoreRebuilt event is published and the convstore.migration.rebuilds
// counter is incremented. The identifier migration needs free space about
// the size of the database; without it, it is deferred, MigrationDeferred
// is published, and RetryDeferredMigrations tries again later.
//
// # Payloads
//
// Parts may reference payload files held by a store.PayloadStore (local
// directory, S3 or GCS under store/payload). When parts are deleted, their
// files are removed in the background only after the deleting transaction
// commits, and PayloadReleased is published for each.
//
// # Events
//
// Events use github.com/rbaliyan/event/v3. Pass WithRedisClient or
// WithEventTransport to deliver them; by default they are dropped.
//
// Available events:
//   - StoreRebuilt - a partition was recreated after a failed upgrade
//   - MigrationDeferred - the identifier migration was put off
//   - PayloadReleased - a payload file of a deleted part was removed
//   - DeliveryFailed - a queued message failed permanently
package convstore
