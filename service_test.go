package convstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/rbaliyan/convstore/retry"
	"github.com/rbaliyan/convstore/store"
	"github.com/rbaliyan/convstore/store/payload/local"
	"github.com/rbaliyan/convstore/store/sqlite"
	"github.com/rbaliyan/event/v3/transport/channel"
	"github.com/redis/go-redis/v9"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func openSQLite(t *testing.T, name string) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), name))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

// setupService creates and connects a service over a fresh device store.
func setupService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	opts = append([]Option{WithStore(store.PartitionDevice, openSQLite(t, "device.db"))}, opts...)
	svc, err := NewService(opts...)
	if err != nil {
		t.Fatalf("create service: %v", err)
	}
	if err := svc.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc
}

func deviceStore(t *testing.T, svc *Service) store.Store {
	t.Helper()
	st, err := svc.Store(store.PartitionDevice)
	if err != nil {
		t.Fatalf("device store: %v", err)
	}
	return st
}

func TestNewServiceRequiresStore(t *testing.T) {
	_, err := NewService()
	if !errors.Is(err, ErrStoreRequired) {
		t.Fatalf("expected ErrStoreRequired, got %v", err)
	}

	// A credential partition alone is not enough.
	_, err = NewService(WithStore(store.PartitionCredential, openSQLite(t, "cred.db")))
	if !errors.Is(err, ErrStoreRequired) {
		t.Fatalf("expected ErrStoreRequired, got %v", err)
	}
}

func TestConnectLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, err := NewService(WithStore(store.PartitionDevice, openSQLite(t, "device.db")))
	if err != nil {
		t.Fatalf("create service: %v", err)
	}

	if _, err := svc.Store(store.PartitionDevice); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected before Connect, got %v", err)
	}
	if _, err := svc.SweepObsoleteThreads(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected from sweep, got %v", err)
	}
	if svc.Events() != nil {
		t.Error("expected no events before Connect")
	}

	if err := svc.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !svc.IsConnected() {
		t.Fatal("expected connected")
	}
	if svc.Events() == nil {
		t.Fatal("expected events after Connect")
	}
	if err := svc.Connect(ctx); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("expected ErrAlreadyConnected, got %v", err)
	}
	if !errors.Is(ErrAlreadyConnected, store.ErrAlreadyConnected) {
		t.Error("expected ErrAlreadyConnected to wrap the store error")
	}

	if err := svc.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if svc.IsConnected() {
		t.Error("expected disconnected after Close")
	}
	if err := svc.Close(ctx); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
	if _, err := svc.Store(store.PartitionDevice); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected after Close, got %v", err)
	}
}

func TestCredentialPartition(t *testing.T) {
	ctx := context.Background()

	t.Run("locked until unlock", func(t *testing.T) {
		svc := setupService(t, WithStore(store.PartitionCredential, openSQLite(t, "cred.db")))

		if svc.IsUnlocked() {
			t.Fatal("expected locked")
		}
		if _, err := svc.Store(store.PartitionCredential); !errors.Is(err, ErrLocked) {
			t.Fatalf("expected ErrLocked, got %v", err)
		}

		if err := svc.Unlock(ctx); err != nil {
			t.Fatalf("unlock: %v", err)
		}
		if !svc.IsUnlocked() {
			t.Fatal("expected unlocked")
		}
		if _, err := svc.Store(store.PartitionCredential); err != nil {
			t.Fatalf("credential store: %v", err)
		}
		if err := svc.Unlock(ctx); !errors.Is(err, ErrAlreadyUnlocked) {
			t.Errorf("expected ErrAlreadyUnlocked, got %v", err)
		}

		// Maintenance now covers both partitions.
		reports, err := svc.Check(ctx)
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		if len(reports) != 2 {
			t.Errorf("expected 2 reports, got %d", len(reports))
		}
	})

	t.Run("opened on connect when unlocked", func(t *testing.T) {
		svc := setupService(t,
			WithStore(store.PartitionCredential, openSQLite(t, "cred.db")),
			WithUnlocked(),
		)
		if !svc.IsUnlocked() {
			t.Fatal("expected unlocked after Connect")
		}
	})

	t.Run("not configured", func(t *testing.T) {
		svc := setupService(t)
		if err := svc.Unlock(ctx); !errors.Is(err, ErrUnknownPartition) {
			t.Errorf("expected ErrUnknownPartition, got %v", err)
		}
		if _, err := svc.Store(store.PartitionCredential); !errors.Is(err, ErrUnknownPartition) {
			t.Errorf("expected ErrUnknownPartition, got %v", err)
		}
	})

	t.Run("partitions are separate", func(t *testing.T) {
		svc := setupService(t,
			WithStore(store.PartitionCredential, openSQLite(t, "cred.db")),
			WithUnlocked(),
		)
		dev := deviceStore(t, svc)
		cred, err := svc.Store(store.PartitionCredential)
		if err != nil {
			t.Fatalf("credential store: %v", err)
		}

		tid, err := dev.GetOrCreateThread(ctx, []string{"+15550100"}, "")
		if err != nil {
			t.Fatalf("thread: %v", err)
		}
		if _, err := dev.CreateSimple(ctx, store.SimpleMessage{ThreadID: tid, Box: store.BoxInbox, Body: "device only"}); err != nil {
			t.Fatalf("create: %v", err)
		}
		n, err := cred.CountSimple(ctx, nil)
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if n != 0 {
			t.Errorf("expected empty credential partition, got %d messages", n)
		}
	})
}

func TestRebuiltPartitionIsReported(t *testing.T) {
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "future.db")
	db, err := sqlx.Open("sqlite3", sqlite.DSN(path, 1000))
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE leftovers (a TEXT); PRAGMA user_version = 99;`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	db.Close()

	st, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	var logs bytes.Buffer
	var logMu sync.Mutex
	logger := slog.New(slog.NewTextHandler(&lockedWriter{w: &logs, mu: &logMu}, nil))

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	svc, err := NewService(
		WithStore(store.PartitionDevice, st),
		WithLogger(logger),
		WithMetrics(true),
		WithMeterProvider(mp),
	)
	if err != nil {
		t.Fatalf("create service: %v", err)
	}
	if err := svc.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer svc.Close(ctx)

	logMu.Lock()
	out := logs.String()
	logMu.Unlock()
	if !strings.Contains(out, "data_loss=true") {
		t.Errorf("expected a data loss log line, got:\n%s", out)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if got := counterValue(rm, "convstore.migration.rebuilds"); got != 1 {
		t.Errorf("expected 1 rebuild, got %d", got)
	}

	// The rebuilt partition is empty and usable.
	dev := deviceStore(t, svc)
	n, err := dev.CountSimple(ctx, nil)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("expected empty store, got %d", n)
	}
}

type lockedWriter struct {
	w  io.Writer
	mu *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func counterValue(rm metricdata.ResourceMetrics, name string) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestPayloadsDeletedAfterCommit(t *testing.T) {
	ctx := context.Background()
	payloads, err := local.New(local.WithDir(t.TempDir()))
	if err != nil {
		t.Fatalf("payload store: %v", err)
	}
	svc := setupService(t, WithPayloadStore(payloads))
	dev := deviceStore(t, svc)

	tid, err := dev.GetOrCreateThread(ctx, []string{"+15550200"}, "")
	if err != nil {
		t.Fatalf("thread: %v", err)
	}
	msg, err := dev.CreateRich(ctx, store.RichMessage{
		ThreadID: tid, Box: store.BoxInbox, Type: store.TypeRetrieveConf, Subject: "photo",
	})
	if err != nil {
		t.Fatalf("create rich: %v", err)
	}

	part, err := svc.AttachPayload(ctx, store.PartitionDevice, msg.ID,
		store.Part{ContentType: "image/jpeg", Name: "cat.jpg"}, strings.NewReader("jpeg bytes"))
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, err := os.Stat(part.DataPath); err != nil {
		t.Fatalf("expected uploaded file: %v", err)
	}

	th, err := dev.GetThread(ctx, tid)
	if err != nil {
		t.Fatalf("thread: %v", err)
	}
	if !th.HasAttachment {
		t.Error("expected thread to have an attachment")
	}

	rc, err := svc.LoadPayload(ctx, store.PartitionDevice, msg.ID, part.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "jpeg bytes" {
		t.Errorf("unexpected payload %q", data)
	}

	if _, err := dev.DeleteRich(ctx, []store.Filter{store.RichID(msg.ID)}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := svc.payloads.drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if _, err := os.Stat(part.DataPath); !os.IsNotExist(err) {
		t.Errorf("expected payload file removed, stat error: %v", err)
	}
	if payloads.Usage() != 0 {
		t.Errorf("expected zero usage, got %d", payloads.Usage())
	}

	if _, err := svc.LoadPayload(ctx, store.PartitionDevice, msg.ID, part.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestAttachPayloadRejectedPart(t *testing.T) {
	ctx := context.Background()
	payloads, err := local.New(local.WithDir(t.TempDir()))
	if err != nil {
		t.Fatalf("payload store: %v", err)
	}
	svc := setupService(t, WithPayloadStore(payloads))

	_, err = svc.AttachPayload(ctx, store.PartitionDevice, 9999,
		store.Part{ContentType: "image/png", Name: "x.png"}, strings.NewReader("png"))
	if err == nil {
		t.Fatal("expected error for missing message")
	}
	entries, err := os.ReadDir(payloads.Dir())
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected upload removed, found %d files", len(entries))
	}
}

func TestPayloadOperationsWithoutStore(t *testing.T) {
	ctx := context.Background()
	svc := setupService(t)

	if _, err := svc.LoadPayload(ctx, store.PartitionDevice, 1, 1); !errors.Is(err, ErrPayloadStoreNotConfigured) {
		t.Errorf("expected ErrPayloadStoreNotConfigured, got %v", err)
	}
	if _, err := svc.AttachPayload(ctx, store.PartitionDevice, 1, store.Part{}, strings.NewReader("")); !errors.Is(err, ErrPayloadStoreNotConfigured) {
		t.Errorf("expected ErrPayloadStoreNotConfigured, got %v", err)
	}

	// Released paths are left alone without a payload store.
	dev := deviceStore(t, svc)
	tid, _ := dev.GetOrCreateThread(ctx, []string{"+15550201"}, "")
	msg, err := dev.CreateRich(ctx, store.RichMessage{
		ThreadID: tid, Box: store.BoxInbox, Type: store.TypeRetrieveConf,
		Parts: []store.Part{{ContentType: "image/png", DataPath: "/nowhere/a.png"}},
	})
	if err != nil {
		t.Fatalf("create rich: %v", err)
	}
	if _, err := dev.DeleteRich(ctx, []store.Filter{store.RichID(msg.ID)}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := svc.payloads.drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func TestRecordDeliveryFailure(t *testing.T) {
	ctx := context.Background()
	svc := setupService(t, WithDeliveryRetry(retry.Config{
		MaxRetries:     2,
		InitialBackoff: time.Minute,
		MaxBackoff:     time.Hour,
		Multiplier:     2,
	}))
	dev := deviceStore(t, svc)

	tid, err := dev.GetOrCreateThread(ctx, []string{"+15550300"}, "")
	if err != nil {
		t.Fatalf("thread: %v", err)
	}
	msg, err := dev.CreateRich(ctx, store.RichMessage{
		ThreadID: tid, Box: store.BoxOutbox, Type: store.TypeSendRequest, Subject: "queued",
	})
	if err != nil {
		t.Fatalf("create rich: %v", err)
	}

	t.Run("transient failure is rescheduled", func(t *testing.T) {
		before := time.Now()
		e, err := svc.RecordDeliveryFailure(ctx, store.PartitionDevice, msg.ID, 1, 500)
		after := time.Now()
		if err != nil {
			t.Fatalf("record: %v", err)
		}
		if e.RetryIndex != 1 || e.Permanent() {
			t.Fatalf("unexpected entry %+v", e)
		}
		lo := before.Add(time.Minute).UnixMilli()
		hi := after.Add(time.Minute).UnixMilli()
		if e.DueTime < lo || e.DueTime > hi {
			t.Errorf("due time %d outside [%d, %d]", e.DueTime, lo, hi)
		}

		due, err := svc.DuePending(ctx, store.PartitionDevice, after, 0)
		if err != nil {
			t.Fatalf("due: %v", err)
		}
		if len(due) != 0 {
			t.Errorf("expected nothing due yet, got %d", len(due))
		}
		due, err = svc.DuePending(ctx, store.PartitionDevice, after.Add(2*time.Minute), 0)
		if err != nil {
			t.Fatalf("due: %v", err)
		}
		if len(due) != 1 || due[0].MessageID != msg.ID {
			t.Errorf("expected the queued message due, got %+v", due)
		}

		th, _ := dev.GetThread(ctx, tid)
		if th.Error != 0 {
			t.Errorf("expected no thread error yet, got %d", th.Error)
		}
	})

	t.Run("last retry escalates to permanent", func(t *testing.T) {
		e, err := svc.RecordDeliveryFailure(ctx, store.PartitionDevice, msg.ID, 1, 501)
		if err != nil {
			t.Fatalf("record: %v", err)
		}
		if !e.Permanent() {
			t.Fatalf("expected permanent failure, got %+v", e)
		}
		if e.DueTime != 0 {
			t.Errorf("expected no further attempt, got due %d", e.DueTime)
		}

		th, _ := dev.GetThread(ctx, tid)
		if th.Error != 1 {
			t.Errorf("expected thread error 1, got %d", th.Error)
		}
		due, err := svc.DuePending(ctx, store.PartitionDevice, time.Now().Add(24*time.Hour), 0)
		if err != nil {
			t.Fatalf("due: %v", err)
		}
		if len(due) != 0 {
			t.Errorf("expected permanent entries excluded, got %d", len(due))
		}
	})

	t.Run("permanent classification", func(t *testing.T) {
		other, err := dev.CreateRich(ctx, store.RichMessage{ThreadID: tid, Box: store.BoxOutbox, Type: store.TypeSendRequest})
		if err != nil {
			t.Fatalf("create rich: %v", err)
		}
		e, err := svc.RecordDeliveryFailure(ctx, store.PartitionDevice, other.ID, store.ErrTypePermanent, 1)
		if err != nil {
			t.Fatalf("record: %v", err)
		}
		if !e.Permanent() || e.RetryIndex != 1 {
			t.Errorf("unexpected entry %+v", e)
		}
	})

	t.Run("nothing queued", func(t *testing.T) {
		inbox, err := dev.CreateRich(ctx, store.RichMessage{ThreadID: tid, Box: store.BoxInbox, Type: store.TypeRetrieveConf})
		if err != nil {
			t.Fatalf("create rich: %v", err)
		}
		_, err = svc.RecordDeliveryFailure(ctx, store.PartitionDevice, inbox.ID, 1, 1)
		if !errors.Is(err, ErrNoPendingEntry) {
			t.Errorf("expected ErrNoPendingEntry, got %v", err)
		}
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNoPendingEntry to match ErrNotFound")
		}
	})

	t.Run("invalid id", func(t *testing.T) {
		_, err := svc.RecordDeliveryFailure(ctx, store.PartitionDevice, 0, 1, 1)
		if !errors.Is(err, ErrInvalidID) {
			t.Errorf("expected ErrInvalidID, got %v", err)
		}
	})
}

func TestSweepAndCheck(t *testing.T) {
	ctx := context.Background()
	svc := setupService(t, WithOTel(true))
	dev := deviceStore(t, svc)

	// A thread nothing was ever written to.
	if _, err := dev.GetOrCreateThread(ctx, []string{"+15550400"}, ""); err != nil {
		t.Fatalf("thread: %v", err)
	}
	tid, err := dev.GetOrCreateThread(ctx, []string{"+15550401"}, "")
	if err != nil {
		t.Fatalf("thread: %v", err)
	}
	if _, err := dev.CreateSimple(ctx, store.SimpleMessage{ThreadID: tid, Box: store.BoxInbox, Body: "kept"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	reports, err := svc.Check(ctx)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if reports[store.PartitionDevice].OrphanThreads != 1 {
		t.Errorf("expected 1 orphan thread, got %+v", reports[store.PartitionDevice])
	}

	swept, err := svc.SweepObsoleteThreads(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept[store.PartitionDevice] != 1 {
		t.Errorf("expected 1 swept thread, got %d", swept[store.PartitionDevice])
	}

	reports, err = svc.Check(ctx)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !reports[store.PartitionDevice].Consistent() {
		t.Errorf("expected consistent store, got %+v", reports[store.PartitionDevice])
	}

	n, err := svc.RebuildIndex(ctx, store.PartitionDevice)
	if err != nil {
		t.Fatalf("reindex: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 index entry, got %d", n)
	}
	if _, err := svc.RecomputeThreads(ctx, store.PartitionDevice); err != nil {
		t.Fatalf("recompute: %v", err)
	}

	done, err := svc.RetryDeferredMigrations(ctx)
	if err != nil {
		t.Fatalf("retry migrations: %v", err)
	}
	if !done {
		t.Error("expected nothing deferred on a fresh store")
	}
}

func TestRelocatePayloads(t *testing.T) {
	ctx := context.Background()
	svc := setupService(t)
	dev := deviceStore(t, svc)

	tid, _ := dev.GetOrCreateThread(ctx, []string{"+15550500"}, "")
	msg, err := dev.CreateRich(ctx, store.RichMessage{
		ThreadID: tid, Box: store.BoxInbox, Type: store.TypeRetrieveConf,
		Parts: []store.Part{{ContentType: "image/png", DataPath: "/old/parts/a.png"}},
	})
	if err != nil {
		t.Fatalf("create rich: %v", err)
	}

	n, err := svc.RelocatePayloads(ctx, store.PartitionDevice, "/old/parts", "/new/parts")
	if err != nil {
		t.Fatalf("relocate: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 relocated part, got %d", n)
	}
	parts, err := dev.Parts(ctx, msg.ID)
	if err != nil {
		t.Fatalf("parts: %v", err)
	}
	if parts[0].DataPath != "/new/parts/a.png" {
		t.Errorf("unexpected path %q", parts[0].DataPath)
	}

	if _, err := svc.RelocatePayloads(ctx, store.PartitionCredential, "/a", "/b"); !errors.Is(err, ErrUnknownPartition) {
		t.Errorf("expected ErrUnknownPartition, got %v", err)
	}
}

func TestEventTransports(t *testing.T) {
	ctx := context.Background()

	t.Run("channel", func(t *testing.T) {
		svc := setupService(t, WithEventTransport(channel.New()))
		if svc.Events() == nil {
			t.Fatal("expected events")
		}
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer client.Close()

		svc := setupService(t, WithRedisClient(client))
		dev := deviceStore(t, svc)
		tid, _ := dev.GetOrCreateThread(ctx, []string{"+15550600"}, "")
		msg, err := dev.CreateRich(ctx, store.RichMessage{ThreadID: tid, Box: store.BoxOutbox, Type: store.TypeSendRequest})
		if err != nil {
			t.Fatalf("create rich: %v", err)
		}
		if _, err := svc.RecordDeliveryFailure(ctx, store.PartitionDevice, msg.ID, store.ErrTypePermanent, 3); err != nil {
			t.Fatalf("record: %v", err)
		}
	})

	t.Run("separate buses per service", func(t *testing.T) {
		a := setupService(t)
		b := setupService(t)
		if a.eventBus == b.eventBus {
			t.Error("expected distinct buses")
		}
	})
}
