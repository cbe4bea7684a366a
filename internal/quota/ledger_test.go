package quota

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dubwire/dubwire/internal/config"
	"github.com/dubwire/dubwire/internal/store"
	"github.com/dubwire/dubwire/pkg/types"
)

// fakeRemote is a scripted Remote that records the requests it receives.
type fakeRemote struct {
	resp SyncResponse
	err  error
	reqs []SyncRequest
}

func (f *fakeRemote) Sync(_ context.Context, req SyncRequest) (SyncResponse, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return SyncResponse{}, f.err
	}
	return f.resp, nil
}

func limitPtr(v float64) *float64 { return &v }

func newTestLedger(t *testing.T, cfg LedgerConfig) *Ledger {
	t.Helper()
	l, err := NewLedger(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewLedger() error = %v", err)
	}
	return l
}

func TestLedger_ReserveWithinLimit(t *testing.T) {
	remote := &fakeRemote{resp: SyncResponse{DailyLimitSeconds: limitPtr(60)}}
	l := newTestLedger(t, LedgerConfig{Remote: remote})
	if err := l.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	if err := l.CheckAndReserve(60); err != nil {
		t.Fatalf("CheckAndReserve(60) error = %v", err)
	}
	if got := l.Record().ReservedSeconds; got != 60 {
		t.Errorf("ReservedSeconds = %v, want 60", got)
	}
}

func TestLedger_ReserveBeyondLimit(t *testing.T) {
	remote := &fakeRemote{resp: SyncResponse{DailyLimitSeconds: limitPtr(60)}}
	l := newTestLedger(t, LedgerConfig{Remote: remote})
	if err := l.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	if err := l.CheckAndReserve(60); err != nil {
		t.Fatalf("first CheckAndReserve(60) error = %v", err)
	}
	err := l.CheckAndReserve(10)
	if !errors.Is(err, types.ErrQuotaExceeded) {
		t.Errorf("second CheckAndReserve(10) error = %v, want ErrQuotaExceeded", err)
	}
}

func TestLedger_ExhaustedQuotaRejectsImmediately(t *testing.T) {
	remote := &fakeRemote{resp: SyncResponse{
		ServerUsedSeconds: 60,
		DailyLimitSeconds: limitPtr(60),
	}}
	l := newTestLedger(t, LedgerConfig{Remote: remote})
	if err := l.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	err := l.CheckAndReserve(1)
	if !errors.Is(err, types.ErrQuotaExceeded) {
		t.Errorf("CheckAndReserve(1) error = %v, want ErrQuotaExceeded", err)
	}
}

func TestLedger_UnlimitedTierAlwaysReserves(t *testing.T) {
	l := newTestLedger(t, LedgerConfig{})

	if err := l.CheckAndReserve(1e9); err != nil {
		t.Errorf("CheckAndReserve() on unlimited tier error = %v", err)
	}
}

func TestLedger_NegativeEstimateRejected(t *testing.T) {
	l := newTestLedger(t, LedgerConfig{})
	if err := l.CheckAndReserve(-1); err == nil {
		t.Error("CheckAndReserve(-1) returned nil error")
	}
}

func TestLedger_DeductActualReconcilesEstimate(t *testing.T) {
	remote := &fakeRemote{resp: SyncResponse{DailyLimitSeconds: limitPtr(600)}}
	l := newTestLedger(t, LedgerConfig{Remote: remote})
	if err := l.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	if err := l.CheckAndReserve(60); err != nil {
		t.Fatalf("CheckAndReserve() error = %v", err)
	}

	// Session ran for 42s against a 60s estimate.
	l.DeductActual(42, 60)

	rec := l.Record()
	if rec.DailyUsedSeconds != 42 {
		t.Errorf("DailyUsedSeconds = %v, want 42", rec.DailyUsedSeconds)
	}
	if rec.ReservedSeconds != 0 {
		t.Errorf("ReservedSeconds = %v, want 0", rec.ReservedSeconds)
	}
}

func TestLedger_ReleaseReturnsReservationWithoutUsage(t *testing.T) {
	l := newTestLedger(t, LedgerConfig{})
	if err := l.CheckAndReserve(30); err != nil {
		t.Fatalf("CheckAndReserve() error = %v", err)
	}

	l.Release(30)

	rec := l.Record()
	if rec.ReservedSeconds != 0 {
		t.Errorf("ReservedSeconds = %v, want 0", rec.ReservedSeconds)
	}
	if rec.DailyUsedSeconds != 0 {
		t.Errorf("DailyUsedSeconds = %v, want 0", rec.DailyUsedSeconds)
	}
}

func TestLedger_ReservationNeverGoesNegative(t *testing.T) {
	l := newTestLedger(t, LedgerConfig{})
	l.Release(100)
	if got := l.Record().ReservedSeconds; got != 0 {
		t.Errorf("ReservedSeconds = %v, want 0", got)
	}
}

func TestLedger_ConcurrentReserveAndSettleHoldsCap(t *testing.T) {
	remote := &fakeRemote{resp: SyncResponse{DailyLimitSeconds: limitPtr(100)}}
	l := newTestLedger(t, LedgerConfig{Remote: remote})
	if err := l.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	const (
		workers = 8
		iters   = 50
	)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iters; i++ {
				err := l.CheckAndReserve(10)
				if errors.Is(err, types.ErrQuotaExceeded) {
					continue
				}
				if err != nil {
					t.Errorf("CheckAndReserve() error = %v", err)
					return
				}

				// Committed and pending time together never exceed the cap,
				// no matter how reserve and settle calls interleave.
				rec := l.Record()
				if rec.DailyUsedSeconds+rec.ReservedSeconds > 100+1e-9 {
					t.Errorf("used %v + reserved %v exceeds limit 100",
						rec.DailyUsedSeconds, rec.ReservedSeconds)
				}

				if i%10 == 0 {
					l.DeductActual(0.25, 10)
				} else {
					l.Release(10)
				}
			}
		}()
	}
	wg.Wait()

	rec := l.Record()
	if rec.ReservedSeconds != 0 {
		t.Errorf("ReservedSeconds = %v, want 0 once all sessions settled", rec.ReservedSeconds)
	}
	if rec.DailyUsedSeconds > 100 {
		t.Errorf("DailyUsedSeconds = %v, want at most 100", rec.DailyUsedSeconds)
	}
}

func TestLedger_SyncOverwritesLocalValues(t *testing.T) {
	remote := &fakeRemote{resp: SyncResponse{
		ServerUsedSeconds: 100,
		DailyLimitSeconds: limitPtr(300),
		ResetAt:           time.Now().Add(6 * time.Hour),
	}}
	l := newTestLedger(t, LedgerConfig{Remote: remote})

	l.DeductActual(42, 0)
	l.SetSessionID("sess-1")

	if err := l.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	rec := l.Record()
	if rec.DailyUsedSeconds != 100 {
		t.Errorf("DailyUsedSeconds = %v, want server value 100", rec.DailyUsedSeconds)
	}
	if rec.DailyLimitSeconds == nil || *rec.DailyLimitSeconds != 300 {
		t.Errorf("DailyLimitSeconds = %v, want 300", rec.DailyLimitSeconds)
	}
	if rec.LastSyncAt.IsZero() {
		t.Error("LastSyncAt was not updated")
	}

	if len(remote.reqs) != 1 {
		t.Fatalf("remote received %d requests, want 1", len(remote.reqs))
	}
	if got := remote.reqs[0]; got.SessionID != "sess-1" || got.ClientUsedSeconds != 42 {
		t.Errorf("sync request = %+v, want session sess-1 with 42 used seconds", got)
	}
}

func TestLedger_SyncFailureKeepsLocalRecord(t *testing.T) {
	remote := &fakeRemote{err: types.ErrTransientNetwork}
	l := newTestLedger(t, LedgerConfig{Remote: remote})
	l.DeductActual(17, 0)

	if err := l.Sync(context.Background()); err == nil {
		t.Fatal("Sync() returned nil error")
	}
	if got := l.Record().DailyUsedSeconds; got != 17 {
		t.Errorf("DailyUsedSeconds = %v, want 17", got)
	}
}

func TestLedger_FailClosedRejectsStaleSnapshot(t *testing.T) {
	remote := &fakeRemote{resp: SyncResponse{DailyLimitSeconds: limitPtr(600)}}
	l := newTestLedger(t, LedgerConfig{
		Remote:        remote,
		OfflinePolicy: config.FailClosed,
		MaxStaleness:  time.Hour,
	})

	// Never synced: the snapshot is maximally stale.
	err := l.CheckAndReserve(10)
	if !errors.Is(err, types.ErrQuotaStale) {
		t.Fatalf("CheckAndReserve() error = %v, want ErrQuotaStale", err)
	}

	if err := l.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if err := l.CheckAndReserve(10); err != nil {
		t.Errorf("CheckAndReserve() after sync error = %v", err)
	}
}

func TestLedger_FailOpenAllowsStaleSnapshot(t *testing.T) {
	remote := &fakeRemote{resp: SyncResponse{}}
	l := newTestLedger(t, LedgerConfig{
		Remote:        remote,
		OfflinePolicy: config.FailOpen,
		MaxStaleness:  time.Hour,
	})

	if err := l.CheckAndReserve(10); err != nil {
		t.Errorf("CheckAndReserve() under fail-open error = %v", err)
	}
}

func TestLedger_RestartDropsPersistedReservation(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "dubwire.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	defer st.Close()

	snapshot, err := json.Marshal(types.QuotaRecord{
		DailyUsedSeconds: 90,
		ReservedSeconds:  30,
	})
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	if err := st.Put(ctx, store.NSQuota, "snapshot", snapshot); err != nil {
		t.Fatalf("store.Put() error = %v", err)
	}

	l := newTestLedger(t, LedgerConfig{Store: st})

	rec := l.Record()
	if rec.DailyUsedSeconds != 90 {
		t.Errorf("DailyUsedSeconds = %v, want 90", rec.DailyUsedSeconds)
	}
	if rec.ReservedSeconds != 0 {
		t.Errorf("ReservedSeconds = %v, want 0 after restart", rec.ReservedSeconds)
	}
}

func TestLedger_DeductPersistsSnapshot(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dubwire.db")
	st, err := store.Open(ctx, path)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	defer st.Close()

	l := newTestLedger(t, LedgerConfig{Store: st})
	l.DeductActual(25, 0)

	l2 := newTestLedger(t, LedgerConfig{Store: st})
	if got := l2.Record().DailyUsedSeconds; got != 25 {
		t.Errorf("DailyUsedSeconds after reload = %v, want 25", got)
	}
}

func TestLedger_NilRemoteSyncIsNoop(t *testing.T) {
	l := newTestLedger(t, LedgerConfig{})
	if err := l.Sync(context.Background()); err != nil {
		t.Errorf("Sync() with nil remote error = %v", err)
	}
}

func TestQuotaRecord_Remaining(t *testing.T) {
	rec := types.QuotaRecord{
		DailyUsedSeconds:  40,
		ReservedSeconds:   10,
		DailyLimitSeconds: limitPtr(60),
	}
	got, capped := rec.Remaining()
	if !capped || got != 10 {
		t.Errorf("Remaining() = %v, %v, want 10, true", got, capped)
	}

	if _, capped := (types.QuotaRecord{}).Remaining(); capped {
		t.Error("Remaining() on unlimited tier reported a cap")
	}
}
