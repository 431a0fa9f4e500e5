package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/signal_hook/internal/webhook"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// rowID maps a readable test name to a stable uuid, since the Postgres
// schema keys rows by uuid.
func rowID(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("signalhook-test/"+name)).String()
}

func rowIDs(names ...string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = rowID(n)
	}
	return out
}

func newSub(id, tenant string) *webhook.Subscription {
	return &webhook.Subscription{
		ID:                   rowID(id),
		TenantID:             tenant,
		Name:                 "sub " + id,
		URL:                  "https://example.com/hook",
		ContentType:          "application/json",
		Headers:              webhook.Headers{{Name: "X-Custom", Value: "1"}},
		Timeout:              30 * time.Second,
		EventFilter:          "*",
		Secret:               "secret",
		RetryDelays:          []time.Duration{10 * time.Second},
		MaxRetries:           5,
		DisableAfterFailures: 3,
		Active:               true,
		CreatedAt:            t0,
		UpdatedAt:            t0,
	}
}

func newLog(id, subID, eventID string) *webhook.DeliveryLog {
	return &webhook.DeliveryLog{
		ID:             rowID(id),
		TenantID:       "t1",
		SubscriptionID: rowID(subID),
		EventType:      "order.created",
		EventID:        eventID,
		Payload:        json.RawMessage(`{"id":"` + eventID + `"}`),
		TargetURL:      "https://example.com/hook",
		Status:         webhook.StatusPending,
		MaxAttempts:    5,
		CreatedAt:      t0,
		UpdatedAt:      t0,
	}
}

func ids(logs []webhook.DeliveryLog) []string {
	out := make([]string, len(logs))
	for i, l := range logs {
		out[i] = l.ID
	}
	return out
}

// storeCase is one behaviour every Store implementation must share.
type storeCase struct {
	name string
	run  func(t *testing.T, st Store)
}

// runStoreContract runs every case against a fresh store from open.
func runStoreContract(t *testing.T, open func(t *testing.T) Store) {
	for _, tc := range storeContract {
		t.Run(tc.name, func(t *testing.T) {
			tc.run(t, open(t))
		})
	}
}

func seed(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()
	if err := st.CreateSubscription(ctx, newSub("s1", "t1")); err != nil {
		t.Fatalf("CreateSubscription() error: %v", err)
	}
	if err := st.CreateSubscription(ctx, newSub("s2", "t2")); err != nil {
		t.Fatalf("CreateSubscription() error: %v", err)
	}
}

func mustCreateLog(t *testing.T, st Store, l *webhook.DeliveryLog) {
	t.Helper()
	if err := st.CreateDeliveryLog(context.Background(), l); err != nil {
		t.Fatalf("CreateDeliveryLog(%s) error: %v", l.EventID, err)
	}
}

func mustLog(t *testing.T, st Store, name string) *webhook.DeliveryLog {
	t.Helper()
	l, err := st.DeliveryLogByID(context.Background(), rowID(name))
	if err != nil {
		t.Fatalf("DeliveryLogByID(%s) error: %v", name, err)
	}
	return l
}

var storeContract = []storeCase{
	{"subscription tenant scoping", testSubscriptionTenantScoping},
	{"round trip preserves configuration", testSubscriptionRoundTrip},
	{"update keeps stored secret when empty", testUpdateKeepsSecret},
	{"delete behaves inactive", testDeleteBehavesInactive},
	{"set active resets counter", testSetActiveResetsCounter},
	{"record failure", testRecordFailure},
	{"record success resets", testRecordSuccessResets},
	{"duplicate delivery log", testDuplicateDeliveryLog},
	{"claim is exclusive", testClaimIsExclusive},
	{"save attempt compare and set", testSaveAttemptCAS},
	{"due retries and cancel", testDueRetriesAndCancel},
	{"due retries without limit", testDueRetriesUnlimited},
	{"requeue delivery", testRequeueDelivery},
	{"release stale claims", testReleaseStaleClaims},
	{"list delivery logs paging", testListDeliveryLogsPaging},
	{"list delivery logs huge page", testListDeliveryLogsHugePage},
}

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, func(*testing.T) Store { return NewMemory() })
}

func testSubscriptionTenantScoping(t *testing.T, st Store) {
	seed(t, st)
	ctx := context.Background()

	if _, err := st.GetSubscription(ctx, "t1", rowID("s1")); err != nil {
		t.Errorf("GetSubscription(own) error: %v", err)
	}
	if _, err := st.GetSubscription(ctx, "t1", rowID("s2")); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSubscription(other tenant) error = %v, want ErrNotFound", err)
	}
	subs, _ := st.ListSubscriptions(ctx, "t1")
	if len(subs) != 1 || subs[0].ID != rowID("s1") {
		t.Errorf("ListSubscriptions(t1) = %+v", subs)
	}
}

func testSubscriptionRoundTrip(t *testing.T, st Store) {
	ctx := context.Background()
	in := newSub("s1", "t1")
	in.Headers = webhook.Headers{{Name: "X-B", Value: "2"}, {Name: "X-A", Value: "1"}}
	in.RetryDelays = []time.Duration{1500 * time.Millisecond, time.Minute}
	if err := st.CreateSubscription(ctx, in); err != nil {
		t.Fatalf("CreateSubscription() error: %v", err)
	}

	got, err := st.GetSubscription(ctx, "t1", in.ID)
	if err != nil {
		t.Fatalf("GetSubscription() error: %v", err)
	}
	if !reflect.DeepEqual(got.Headers, in.Headers) {
		t.Errorf("Headers = %v, want %v in order", got.Headers, in.Headers)
	}
	if !reflect.DeepEqual(got.RetryDelays, in.RetryDelays) || got.Timeout != in.Timeout {
		t.Errorf("policy = %v/%s, want %v/%s", got.RetryDelays, got.Timeout, in.RetryDelays, in.Timeout)
	}
	if got.Secret != "secret" || got.DisableAfterFailures != 3 || !got.CreatedAt.Equal(t0) {
		t.Errorf("GetSubscription() = %+v", got)
	}
}

func testUpdateKeepsSecret(t *testing.T, st Store) {
	seed(t, st)
	ctx := context.Background()

	upd := newSub("s1", "t1")
	upd.Name = "renamed"
	upd.Secret = ""
	if err := st.UpdateSubscription(ctx, upd); err != nil {
		t.Fatalf("UpdateSubscription() error: %v", err)
	}
	got, _ := st.SubscriptionByID(ctx, rowID("s1"))
	if got.Name != "renamed" || got.Secret != "secret" {
		t.Errorf("after update without secret = %q/%q", got.Name, got.Secret)
	}

	upd.Secret = "rotated"
	if err := st.UpdateSubscription(ctx, upd); err != nil {
		t.Fatalf("UpdateSubscription() error: %v", err)
	}
	if got, _ := st.SubscriptionByID(ctx, rowID("s1")); got.Secret != "rotated" {
		t.Errorf("Secret = %q, want rotated", got.Secret)
	}

	other := newSub("s1", "t2")
	if err := st.UpdateSubscription(ctx, other); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-tenant update error = %v, want ErrNotFound", err)
	}
}

func testDeleteBehavesInactive(t *testing.T, st Store) {
	seed(t, st)
	ctx := context.Background()
	if err := st.DeleteSubscription(ctx, "t1", rowID("s1"), t0); err != nil {
		t.Fatalf("DeleteSubscription() error: %v", err)
	}
	if _, err := st.GetSubscription(ctx, "t1", rowID("s1")); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSubscription(deleted) error = %v", err)
	}
	active, _ := st.ListActiveSubscriptions(ctx, "t1")
	if len(active) != 0 {
		t.Errorf("deleted subscription still active: %+v", active)
	}
	s, err := st.SubscriptionByID(ctx, rowID("s1"))
	if err != nil || s.Selectable() {
		t.Errorf("SubscriptionByID(deleted) = %+v, %v", s, err)
	}
	if err := st.DeleteSubscription(ctx, "t1", rowID("s1"), t0); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete error = %v", err)
	}
}

func testSetActiveResetsCounter(t *testing.T, st Store) {
	seed(t, st)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := st.RecordFailure(ctx, rowID("s1"), t0, "HTTP 500: Internal Server Error", true); err != nil {
			t.Fatal(err)
		}
	}
	s, _ := st.SubscriptionByID(ctx, rowID("s1"))
	if s.Active || s.DisabledReason != "Auto-disabled after 3 consecutive failures" {
		t.Fatalf("breaker did not trip: %+v", s)
	}

	s, err := st.SetActive(ctx, "t1", rowID("s1"), true, "", t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("SetActive() error: %v", err)
	}
	if !s.Active || s.ConsecutiveFailures != 0 || s.DisabledReason != "" || s.DisabledAt != nil {
		t.Errorf("enable did not reset health: %+v", s)
	}
	if s.FailureCount != 3 {
		t.Errorf("FailureCount = %d, want 3 (totals survive enable)", s.FailureCount)
	}

	s, _ = st.SetActive(ctx, "t1", rowID("s1"), false, "maintenance", t0)
	if s.Active || s.DisabledReason != "maintenance" || s.DisabledAt == nil {
		t.Errorf("disable = %+v", s)
	}
}

func testRecordFailure(t *testing.T, st Store) {
	tests := []struct {
		name      string
		threshold int
		terminal  []bool
		wantTrip  []bool
		wantCons  int
		wantTotal int64
	}{
		{"attempt failures do not feed breaker", 2, []bool{false, false, false}, []bool{false, false, false}, 0, 3},
		{"trips exactly at threshold", 2, []bool{true, true}, []bool{false, true}, 2, 2},
		{"trips once", 1, []bool{true, true}, []bool{true, false}, 2, 2},
		{"zero threshold never trips", 0, []bool{true, true, true}, []bool{false, false, false}, 3, 3},
	}
	ctx := context.Background()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := newSub("breaker "+tt.name, "t")
			sub.DisableAfterFailures = tt.threshold
			if err := st.CreateSubscription(ctx, sub); err != nil {
				t.Fatalf("CreateSubscription() error: %v", err)
			}

			for i, term := range tt.terminal {
				tripped, err := st.RecordFailure(ctx, sub.ID, t0, "Request timeout", term)
				if err != nil {
					t.Fatal(err)
				}
				if tripped != tt.wantTrip[i] {
					t.Errorf("call %d tripped = %v, want %v", i, tripped, tt.wantTrip[i])
				}
			}
			s, _ := st.SubscriptionByID(ctx, sub.ID)
			if s.ConsecutiveFailures != tt.wantCons || s.FailureCount != tt.wantTotal {
				t.Errorf("counters = %d/%d, want %d/%d", s.ConsecutiveFailures, s.FailureCount, tt.wantCons, tt.wantTotal)
			}
			if s.LastError != "Request timeout" || s.LastFailureAt == nil {
				t.Errorf("last failure not recorded: %+v", s)
			}
		})
	}
}

func testRecordSuccessResets(t *testing.T, st Store) {
	seed(t, st)
	ctx := context.Background()
	_, _ = st.RecordFailure(ctx, rowID("s1"), t0, "x", true)
	_, _ = st.RecordFailure(ctx, rowID("s1"), t0, "x", true)
	if err := st.RecordSuccess(ctx, rowID("s1"), t0); err != nil {
		t.Fatal(err)
	}
	s, _ := st.SubscriptionByID(ctx, rowID("s1"))
	if s.ConsecutiveFailures != 0 || s.SuccessCount != 1 || s.LastSuccessAt == nil {
		t.Errorf("after success = %+v", s)
	}
	if err := st.RecordSuccess(ctx, rowID("missing"), t0); !errors.Is(err, ErrNotFound) {
		t.Errorf("RecordSuccess(missing) error = %v, want ErrNotFound", err)
	}
}

func testDuplicateDeliveryLog(t *testing.T, st Store) {
	seed(t, st)
	ctx := context.Background()
	mustCreateLog(t, st, newLog("d1", "s1", "e1"))
	if err := st.CreateDeliveryLog(ctx, newLog("d2", "s1", "e1")); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate error = %v, want ErrDuplicate", err)
	}
	if err := st.CreateDeliveryLog(ctx, newLog("d3", "s2", "e1")); err != nil {
		t.Errorf("same event on another subscription: %v", err)
	}
}

func testClaimIsExclusive(t *testing.T, st Store) {
	seed(t, st)
	ctx := context.Background()
	mustCreateLog(t, st, newLog("d1", "s1", "e1"))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := st.ClaimDelivery(ctx, rowID("d1"), 1, t0); err == nil {
				wins.Add(1)
			} else if !errors.Is(err, ErrConflict) {
				t.Errorf("ClaimDelivery() error = %v", err)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Errorf("claims won = %d, want 1", wins.Load())
	}

	got := mustLog(t, st, "d1")
	if got.Status != webhook.StatusInFlight || got.ClaimedAt == nil || got.Version != 2 {
		t.Errorf("claimed log = %+v", got)
	}
	if _, err := st.ClaimDelivery(ctx, rowID("missing"), 1, t0); !errors.Is(err, ErrNotFound) {
		t.Errorf("claim missing = %v", err)
	}
}

func testSaveAttemptCAS(t *testing.T, st Store) {
	seed(t, st)
	ctx := context.Background()
	mustCreateLog(t, st, newLog("d1", "s1", "e1"))
	claimed, err := st.ClaimDelivery(ctx, rowID("d1"), 1, t0)
	if err != nil {
		t.Fatal(err)
	}

	stale := claimed.Clone()
	stale.Version = 1
	if err := st.SaveAttempt(ctx, &stale); !errors.Is(err, ErrConflict) {
		t.Errorf("stale save error = %v", err)
	}

	next := claimed.Clone()
	next.Status = webhook.StatusRetrying
	next.AttemptCount = 1
	next.FirstAttemptAt = webhook.TimePtr(t0)
	next.LastAttemptAt = webhook.TimePtr(t0)
	next.NextRetryAt = webhook.TimePtr(t0.Add(10 * time.Second))
	next.ClaimedAt = nil
	next.ResponseStatus = 503
	next.ResponseTime = 120 * time.Millisecond
	next.ResponseHeaders = webhook.Headers{{Name: "Retry-After", Value: "10"}}
	next.ErrorMessage = "HTTP 503: Service Unavailable"
	if err := st.SaveAttempt(ctx, &next); err != nil {
		t.Fatalf("SaveAttempt() error: %v", err)
	}
	if next.Version != 3 {
		t.Errorf("Version after save = %d, want 3", next.Version)
	}

	got := mustLog(t, st, "d1")
	if got.Status != webhook.StatusRetrying || got.AttemptCount != 1 || got.ClaimedAt != nil || got.Version != 3 {
		t.Errorf("saved log = %+v", got)
	}
	if got.ResponseStatus != 503 || got.ResponseTime != 120*time.Millisecond || got.ErrorMessage != next.ErrorMessage {
		t.Errorf("saved response = %d/%s/%q", got.ResponseStatus, got.ResponseTime, got.ErrorMessage)
	}
	if v, _ := got.ResponseHeaders.Get("Retry-After"); v != "10" {
		t.Errorf("ResponseHeaders = %v", got.ResponseHeaders)
	}
	if err := st.SaveAttempt(ctx, &next); !errors.Is(err, ErrConflict) {
		t.Errorf("save on non in_flight log error = %v", err)
	}
	missing := next.Clone()
	missing.ID = rowID("missing")
	if err := st.SaveAttempt(ctx, &missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("save on missing log error = %v", err)
	}
}

func testDueRetriesAndCancel(t *testing.T, st Store) {
	seed(t, st)
	ctx := context.Background()
	for i, offset := range []time.Duration{30 * time.Second, -time.Minute, -2 * time.Minute} {
		l := newLog(fmt.Sprintf("d%d", i), "s1", fmt.Sprintf("e%d", i))
		l.Status = webhook.StatusRetrying
		l.NextRetryAt = webhook.TimePtr(t0.Add(offset))
		mustCreateLog(t, st, l)
	}

	due, _ := st.DueRetries(ctx, t0, 10)
	if !reflect.DeepEqual(ids(due), rowIDs("d2", "d1")) {
		t.Fatalf("DueRetries() = %v, want oldest-due first [d2 d1]", ids(due))
	}
	if limited, _ := st.DueRetries(ctx, t0, 1); len(limited) != 1 || limited[0].ID != rowID("d2") {
		t.Errorf("DueRetries(limit 1) = %v", ids(limited))
	}

	if err := st.CancelDelivery(ctx, rowID("d2"), 1, webhook.InactiveReason, t0); err != nil {
		t.Fatalf("CancelDelivery() error: %v", err)
	}
	got := mustLog(t, st, "d2")
	if got.Status != webhook.StatusCancelled || got.NextRetryAt != nil || got.ErrorMessage != webhook.InactiveReason {
		t.Errorf("cancelled log = %+v", got)
	}
	if err := st.CancelDelivery(ctx, rowID("d2"), got.Version, "again", t0); !errors.Is(err, ErrConflict) {
		t.Errorf("cancel terminal log error = %v", err)
	}
}

func testDueRetriesUnlimited(t *testing.T, st Store) {
	seed(t, st)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		l := newLog(fmt.Sprintf("d%d", i), "s1", fmt.Sprintf("e%d", i))
		l.Status = webhook.StatusRetrying
		l.NextRetryAt = webhook.TimePtr(t0.Add(-time.Duration(i+1) * time.Second))
		mustCreateLog(t, st, l)
	}
	due, err := st.DueRetries(ctx, t0, 0)
	if err != nil {
		t.Fatalf("DueRetries() error: %v", err)
	}
	if len(due) != 3 {
		t.Errorf("DueRetries(limit 0) = %d logs, want all 3", len(due))
	}
}

func testRequeueDelivery(t *testing.T, st Store) {
	seed(t, st)
	ctx := context.Background()
	mustCreateLog(t, st, newLog("d1", "s1", "e1"))
	if err := st.RequeueDelivery(ctx, rowID("d1"), 1, t0); err != nil {
		t.Fatal(err)
	}
	got := mustLog(t, st, "d1")
	if got.Status != webhook.StatusRetrying || got.AttemptCount != 0 || !got.NextRetryAt.Equal(t0) {
		t.Errorf("requeued log = %+v", got)
	}
	if err := st.RequeueDelivery(ctx, rowID("d1"), got.Version, t0); !errors.Is(err, ErrConflict) {
		t.Errorf("requeue of retrying log error = %v, want ErrConflict", err)
	}
}

func testReleaseStaleClaims(t *testing.T, st Store) {
	seed(t, st)
	ctx := context.Background()
	mustCreateLog(t, st, newLog("old", "s1", "e1"))
	mustCreateLog(t, st, newLog("new", "s1", "e2"))
	if _, err := st.ClaimDelivery(ctx, rowID("old"), 1, t0.Add(-10*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if _, err := st.ClaimDelivery(ctx, rowID("new"), 1, t0); err != nil {
		t.Fatal(err)
	}
	orphan := newLog("orphan", "s1", "e3")
	orphan.CreatedAt = t0.Add(-time.Hour)
	mustCreateLog(t, st, orphan)
	mustCreateLog(t, st, newLog("queued", "s1", "e4"))

	n, err := st.ReleaseStaleClaims(ctx, t0.Add(-5*time.Minute), t0)
	if err != nil || n != 2 {
		t.Fatalf("ReleaseStaleClaims() = %d, %v", n, err)
	}
	if old := mustLog(t, st, "old"); old.Status != webhook.StatusRetrying || old.ClaimedAt != nil {
		t.Errorf("released log = %+v", old)
	}
	if fresh := mustLog(t, st, "new"); fresh.Status != webhook.StatusInFlight {
		t.Errorf("fresh claim released: %+v", fresh)
	}
	if o := mustLog(t, st, "orphan"); o.Status != webhook.StatusRetrying || !o.NextRetryAt.Equal(t0) {
		t.Errorf("orphaned pending log = %+v", o)
	}
	if q := mustLog(t, st, "queued"); q.Status != webhook.StatusPending {
		t.Errorf("recent pending log released: %+v", q)
	}
}

func testListDeliveryLogsPaging(t *testing.T, st Store) {
	seed(t, st)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		l := newLog(fmt.Sprintf("d%d", i), "s1", fmt.Sprintf("e%d", i))
		l.CreatedAt = t0.Add(time.Duration(i) * time.Second)
		mustCreateLog(t, st, l)
	}

	page1, _ := st.ListDeliveryLogs(ctx, "t1", rowID("s1"), 1, 2)
	page3, _ := st.ListDeliveryLogs(ctx, "t1", rowID("s1"), 3, 2)
	if got := ids(page1); !reflect.DeepEqual(got, rowIDs("d4", "d3")) {
		t.Errorf("page 1 = %v, want newest first", got)
	}
	if got := ids(page3); !reflect.DeepEqual(got, rowIDs("d0")) {
		t.Errorf("page 3 = %v", got)
	}
	if _, err := st.ListDeliveryLogs(ctx, "t2", rowID("s1"), 1, 10); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-tenant list error = %v", err)
	}
	if _, err := st.GetDeliveryLog(ctx, "t2", rowID("d0")); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-tenant get error = %v", err)
	}
}

func testListDeliveryLogsHugePage(t *testing.T, st Store) {
	seed(t, st)
	mustCreateLog(t, st, newLog("d0", "s1", "e0"))

	logs, err := st.ListDeliveryLogs(context.Background(), "t1", rowID("s1"), 368934881474191033, 50)
	if err != nil {
		t.Fatalf("ListDeliveryLogs() error: %v", err)
	}
	if len(logs) != 0 {
		t.Errorf("ListDeliveryLogs() returned %d logs, want none", len(logs))
	}
}
