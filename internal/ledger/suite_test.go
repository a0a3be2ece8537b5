package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"onetime.share/internal/crypto"
	"onetime.share/internal/models"
)

// fixture adapts one Ledger implementation to the shared suite.
type fixture struct {
	ledger   Ledger
	newOwner func(t *testing.T) string
}

func runLedgerSuite(t *testing.T, setup func(t *testing.T) fixture) {
	t.Run("RecordAndFind", func(t *testing.T) { testRecordAndFind(t, setup(t)) })
	t.Run("FindUnknown", func(t *testing.T) { testFindUnknown(t, setup(t)) })
	t.Run("MarkUsed", func(t *testing.T) { testMarkUsed(t, setup(t)) })
	t.Run("SweepTwice", func(t *testing.T) { testSweepTwice(t, setup(t)) })
	t.Run("ExpireOne", func(t *testing.T) { testExpireOne(t, setup(t)) })
	t.Run("UsedNeverExpires", func(t *testing.T) { testUsedNeverExpires(t, setup(t)) })
	t.Run("Pagination", func(t *testing.T) { testPagination(t, setup(t)) })
	t.Run("AnonymousPartition", func(t *testing.T) { testAnonymousPartition(t, setup(t)) })
	t.Run("StatusFilter", func(t *testing.T) { testStatusFilter(t, setup(t)) })
	t.Run("Stats", func(t *testing.T) { testStats(t, setup(t)) })
	t.Run("DeleteOwned", func(t *testing.T) { testDeleteOwned(t, setup(t)) })
	t.Run("ConcurrentTransitions", func(t *testing.T) { testConcurrentTransitions(t, setup(t)) })
}

func record(t *testing.T, l Ledger, owner string, expiresAt *time.Time) (int64, string) {
	t.Helper()
	token := crypto.NewToken()
	id, err := l.Record(context.Background(), Entry{
		Token:     token,
		Owner:     owner,
		Recipient: "someone@example.com",
		ExpiresAt: expiresAt,
	})
	if err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	return id, token
}

func ptr(t time.Time) *time.Time { return &t }

func testRecordAndFind(t *testing.T, f fixture) {
	ctx := context.Background()
	owner := f.newOwner(t)
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	id, token := record(t, f.ledger, owner, &exp)

	rec, err := f.ledger.FindByToken(ctx, token)
	if err != nil {
		t.Fatalf("FindByToken() error: %v", err)
	}
	if rec.ID != id {
		t.Errorf("ID = %d, want %d", rec.ID, id)
	}
	if rec.Owner != owner {
		t.Errorf("Owner = %q, want %q", rec.Owner, owner)
	}
	if rec.Status != models.StatusActive || rec.Used {
		t.Errorf("new record status = %s used = %v, want active/false", rec.Status, rec.Used)
	}
	if rec.ExpiresAt == nil || !rec.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", rec.ExpiresAt, exp)
	}
}

func testFindUnknown(t *testing.T, f fixture) {
	_, err := f.ledger.FindByToken(context.Background(), crypto.NewToken())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("FindByToken() error = %v, want ErrNotFound", err)
	}
}

func testMarkUsed(t *testing.T, f fixture) {
	ctx := context.Background()
	id, token := record(t, f.ledger, "", nil)

	changed, err := f.ledger.MarkUsed(ctx, id)
	if err != nil || !changed {
		t.Fatalf("MarkUsed() = %v, %v; want true, nil", changed, err)
	}
	changed, err = f.ledger.MarkUsed(ctx, id)
	if err != nil || changed {
		t.Errorf("second MarkUsed() = %v, %v; want false, nil", changed, err)
	}

	rec, _ := f.ledger.FindByToken(ctx, token)
	if rec.Status != models.StatusUsed || !rec.Used || rec.UsedAt == nil {
		t.Errorf("record after MarkUsed = %+v", rec)
	}
}

func testSweepTwice(t *testing.T, f fixture) {
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)
	_, lapsed := record(t, f.ledger, "", &past)
	_, fresh := record(t, f.ledger, "", ptr(time.Now().Add(time.Hour)))
	_, never := record(t, f.ledger, "", nil)

	first, err := f.ledger.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired() error: %v", err)
	}
	if first == 0 {
		t.Errorf("first SweepExpired() = 0, want > 0")
	}
	second, err := f.ledger.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired() error: %v", err)
	}
	if second != 0 {
		t.Errorf("second SweepExpired() = %d, want 0", second)
	}

	for token, want := range map[string]models.Status{
		lapsed: models.StatusExpired,
		fresh:  models.StatusActive,
		never:  models.StatusActive,
	} {
		rec, _ := f.ledger.FindByToken(ctx, token)
		if rec.Status != want {
			t.Errorf("status of %s = %s, want %s", token[:8], rec.Status, want)
		}
	}
}

func testExpireOne(t *testing.T, f fixture) {
	ctx := context.Background()
	now := time.Now()
	id, token := record(t, f.ledger, "", ptr(now.Add(-time.Second)))
	liveID, _ := record(t, f.ledger, "", ptr(now.Add(time.Hour)))

	if changed, err := f.ledger.Expire(ctx, liveID, now); err != nil || changed {
		t.Errorf("Expire() on live record = %v, %v; want false, nil", changed, err)
	}
	if changed, err := f.ledger.Expire(ctx, id, now); err != nil || !changed {
		t.Fatalf("Expire() = %v, %v; want true, nil", changed, err)
	}
	rec, _ := f.ledger.FindByToken(ctx, token)
	if rec.Status != models.StatusExpired {
		t.Errorf("status = %s, want expired", rec.Status)
	}
}

func testUsedNeverExpires(t *testing.T, f fixture) {
	ctx := context.Background()
	id, token := record(t, f.ledger, "", ptr(time.Now().Add(-time.Second)))

	if _, err := f.ledger.MarkUsed(ctx, id); err != nil {
		t.Fatalf("MarkUsed() error: %v", err)
	}
	if _, err := f.ledger.SweepExpired(ctx); err != nil {
		t.Fatalf("SweepExpired() error: %v", err)
	}
	rec, _ := f.ledger.FindByToken(ctx, token)
	if rec.Status != models.StatusUsed {
		t.Errorf("status = %s, want used", rec.Status)
	}
}

func testPagination(t *testing.T, f fixture) {
	ctx := context.Background()
	owner := f.newOwner(t)

	var ids []int64
	for i := 0; i < 25; i++ {
		id, _ := record(t, f.ledger, owner, nil)
		ids = append(ids, id)
	}

	page, err := f.ledger.ListByOwner(ctx, owner, ListOptions{Limit: 10, Offset: 10})
	if err != nil {
		t.Fatalf("ListByOwner() error: %v", err)
	}
	if len(page) != 10 {
		t.Fatalf("len(page) = %d, want 10", len(page))
	}
	// Newest first: the 11th newest is ids[25-11].
	for i, rec := range page {
		want := ids[len(ids)-11-i]
		if rec.ID != want {
			t.Errorf("page[%d].ID = %d, want %d", i, rec.ID, want)
		}
	}

	tail, _ := f.ledger.ListByOwner(ctx, owner, ListOptions{Limit: 10, Offset: 20})
	if len(tail) != 5 {
		t.Errorf("len(tail) = %d, want 5", len(tail))
	}
	empty, _ := f.ledger.ListByOwner(ctx, owner, ListOptions{Limit: 10, Offset: 30})
	if len(empty) != 0 {
		t.Errorf("len(past end) = %d, want 0", len(empty))
	}
}

func testAnonymousPartition(t *testing.T, f fixture) {
	ctx := context.Background()
	owner := f.newOwner(t)
	_, ownedToken := record(t, f.ledger, owner, nil)
	_, anonToken := record(t, f.ledger, "", nil)

	owned, _ := f.ledger.ListByOwner(ctx, owner, ListOptions{Limit: 100})
	for _, rec := range owned {
		if rec.Token == anonToken {
			t.Errorf("owner listing contains anonymous record")
		}
	}
	anon, _ := f.ledger.ListByOwner(ctx, "", ListOptions{Limit: 100})
	var sawAnon bool
	for _, rec := range anon {
		if rec.Token == ownedToken {
			t.Errorf("anonymous listing contains owned record")
		}
		if rec.Token == anonToken {
			sawAnon = true
		}
	}
	if !sawAnon {
		t.Errorf("anonymous listing misses anonymous record")
	}
}

func testStatusFilter(t *testing.T, f fixture) {
	ctx := context.Background()
	owner := f.newOwner(t)
	usedID, _ := record(t, f.ledger, owner, nil)
	record(t, f.ledger, owner, nil)
	f.ledger.MarkUsed(ctx, usedID)

	used, err := f.ledger.ListByOwner(ctx, owner, ListOptions{Statuses: []models.Status{models.StatusUsed}})
	if err != nil {
		t.Fatalf("ListByOwner() error: %v", err)
	}
	if len(used) != 1 || used[0].ID != usedID {
		t.Errorf("used filter returned %d records", len(used))
	}
}

func testStats(t *testing.T, f fixture) {
	ctx := context.Background()
	owner := f.newOwner(t)
	usedID, _ := record(t, f.ledger, owner, nil)
	record(t, f.ledger, owner, nil)
	record(t, f.ledger, owner, ptr(time.Now().Add(-time.Minute)))
	f.ledger.MarkUsed(ctx, usedID)
	f.ledger.SweepExpired(ctx)

	st, err := f.ledger.Stats(ctx, owner)
	if err != nil {
		t.Fatalf("Stats() error: %v", err)
	}
	want := models.Stats{Total: 3, Used: 1, Active: 1, Expired: 1}
	if *st != want {
		t.Errorf("Stats() = %+v, want %+v", *st, want)
	}
}

func testDeleteOwned(t *testing.T, f fixture) {
	ctx := context.Background()
	ownerA := f.newOwner(t)
	ownerB := f.newOwner(t)
	id, token := record(t, f.ledger, ownerB, nil)

	rec, err := f.ledger.DeleteOwned(ctx, id, ownerA)
	if err != nil || rec != nil {
		t.Fatalf("DeleteOwned(other owner) = %v, %v; want nil, nil", rec, err)
	}
	if _, err := f.ledger.FindByToken(ctx, token); err != nil {
		t.Fatalf("record gone after refused delete: %v", err)
	}
	if rec, _ := f.ledger.DeleteOwned(ctx, id, ""); rec != nil {
		t.Errorf("DeleteOwned(anonymous) removed %+v", rec)
	}

	rec, err = f.ledger.DeleteOwned(ctx, id, ownerB)
	if err != nil || rec == nil {
		t.Fatalf("DeleteOwned(owner) = %v, %v; want record, nil", rec, err)
	}
	if rec.Token != token || rec.Owner != ownerB {
		t.Errorf("deleted record = %+v, want token %s owned by %s", rec, token, ownerB)
	}
	if _, err := f.ledger.FindByToken(ctx, token); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindByToken() after delete error = %v, want ErrNotFound", err)
	}
	if rec, _ := f.ledger.DeleteOwned(ctx, id, ownerB); rec != nil {
		t.Errorf("second DeleteOwned() removed %+v", rec)
	}
}

// MarkUsed racing Expire on a lapsed record: exactly one wins and
// the record ends in that winner's state.
func testConcurrentTransitions(t *testing.T, f fixture) {
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		id, token := record(t, f.ledger, "", ptr(time.Now().Add(-time.Second)))

		var (
			wg         sync.WaitGroup
			usedWon    bool
			expiredWon bool
			usedErr    error
			expireErr  error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			usedWon, usedErr = f.ledger.MarkUsed(ctx, id)
		}()
		go func() {
			defer wg.Done()
			expiredWon, expireErr = f.ledger.Expire(ctx, id, time.Now())
		}()
		wg.Wait()
		if usedErr != nil || expireErr != nil {
			t.Fatalf("errors: %v, %v", usedErr, expireErr)
		}
		if usedWon == expiredWon {
			t.Fatalf("iteration %d: used=%v expired=%v, want exactly one transition", i, usedWon, expiredWon)
		}

		rec, _ := f.ledger.FindByToken(ctx, token)
		want := models.StatusExpired
		if usedWon {
			want = models.StatusUsed
		}
		if rec.Status != want {
			t.Errorf("iteration %d: status = %s, want %s", i, rec.Status, want)
		}
	}
}
