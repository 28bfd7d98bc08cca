package orm_test

import (
	"context"
	"sort"
	"testing"

	"github.com/mashiro/relorm/orm"
)

// addressEmails returns the collection emails in sorted order for
// comparison across loading strategies.
func addressEmails(addrs []*Address) []string {
	emails := make([]string, len(addrs))
	for i, a := range addrs {
		emails[i] = a.Email
	}
	sort.Strings(emails)
	return emails
}

func sameEmails(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// The batched strategy fetches the collections of the whole result set in
// one follow-up query, regardless of how many parents matched.
func TestPreloadFetchCount(t *testing.T) {
	t.Parallel()

	f := newFixtures()
	db, log := openSQLite(t)
	ctx := context.Background()

	seedUsers(t, db, f, 3)

	log.reset()
	users, err := f.users.Query(db).OrderBy("id").Preload("Addresses").All(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}

	if got := log.selects(); got != 2 {
		t.Errorf("selects = %d, want 2 (main + one batch)", got)
	}
	if len(users) != 3 {
		t.Fatalf("users = %d, want 3", len(users))
	}
	for i := range users {
		if len(users[i].Addresses) != 2 {
			t.Errorf("user %d: %d addresses, want 2", users[i].ID, len(users[i].Addresses))
		}
		for _, a := range users[i].Addresses {
			if a.User != &users[i] {
				t.Errorf("address %d: back-reference not set", a.ID)
			}
			if a.UserID != users[i].ID {
				t.Errorf("address %d grouped under user %d", a.ID, users[i].ID)
			}
		}
	}
}

// The per-parent strategy emits one query per accessed collection.
func TestLazyLoadFetchCount(t *testing.T) {
	t.Parallel()

	f := newFixtures()
	db, log := openSQLite(t)
	ctx := context.Background()

	seedUsers(t, db, f, 3)

	users, err := f.users.Query(db).OrderBy("id").All(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}

	sess := orm.NewSession(db, f.reg)
	for i := range users {
		if err := sess.Add(&users[i]); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	log.reset()
	for i := range users {
		if err := sess.Load(ctx, &users[i], "Addresses"); err != nil {
			t.Fatalf("load: %v", err)
		}
	}

	if got := log.selects(); got != 3 {
		t.Errorf("selects = %d, want one per parent", got)
	}
	for i := range users {
		if len(users[i].Addresses) != 2 {
			t.Errorf("user %d: %d addresses, want 2", users[i].ID, len(users[i].Addresses))
		}
	}
}

// Preloading the to-one side batches the owners of a page of addresses.
func TestPreloadOwners(t *testing.T) {
	t.Parallel()

	f := newFixtures()
	db, log := openSQLite(t)
	ctx := context.Background()

	seedUsers(t, db, f, 3)

	log.reset()
	addrs, err := f.addrs.Query(db).OrderBy("id").Preload("User").All(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}

	if got := log.selects(); got != 2 {
		t.Errorf("selects = %d, want 2", got)
	}
	if len(addrs) != 6 {
		t.Fatalf("addresses = %d, want 6", len(addrs))
	}
	for i := range addrs {
		if addrs[i].User == nil || addrs[i].User.ID != addrs[i].UserID {
			t.Errorf("address %d: owner not populated", addrs[i].ID)
		}
	}
}

// The eager-join strategy populates the owner in the main query with no
// follow-up round trips.
func TestEagerJoinFetchCount(t *testing.T) {
	t.Parallel()

	f := newFixtures()
	db, log := openSQLite(t)
	ctx := context.Background()

	seedUsers(t, db, f, 3)

	log.reset()
	addrs, err := f.addrs.Query(db).EagerJoin("User").OrderBy("address.id").All(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}

	if got := log.selects(); got != 1 {
		t.Errorf("selects = %d, want the single joined query", got)
	}
	if len(addrs) != 6 {
		t.Fatalf("addresses = %d, want 6", len(addrs))
	}
	for i := range addrs {
		u := addrs[i].User
		if u == nil || u.ID != addrs[i].UserID {
			t.Fatalf("address %d: owner not populated from joined columns", addrs[i].ID)
		}
		if u.Name == "" {
			t.Errorf("address %d: owner scalar attributes missing", addrs[i].ID)
		}
	}
}

// ContainsEager reuses the caller's explicit join instead of adding one,
// so filtering on the joined table and populating the owner share a
// single join.
func TestContainsEagerMatchesEagerJoin(t *testing.T) {
	t.Parallel()

	f := newFixtures()
	db, _ := openSQLite(t)
	ctx := context.Background()

	seedUsers(t, db, f, 3)

	viaEager, err := f.addrs.Query(db).
		EagerJoinInner("User").
		Where("user_account.name = ?", "pkrabs").
		OrderBy("address.id").
		All(ctx)
	if err != nil {
		t.Fatalf("eager join: %v", err)
	}

	viaContains, err := f.addrs.Query(db).
		Join("User").
		Where("user_account.name = ?", "pkrabs").
		ContainsEager("User").
		OrderBy("address.id").
		All(ctx)
	if err != nil {
		t.Fatalf("contains eager: %v", err)
	}

	if len(viaEager) == 0 {
		t.Fatal("filter matched no rows")
	}
	if len(viaEager) != len(viaContains) {
		t.Fatalf("rows = %d vs %d, want identical result sets", len(viaEager), len(viaContains))
	}
	for i := range viaEager {
		if viaEager[i].ID != viaContains[i].ID || viaEager[i].Email != viaContains[i].Email {
			t.Errorf("row %d differs: %+v vs %+v", i, viaEager[i], viaContains[i])
		}
		if viaEager[i].User == nil || viaContains[i].User == nil {
			t.Fatalf("row %d: owner missing", i)
		}
		if viaEager[i].User.Name != "pkrabs" || viaContains[i].User.Name != "pkrabs" {
			t.Errorf("row %d: owner = %q / %q, want pkrabs",
				i, viaEager[i].User.Name, viaContains[i].User.Name)
		}
	}
}

// Every strategy observes the same persisted data.
func TestStrategiesAgree(t *testing.T) {
	t.Parallel()

	f := newFixtures()
	db, _ := openSQLite(t)
	ctx := context.Background()

	seeded := seedUsers(t, db, f, 3)
	want := make(map[int64][]string, len(seeded))
	for _, u := range seeded {
		want[u.ID] = addressEmails(u.Addresses)
	}

	// Batched.
	preloaded, err := f.users.Query(db).Preload("Addresses").All(ctx)
	if err != nil {
		t.Fatalf("preload: %v", err)
	}
	for i := range preloaded {
		if got := addressEmails(preloaded[i].Addresses); !sameEmails(got, want[preloaded[i].ID]) {
			t.Errorf("preload user %d: %v, want %v", preloaded[i].ID, got, want[preloaded[i].ID])
		}
	}

	// Per-parent.
	lazy, err := f.users.Query(db).All(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	sess := orm.NewSession(db, f.reg)
	for i := range lazy {
		if err := sess.Add(&lazy[i]); err != nil {
			t.Fatalf("add: %v", err)
		}
		if err := sess.Load(ctx, &lazy[i], "Addresses"); err != nil {
			t.Fatalf("load: %v", err)
		}
		if got := addressEmails(lazy[i].Addresses); !sameEmails(got, want[lazy[i].ID]) {
			t.Errorf("lazy user %d: %v, want %v", lazy[i].ID, got, want[lazy[i].ID])
		}
	}

	// Joined, grouped back by owner.
	joined, err := f.addrs.Query(db).EagerJoin("User").All(ctx)
	if err != nil {
		t.Fatalf("eager join: %v", err)
	}
	byOwner := make(map[int64][]*Address)
	for i := range joined {
		byOwner[joined[i].UserID] = append(byOwner[joined[i].UserID], &joined[i])
	}
	for id, addrs := range byOwner {
		if got := addressEmails(addrs); !sameEmails(got, want[id]) {
			t.Errorf("joined user %d: %v, want %v", id, got, want[id])
		}
	}
}
