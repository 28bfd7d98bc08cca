package orm_test

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mashiro/relorm/orm"
)

// The fixture model mirrors a mailbox directory: users owning address
// records, the address back-referencing its owner.

type User struct {
	ID        int64
	Name      string
	Fullname  sql.NullString
	CreatedAt time.Time
	Addresses []*Address
}

func (User) TableName() string { return "user_account" }

type Address struct {
	ID     int64
	Email  string
	UserID int64
	User   *User
}

var userColumns = []string{"id", "name", "fullname", "created_at"}

func scanUser(rows *sql.Rows) (User, error) {
	var v User
	cols, err := rows.Columns()
	if err != nil {
		return v, err
	}
	dest := make([]any, len(cols))
	for i, col := range cols {
		switch col {
		case "id":
			dest[i] = &v.ID
		case "name":
			dest[i] = &v.Name
		case "fullname":
			dest[i] = &v.Fullname
		case "created_at":
			dest[i] = &v.CreatedAt
		default:
			dest[i] = new(any)
		}
	}
	return v, rows.Scan(dest...)
}

func userColumnValues(v *User, includesPK bool) ([]string, []any) {
	if includesPK {
		return []string{"id", "name", "fullname", "created_at"},
			[]any{v.ID, v.Name, v.Fullname, v.CreatedAt}
	}
	return []string{"name", "fullname", "created_at"},
		[]any{v.Name, v.Fullname, v.CreatedAt}
}

var addressColumns = []string{"id", "email_address", "user_id"}

func scanAddress(rows *sql.Rows) (Address, error) {
	var v Address
	cols, err := rows.Columns()
	if err != nil {
		return v, err
	}
	var joinID sql.NullInt64
	var joinName, joinFullname sql.NullString
	var joinCreatedAt sql.NullTime
	dest := make([]any, len(cols))
	for i, col := range cols {
		switch col {
		case "id":
			dest[i] = &v.ID
		case "email_address":
			dest[i] = &v.Email
		case "user_id":
			dest[i] = &v.UserID
		case "User__id":
			dest[i] = &joinID
		case "User__name":
			dest[i] = &joinName
		case "User__fullname":
			dest[i] = &joinFullname
		case "User__created_at":
			dest[i] = &joinCreatedAt
		default:
			dest[i] = new(any)
		}
	}
	err = rows.Scan(dest...)
	if err == nil && joinID.Valid {
		v.User = &User{
			ID:        joinID.Int64,
			Name:      joinName.String,
			Fullname:  joinFullname,
			CreatedAt: joinCreatedAt.Time,
		}
	}
	return v, err
}

func addressColumnValues(v *Address, includesPK bool) ([]string, []any) {
	if includesPK {
		return []string{"id", "email_address", "user_id"},
			[]any{v.ID, v.Email, v.UserID}
	}
	return []string{"email_address", "user_id"},
		[]any{v.Email, v.UserID}
}

type fixtures struct {
	reg   *orm.Registry
	users *orm.Meta[User]
	addrs *orm.Meta[Address]
}

func newFixtures() fixtures {
	reg := orm.NewRegistry()

	users := orm.Register(reg, orm.Entity[User]{
		Columns:      userColumns,
		PK:           "id",
		Scan:         scanUser,
		ColumnValues: userColumnValues,
		SetPK:        func(u *User, id int64) { u.ID = id },
		PKValue:      func(u *User) int64 { return u.ID },
		SetCreatedAt: func(u *User, now time.Time) {
			if u.CreatedAt.IsZero() {
				u.CreatedAt = now
			}
		},
	})

	addrs := orm.Register(reg, orm.Entity[Address]{
		Table:        "address",
		Columns:      addressColumns,
		PK:           "id",
		Scan:         scanAddress,
		ColumnValues: addressColumnValues,
		SetPK:        func(a *Address, id int64) { a.ID = id },
		PKValue:      func(a *Address) int64 { return a.ID },
	})

	orm.RegisterOneToMany(users, addrs, orm.OneToMany[User, Address]{
		Name:       "Addresses",
		Backref:    "User",
		ForeignKey: "user_id",
		Items:      func(u *User) []*Address { return u.Addresses },
		SetItems:   func(u *User, items []*Address) { u.Addresses = items },
		Owner:      func(a *Address) *User { return a.User },
		SetOwner:   func(a *Address, u *User) { a.User = u },
		FK:         func(a *Address) int64 { return a.UserID },
		SetFK:      func(a *Address, id int64) { a.UserID = id },
	})

	return fixtures{reg: reg, users: users, addrs: addrs}
}

func testMetadata() *orm.Metadata {
	md := orm.NewMetadata()
	md.AddTable("user_account",
		orm.Column{Name: "id", Type: orm.Integer, PrimaryKey: true},
		orm.Column{Name: "name", Type: orm.String, Size: 30, NotNull: true},
		orm.Column{Name: "fullname", Type: orm.String},
		orm.Column{Name: "created_at", Type: orm.Timestamp},
	)
	md.AddTable("address",
		orm.Column{Name: "id", Type: orm.Integer, PrimaryKey: true},
		orm.Column{Name: "email_address", Type: orm.String, NotNull: true},
		orm.Column{Name: "user_id", Type: orm.Integer, NotNull: true, References: "user_account.id"},
	)
	return md
}

// queryLog counts queries and captures warnings, standing in for the
// echo logger during behavioral tests.
type queryLog struct {
	queries  []string
	warnings []string
}

func (l *queryLog) Log(_ context.Context, query string, _ ...any) {
	l.queries = append(l.queries, query)
}

func (l *queryLog) Warn(_ context.Context, msg string) {
	l.warnings = append(l.warnings, msg)
}

func (l *queryLog) reset() {
	l.queries = nil
	l.warnings = nil
}

func (l *queryLog) selects() int {
	n := 0
	for _, q := range l.queries {
		if strings.HasPrefix(q, "SELECT") {
			n++
		}
	}
	return n
}

// openSQLite opens a private in-memory SQLite database with foreign key
// enforcement on and the fixture schema created. A single pooled
// connection keeps the in-memory database alive and exclusive.
func openSQLite(t *testing.T) (*orm.DB, *queryLog) {
	t.Helper()

	sqlDB, err := sql.Open("sqlite", "file::memory:?_pragma=foreign_keys(1)")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	log := &queryLog{}
	db := orm.New(sqlDB, orm.SQLite).Debug(log)

	if err := testMetadata().CreateAll(context.Background(), db); err != nil {
		t.Fatalf("create tables: %v", err)
	}
	log.reset()
	return db, log
}

// seedUsers persists n users with two addresses each and returns them in
// insertion order. The returned entities are expired by the commit.
func seedUsers(t *testing.T, db *orm.DB, f fixtures, n int) []*User {
	t.Helper()

	sess := orm.NewSession(db, f.reg)
	names := []string{"spongebob", "sandy", "pkrabs", "patrick", "squidward"}
	users := make([]*User, 0, n)
	for i := 0; i < n; i++ {
		u := &User{Name: names[i%len(names)]}
		for _, suffix := range []string{"@example.org", "@aol.com"} {
			a := &Address{Email: u.Name + suffix}
			if err := f.reg.Append(u, "Addresses", a); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
		if err := sess.Add(u); err != nil {
			t.Fatalf("add: %v", err)
		}
		users = append(users, u)
	}
	if err := sess.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return users
}
