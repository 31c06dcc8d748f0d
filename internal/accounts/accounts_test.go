package accounts

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/marcus-qen/bouncer/internal/store"
)

func newTestRegistry(t *testing.T, defaultID string) *Registry {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "accounts.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewRegistry(st, defaultID, nil)
}

func TestValidateAccountID(t *testing.T) {
	cases := []struct {
		id string
		ok bool
	}{
		{"111122223333", true},
		{"", false},
		{"12345", false},
		{"1111222233334", false},
		{"11112222333a", false},
	}
	for _, tc := range cases {
		err := ValidateAccountID(tc.id)
		if (err == nil) != tc.ok {
			t.Errorf("ValidateAccountID(%q) = %v, want ok=%v", tc.id, err, tc.ok)
		}
	}
}

func TestValidateRoleArn(t *testing.T) {
	cases := []struct {
		arn string
		ok  bool
	}{
		{"", true},
		{"arn:aws:iam::111122223333:role/broker-execution", true},
		{"arn:aws:s3:::bucket", false},
		{"arn:aws:iam::111122223333:user/bob", false},
		{"role/broker-execution", false},
	}
	for _, tc := range cases {
		err := ValidateRoleArn(tc.arn)
		if (err == nil) != tc.ok {
			t.Errorf("ValidateRoleArn(%q) = %v, want ok=%v", tc.arn, err, tc.ok)
		}
	}
}

func TestEnsureDefault(t *testing.T) {
	r := newTestRegistry(t, "999988887777")
	ctx := context.Background()

	if err := r.EnsureDefault(ctx); err != nil {
		t.Fatal(err)
	}
	acct, err := r.Get(ctx, "999988887777")
	if err != nil {
		t.Fatal(err)
	}
	if acct.Name != "Default" || !acct.Enabled || acct.RoleArn != "" {
		t.Errorf("default account = %+v", acct)
	}

	// idempotent
	if err := r.EnsureDefault(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := r.List(ctx)
	if len(got) != 1 {
		t.Errorf("accounts = %d, want 1", len(got))
	}
}

func TestAddResolveRemove(t *testing.T) {
	r := newTestRegistry(t, "999988887777")
	ctx := context.Background()

	if err := r.Add(ctx, "111122223333", "production",
		"arn:aws:iam::111122223333:role/broker-execution", "ops"); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(ctx, "bad", "x", "", "ops"); err == nil {
		t.Error("invalid account id accepted")
	}
	if err := r.Add(ctx, "111122223333", "x", "not-an-arn", "ops"); err == nil {
		t.Error("invalid role arn accepted")
	}

	acct, err := r.Resolve(ctx, "111122223333")
	if err != nil {
		t.Fatal(err)
	}
	if acct.RoleArn != "arn:aws:iam::111122223333:role/broker-execution" {
		t.Errorf("resolved role = %q", acct.RoleArn)
	}

	// empty account id resolves to the default
	if err := r.EnsureDefault(ctx); err != nil {
		t.Fatal(err)
	}
	acct, err = r.Resolve(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if acct.AccountID != "999988887777" || acct.RoleArn != "" {
		t.Errorf("default resolve = %+v", acct)
	}

	if err := r.Remove(ctx, "999988887777"); err == nil {
		t.Error("default account removed")
	}
	if err := r.Remove(ctx, "111122223333"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Resolve(ctx, "111122223333"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("removed account resolve: %v", err)
	}
}

func TestResolveUnknownAccount(t *testing.T) {
	r := newTestRegistry(t, "999988887777")
	if _, err := r.Resolve(context.Background(), "000000000000"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown account: %v", err)
	}
}
