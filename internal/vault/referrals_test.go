package vault

import (
	"context"
	"errors"
	"testing"
)

func TestRecordReferral_IdempotentPerJoiner(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, err := store.RecordReferral(ctx, 100, 200, 5)
	if err != nil {
		t.Fatalf("first join: %v", err)
	}
	if !first.Credited || first.Count != 1 {
		t.Fatalf("first = %+v", first)
	}

	// Same joiner again: no credit, count unchanged.
	replay, err := store.RecordReferral(ctx, 100, 200, 5)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.Credited {
		t.Error("replay was credited")
	}
	if replay.Count != 1 {
		t.Errorf("replay count = %d, want 1", replay.Count)
	}
}

func TestRecordReferral_SelfReferralIgnored(t *testing.T) {
	store := openTestStore(t)

	credit, err := store.RecordReferral(context.Background(), 100, 100, 5)
	if err != nil {
		t.Fatalf("self join: %v", err)
	}
	if credit.Credited || credit.Count != 0 {
		t.Fatalf("credit = %+v", credit)
	}
}

func TestRecordReferral_UnlocksExactlyOnceAtThreshold(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	const threshold = 3

	unlocks := 0
	for joiner := int64(1); joiner <= 5; joiner++ {
		credit, err := store.RecordReferral(ctx, 100, 200+joiner, threshold)
		if err != nil {
			t.Fatalf("join %d: %v", joiner, err)
		}
		if credit.Unlocked {
			unlocks++
			if credit.Count != threshold {
				t.Errorf("unlocked at count %d, want %d", credit.Count, threshold)
			}
		}
	}
	if unlocks != 1 {
		t.Fatalf("unlocked %d times, want exactly 1", unlocks)
	}

	verified, err := store.IsVerified(ctx, 100)
	if err != nil {
		t.Fatalf("is verified: %v", err)
	}
	if !verified {
		t.Error("owner should be verified past threshold")
	}
}

func TestGetReferral_ZeroValuedWhenAbsent(t *testing.T) {
	store := openTestStore(t)

	state, err := store.GetReferral(context.Background(), 555)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if state.Count != 0 || state.Verified {
		t.Errorf("state = %+v", state)
	}
}

func TestIssueReferralCode_StableAndResolvable(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	code, err := store.IssueReferralCode(ctx, 42)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if code == "" {
		t.Fatal("empty code")
	}

	again, err := store.IssueReferralCode(ctx, 42)
	if err != nil {
		t.Fatalf("reissue: %v", err)
	}
	if again != code {
		t.Errorf("code changed between issues: %q vs %q", code, again)
	}

	owner, err := store.ResolveReferralCode(ctx, code)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if owner != 42 {
		t.Errorf("owner = %d, want 42", owner)
	}
}

func TestResolveReferralCode_NotFound(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.ResolveReferralCode(context.Background(), "deadbeef"); !errors.Is(err, ErrReferralCodeNotFound) {
		t.Fatalf("err = %v, want ErrReferralCodeNotFound", err)
	}
}
