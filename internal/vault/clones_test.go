package vault

import (
	"context"
	"errors"
	"testing"
)

func TestSaveClone_OverwriteResetsInstructions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.SaveClone(ctx, 42, "first_bot", "sealed-1"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.SetInstructions(ctx, 42, "You are terse."); err != nil {
		t.Fatalf("set instructions: %v", err)
	}

	// Re-clone with a new token: persona is wiped, clone reactivated.
	if err := store.DeactivateClone(ctx, 42); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := store.SaveClone(ctx, 42, "second_bot", "sealed-2"); err != nil {
		t.Fatalf("re-save: %v", err)
	}

	rec, err := store.GetClone(ctx, 42)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.BotUsername != "second_bot" {
		t.Errorf("bot_username = %q", rec.BotUsername)
	}
	if rec.TokenEncrypted != "sealed-2" {
		t.Errorf("token_encrypted = %q", rec.TokenEncrypted)
	}
	if rec.Instructions != "" {
		t.Errorf("instructions survived re-clone: %q", rec.Instructions)
	}
	if !rec.Active {
		t.Error("clone should be active after re-clone")
	}
}

func TestGetClone_NotFound(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.GetClone(context.Background(), 999); !errors.Is(err, ErrCloneNotFound) {
		t.Fatalf("err = %v, want ErrCloneNotFound", err)
	}
}

func TestSetInstructions_ClearAndMissing(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.SaveClone(ctx, 7, "bot", "sealed"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.SetInstructions(ctx, 7, "Speak like a pirate."); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.SetInstructions(ctx, 7, ""); err != nil {
		t.Fatalf("clear: %v", err)
	}
	rec, err := store.GetClone(ctx, 7)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Instructions != "" {
		t.Errorf("instructions = %q, want empty", rec.Instructions)
	}

	if err := store.SetInstructions(ctx, 404, "x"); !errors.Is(err, ErrCloneNotFound) {
		t.Fatalf("err = %v, want ErrCloneNotFound", err)
	}
}

func TestListActiveClones_SkipsInactive(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, id := range []int64{10, 20, 30} {
		if err := store.SaveClone(ctx, id, "bot", "sealed"); err != nil {
			t.Fatalf("save %d: %v", id, err)
		}
	}
	if err := store.DeactivateClone(ctx, 20); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	clones, err := store.ListActiveClones(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(clones) != 2 {
		t.Fatalf("len = %d, want 2", len(clones))
	}
	if clones[0].OwnerID != 10 || clones[1].OwnerID != 30 {
		t.Errorf("owners = %d, %d", clones[0].OwnerID, clones[1].OwnerID)
	}
}
