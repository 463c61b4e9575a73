package worker

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/mimic/internal/generator"
	"github.com/basket/mimic/internal/vault"
)

const testOwner int64 = 42

type sentMessage struct {
	chatID int64
	text   string
}

// testWorker wires a worker to a temp store, an echo generator, and a
// captured send seam.
func testWorker(t *testing.T) (*Worker, *vault.Store, func() []sentMessage) {
	t.Helper()
	store, err := vault.Open(filepath.Join(t.TempDir(), "mimic.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if err := store.SaveClone(context.Background(), testOwner, "clone_bot", "sealed"); err != nil {
		t.Fatalf("seed clone: %v", err)
	}

	logger := slog.New(slog.DiscardHandler)
	gen := generator.New(context.Background(), nil, "test-model", logger)

	w := New(Config{
		OwnerID:           testOwner,
		BotUsername:       "clone_bot",
		MasterBotUsername: "master_bot",
		ReferralThreshold: 5,
		Watermark:         "\n\nCloned by @master_bot",
		ProbeMinGap:       time.Hour,
	}, store, gen, logger)

	var mu sync.Mutex
	var sent []sentMessage
	w.send = func(c tgbotapi.Chattable) error {
		msg, ok := c.(tgbotapi.MessageConfig)
		if !ok {
			return nil
		}
		mu.Lock()
		sent = append(sent, sentMessage{chatID: msg.ChatID, text: msg.Text})
		mu.Unlock()
		return nil
	}
	w.probe = func(ctx context.Context) error { return nil }
	// preMessageProbe sees a recent probe and skips the live call.
	w.lastProbe = time.Now()

	snapshot := func() []sentMessage {
		mu.Lock()
		defer mu.Unlock()
		return append([]sentMessage(nil), sent...)
	}
	return w, store, snapshot
}

func textMsg(from, chat int64, text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		Text: text,
		From: &tgbotapi.User{ID: from, UserName: "someone"},
		Chat: &tgbotapi.Chat{ID: chat},
	}
}

func commandMsg(from, chat int64, text string) *tgbotapi.Message {
	msg := textMsg(from, chat, text)
	cmd := strings.Fields(text)[0]
	msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}}
	return msg
}

func TestApplyWatermark(t *testing.T) {
	t.Run("unverified_appends", func(t *testing.T) {
		got := ApplyWatermark("hello", false, "\n\nCloned by @m")
		if got != "hello\n\nCloned by @m" {
			t.Errorf("got %q", got)
		}
	})
	t.Run("verified_skips", func(t *testing.T) {
		if got := ApplyWatermark("hello", true, "\n\nCloned by @m"); got != "hello" {
			t.Errorf("got %q", got)
		}
	})
	t.Run("empty_watermark_skips", func(t *testing.T) {
		if got := ApplyWatermark("hello", false, ""); got != "hello" {
			t.Errorf("got %q", got)
		}
	})
}

func TestHandleCommand_OwnerGate(t *testing.T) {
	w, store, sent := testWorker(t)
	ctx := context.Background()

	// Non-owner cannot change instructions.
	w.handleMessage(ctx, commandMsg(999, 999, "/set_instructions be evil"))
	rec, err := store.GetClone(ctx, testOwner)
	if err != nil {
		t.Fatalf("get clone: %v", err)
	}
	if rec.Instructions != "" {
		t.Errorf("non-owner changed instructions: %q", rec.Instructions)
	}
	msgs := sent()
	if len(msgs) != 1 || !strings.Contains(msgs[0].text, "owner") {
		t.Fatalf("expected denial, got %v", msgs)
	}

	// Owner can.
	w.handleMessage(ctx, commandMsg(testOwner, testOwner, "/set_instructions You are terse."))
	rec, err = store.GetClone(ctx, testOwner)
	if err != nil {
		t.Fatalf("get clone: %v", err)
	}
	if rec.Instructions != "You are terse." {
		t.Errorf("instructions = %q", rec.Instructions)
	}
}

func TestHandleCommand_SetInstructionsNoArgsShowsCurrent(t *testing.T) {
	w, store, sent := testWorker(t)
	ctx := context.Background()

	if err := store.SetInstructions(ctx, testOwner, "Speak like a pirate."); err != nil {
		t.Fatalf("seed instructions: %v", err)
	}
	w.handleMessage(ctx, commandMsg(testOwner, testOwner, "/set_instructions"))

	msgs := sent()
	if len(msgs) != 1 || !strings.Contains(msgs[0].text, "Speak like a pirate.") {
		t.Fatalf("expected current instructions echoed, got %v", msgs)
	}
}

func TestHandleCommand_ClearInstructions(t *testing.T) {
	w, store, _ := testWorker(t)
	ctx := context.Background()

	if err := store.SetInstructions(ctx, testOwner, "something"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	w.handleMessage(ctx, commandMsg(testOwner, testOwner, "/clear_instructions"))

	rec, err := store.GetClone(ctx, testOwner)
	if err != nil {
		t.Fatalf("get clone: %v", err)
	}
	if rec.Instructions != "" {
		t.Errorf("instructions = %q, want empty", rec.Instructions)
	}
}

func TestHandleCommand_ShareBuildsDeepLink(t *testing.T) {
	w, store, sent := testWorker(t)
	ctx := context.Background()

	w.handleMessage(ctx, commandMsg(testOwner, testOwner, "/share"))
	msgs := sent()
	if len(msgs) != 1 {
		t.Fatalf("sent = %v", msgs)
	}
	if !strings.Contains(msgs[0].text, "https://t.me/master_bot?start=") {
		t.Errorf("missing deep link: %q", msgs[0].text)
	}
	if !strings.Contains(msgs[0].text, "0/5") {
		t.Errorf("missing progress: %q", msgs[0].text)
	}

	// The code in the link resolves back to the owner.
	code, err := store.IssueReferralCode(ctx, testOwner)
	if err != nil {
		t.Fatalf("issue code: %v", err)
	}
	if !strings.Contains(msgs[0].text, code) {
		t.Errorf("link does not carry the stable code %q: %q", code, msgs[0].text)
	}
}

func TestHandleChat_EchoCarriesWatermarkUntilVerified(t *testing.T) {
	w, store, sent := testWorker(t)
	ctx := context.Background()

	w.handleMessage(ctx, textMsg(7, 7, "hello there"))
	waitForSends(t, sent, 1)

	msgs := sent()
	if !strings.HasPrefix(msgs[0].text, "hello there") {
		t.Errorf("reply = %q", msgs[0].text)
	}
	if !strings.Contains(msgs[0].text, "Cloned by @master_bot") {
		t.Errorf("watermark missing: %q", msgs[0].text)
	}

	// Cross the threshold, watermark disappears.
	for joiner := int64(1); joiner <= 5; joiner++ {
		if _, err := store.RecordReferral(ctx, testOwner, 100+joiner, 5); err != nil {
			t.Fatalf("referral: %v", err)
		}
	}
	w.handleMessage(ctx, textMsg(7, 7, "hello again"))
	waitForSends(t, sent, 2)

	msgs = sent()
	if strings.Contains(msgs[1].text, "Cloned by") {
		t.Errorf("watermark present after unlock: %q", msgs[1].text)
	}
}

func waitForSends(t *testing.T, sent func() []sentMessage, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sent()) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sends, got %d", n, len(sent()))
}

func TestHandleMessage_InactiveCloneTerminates(t *testing.T) {
	w, store, _ := testWorker(t)
	ctx := context.Background()

	if err := store.DeactivateClone(ctx, testOwner); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	w.handleMessage(ctx, textMsg(7, 7, "hello"))

	if w.exitErr != nil {
		t.Errorf("exitErr = %v, want nil for clean deactivation", w.exitErr)
	}
}

func TestPreMessageProbe_RateLimited(t *testing.T) {
	w, _, _ := testWorker(t)
	ctx := context.Background()

	calls := 0
	w.probe = func(ctx context.Context) error {
		calls++
		return nil
	}

	w.cfg.ProbeMinGap = time.Hour
	w.lastProbe = time.Time{} // first probe is due

	for i := 0; i < 5; i++ {
		if err := w.preMessageProbe(ctx); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if calls != 1 {
		t.Errorf("probe calls = %d, want 1 within the gap", calls)
	}
}

func TestPreMessageProbe_TransientFailureIgnored(t *testing.T) {
	w, _, _ := testWorker(t)

	w.probe = func(ctx context.Context) error { return errors.New("connection reset by peer") }
	w.lastProbe = time.Time{}

	if err := w.preMessageProbe(context.Background()); err != nil {
		t.Fatalf("transient failure surfaced: %v", err)
	}
}

func TestPreMessageProbe_RevokedSurfaces(t *testing.T) {
	w, _, _ := testWorker(t)

	w.probe = func(ctx context.Context) error { return errors.New("Unauthorized") }
	w.lastProbe = time.Time{}

	if err := w.preMessageProbe(context.Background()); err == nil {
		t.Fatal("expected error for revoked credential")
	}
}

func TestBackgroundProbe_RevokedDeactivatesClone(t *testing.T) {
	w, store, _ := testWorker(t)
	ctx := context.Background()

	w.probe = func(ctx context.Context) error { return errors.New("401 Unauthorized") }
	w.backgroundProbe(ctx)

	rec, err := store.GetClone(ctx, testOwner)
	if err != nil {
		t.Fatalf("get clone: %v", err)
	}
	if rec.Active {
		t.Error("clone still active after revoked probe")
	}
	if !errors.Is(w.exitErr, ErrCredentialRevoked) {
		t.Errorf("exitErr = %v, want ErrCredentialRevoked", w.exitErr)
	}
}

func TestIsRevokedError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("Unauthorized"), true},
		{errors.New("403 Forbidden"), true},
		{errors.New("Not Found"), true},
		{errors.New("connection reset by peer"), false},
		{errors.New("context deadline exceeded"), false},
	}
	for _, tc := range cases {
		if got := isRevokedError(tc.err); got != tc.want {
			t.Errorf("isRevokedError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

// fakeSession stands in for one long-poll connection. The real client
// library panics when a session is stopped twice, so the stop count is
// the invariant under test.
type fakeSession struct {
	updates chan tgbotapi.Update
	mu      sync.Mutex
	stops   int
}

func newFakeSession() *fakeSession {
	return &fakeSession{updates: make(chan tgbotapi.Update)}
}

func (s *fakeSession) Updates() tgbotapi.UpdatesChannel { return s.updates }

func (s *fakeSession) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
}

func (s *fakeSession) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

func TestRun_FreshSessionPerReconnect(t *testing.T) {
	w, _, _ := testWorker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var sessions []*fakeSession
	w.dial = func(ctx context.Context) (pollSession, error) {
		s := newFakeSession()
		mu.Lock()
		sessions = append(sessions, s)
		first := len(sessions) == 1
		mu.Unlock()
		if first {
			// Dead on arrival: forces one reconnect cycle.
			close(s.updates)
		}
		return s, nil
	}

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		n := len(sessions)
		mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no fresh session dialed after disconnect")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sessions) != 2 {
		t.Fatalf("dialed %d sessions, want 2", len(sessions))
	}
	for i, s := range sessions {
		if got := s.stopCount(); got != 1 {
			t.Errorf("session %d stopped %d times, want exactly once", i, got)
		}
	}
}

func TestRun_DialAuthFailureDeactivatesClone(t *testing.T) {
	w, store, _ := testWorker(t)

	w.dial = func(ctx context.Context) (pollSession, error) {
		return nil, errors.New("Unauthorized")
	}

	err := w.Run(context.Background())
	if !errors.Is(err, ErrCredentialRevoked) {
		t.Fatalf("err = %v, want ErrCredentialRevoked", err)
	}
	rec, gErr := store.GetClone(context.Background(), testOwner)
	if gErr != nil {
		t.Fatalf("get clone: %v", gErr)
	}
	if rec.Active {
		t.Error("clone still active after auth failure at dial")
	}
	if w.State() != StateTerminated {
		t.Errorf("state = %v, want terminated", w.State())
	}
}

func TestHandleCommand_ShareAttachesShareButton(t *testing.T) {
	w, _, _ := testWorker(t)
	ctx := context.Background()

	var markup interface{}
	w.send = func(c tgbotapi.Chattable) error {
		if msg, ok := c.(tgbotapi.MessageConfig); ok {
			markup = msg.ReplyMarkup
		}
		return nil
	}
	w.handleMessage(ctx, commandMsg(testOwner, testOwner, "/share"))

	kb, ok := markup.(tgbotapi.InlineKeyboardMarkup)
	if !ok {
		t.Fatalf("reply markup = %T, want inline keyboard", markup)
	}
	if len(kb.InlineKeyboard) != 1 || len(kb.InlineKeyboard[0]) != 1 {
		t.Fatalf("keyboard shape = %v", kb.InlineKeyboard)
	}
	btn := kb.InlineKeyboard[0][0]
	if btn.URL == nil || !strings.Contains(*btn.URL, "t.me/share/url") {
		t.Errorf("button url = %v, want a t.me/share link", btn.URL)
	}
}
