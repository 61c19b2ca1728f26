package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/iago/botfleet/internal/domain"
	"github.com/rs/zerolog"
)

type fakeBotAPI struct {
	mu       sync.Mutex
	requests []map[string]any
	methods  []string
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	method := parts[len(parts)-1]

	params := map[string]any{}
	_ = json.NewDecoder(r.Body).Decode(&params)

	f.mu.Lock()
	f.requests = append(f.requests, params)
	f.methods = append(f.methods, method)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch fmt.Sprint(params["chat_id"]) {
	case "403":
		_, _ = w.Write([]byte(`{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`))
	case "400":
		_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities"}`))
	case "429":
		_, _ = w.Write([]byte(`{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 1","parameters":{"retry_after":1}}`))
	case "500":
		_, _ = w.Write([]byte(`{"ok":false,"error_code":500,"description":"Internal Server Error"}`))
	default:
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":1,"type":"private"},"text":"ok"}}`))
	}
}

func newTestTelegram(t *testing.T) (*Telegram, *fakeBotAPI) {
	t.Helper()
	api := &fakeBotAPI{}
	server := httptest.NewServer(api)
	t.Cleanup(server.Close)

	telegram := NewTelegram(TelegramConfig{APIURL: server.URL}, zerolog.Nop())
	if err := telegram.SetToken("t1", "123:abc"); err != nil {
		t.Fatalf("set token: %v", err)
	}
	return telegram, api
}

func TestTelegramSendOutcomes(t *testing.T) {
	telegram, _ := newTestTelegram(t)
	content := domain.MessageContent{Text: "hello"}

	cases := []struct {
		chatID int64
		want   domain.Outcome
	}{
		{42, domain.OutcomeSent},
		{403, domain.OutcomeBlocked},
		{400, domain.OutcomeFailed},
		{429, domain.OutcomeTransient},
		{500, domain.OutcomeTransient},
	}
	for _, tc := range cases {
		outcome, err := telegram.Send(context.Background(), "t1", tc.chatID, content)
		if outcome != tc.want {
			t.Fatalf("chat %d: expected %s, got %s (err=%v)", tc.chatID, tc.want, outcome, err)
		}
		if tc.want == domain.OutcomeSent && err != nil {
			t.Fatalf("chat %d: unexpected error %v", tc.chatID, err)
		}
		if tc.want != domain.OutcomeSent && err == nil {
			t.Fatalf("chat %d: expected an error", tc.chatID)
		}
	}
}

func TestTelegramFloodWaitCarriesRetryAfter(t *testing.T) {
	telegram, _ := newTestTelegram(t)

	outcome, err := telegram.Send(context.Background(), "t1", 429, domain.MessageContent{Text: "hello"})
	if outcome != domain.OutcomeTransient {
		t.Fatalf("expected transient outcome, got %s", outcome)
	}
	if wait := RetryAfter(err); wait != time.Second {
		t.Fatalf("expected a one second wait, got %v (err=%v)", wait, err)
	}
	if !strings.Contains(err.Error(), "retry after 1") {
		t.Fatalf("expected the Bot API description to survive, got %v", err)
	}

	_, err = telegram.Send(context.Background(), "t1", 500, domain.MessageContent{Text: "hello"})
	if wait := RetryAfter(err); wait != 0 {
		t.Fatalf("expected no wait for a server error, got %v", wait)
	}
}

func TestTelegramSendsPhotoWithCaption(t *testing.T) {
	telegram, api := newTestTelegram(t)

	outcome, err := telegram.Send(context.Background(), "t1", 7, domain.MessageContent{
		Photo:   "AgACAgIAAxkBAAI",
		Caption: "weekly digest",
	})
	if err != nil || outcome != domain.OutcomeSent {
		t.Fatalf("expected sent, got %s err=%v", outcome, err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.methods) != 1 || api.methods[0] != "sendPhoto" {
		t.Fatalf("expected sendPhoto call, got %v", api.methods)
	}
	if api.requests[0]["caption"] != "weekly digest" {
		t.Fatalf("expected caption to be forwarded, got %v", api.requests[0])
	}
}

func TestTelegramUnknownTenant(t *testing.T) {
	telegram, _ := newTestTelegram(t)
	outcome, err := telegram.Send(context.Background(), "other", 1, domain.MessageContent{Text: "x"})
	if outcome != domain.OutcomeFailed || !errors.Is(err, ErrUnknownTenant) {
		t.Fatalf("expected failed with ErrUnknownTenant, got %s err=%v", outcome, err)
	}

	if err := telegram.SetToken("t1", ""); err != nil {
		t.Fatalf("remove token: %v", err)
	}
	if _, err := telegram.Send(context.Background(), "t1", 1, domain.MessageContent{Text: "x"}); !errors.Is(err, ErrUnknownTenant) {
		t.Fatalf("expected removed tenant to be unknown, got %v", err)
	}
}

func TestClassifyFallbacks(t *testing.T) {
	cases := []struct {
		err  error
		want domain.Outcome
	}{
		{errors.New("telegram: Forbidden: user is deactivated (403)"), domain.OutcomeBlocked},
		{errors.New("telegram: Bad Request: chat not found (400)"), domain.OutcomeBlocked},
		{errors.New("telegram: Bad Request: message is too long (400)"), domain.OutcomeFailed},
		{errors.New("connection reset by peer"), domain.OutcomeTransient},
		{context.DeadlineExceeded, domain.OutcomeTransient},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}
