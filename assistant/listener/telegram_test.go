package listener

import (
	"context"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func TestNextBackoff(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		current time.Duration
		handled bool
		want    time.Duration
	}{
		{"doubles while dead", time.Second, false, 2 * time.Second},
		{"keeps doubling", 8 * time.Second, false, 16 * time.Second},
		{"caps at ceiling", 16 * time.Second, false, 30 * time.Second},
		{"stays at ceiling", 30 * time.Second, false, 30 * time.Second},
		{"healthy session resets", 30 * time.Second, true, time.Second},
		{"reset from mid-progression", 4 * time.Second, true, time.Second},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := nextBackoff(tc.current, tc.handled); got != tc.want {
				t.Fatalf("nextBackoff(%v, %v) = %v, want %v", tc.current, tc.handled, got, tc.want)
			}
		})
	}
}

func TestPollReportsChannelClose(t *testing.T) {
	t.Parallel()

	tg := &Telegram{}
	updates := make(chan tgbotapi.Update, 2)
	updates <- tgbotapi.Update{}
	updates <- tgbotapi.Update{Message: &tgbotapi.Message{}}
	close(updates)

	handled, closed := tg.poll(context.Background(), updates)
	if !closed {
		t.Fatal("poll() did not report the closed channel")
	}
	if handled != 0 {
		t.Fatalf("handled = %d, want 0 for empty updates", handled)
	}
}

func TestPollStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	tg := &Telegram{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	handled, closed := tg.poll(ctx, make(chan tgbotapi.Update))
	if closed {
		t.Fatal("poll() reported channel close on context cancel")
	}
	if handled != 0 {
		t.Fatalf("handled = %d, want 0", handled)
	}
}
