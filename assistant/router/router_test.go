package router

import "testing"

func newTestRouter() *Router {
	return New(Config{
		QuickChatMaxRunes: 50,
		ActionWords:       []string{"remind", "send", "schedule", "Remember"},
	})
}

func TestClassify(t *testing.T) {
	t.Parallel()

	r := newTestRouter()

	cases := []struct {
		name string
		text string
		want Route
	}{
		{"short chat", "how are you?", RouteQuickChat},
		{"empty defaults to task", "", RouteTask},
		{"whitespace defaults to task", "   \n\t", RouteTask},
		{"action word routes to task", "remind me to call Sam tomorrow", RouteTask},
		{"action word is case insensitive", "REMIND me please", RouteTask},
		{"action word matched on token boundary", "what is a reminder?", RouteQuickChat},
		{"configured word with mixed case", "remember my birthday", RouteTask},
		{"long text routes to task", "tell me everything you know about the roman empire and then some more", RouteTask},
		{"short question with punctuation", "what's 2+2?", RouteQuickChat},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := r.Classify(tc.text); got != tc.want {
				t.Fatalf("Classify(%q) = %q, want %q", tc.text, got, tc.want)
			}
		})
	}
}

func TestClassifyIsIdempotent(t *testing.T) {
	t.Parallel()

	r := newTestRouter()
	const text = "remind me to water the plants"

	first := r.Classify(text)
	for i := 0; i < 10; i++ {
		if got := r.Classify(text); got != first {
			t.Fatalf("Classify() changed from %q to %q on run %d", first, got, i)
		}
	}
}

func TestClassifyZeroConfigDefaults(t *testing.T) {
	t.Parallel()

	r := New(Config{})
	if got := r.Classify("hi"); got != RouteQuickChat {
		t.Fatalf("Classify(short text with no action words) = %q, want quick_chat", got)
	}
}
