package spam_test

import (
	"testing"

	"github.com/skadic/guildcore/internal/cache"
	"github.com/skadic/guildcore/internal/spam"
	"github.com/skadic/guildcore/internal/storetest"
)

func TestNormalize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{"Hello, World!", "hello world"},
		{"  MANY   spaces\t\nhere ", "many spaces here"},
		{"1234!!!", ""},
		{"mixed123case456", "mixed case"},
	}
	for _, tt := range tests {
		if got := spam.Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestScoreExemptions(t *testing.T) {
	t.Parallel()
	c := spam.NewClassifier(spam.ClassifierOptions{})

	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"short", "ok then"},
		{"link only", "http://x.com"},
		{"two links", "https://a.example/p http://b.example/q"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Score(tt.in); got != 0 {
				t.Errorf("Score(%q) = %v, want 0", tt.in, got)
			}
		})
	}
}

func TestScoreSeparatesNaturalFromFlood(t *testing.T) {
	t.Parallel()
	c := spam.NewClassifier(spam.ClassifierOptions{})

	natural := "the weather has been really nice this week and we should go for a walk by the river"
	flood := "xqzjkw vvqpz zzxjq wkvvx qqjzx pzzwk xvjqz kwwpx zjqvv xkzpq"

	ns := c.Score(natural)
	fs := c.Score(flood)
	if ns >= fs {
		t.Errorf("Score(natural)=%v >= Score(flood)=%v, want natural lower", ns, fs)
	}
	for name, s := range map[string]float64{"natural": ns, "flood": fs} {
		if s < 0 || s > 1 {
			t.Errorf("%s score %v outside [0,1]", name, s)
		}
	}
}

func TestScoreDeterministic(t *testing.T) {
	t.Parallel()
	c := spam.NewClassifier(spam.ClassifierOptions{})

	msg := "asdkjh qweqwe zxczxc asdkjh qweqwe"
	first := c.Score(msg)
	for i := 0; i < 5; i++ {
		if got := c.Score(msg); got != first {
			t.Fatalf("Score run %d = %v, want %v", i, got, first)
		}
	}
}

func TestScoreIgnoresEmbeddedLinks(t *testing.T) {
	t.Parallel()
	c := spam.NewClassifier(spam.ClassifierOptions{})

	plain := "check out this thing i found yesterday"
	withLink := "check out this thing https://example.com/a/b?q=1 i found yesterday"
	if c.Score(plain) != c.Score(withLink) {
		t.Errorf("Score with link = %v, want same as without = %v", c.Score(withLink), c.Score(plain))
	}
}

func TestCapsRatio(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want float64
	}{
		{"HELLO", 1},
		{"hello", 0},
		{"HEllo", 0.4},
		{"1234", 0},
	}
	for _, tt := range tests {
		if got := spam.CapsRatio(tt.in); got != tt.want {
			t.Errorf("CapsRatio(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestHasInvite(t *testing.T) {
	t.Parallel()
	if !spam.HasInvite("join us https://discord.gg/abc123") {
		t.Error("invite link not detected")
	}
	if spam.HasInvite("we were discordant about it") {
		t.Error("plain text flagged as invite")
	}
}

func newDetector(t *testing.T, opts spam.DetectorOptions) *spam.Detector {
	t.Helper()
	c := cache.New(storetest.NewMemStore(), nil, cache.Options{})
	return spam.NewDetector(c, nil, opts)
}

func TestDetectorCaps(t *testing.T) {
	t.Parallel()
	d := newDetector(t, spam.DetectorOptions{})

	if v := d.Check("g1", "u1", "STOP SHOUTING AT ME"); !v.Caps {
		t.Error("all-caps message not flagged")
	}
	if v := d.Check("g1", "u1", "a normal sentence"); v.Caps {
		t.Error("lowercase message flagged for caps")
	}
	// At or below the length floor is exempt even when fully uppercase.
	if v := d.Check("g1", "u1", "WHAT"); v.Caps {
		t.Error("short message flagged for caps")
	}
}

func TestDetectorRepeats(t *testing.T) {
	t.Parallel()
	d := newDetector(t, spam.DetectorOptions{})

	msg := "buy cheap gems now"
	if v := d.Check("g1", "u1", msg); v.Repeated {
		t.Error("first message flagged as repeat")
	}
	if v := d.Check("g1", "u1", msg); v.Repeated {
		t.Error("second message flagged as repeat")
	}
	if v := d.Check("g1", "u1", msg); !v.Repeated {
		t.Error("third identical message not flagged as repeat")
	}

	// Other users are tracked separately.
	if v := d.Check("g1", "u2", msg); v.Repeated {
		t.Error("other user's first message flagged as repeat")
	}
}

func TestDetectorLinkOnlySkipsScoring(t *testing.T) {
	t.Parallel()
	d := newDetector(t, spam.DetectorOptions{})

	v := d.Check("g1", "u1", "https://example.com/some/long/path/that/keeps/going")
	if !v.LinkOnly {
		t.Error("link-only message not marked LinkOnly")
	}
	if v.Score != 0 {
		t.Errorf("link-only Score = %v, want 0", v.Score)
	}
	if v.Caps {
		t.Error("link-only message flagged for caps")
	}
}
