package spam

import (
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/skadic/guildcore/internal/cache"
	"github.com/skadic/guildcore/internal/database"
)

// Namespace for per-user recent-message buckets. Volatile only.
const Namespace = "spamtrack"

// Default moderation thresholds.
const (
	defaultCapsRatio   = 0.45
	defaultCapsMinLen  = 5
	defaultBucketSize  = 3
	defaultRepeatCount = 2
	defaultBucketTTL   = 30 * time.Second
)

// Verdict is the combined outcome of the moderation checks for one
// message. Callers decide policy; the detector only reports signals.
type Verdict struct {
	// Score is the Markov spam likelihood in [0,1].
	Score float64

	// Caps is set when the message is mostly uppercase.
	Caps bool

	// Repeated is set when the message matches earlier messages in the
	// user's recent bucket.
	Repeated bool

	// Invite is set when the message carries an invite link.
	Invite bool

	// LinkOnly is set when the message contains nothing but links; such
	// messages are exempt from scoring.
	LinkOnly bool
}

// DetectorOptions configures a Detector.
type DetectorOptions struct {
	Classifier *Classifier

	// CapsRatio flags messages whose uppercase fraction exceeds this.
	// Defaults to 0.45.
	CapsRatio float64

	// CapsMinLen exempts messages at or below this length from the caps
	// check. Defaults to 5.
	CapsMinLen int

	// BucketSize is how many recent messages are remembered per user.
	// Defaults to 3.
	BucketSize int

	// RepeatCount flags when this many bucket entries match the new
	// message. Defaults to 2.
	RepeatCount int

	// BucketTTL reclaims idle buckets. Defaults to 30s.
	BucketTTL time.Duration
}

// Detector layers the stateful flood checks (repeats, caps, invites)
// over the stateless classifier. Bucket state lives in volatile cache
// records keyed per guild and user.
type Detector struct {
	logger *slog.Logger
	cache  *cache.Cache
	opts   DetectorOptions
}

// NewDetector creates a Detector.
func NewDetector(c *cache.Cache, logger *slog.Logger, opts DetectorOptions) *Detector {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Classifier == nil {
		opts.Classifier = NewClassifier(ClassifierOptions{})
	}
	if opts.CapsRatio <= 0 {
		opts.CapsRatio = defaultCapsRatio
	}
	if opts.CapsMinLen <= 0 {
		opts.CapsMinLen = defaultCapsMinLen
	}
	if opts.BucketSize <= 0 {
		opts.BucketSize = defaultBucketSize
	}
	if opts.RepeatCount <= 0 {
		opts.RepeatCount = defaultRepeatCount
	}
	if opts.BucketTTL <= 0 {
		opts.BucketTTL = defaultBucketTTL
	}
	return &Detector{
		logger: logger.With("component", "spam"),
		cache:  c,
		opts:   opts,
	}
}

// Check runs every moderation signal for one inbound message and records
// it in the user's recent bucket.
func (d *Detector) Check(guildID, userID, text string) Verdict {
	v := Verdict{
		Invite:   HasInvite(text),
		LinkOnly: isLinkOnly(text),
	}
	if !v.LinkOnly {
		v.Score = d.opts.Classifier.Score(text)
		if len(text) > d.opts.CapsMinLen && CapsRatio(text) > d.opts.CapsRatio {
			v.Caps = true
		}
	}
	v.Repeated = d.trackRepeat(guildID, userID, text)
	return v
}

// trackRepeat appends text to the user's bucket and reports whether it
// already appeared RepeatCount times among the last BucketSize messages.
func (d *Detector) trackRepeat(guildID, userID, text string) bool {
	key := database.Key{GuildID: guildID, Namespace: Namespace, Key: userID}

	var repeated bool
	d.cache.UpdateVolatile(key, d.opts.BucketTTL, func(old []byte, found bool) []byte {
		var bucket []string
		if found {
			if err := json.Unmarshal(old, &bucket); err != nil {
				d.logger.Warn("Corrupt repeat bucket, resetting", "key", key.String(), "error", err)
				bucket = nil
			}
		}

		var matches int
		for _, prev := range bucket {
			if prev == text {
				matches++
			}
		}
		repeated = matches >= d.opts.RepeatCount

		bucket = append(bucket, text)
		if len(bucket) > d.opts.BucketSize {
			bucket = bucket[len(bucket)-d.opts.BucketSize:]
		}

		out, err := json.Marshal(bucket)
		if err != nil {
			d.logger.Warn("Failed to encode repeat bucket", "key", key.String(), "error", err)
			return old
		}
		return out
	})
	return repeated
}
