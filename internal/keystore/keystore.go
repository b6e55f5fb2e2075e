package keystore

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Key is one selected key: its ID plus the stored record.
type Key struct {
	Kid    string
	Record Record
}

// Alg returns the key's JWA algorithm name.
func (k *Key) Alg() string { return k.Record["alg"] }

// RotationResult describes what a rotation pass did.
type RotationResult struct {
	Evicted []Descriptor
	Added   []Descriptor
}

// Keystore owns the secret and public persistence backends. The public
// backend may be nil for symmetric algorithms, in which case verification
// keys are read from the secret side. Mutation is single-writer: Rotate
// holds an internal mutex, and schedulers must not run two rotations
// concurrently across processes.
type Keystore struct {
	mu     sync.Mutex
	secret Backend
	public Backend

	secretDays int
	publicDays int
	logger     *slog.Logger
}

// New creates a keystore over the two backends. secretDays and publicDays
// set each side's expiry horizon relative to the rotation date.
func New(secret, public Backend, secretDays, publicDays int, logger *slog.Logger) *Keystore {
	if logger == nil {
		logger = slog.Default()
	}
	return &Keystore{
		secret:     secret,
		public:     public,
		secretDays: secretDays,
		publicDays: publicDays,
		logger:     logger.With(slog.String("component", "keystore")),
	}
}

// Secret exposes the secret-side backend.
func (k *Keystore) Secret() Backend { return k.secret }

// Public exposes the verification-side backend: the public backend when
// present, otherwise the secret one.
func (k *Keystore) Public() Backend {
	if k.public != nil {
		return k.public
	}
	return k.secret
}

// Rotate evicts keys expiring before dateLimit from both sides, then tops
// the set up to numKeys freshly generated pairs. Each new pair shares one
// key ID across both backends; the per-side expiry is dateLimit plus that
// side's horizon. Both backends are flushed before returning.
func (k *Keystore) Rotate(gen KeyGenerator, bits, numKeys int, dateLimit time.Time) (*RotationResult, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	dateLimit = dateLimit.UTC().Truncate(24 * time.Hour)
	res := &RotationResult{}

	evictedSecret, err := k.secret.EvictExpired(dateLimit)
	if err != nil {
		return nil, fmt.Errorf("evict secret keys: %w", err)
	}
	res.Evicted = append(res.Evicted, evictedSecret...)
	if k.public != nil {
		evictedPublic, err := k.public.EvictExpired(dateLimit)
		if err != nil {
			return nil, fmt.Errorf("evict public keys: %w", err)
		}
		res.Evicted = append(res.Evicted, evictedPublic...)
	}

	secretValid, err := countValid(k.secret, dateLimit)
	if err != nil {
		return nil, fmt.Errorf("count secret keys: %w", err)
	}
	cur := secretValid
	if k.public != nil {
		publicValid, err := countValid(k.public, dateLimit)
		if err != nil {
			return nil, fmt.Errorf("count public keys: %w", err)
		}
		cur = min(cur, publicValid)
	}

	if numKeys <= cur {
		k.logger.Info("no new key generated",
			slog.Int("valid", cur),
			slog.Int("requested", numKeys),
		)
		if err := k.flushBoth(); err != nil {
			return nil, err
		}
		return res, nil
	}

	secretExp := dateLimit.AddDate(0, 0, k.secretDays).Format(DateLayout)
	publicExp := dateLimit.AddDate(0, 0, k.publicDays).Format(DateLayout)

	for i := 0; i < numKeys-cur; i++ {
		sec, pub, err := gen.Generate(bits)
		if err != nil {
			return nil, err
		}
		sec["exp"] = secretExp
		pub["exp"] = publicExp

		kid, err := k.freshKid()
		if err != nil {
			return nil, err
		}
		if err := k.secret.Set(kid, sec); err != nil {
			return nil, fmt.Errorf("store secret key %s: %w", kid, err)
		}
		if k.public != nil {
			if err := k.public.Set(kid, pub); err != nil {
				return nil, fmt.Errorf("store public key %s: %w", kid, err)
			}
		}
		res.Added = append(res.Added, Descriptor{Kid: kid, Alg: gen.Alg(), Exp: secretExp})
	}

	if err := k.flushBoth(); err != nil {
		return nil, err
	}

	k.logger.Info("keys rotated",
		slog.Int("evicted", len(res.Evicted)),
		slog.Int("added", len(res.Added)),
		slog.String("date_limit", dateLimit.Format(DateLayout)),
	)
	return res, nil
}

// ChooseSecret fetches a signing key, either by ID or at random. At least
// one of kid / random must be given.
func (k *Keystore) ChooseSecret(kid string, random bool) (*Key, error) {
	if kid == "" && !random {
		return nil, fmt.Errorf("choose secret key: kid or random selection required")
	}
	if kid != "" {
		rec, err := k.secret.Get(kid)
		if err != nil {
			return nil, err
		}
		return &Key{Kid: kid, Record: rec}, nil
	}
	pickedKid, rec, err := k.secret.RandomPick()
	if err != nil {
		return nil, err
	}
	return &Key{Kid: pickedKid, Record: rec}, nil
}

// ChoosePublic fetches the verification key for kid.
func (k *Keystore) ChoosePublic(kid string) (*Key, error) {
	if kid == "" {
		return nil, fmt.Errorf("choose public key: kid required")
	}
	rec, err := k.Public().Get(kid)
	if err != nil {
		return nil, err
	}
	return &Key{Kid: kid, Record: rec}, nil
}

func (k *Keystore) flushBoth() error {
	if err := k.secret.Flush(); err != nil {
		return fmt.Errorf("flush secret backend: %w", err)
	}
	if k.public != nil {
		if err := k.public.Flush(); err != nil {
			return fmt.Errorf("flush public backend: %w", err)
		}
	}
	return nil
}

// freshKid draws a random 128-bit key ID, retrying on the (unlikely)
// collision with an existing key on either side.
func (k *Keystore) freshKid() (string, error) {
	for attempt := 0; attempt < 10; attempt++ {
		kid := uuid.NewString()
		if _, err := k.secret.Get(kid); err == nil {
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return "", err
		}
		if k.public != nil {
			if _, err := k.public.Get(kid); err == nil {
				continue
			} else if !errors.Is(err, ErrNotFound) {
				return "", err
			}
		}
		return kid, nil
	}
	return "", fmt.Errorf("could not find an unused key id")
}

func countValid(b Backend, limit time.Time) (int, error) {
	n := 0
	err := b.Items([]string{"exp"}, func(_ string, rec Record) error {
		exp, err := rec.Expiry()
		if err != nil {
			return fmt.Errorf("%w: unparseable expiry", ErrCorrupt)
		}
		if !exp.Before(limit) {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}
