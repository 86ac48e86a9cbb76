// Package store defines the document-store interfaces spec §6 treats as an
// external collaborator (peer records and onboarding keys), plus a default
// bbolt-backed implementation so the module is runnable standalone. The
// bucket-per-collection, JSON-marshaled-record pattern is grounded on the
// teacher's storage/db.go, which kept egress/ingress buckets the same way
// with go.etcd.io/bbolt's predecessor (github.com/coreos/bbolt).
package store

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	_ PeerStore           = (*BoltPeerStore)(nil)
	_ OnboardingKeyStore  = (*BoltOnboardingKeyStore)(nil)
)

// PeerRecord is the persisted shape of spec §3's PeerIdentity plus the
// admin-managed config and info sub-documents spec §6 assigns to the
// "servers" collection.
type PeerRecord struct {
	ID     string           `json:"id"`
	Name   string           `json:"name"`
	Config PeerRecordConfig `json:"config"`
	Info   PeerRecordInfo   `json:"info"`
	Tags   []string         `json:"tags,omitempty"`
}

// PeerRecordConfig is the admin-editable half of a peer record.
type PeerRecordConfig struct {
	Address           string `json:"address"`
	Enabled           bool   `json:"enabled"`
	ExpectedPublicKey string `json:"expected_public_key,omitempty"`
}

// PeerRecordInfo is the runtime-observed half of a peer record: the public
// key a peer actually authenticated with, and (spec §4.4, §8 S5) the key a
// rejected login attempt offered.
type PeerRecordInfo struct {
	PublicKey           string `json:"public_key,omitempty"`
	AttemptedPublicKey  string `json:"attempted_public_key,omitempty"`
}

// OnboardingKeyRecord is spec §3's OnboardingKey.
type OnboardingKeyRecord struct {
	PublicKey     string   `json:"public_key"`
	Enabled       bool     `json:"enabled"`
	Name          string   `json:"name"`
	Onboarded     []string `json:"onboarded"`
	CreatedAt     int64    `json:"created_at"`
	Expires       int64    `json:"expires"`
	Tags          []string `json:"tags"`
	CopyServer    string   `json:"copy_server,omitempty"`
	CreateBuilder bool     `json:"create_builder"`
}

// Valid reports whether an onboarding attempt at unixNow should succeed
// (spec §8 invariant 8): enabled and (never-expires or not yet expired).
func (k *OnboardingKeyRecord) Valid(unixNow int64) bool {
	return k.Enabled && (k.Expires == 0 || k.Expires > unixNow)
}

// PeerStore persists peer records, indexed by id and name per spec §6.
type PeerStore interface {
	Save(ctx context.Context, rec *PeerRecord) error
	GetByID(ctx context.Context, id string) (*PeerRecord, error)
	GetByName(ctx context.Context, name string) (*PeerRecord, error)
	List(ctx context.Context) ([]*PeerRecord, error)
	// RecordAttemptedKey writes info.attempted_public_key for a rejected
	// inbound login (spec §4.4, §8 S5). Best-effort: callers must not block
	// the login-failure path on this succeeding.
	RecordAttemptedKey(ctx context.Context, id string, attemptedPublicKey string) error
}

// OnboardingKeyStore persists onboarding keys, indexed uniquely on
// public_key per spec §6.
type OnboardingKeyStore interface {
	Save(ctx context.Context, rec *OnboardingKeyRecord) error
	GetByPublicKey(ctx context.Context, publicKey string) (*OnboardingKeyRecord, error)
	// List returns keys sorted expires==0 first, then by descending expires,
	// the listing order spec §6 specifies.
	List(ctx context.Context) ([]*OnboardingKeyRecord, error)
	// AppendOnboarded records a successful onboarding (spec §4.8 step 6,
	// §8 invariant 7). Best-effort eventual consistency is acceptable.
	AppendOnboarded(ctx context.Context, publicKey, peerID string) error
}

var (
	peersBucket     = []byte("servers")
	onboardBucket   = []byte("onboarding_keys")
)

// BoltStore opens one bbolt file backing both collections. Its two
// accessors return distinct types (BoltPeerStore, BoltOnboardingKeyStore)
// rather than implementing both interfaces on one receiver, since Save/List
// would otherwise collide on method name between the two record types --
// the same reason the teacher kept separate egress/ingress bucket helpers
// in storage/db.go rather than one do-everything type.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if necessary) a bbolt-backed store at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "store: failed to open bbolt database")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(peersBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(onboardBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "store: failed to create buckets")
	}
	return &BoltStore{db: db}, nil
}

// Close releases the underlying bbolt file handle.
func (s *BoltStore) Close() error { return s.db.Close() }

// Peers returns the PeerStore view of this database.
func (s *BoltStore) Peers() *BoltPeerStore { return &BoltPeerStore{db: s.db} }

// OnboardingKeys returns the OnboardingKeyStore view of this database.
func (s *BoltStore) OnboardingKeys() *BoltOnboardingKeyStore { return &BoltOnboardingKeyStore{db: s.db} }

// BoltPeerStore implements PeerStore.
type BoltPeerStore struct {
	db *bolt.DB
}

func (s *BoltPeerStore) Save(_ context.Context, rec *PeerRecord) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "store: failed to marshal peer record")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(peersBucket).Put([]byte(rec.ID), buf)
	})
}

func (s *BoltPeerStore) GetByID(_ context.Context, id string) (*PeerRecord, error) {
	var rec *PeerRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		buf := tx.Bucket(peersBucket).Get([]byte(id))
		if buf == nil {
			return nil
		}
		rec = &PeerRecord{}
		return json.Unmarshal(buf, rec)
	})
	if err != nil {
		return nil, errors.Wrap(err, "store: failed to read peer record")
	}
	if rec == nil {
		return nil, errors.Errorf("store: no peer record with id %q", id)
	}
	return rec, nil
}

func (s *BoltPeerStore) GetByName(ctx context.Context, name string) (*PeerRecord, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range all {
		if rec.Name == name {
			return rec, nil
		}
	}
	return nil, errors.Errorf("store: no peer record with name %q", name)
}

func (s *BoltPeerStore) List(_ context.Context) ([]*PeerRecord, error) {
	var out []*PeerRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(peersBucket).ForEach(func(_, buf []byte) error {
			rec := &PeerRecord{}
			if err := json.Unmarshal(buf, rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "store: failed to list peer records")
	}
	return out, nil
}

func (s *BoltPeerStore) RecordAttemptedKey(ctx context.Context, id, attemptedPublicKey string) error {
	rec, err := s.GetByID(ctx, id)
	if err != nil {
		// Unknown peer id offering a bad key isn't an error worth surfacing
		// to the login-failure path; there's nothing to record it on.
		return nil
	}
	rec.Info.AttemptedPublicKey = attemptedPublicKey
	return s.Save(ctx, rec)
}

// BoltOnboardingKeyStore implements OnboardingKeyStore.
type BoltOnboardingKeyStore struct {
	db *bolt.DB
}

func (s *BoltOnboardingKeyStore) Save(_ context.Context, rec *OnboardingKeyRecord) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "store: failed to marshal onboarding key")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(onboardBucket).Put([]byte(rec.PublicKey), buf)
	})
}

func (s *BoltOnboardingKeyStore) GetByPublicKey(_ context.Context, publicKey string) (*OnboardingKeyRecord, error) {
	var rec *OnboardingKeyRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		buf := tx.Bucket(onboardBucket).Get([]byte(publicKey))
		if buf == nil {
			return nil
		}
		rec = &OnboardingKeyRecord{}
		return json.Unmarshal(buf, rec)
	})
	if err != nil {
		return nil, errors.Wrap(err, "store: failed to read onboarding key")
	}
	if rec == nil {
		return nil, errors.Errorf("store: no onboarding key with public key %q", publicKey)
	}
	return rec, nil
}

func (s *BoltOnboardingKeyStore) List(_ context.Context) ([]*OnboardingKeyRecord, error) {
	var out []*OnboardingKeyRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(onboardBucket).ForEach(func(_, buf []byte) error {
			rec := &OnboardingKeyRecord{}
			if err := json.Unmarshal(buf, rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "store: failed to list onboarding keys")
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.Expires == 0) != (b.Expires == 0) {
			return a.Expires == 0
		}
		return a.Expires > b.Expires
	})
	return out, nil
}

func (s *BoltOnboardingKeyStore) AppendOnboarded(ctx context.Context, publicKey, peerID string) error {
	rec, err := s.GetByPublicKey(ctx, publicKey)
	if err != nil {
		return err
	}
	rec.Onboarded = append(rec.Onboarded, peerID)
	return s.Save(ctx, rec)
}
