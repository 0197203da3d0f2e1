package keydirectory

import (
	"context"
	"time"

	"go.uber.org/zap"

	"cipherchat/internal/crypto"
	"cipherchat/internal/domain"
	"cipherchat/internal/keystore"
	"cipherchat/pkg/cache"
	apperrors "cipherchat/pkg/errors"
	"cipherchat/pkg/logger"
	"cipherchat/pkg/metrics"
)

// DefaultPreKeyCount is the number of one-time prekeys published per identity
const DefaultPreKeyCount = 10

// Public keys change only on explicit rotation, so a short cache keeps
// per-message directory lookups local.
const publicKeyCacheTTL = time.Minute

// Service publishes and resolves public keys so any two parties can
// initiate E2EE without prior contact. It is the only writer of the local
// identity's directory entry.
type Service struct {
	engine      *crypto.Engine
	keys        keystore.Store
	directory   Store
	keyCache    *cache.MemoryCache
	deviceID    string
	preKeyCount int
}

// Option configures a Service
type Option func(*Service)

// WithDeviceID sets the device ID stamped into published entries
func WithDeviceID(id string) Option {
	return func(s *Service) { s.deviceID = id }
}

// WithPreKeyCount overrides the number of prekeys generated at bootstrap
func WithPreKeyCount(n int) Option {
	return func(s *Service) { s.preKeyCount = n }
}

// NewService creates a key directory service
func NewService(engine *crypto.Engine, keys keystore.Store, directory Store, opts ...Option) *Service {
	s := &Service{
		engine:      engine,
		keys:        keys,
		directory:   directory,
		keyCache:    cache.NewMemoryCache(publicKeyCacheTTL, 1024),
		preKeyCount: DefaultPreKeyCount,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InitializeIdentity is the idempotent identity bootstrap. With no local
// keys it generates a pair, activates it, persists it, and publishes the
// public half plus prekeys; with existing keys it loads and activates them.
// Callers must await it before any send/decrypt call.
func (s *Service) InitializeIdentity(ctx context.Context, userID string) (domain.KeyPair, error) {
	existing, err := s.keys.GetKeyPair(ctx, userID)
	if err != nil {
		return domain.KeyPair{}, apperrors.KeyInitFailedError("loading local keys", err)
	}

	var kp domain.KeyPair
	if existing != nil {
		kp = *existing
		if err := s.engine.SetActiveKeyPair(kp); err != nil {
			return domain.KeyPair{}, apperrors.KeyInitFailedError("activating stored keys", err)
		}
		s.engine.SetActiveIdentity(userID)
	} else {
		kp, err = s.engine.GenerateKeyPair()
		if err != nil {
			return domain.KeyPair{}, apperrors.KeyInitFailedError("generating key pair", err)
		}
		if err := s.engine.SetActiveKeyPair(kp); err != nil {
			return domain.KeyPair{}, apperrors.KeyInitFailedError("activating generated keys", err)
		}
		s.engine.SetActiveIdentity(userID)

		if err := s.keys.StoreKeyPair(ctx, userID, kp, s.deviceID); err != nil {
			return domain.KeyPair{}, apperrors.KeyInitFailedError("persisting key pair", err)
		}

		preKeys, err := s.engine.GeneratePreKeys(s.preKeyCount)
		if err != nil {
			return domain.KeyPair{}, apperrors.KeyInitFailedError("generating prekeys", err)
		}
		if err := s.keys.StorePreKeys(ctx, userID, preKeys); err != nil {
			return domain.KeyPair{}, apperrors.KeyInitFailedError("persisting prekeys", err)
		}

		if err := s.PublishPublicKey(ctx, userID, kp.PublicKey, preKeys, s.deviceID); err != nil {
			return domain.KeyPair{}, apperrors.KeyInitFailedError("publishing public key", err)
		}

		logger.Info("identity initialized",
			zap.String("user_id", userID),
			zap.Int("pre_keys", len(preKeys)),
		)
	}

	// Post-condition: the engine must report the key we just settled on
	if s.engine.ActivePublicKey() != kp.PublicKey {
		return domain.KeyPair{}, apperrors.KeyInitFailedError("engine active key mismatch after init", nil)
	}
	return kp, nil
}

// PublishPublicKey merge-writes a device entry into the user's shared
// directory entry
func (s *Service) PublishPublicKey(ctx context.Context, userID, publicKey string, preKeys []string, deviceID string) error {
	now := time.Now().UTC()
	entry := &domain.DirectoryEntry{
		UserID:    userID,
		PublicKey: publicKey,
		PreKeys:   preKeys,
		UpdatedAt: now,
	}
	if deviceID != "" {
		entry.Devices = map[string]domain.DeviceEntry{
			deviceID: {PublicKey: publicKey, LastUpdated: now},
		}
	}

	if err := s.directory.Merge(ctx, entry); err != nil {
		return apperrors.DirectoryUnavailableError(err)
	}

	s.keyCache.Set(userID, publicKey, 0)
	return nil
}

// GetPublicKey resolves a user's published public key. Returns "" when the
// user never published keys; transport failures return an error.
func (s *Service) GetPublicKey(ctx context.Context, userID string) (string, error) {
	if cached, ok := s.keyCache.Get(userID); ok {
		metrics.DirectoryLookupTotal.WithLabelValues("hit").Inc()
		return cached.(string), nil
	}

	entry, err := s.directory.Get(ctx, userID)
	if err != nil {
		metrics.DirectoryLookupTotal.WithLabelValues("error").Inc()
		return "", apperrors.DirectoryUnavailableError(err)
	}
	if entry == nil || entry.PublicKey == "" {
		metrics.DirectoryLookupTotal.WithLabelValues("miss").Inc()
		return "", nil
	}

	metrics.DirectoryLookupTotal.WithLabelValues("hit").Inc()
	s.keyCache.Set(userID, entry.PublicKey, 0)
	return entry.PublicKey, nil
}

// GetPreKeys returns a user's published prekey bundle
func (s *Service) GetPreKeys(ctx context.Context, userID string) ([]string, error) {
	entry, err := s.directory.Get(ctx, userID)
	if err != nil {
		return nil, apperrors.DirectoryUnavailableError(err)
	}
	if entry == nil {
		return nil, nil
	}
	return entry.PreKeys, nil
}

// RotateKeys generates a new pair plus prekeys and overwrites both the
// local store and the shared directory entry. Past ciphertexts sealed to
// the old key become permanently undecryptable; there is no key history.
func (s *Service) RotateKeys(ctx context.Context, userID string) (domain.KeyPair, error) {
	kp, err := s.engine.GenerateKeyPair()
	if err != nil {
		return domain.KeyPair{}, apperrors.KeyInitFailedError("generating rotated pair", err)
	}
	if err := s.engine.SetActiveKeyPair(kp); err != nil {
		return domain.KeyPair{}, apperrors.KeyInitFailedError("activating rotated pair", err)
	}
	s.engine.SetActiveIdentity(userID)

	if err := s.keys.StoreKeyPair(ctx, userID, kp, s.deviceID); err != nil {
		return domain.KeyPair{}, apperrors.KeyInitFailedError("persisting rotated pair", err)
	}

	preKeys, err := s.engine.GeneratePreKeys(s.preKeyCount)
	if err != nil {
		return domain.KeyPair{}, apperrors.KeyInitFailedError("generating rotated prekeys", err)
	}
	if err := s.keys.StorePreKeys(ctx, userID, preKeys); err != nil {
		return domain.KeyPair{}, apperrors.KeyInitFailedError("persisting rotated prekeys", err)
	}

	if err := s.PublishPublicKey(ctx, userID, kp.PublicKey, preKeys, s.deviceID); err != nil {
		return domain.KeyPair{}, err
	}

	metrics.KeyRotationTotal.Inc()
	logger.Warn("identity keys rotated; prior ciphertexts are orphaned",
		zap.String("user_id", userID),
	)
	return kp, nil
}

// AddDevice merge-writes an additional device public key into the user's
// directory entry. Multi-device bookkeeping only; decrypt logic stays
// single-device.
func (s *Service) AddDevice(ctx context.Context, userID, deviceID, publicKey string) error {
	entry, err := s.directory.Get(ctx, userID)
	if err != nil {
		return apperrors.DirectoryUnavailableError(err)
	}
	if entry == nil {
		return apperrors.Newf(apperrors.ErrCodeKeyInitFailed, "user %s has no directory entry", userID)
	}

	merge := &domain.DirectoryEntry{
		UserID:    userID,
		PublicKey: entry.PublicKey,
		PreKeys:   entry.PreKeys,
		UpdatedAt: time.Now().UTC(),
		Devices: map[string]domain.DeviceEntry{
			deviceID: {PublicKey: publicKey, LastUpdated: time.Now().UTC()},
		},
	}
	if err := s.directory.Merge(ctx, merge); err != nil {
		return apperrors.DirectoryUnavailableError(err)
	}
	return nil
}

// RemoveDevice drops a device from the user's directory entry
func (s *Service) RemoveDevice(ctx context.Context, userID, deviceID string) error {
	if err := s.directory.RemoveDevice(ctx, userID, deviceID); err != nil {
		return apperrors.DirectoryUnavailableError(err)
	}
	return nil
}

// VerifyKeyIntegrity reports whether the local key matches the published
// one. A false result means local and remote state drifted (another device
// rotated, or a partial publish).
func (s *Service) VerifyKeyIntegrity(ctx context.Context, userID string) (bool, error) {
	local, err := s.keys.GetKeyPair(ctx, userID)
	if err != nil {
		return false, err
	}
	if local == nil {
		return false, nil
	}

	entry, err := s.directory.Get(ctx, userID)
	if err != nil {
		return false, apperrors.DirectoryUnavailableError(err)
	}
	if entry == nil {
		return false, nil
	}
	return entry.PublicKey == local.PublicKey, nil
}
