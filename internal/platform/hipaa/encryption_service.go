package hipaa

import (
	"github.com/rs/zerolog"
)

// devIndexKey keys the blind index when encryption is disabled so search
// still works in development.
var devIndexKey = []byte("rcm-development-blind-index")

// EncryptionService is what repositories use for PHI columns. With no key
// configured it passes values through unchanged.
type EncryptionService struct {
	encryptor FieldEncryptor
	indexKey  []byte
	enabled   bool
}

// NewEncryptionService builds the service from PHI_ENCRYPTION_KEY and
// PHI_SALT. An empty key disables encryption; an invalid key is an error so
// the server refuses to start.
func NewEncryptionService(hexKey, salt string, logger zerolog.Logger) (*EncryptionService, error) {
	if hexKey == "" {
		logger.Warn().Msg("PHI encryption disabled: PHI_ENCRYPTION_KEY is not set")
		return &EncryptionService{indexKey: devIndexKey}, nil
	}

	keys, err := DeriveKeys(hexKey, salt)
	if err != nil {
		return nil, err
	}
	enc, err := NewPHIEncryptor(keys.Encryption)
	if err != nil {
		return nil, err
	}

	logger.Info().Msg("PHI field-level encryption enabled")
	return &EncryptionService{encryptor: enc, indexKey: keys.BlindIndex, enabled: true}, nil
}

// Disabled returns a pass-through service; tests use it.
func Disabled() *EncryptionService {
	return &EncryptionService{indexKey: devIndexKey}
}

func (s *EncryptionService) EncryptField(value string) (string, error) {
	if !s.enabled || value == "" {
		return value, nil
	}
	return s.encryptor.Encrypt(value)
}

func (s *EncryptionService) DecryptField(value string) (string, error) {
	if !s.enabled || value == "" {
		return value, nil
	}
	return s.encryptor.Decrypt(value)
}

// BlindIndex returns a deterministic keyed hash for equality search over an
// encrypted column. Empty input yields an empty index.
func (s *EncryptionService) BlindIndex(value string) string {
	return blindIndex(s.indexKey, value)
}

func (s *EncryptionService) IsEnabled() bool {
	return s.enabled
}
