package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"collection-otp-service/internal/config"
	"collection-otp-service/internal/util"

	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
)

const (
	AlgorithmArgon2ID = "argon2id-v1"

	codeContext = "collection-otp"
	devPepper   = "development-only-pepper"
)

var (
	ErrInvalidHash         = errors.New("invalid hash format")
	ErrIncompatibleVersion = errors.New("incompatible hash algorithm")
	ErrUnknownPepper       = errors.New("pepper version not found")
	ErrInvalidPepper       = errors.New("pepper must be formatted as version:secret")
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

type Pepper struct {
	Value   string
	Version int
}

// Hasher digests confirmation codes with argon2id, a per-code salt and a
// versioned server pepper. Peppers come from configuration so digests stay
// verifiable across restarts and rotations.
type Hasher struct {
	params        Argon2Params
	currentPepper *Pepper
	peppers       map[int]*Pepper
	mu            sync.RWMutex
}

type HashResult struct {
	Hash          string `json:"hash"`
	Salt          string `json:"salt"`
	PepperVersion int    `json:"pepper_version"`
	Algorithm     string `json:"algorithm"`
}

func NewHasher(cfg *config.Config) (*Hasher, error) {
	params := Argon2Params{
		Memory:      uint32(cfg.Hashing.Argon2MemoryCost),
		Iterations:  uint32(cfg.Hashing.Argon2TimeCost),
		Parallelism: uint8(cfg.Hashing.Argon2Parallelism),
		SaltLength:  16,
		KeyLength:   32,
	}
	return NewHasherWithParams(params, cfg.Hashing.Peppers)
}

// NewHasherWithParams parses "version:secret" peppers. With none given a
// fixed development pepper is used and a warning logged.
func NewHasherWithParams(params Argon2Params, peppers []string) (*Hasher, error) {
	if params.Memory == 0 {
		params.Memory = 19 * 1024
	}
	if params.Iterations == 0 {
		params.Iterations = 2
	}
	if params.Parallelism == 0 {
		params.Parallelism = 1
	}
	if params.SaltLength == 0 {
		params.SaltLength = 16
	}
	if params.KeyLength == 0 {
		params.KeyLength = 32
	}

	h := &Hasher{
		params:  params,
		peppers: make(map[int]*Pepper),
	}

	if len(peppers) == 0 {
		util.Warn("OTP_PEPPERS not set, using development pepper")
		peppers = []string{"1:" + devPepper}
	}

	for _, raw := range peppers {
		p, err := parsePepper(raw)
		if err != nil {
			return nil, err
		}
		h.peppers[p.Version] = p
		if h.currentPepper == nil || p.Version > h.currentPepper.Version {
			h.currentPepper = p
		}
	}

	util.Info("Hasher initialised",
		zap.Int("pepper_version", h.currentPepper.Version),
		zap.Int("known_peppers", len(h.peppers)),
	)
	return h, nil
}

func parsePepper(raw string) (*Pepper, error) {
	version, secret, ok := strings.Cut(raw, ":")
	if !ok || secret == "" {
		return nil, ErrInvalidPepper
	}
	v, err := strconv.Atoi(strings.TrimSpace(version))
	if err != nil || v <= 0 {
		return nil, ErrInvalidPepper
	}
	return &Pepper{Value: secret, Version: v}, nil
}

func (h *Hasher) CurrentPepperVersion() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.currentPepper.Version
}

// HashCode produces a fresh salted digest of code under the current pepper.
func (h *Hasher) HashCode(code string) (*HashResult, error) {
	h.mu.RLock()
	pepper := h.currentPepper
	h.mu.RUnlock()

	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	digest := h.derive(code, pepper.Value, salt, h.params.KeyLength)

	return &HashResult{
		Hash:          base64.RawURLEncoding.EncodeToString(digest),
		Salt:          base64.RawURLEncoding.EncodeToString(salt),
		PepperVersion: pepper.Version,
		Algorithm:     AlgorithmArgon2ID,
	}, nil
}

// VerifyCode recomputes the digest and compares in constant time.
func (h *Hasher) VerifyCode(code string, hashResult *HashResult) (bool, error) {
	if hashResult == nil {
		return false, ErrInvalidHash
	}
	if hashResult.Algorithm != "" && hashResult.Algorithm != AlgorithmArgon2ID {
		return false, ErrIncompatibleVersion
	}

	pepper, err := h.getPepper(hashResult.PepperVersion)
	if err != nil {
		return false, err
	}

	salt, err := base64.RawURLEncoding.DecodeString(hashResult.Salt)
	if err != nil || len(salt) == 0 {
		return false, ErrInvalidHash
	}
	expected, err := base64.RawURLEncoding.DecodeString(hashResult.Hash)
	if err != nil || len(expected) == 0 {
		return false, ErrInvalidHash
	}

	computed := h.derive(code, pepper, salt, uint32(len(expected)))
	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

func (h *Hasher) derive(code, pepper string, salt []byte, keyLen uint32) []byte {
	return argon2.IDKey(
		[]byte(code+pepper+codeContext),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		keyLen,
	)
}

func (h *Hasher) getPepper(version int) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if p, ok := h.peppers[version]; ok {
		return p.Value, nil
	}
	return "", fmt.Errorf("%w: %d", ErrUnknownPepper, version)
}
