package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/text/unicode/norm"

	"gistlock/pkg/domain"
	"gistlock/svc/util"
)

const (
	maxPinLength = 1024
	saltLength   = 16
)

// Hasher derives and checks edit-PIN hashes. Hashing is deterministic for
// a given pin and salt so a stored record is self-sufficient for
// validation; no server-side secret takes part.
type Hasher struct {
	iterations  uint32
	memory      uint32
	parallelism uint8
	keyLength   uint32
}

func NewHasher(iterations, memory uint32, parallelism uint8) (*Hasher, error) {
	if iterations == 0 || iterations > 100 {
		return nil, errors.New("iterations must be between 1 and 100")
	}
	if memory < 1*1024 || memory > 2*1024*1024 {
		return nil, errors.New("memory must be between 1024 and 2097152 KiB")
	}
	if parallelism == 0 || parallelism > 128 {
		return nil, errors.New("parallelism must be between 1 and 128")
	}
	return &Hasher{
		iterations:  iterations,
		memory:      memory,
		parallelism: parallelism,
		keyLength:   32,
	}, nil
}

// NewSalt returns fresh random salt for a new PIN.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.Wrap(err, "reading salt")
	}
	return salt, nil
}

// HashPin derives the stored hash for pin under salt. The encoded form
// carries the argon2id parameters but not the salt; the salt is stored
// on the record itself.
func (h *Hasher) HashPin(pin string, salt []byte) (string, error) {
	if pin == "" {
		return "", errors.New("empty pin")
	}
	if len(pin) > maxPinLength {
		return "", errors.New("pin too long")
	}
	if len(salt) < 8 {
		return "", errors.New("salt too short")
	}
	normalized := []byte(norm.NFC.String(pin))
	defer util.Wipe(normalized)
	hash := argon2.IDKey(normalized, salt, h.iterations, h.memory, h.parallelism, h.keyLength)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s",
		argon2.Version, h.memory, h.iterations, h.parallelism, b64Hash), nil
}

// NewPinCredentials generates a salt and hashes pin under it, returning
// the record-ready hash and base64 salt pair.
func (h *Hasher) NewPinCredentials(pin string) (hash, salt string, err error) {
	raw, err := NewSalt()
	if err != nil {
		return "", "", err
	}
	hash, err = h.HashPin(pin, raw)
	if err != nil {
		return "", "", err
	}
	return hash, base64.RawStdEncoding.EncodeToString(raw), nil
}

// ValidatePin reports whether pin matches the record's stored hash.
// It fails closed: a record without PIN material, or with malformed
// material, never validates. The final comparison is constant-time.
func (h *Hasher) ValidatePin(pin string, g *domain.Gist) bool {
	valid := true
	var encoded, b64Salt string
	if g == nil || g.EditPinHash == "" || g.EditPinSalt == "" {
		valid = false
	} else {
		encoded = g.EditPinHash
		b64Salt = g.EditPinSalt
	}
	if pin == "" || len(pin) > maxPinLength {
		valid = false
	}

	mem, time := h.memory, h.iterations
	threads := h.parallelism
	var salt, hash []byte
	parts := strings.Split(encoded, "$")
	if len(parts) != 5 || parts[0] != "" || parts[1] != "argon2id" {
		valid = false
		salt = make([]byte, saltLength)
		hash = make([]byte, 32)
	} else {
		if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &time, &threads); err != nil {
			valid = false
			mem, time, threads = h.memory, h.iterations, h.parallelism
			salt = make([]byte, saltLength)
			hash = make([]byte, 32)
		} else if mem > 2*1024*1024 || time > 1000 || threads > 128 {
			valid = false
			mem, time, threads = h.memory, h.iterations, h.parallelism
			salt = make([]byte, saltLength)
			hash = make([]byte, 32)
		} else {
			var err error
			salt, err = base64.RawStdEncoding.DecodeString(b64Salt)
			if err != nil || len(salt) == 0 {
				valid = false
				salt = make([]byte, saltLength)
			}
			hash, err = base64.RawStdEncoding.DecodeString(parts[4])
			if err != nil || len(hash) == 0 || len(hash) > 256 {
				valid = false
				hash = make([]byte, 32)
			}
		}
	}
	defer util.Wipe(hash)
	defer util.Wipe(salt)

	normalized := []byte(norm.NFC.String(pin))
	defer util.Wipe(normalized)
	otherHash := argon2.IDKey(normalized, salt, time, mem, threads, uint32(len(hash)))
	defer util.Wipe(otherHash)
	match := subtle.ConstantTimeCompare(hash, otherHash) == 1
	return valid && match
}
