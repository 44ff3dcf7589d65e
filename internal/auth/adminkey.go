package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Cost parameters for newly derived admin keys. Parsed digests carry their
// own, so raising these does not invalidate configured hashes.
const (
	adminKeyTime    = 1
	adminKeyMemory  = 64 * 1024 // KiB
	adminKeyThreads = 4
	adminKeyLen     = 32
	adminSaltLen    = 16
)

// ErrAdminKeyFormat is returned by ParseAdminKey for malformed digests.
var ErrAdminKeyFormat = errors.New("auth: malformed admin key digest")

var b64 = base64.RawStdEncoding

// AdminKey is the Argon2id digest of the admin API key that /auth/token
// exchanges for principal tokens. Only the digest is held in memory. The
// zero value is a disabled key that accepts nothing.
type AdminKey struct {
	time    uint32
	memory  uint32
	threads uint8
	salt    []byte
	digest  []byte
}

// NewAdminKey derives an AdminKey from the plaintext key with a fresh salt.
// An empty key yields the disabled zero value.
func NewAdminKey(plain string) (AdminKey, error) {
	if plain == "" {
		return AdminKey{}, nil
	}
	salt := make([]byte, adminSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return AdminKey{}, fmt.Errorf("auth: generate salt: %w", err)
	}
	k := AdminKey{time: adminKeyTime, memory: adminKeyMemory, threads: adminKeyThreads, salt: salt}
	k.digest = k.derive(plain)
	return k, nil
}

// ParseAdminKey decodes a digest in the PHC form produced by String:
//
//	$argon2id$v=19$m=65536,t=1,p=4$<salt>$<digest>
//
// An empty string yields the disabled zero value.
func ParseAdminKey(encoded string) (AdminKey, error) {
	if encoded == "" {
		return AdminKey{}, nil
	}
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return AdminKey{}, ErrAdminKeyFormat
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return AdminKey{}, fmt.Errorf("%w: unsupported version %q", ErrAdminKeyFormat, parts[2])
	}
	var k AdminKey
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &k.memory, &k.time, &k.threads); err != nil {
		return AdminKey{}, fmt.Errorf("%w: parameters: %v", ErrAdminKeyFormat, err)
	}
	if k.memory == 0 || k.time == 0 || k.threads == 0 {
		return AdminKey{}, fmt.Errorf("%w: zero cost parameter", ErrAdminKeyFormat)
	}
	var err error
	if k.salt, err = b64.DecodeString(parts[4]); err != nil {
		return AdminKey{}, fmt.Errorf("%w: salt: %v", ErrAdminKeyFormat, err)
	}
	if k.digest, err = b64.DecodeString(parts[5]); err != nil || len(k.digest) == 0 {
		return AdminKey{}, fmt.Errorf("%w: digest", ErrAdminKeyFormat)
	}
	return k, nil
}

// Enabled reports whether token issuance is possible.
func (k AdminKey) Enabled() bool { return len(k.digest) > 0 }

// String returns the PHC encoding accepted by ParseAdminKey, or "" when
// disabled.
func (k AdminKey) String() string {
	if !k.Enabled() {
		return ""
	}
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, k.memory, k.time, k.threads,
		b64.EncodeToString(k.salt), b64.EncodeToString(k.digest))
}

// Verify reports whether presented is the admin key. A disabled key still
// runs one derivation at the default cost so the response time does not
// reveal that issuance is off.
func (k AdminKey) Verify(presented string) bool {
	if !k.Enabled() {
		disabled := AdminKey{time: adminKeyTime, memory: adminKeyMemory, threads: adminKeyThreads, salt: make([]byte, adminSaltLen)}
		_ = disabled.derive(presented)
		return false
	}
	return subtle.ConstantTimeCompare(k.derive(presented), k.digest) == 1
}

func (k AdminKey) derive(plain string) []byte {
	n := uint32(len(k.digest))
	if n == 0 {
		n = adminKeyLen
	}
	return argon2.IDKey([]byte(plain), k.salt, k.time, k.memory, k.threads, n)
}
