package portwatch

import (
	"strings"

	"github.com/fernet/fernet-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Every fernet token starts with this prefix (base64 of the version byte).
// We use it to tell ciphertext apart from values stored before
// encryption existed.
const fernetPrefix = "gAAAAA"

// A SecretBox encrypts credential fields before they hit the database.
// Values that are already tokens pass through untouched, so re-saving
// a service never double-encrypts.
type SecretBox struct {
	keys []*fernet.Key
}

func NewSecretBox(encoded string) (*SecretBox, error) {
	if encoded == "" {
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, errors.Wrap(err, "failed to generate secret key")
		}

		log.Warn().Msg("no secret key configured, using an ephemeral one; stored credentials will not decrypt after a restart")
		return &SecretBox{keys: []*fernet.Key{&k}}, nil
	}

	key, err := fernet.DecodeKey(encoded)
	if err != nil {
		return nil, errors.Wrap(err, "invalid secret key")
	}
	return &SecretBox{keys: []*fernet.Key{key}}, nil
}

func (b *SecretBox) Encrypt(value string) (string, error) {
	if value == "" || strings.HasPrefix(value, fernetPrefix) {
		return value, nil
	}

	tok, err := fernet.EncryptAndSign([]byte(value), b.keys[0])
	if err != nil {
		return "", errors.Wrap(err, "failed to encrypt value")
	}
	return string(tok), nil
}

// Decrypt returns plaintext values as they are and an empty string
// for tokens that do not verify, e.g. after a key rotation.
func (b *SecretBox) Decrypt(value string) string {
	if value == "" || !strings.HasPrefix(value, fernetPrefix) {
		return value
	}

	msg := fernet.VerifyAndDecrypt([]byte(value), 0, b.keys)
	if msg == nil {
		return ""
	}
	return string(msg)
}
