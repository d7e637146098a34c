package kvstore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/brandplot/brandplot-server/internal/xerrors"
)

// sealed envelope layout:
//
//	version(1) | len(wrapped key)(2, big endian) | wrapped key | nonce(12) | ciphertext+tag
const sealVersion byte = 1

const encContextKey = "brandplot:storage-key"

// ErrSealed is returned when a stored envelope is malformed or fails
// authentication.
var ErrSealed = errors.New("kvstore: sealed value is invalid")

// KMSAPI is the subset of *kms.Client used by Sealed.
type KMSAPI interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// Sealed encrypts values before handing them to the wrapped Store. Each Put
// asks KMS for a fresh AES-256 data key and stores the wrapped key next to
// the ciphertext. The storage key is bound as both GCM additional data and
// KMS encryption context, so a value copied to another key will not open.
type Sealed struct {
	next   Store
	client KMSAPI
	keyID  string
}

func NewSealed(next Store, client KMSAPI, keyID string) *Sealed {
	return &Sealed{next: next, client: client, keyID: keyID}
}

func (s *Sealed) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	dk, err := s.client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:             aws.String(s.keyID),
		KeySpec:           kmstypes.DataKeySpecAes256,
		EncryptionContext: map[string]string{encContextKey: key},
	})
	if err != nil {
		return xerrors.Wrap(err, "kms generate data key")
	}
	defer clear(dk.Plaintext)

	if len(dk.CiphertextBlob) == 0 || len(dk.CiphertextBlob) > 0xffff {
		return xerrors.Newf("kms returned wrapped key of %d bytes", len(dk.CiphertextBlob))
	}

	gcm, err := newGCM(dk.Plaintext)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return xerrors.Wrap(err, "read nonce")
	}

	out := make([]byte, 0, 3+len(dk.CiphertextBlob)+len(nonce)+len(value)+gcm.Overhead())
	out = append(out, sealVersion)
	out = binary.BigEndian.AppendUint16(out, uint16(len(dk.CiphertextBlob)))
	out = append(out, dk.CiphertextBlob...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, value, []byte(key))

	return s.next.Put(ctx, key, out, ttl)
}

func (s *Sealed) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.next.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	if len(raw) < 3 || raw[0] != sealVersion {
		return nil, xerrors.WithStack(ErrSealed)
	}
	n := int(binary.BigEndian.Uint16(raw[1:3]))
	rest := raw[3:]
	if n == 0 || len(rest) < n {
		return nil, xerrors.WithStack(ErrSealed)
	}
	wrapped, rest := rest[:n], rest[n:]

	dk, err := s.client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob:    wrapped,
		KeyId:             aws.String(s.keyID),
		EncryptionContext: map[string]string{encContextKey: key},
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "kms decrypt data key")
	}
	defer clear(dk.Plaintext)

	gcm, err := newGCM(dk.Plaintext)
	if err != nil {
		return nil, err
	}
	if len(rest) < gcm.NonceSize()+gcm.Overhead() {
		return nil, xerrors.WithStack(ErrSealed)
	}
	nonce, ct := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ct, []byte(key))
	if err != nil {
		return nil, xerrors.Wrapf(ErrSealed, "open %s", key)
	}
	return plain, nil
}

func (s *Sealed) Delete(ctx context.Context, key string) error {
	return s.next.Delete(ctx, key)
}

// Ping forwards to the wrapped store when it supports it.
func (s *Sealed) Ping(ctx context.Context) error {
	if p, ok := s.next.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, xerrors.Newf("data key is %d bytes, want 32", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, xerrors.Wrap(err, "aes cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, xerrors.Wrap(err, "gcm")
	}
	return gcm, nil
}
