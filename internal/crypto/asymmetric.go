package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
)

const (
	RSAKeyBits = 2048

	formatDirect byte = 0x01
	formatHybrid byte = 0x02
)

// GenerateKeyPair returns a PEM encoded SPKI public key and PKCS#8 private key.
func GenerateKeyPair() (publicPEM, privatePEM []byte, err error) {
	priv, err := rsa.GenerateKey(rand.Reader, RSAKeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate rsa key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal public key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}
	publicPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	privatePEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	return publicPEM, privatePEM, nil
}

// MaxDirectPayload is the largest plaintext RSA-OAEP/SHA-256 can encrypt
// directly with pub (190 bytes for a 2048-bit key).
func MaxDirectPayload(pub *rsa.PublicKey) int {
	return pub.Size() - 2*sha256.Size - 2
}

// EncryptWithPublicKey encrypts small payloads directly and larger ones
// with a random AES key wrapped under the RSA key. The first byte of the
// result records which form was used.
func EncryptWithPublicKey(plaintext, publicPEM []byte) ([]byte, error) {
	pub, err := ParsePublicKey(publicPEM)
	if err != nil {
		return nil, err
	}

	if len(plaintext) <= MaxDirectPayload(pub) {
		ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
		if err != nil {
			return nil, fmt.Errorf("rsa encrypt: %w", err)
		}
		out := make([]byte, 0, 1+len(ct))
		out = append(out, formatDirect)
		return append(out, ct...), nil
	}

	aesKey, err := RandomKey()
	if err != nil {
		return nil, err
	}
	defer Zero(aesKey)

	sealed, err := SealAEAD(plaintext, aesKey)
	if err != nil {
		return nil, err
	}
	wrappedKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, aesKey, nil)
	if err != nil {
		return nil, fmt.Errorf("rsa wrap key: %w", err)
	}

	out := make([]byte, 3, 3+len(wrappedKey)+len(sealed))
	out[0] = formatHybrid
	binary.BigEndian.PutUint16(out[1:3], uint16(len(wrappedKey)))
	out = append(out, wrappedKey...)
	out = append(out, sealed...)
	return out, nil
}

// DecryptWithPrivateKey opens envelopes produced by EncryptWithPublicKey and
// untagged legacy envelopes.
func DecryptWithPrivateKey(envelope, privatePEM []byte) ([]byte, error) {
	priv, err := ParsePrivateKey(privatePEM)
	if err != nil {
		return nil, ErrCryptoFailure
	}
	if len(envelope) == 0 {
		return nil, ErrCryptoFailure
	}

	switch envelope[0] {
	case formatDirect:
		if len(envelope)-1 == priv.Size() {
			if pt, err := rsa.DecryptOAEP(sha256.New(), nil, priv, envelope[1:], nil); err == nil {
				return pt, nil
			}
		}
	case formatHybrid:
		if pt, ok := openHybrid(priv, envelope[1:]); ok {
			return pt, nil
		}
	}

	return openLegacy(priv, envelope)
}

func openHybrid(priv *rsa.PrivateKey, body []byte) ([]byte, bool) {
	if len(body) < 2 {
		return nil, false
	}
	n := int(binary.BigEndian.Uint16(body[:2]))
	body = body[2:]
	if n != priv.Size() || len(body) < n+NonceSize+TagSize {
		return nil, false
	}
	aesKey, err := rsa.DecryptOAEP(sha256.New(), nil, priv, body[:n], nil)
	if err != nil {
		return nil, false
	}
	defer Zero(aesKey)
	pt, err := OpenAEAD(body[n:], aesKey)
	if err != nil {
		return nil, false
	}
	return pt, true
}

// PublicKeyFromPrivate derives the PEM public key matching privatePEM.
func PublicKeyFromPrivate(privatePEM []byte) ([]byte, error) {
	priv, err := ParsePrivateKey(privatePEM)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

func ParsePublicKey(publicPEM []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(publicPEM)
	if block == nil {
		return nil, errors.New("public key: no pem block")
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		pub, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("public key is not rsa")
		}
		return pub, nil
	case "RSA PUBLIC KEY":
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pkcs1 public key: %w", err)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("unexpected pem block %q", block.Type)
	}
}

func ParsePrivateKey(privatePEM []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(privatePEM)
	if block == nil {
		return nil, errors.New("private key: no pem block")
	}
	switch block.Type {
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		priv, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("private key is not rsa")
		}
		return priv, nil
	case "RSA PRIVATE KEY":
		priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pkcs1 private key: %w", err)
		}
		return priv, nil
	default:
		return nil, fmt.Errorf("unexpected pem block %q", block.Type)
	}
}
