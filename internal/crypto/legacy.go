package crypto

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
)

// legacyHybrid is the untagged bundle written before envelopes carried a
// format byte.
type legacyHybrid struct {
	Key     string `json:"key"`
	IV      string `json:"iv"`
	AuthTag string `json:"authTag"`
	Data    string `json:"data"`
}

// openLegacy decodes untagged envelopes by trial: raw RSA-OAEP first, then
// the JSON hybrid bundle.
func openLegacy(priv *rsa.PrivateKey, data []byte) ([]byte, error) {
	if len(data) == priv.Size() {
		if pt, err := rsa.DecryptOAEP(sha256.New(), nil, priv, data, nil); err == nil {
			return pt, nil
		}
	}

	var bundle legacyHybrid
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, ErrCryptoFailure
	}
	wrapped, err := base64.StdEncoding.DecodeString(bundle.Key)
	if err != nil {
		return nil, ErrCryptoFailure
	}
	iv, err := hex.DecodeString(bundle.IV)
	if err != nil || len(iv) != NonceSize {
		return nil, ErrCryptoFailure
	}
	tag, err := hex.DecodeString(bundle.AuthTag)
	if err != nil || len(tag) != TagSize {
		return nil, ErrCryptoFailure
	}
	ct, err := hex.DecodeString(bundle.Data)
	if err != nil {
		return nil, ErrCryptoFailure
	}

	aesKey, err := rsa.DecryptOAEP(sha256.New(), nil, priv, wrapped, nil)
	if err != nil {
		return nil, ErrCryptoFailure
	}
	defer Zero(aesKey)

	sealed := make([]byte, 0, len(iv)+len(tag)+len(ct))
	sealed = append(sealed, iv...)
	sealed = append(sealed, tag...)
	sealed = append(sealed, ct...)
	return OpenAEAD(sealed, aesKey)
}
