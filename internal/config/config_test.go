package config

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"
)

func key(b byte) string {
	return base64.StdEncoding.EncodeToString([]byte(strings.Repeat(string(rune(b)), 32)))
}

func setBase(t *testing.T) {
	t.Helper()
	t.Setenv("VAULT_SALT_B64", base64.StdEncoding.EncodeToString([]byte("0123456789abcdef")))
	t.Setenv("MASTER_KEY_B64", key('a'))
}

func TestLoadDefaults(t *testing.T) {
	setBase(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Vault.KDFIterations != 100000 {
		t.Fatalf("iterations = %d", cfg.Vault.KDFIterations)
	}
	if cfg.Crypto.CurrentKeyID != "default" {
		t.Fatalf("current key id = %q", cfg.Crypto.CurrentKeyID)
	}
	if cfg.Providers.AppURL != "http://localhost:3000" {
		t.Fatalf("app url = %q", cfg.Providers.AppURL)
	}
	if cfg.Redis.ModelCacheTTL != 10*time.Minute {
		t.Fatalf("model cache ttl = %v", cfg.Redis.ModelCacheTTL)
	}
	if cfg.Storage.Endpoint != "" {
		t.Fatalf("object storage should be disabled by default")
	}
}

func TestLoadRequiresSalt(t *testing.T) {
	t.Setenv("MASTER_KEY_B64", key('a'))
	t.Setenv("VAULT_SALT_B64", "")
	if _, err := Load(); !errors.Is(err, ErrMissingVaultSalt) {
		t.Fatalf("err = %v, want ErrMissingVaultSalt", err)
	}
}

func TestLoadRejectsWeakKDF(t *testing.T) {
	setBase(t)
	t.Setenv("VAULT_KDF_ITERATIONS", "5000")
	if _, err := Load(); !errors.Is(err, ErrWeakKDF) {
		t.Fatalf("err = %v, want ErrWeakKDF", err)
	}
}

func TestLoadMasterKeyRing(t *testing.T) {
	t.Setenv("VAULT_SALT_B64", base64.StdEncoding.EncodeToString([]byte("0123456789abcdef")))
	t.Setenv("MASTER_KEY_V1_B64", key('a'))
	t.Setenv("MASTER_KEYS_JSON", `{"v2":"`+key('b')+`"}`)
	t.Setenv("MASTER_KEY_CURRENT_ID", "v2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Crypto.CurrentKeyID != "v2" {
		t.Fatalf("current = %q", cfg.Crypto.CurrentKeyID)
	}
	if len(cfg.Crypto.Keys) != 2 {
		t.Fatalf("keys = %d, want 2", len(cfg.Crypto.Keys))
	}
	if _, ok := cfg.Crypto.Keys["v1"]; !ok {
		t.Fatalf("expected v1 from MASTER_KEY_V1_B64")
	}
}

func TestLoadMissingMasterKey(t *testing.T) {
	t.Setenv("VAULT_SALT_B64", base64.StdEncoding.EncodeToString([]byte("0123456789abcdef")))
	t.Setenv("MASTER_KEY_B64", "")
	if _, err := Load(); !errors.Is(err, ErrMissingMasterKey) {
		t.Fatalf("err = %v, want ErrMissingMasterKey", err)
	}
}

func TestLoadRejectsShortMasterKey(t *testing.T) {
	t.Setenv("VAULT_SALT_B64", base64.StdEncoding.EncodeToString([]byte("0123456789abcdef")))
	t.Setenv("MASTER_KEY_B64", base64.StdEncoding.EncodeToString([]byte("short")))
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for short master key")
	}
}
