package tlsutil

import (
	"fmt"
	"testing"
	"time"
)

func Test_GenerateRSAKeys(t *testing.T) {
	tests := []struct{ keySize int }{{2048}, {3072}, {4096}}
	for _, tt := range tests {
		t.Run("RSAKeySize"+fmt.Sprintf("%d", tt.keySize), func(t *testing.T) {
			privateKey, publicKey, err := GenerateRSAKeys(tt.keySize)
			if err != nil {
				t.Error(err)
				return
			}
			if len(privateKey) == 0 || len(publicKey) == 0 {
				t.Error("expected non-empty PEM output")
			}
		})
	}
}

func Test_GenerateRSAKeysInvalidSize(t *testing.T) {
	if _, _, err := GenerateRSAKeys(1024); err == nil {
		t.Error("expected error for unsupported RSA bit size")
	}
}

func Test_GenerateECDSAKeys(t *testing.T) {
	tests := []struct{ keySize int }{{224}, {256}, {384}, {521}}
	for _, tt := range tests {
		t.Run("ECDSAKeySize"+fmt.Sprintf("%d", tt.keySize), func(t *testing.T) {
			privateKey, publicKey, err := GenerateECDSAKeys(tt.keySize)
			if err != nil {
				t.Error(err)
				return
			}
			if len(privateKey) == 0 || len(publicKey) == 0 {
				t.Error("expected non-empty PEM output")
			}
		})
	}
}

func Test_GenerateEd25519Keys(t *testing.T) {
	privateKey, publicKey, err := GenerateEd25519Keys()
	if err != nil {
		t.Error(err)
		return
	}
	if len(privateKey) == 0 || len(publicKey) == 0 {
		t.Error("expected non-empty PEM output")
	}
}

func Test_SelfSignedCertificate(t *testing.T) {
	cert, err := SelfSignedCertificate([]string{"127.0.0.1", "localhost"}, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(cert.Certificate) == 0 {
		t.Error("expected at least one DER certificate")
	}
	if cert.PrivateKey == nil {
		t.Error("expected a parsed private key")
	}
}
