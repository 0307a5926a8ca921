package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	errs "github.com/savaki/pipeline-git-source/internal/errors"
)

const signaturePrefix = "sha256="

// Sign returns the X-Hub-Signature-256 header value for body
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an X-Hub-Signature-256 header against every accepted secret
func VerifySignature(secrets []string, body []byte, header string) error {
	if !strings.HasPrefix(header, signaturePrefix) {
		return fmt.Errorf("%w: missing sha256 signature", errs.ErrInvalidSignature)
	}

	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInvalidSignature, err)
	}

	for _, secret := range secrets {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		if hmac.Equal(got, mac.Sum(nil)) {
			return nil
		}
	}

	return errs.ErrInvalidSignature
}
