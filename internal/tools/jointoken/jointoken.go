// Package jointoken generates the Ed25519 keypair used to sign join tokens.
package jointoken

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const (
	privateKeyVar = "ENCOUNTER_SPACE_JOIN_TOKEN_PRIVATE_KEY"
	publicKeyVar  = "ENCOUNTER_SPACE_JOIN_TOKEN_PUBLIC_KEY"
)

// Run writes shell exports for a fresh keypair drawn from reader. A nil
// reader uses crypto/rand.
func Run(out io.Writer, reader io.Reader) error {
	if out == nil {
		return errors.New("output is required")
	}
	if reader == nil {
		reader = rand.Reader
	}
	publicKey, privateKey, err := ed25519.GenerateKey(reader)
	if err != nil {
		return fmt.Errorf("generate join token key: %w", err)
	}
	enc := base64.RawStdEncoding
	_, err = fmt.Fprintf(out, "export %s=%s\nexport %s=%s\n",
		privateKeyVar, enc.EncodeToString(privateKey),
		publicKeyVar, enc.EncodeToString(publicKey),
	)
	return err
}
