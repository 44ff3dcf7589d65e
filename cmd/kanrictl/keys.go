package main

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kanri/internal/auth"
)

func newKeysCmd() *cobra.Command {
	keys := &cobra.Command{
		Use:   "keys",
		Short: "Manage JWT signing keys and the admin API key",
	}

	var dir string
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Generate an Ed25519 key pair for token signing",
		Long: `Write jwt_private.pem and jwt_public.pem into --output.

Point KANRI_JWT_PRIVATE_KEY and KANRI_JWT_PUBLIC_KEY at them. Without
persistent keys the server signs with an ephemeral pair and every token
becomes invalid on restart. Existing files are never overwritten.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			privPath, pubPath, err := generateKeyPair(dir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\nwrote %s\n", privPath, pubPath)
			return nil
		},
	}
	generate.Flags().StringVarP(&dir, "output", "o", "data", "output directory")

	digest := &cobra.Command{
		Use:   "admin-digest",
		Short: "Print the Argon2id digest of an admin API key",
		Long: `Read an admin API key from stdin and print its digest.

Set the output as KANRI_ADMIN_API_KEY_DIGEST so the plaintext key never
has to sit in the server's environment. Only the first line of stdin is
used; a trailing newline is ignored.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("read key: %w", err)
			}
			plain := strings.TrimRight(line, "\r\n")
			if plain == "" {
				return errors.New("empty admin key on stdin")
			}
			k, err := auth.NewAdminKey(plain)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), k.String())
			return nil
		},
	}

	keys.AddCommand(generate, digest)
	return keys
}

func generateKeyPair(dir string) (string, string, error) {
	privPath := filepath.Join(dir, "jwt_private.pem")
	pubPath := filepath.Join(dir, "jwt_public.pem")

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", fmt.Errorf("create %s: %w", dir, err)
	}
	for _, path := range []string{privPath, pubPath} {
		if _, err := os.Stat(path); err == nil {
			return "", "", fmt.Errorf("%s already exists: delete it first to rotate keys", path)
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", "", fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", "", fmt.Errorf("marshal public key: %w", err)
	}

	if err := writePEM(privPath, "PRIVATE KEY", privDER); err != nil {
		return "", "", err
	}
	if err := writePEM(pubPath, "PUBLIC KEY", pubDER); err != nil {
		return "", "", err
	}
	return privPath, pubPath, nil
}

func writePEM(path, blockType string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600) //nolint:gosec // operator-chosen path
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
