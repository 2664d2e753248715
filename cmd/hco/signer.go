package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/cuemby/hco/pkg/config"
	"github.com/cuemby/hco/pkg/manifest"
)

// loadManifestSigner builds the manifest.Signer the Manifest Generator
// attaches detached signatures with, per spec §4.9's optional
// `signature`/`signature_algo` fields. When signing is disabled in
// config, the manifest is built with a nil signer and carries no
// signature section.
func loadManifestSigner(cfg config.ManifestConfig) (manifest.Signer, error) {
	if !cfg.SigningEnabled {
		return nil, nil
	}
	if cfg.SigningKeyPath == "" {
		return nil, fmt.Errorf("manifest signing enabled but signing_key_path is empty")
	}
	seed, err := os.ReadFile(cfg.SigningKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	signer, err := manifest.LoadEd25519SignerFromSeed(strings.TrimSpace(string(seed)))
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}
	return signer, nil
}
