// Package testutil provides shared fixtures for daemon and API tests:
// a pre-trusted keystore with signing helpers, and a scriptable
// download provider.
package testutil

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"gopkg.in/yaml.v2"

	"github.com/cernvm/cernvm-webapi/internal/downloader"
	"github.com/cernvm/cernvm-webapi/internal/keystore"
)

// TrustFixture wires a SignedStore that already trusts one domain, plus
// the private keys needed to forge valid (or tampered) manifests.
type TrustFixture struct {
	Store       *keystore.SignedStore
	Domain      string
	Dir         string
	AuthKeyPath string

	vendorPriv ed25519.PrivateKey
	domainPriv ed25519.PrivateKey
}

// NewTrustFixture creates a keystore trusting domain, persisted under a
// temp dir so the store loads valid.
func NewTrustFixture(t *testing.T, domain string) *TrustFixture {
	t.Helper()

	vendorPub, vendorPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate vendor key: %v", err)
	}
	domainPub, domainPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate domain key: %v", err)
	}

	dir := t.TempDir()
	domains := map[string]string{
		domain: base64.StdEncoding.EncodeToString(domainPub),
	}
	sig := ed25519.Sign(vendorPriv, []byte(keystore.CanonicalDomainPayload(domains)))
	doc := keystore.Document{
		Version:   1,
		Domains:   domains,
		Signature: base64.StdEncoding.EncodeToString(sig),
	}
	raw, err := yaml.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal keystore document: %v", err)
	}

	path := filepath.Join(dir, "keystore.yaml")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write keystore document: %v", err)
	}

	authKeyPath := filepath.Join(dir, "auth.key")
	store := keystore.NewSignedStore(path, authKeyPath, "https://vendor.test/keystore",
		keystore.WithVendorKey(vendorPub))

	if !store.Valid() {
		t.Fatal("trust fixture keystore failed to load valid")
	}

	return &TrustFixture{
		Store:       store,
		Domain:      domain,
		Dir:         dir,
		AuthKeyPath: authKeyPath,
		vendorPriv:  vendorPriv,
		domainPriv:  domainPriv,
	}
}

// SignVMCP returns a copy of vmcp carrying a valid signature for the
// fixture domain and the given salt.
func (f *TrustFixture) SignVMCP(salt string, vmcp map[string]any) map[string]any {
	out := make(map[string]any, len(vmcp)+1)
	for k, v := range vmcp {
		out[k] = v
	}
	payload := keystore.CanonicalVMCPPayload(f.Domain, salt, out)
	out["signature"] = base64.StdEncoding.EncodeToString(ed25519.Sign(f.domainPriv, []byte(payload)))
	return out
}

// WriteAuthKey stores the local privileged auth key.
func (f *TrustFixture) WriteAuthKey(t *testing.T, key string) {
	t.Helper()
	if err := os.WriteFile(f.AuthKeyPath, []byte(key+"\n"), 0o600); err != nil {
		t.Fatalf("write auth key: %v", err)
	}
}

// StubDownloader scripts download responses per request.
type StubDownloader struct {
	mu sync.Mutex

	// Handler decides the response. Nil means every download errors.
	Handler func(url string) (string, error)

	// URLs records every requested URL in order.
	URLs []string
}

// Text implements downloader.Downloader.
func (d *StubDownloader) Text(ctx context.Context, url string, progress downloader.ProgressFunc) (string, error) {
	d.mu.Lock()
	d.URLs = append(d.URLs, url)
	handler := d.Handler
	d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", downloader.ErrAborted
	}
	if handler == nil {
		return "", errors.New("no handler configured")
	}
	return handler(url)
}

// Abort implements downloader.Downloader.
func (d *StubDownloader) Abort() {}

// Requested returns a snapshot of the URLs fetched so far.
func (d *StubDownloader) Requested() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.URLs))
	copy(out, d.URLs)
	return out
}
