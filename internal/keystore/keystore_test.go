package keystore

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"

	"github.com/cernvm/cernvm-webapi/internal/downloader"
	"github.com/cernvm/cernvm-webapi/internal/protocol"
)

// stubDownloader serves canned bodies per URL.
type stubDownloader struct {
	body string
	err  error
}

func (d *stubDownloader) Text(ctx context.Context, url string, progress downloader.ProgressFunc) (string, error) {
	if d.err != nil {
		return "", d.err
	}
	return d.body, nil
}

func (d *stubDownloader) Abort() {}

type testKeys struct {
	vendorPub  ed25519.PublicKey
	vendorPriv ed25519.PrivateKey
	domainPub  ed25519.PublicKey
	domainPriv ed25519.PrivateKey
}

func newTestKeys(t *testing.T) testKeys {
	t.Helper()
	vpub, vpriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	dpub, dpriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return testKeys{vpub, vpriv, dpub, dpriv}
}

func signedDocument(t *testing.T, k testKeys, domains map[string]string) string {
	t.Helper()
	sig := ed25519.Sign(k.vendorPriv, []byte(CanonicalDomainPayload(domains)))
	doc := Document{
		Version:   1,
		Domains:   domains,
		Signature: base64.StdEncoding.EncodeToString(sig),
	}
	out, err := yaml.Marshal(doc)
	require.NoError(t, err)
	return string(out)
}

func newTestStore(t *testing.T, k testKeys) (*SignedStore, string) {
	t.Helper()
	dir := t.TempDir()
	s := NewSignedStore(
		filepath.Join(dir, "keystore.yaml"),
		filepath.Join(dir, "auth.key"),
		"https://vendor.test/keystore",
		WithVendorKey(k.vendorPub),
	)
	return s, dir
}

func TestUpdateAuthorized(t *testing.T) {
	k := newTestKeys(t)
	s, _ := newTestStore(t, k)
	assert.False(t, s.Valid())

	domains := map[string]string{
		"example.test": base64.StdEncoding.EncodeToString(k.domainPub),
	}
	dl := &stubDownloader{body: signedDocument(t, k, domains)}

	code := s.UpdateAuthorized(context.Background(), dl)
	assert.Equal(t, protocol.CodeOK, code)
	assert.True(t, s.Valid())
	assert.True(t, s.IsDomainValid("example.test"))
	assert.True(t, s.IsDomainValid("EXAMPLE.test"))
	assert.False(t, s.IsDomainValid("evil.test"))
}

func TestUpdateAuthorizedRejectsTamperedDocument(t *testing.T) {
	k := newTestKeys(t)
	s, _ := newTestStore(t, k)

	domains := map[string]string{
		"example.test": base64.StdEncoding.EncodeToString(k.domainPub),
	}
	body := signedDocument(t, k, domains)
	tampered := body + "\n# extra"

	var doc Document
	require.NoError(t, yaml.Unmarshal([]byte(tampered), &doc))
	doc.Domains["evil.test"] = doc.Domains["example.test"]
	out, err := yaml.Marshal(doc)
	require.NoError(t, err)

	code := s.UpdateAuthorized(context.Background(), &stubDownloader{body: string(out)})
	assert.Equal(t, protocol.CodeNotValidated, code)
	assert.False(t, s.Valid())
}

func TestUpdateAuthorizedKeepsStaleValidStore(t *testing.T) {
	k := newTestKeys(t)
	s, _ := newTestStore(t, k)

	domains := map[string]string{
		"example.test": base64.StdEncoding.EncodeToString(k.domainPub),
	}
	require.Equal(t, protocol.CodeOK,
		s.UpdateAuthorized(context.Background(), &stubDownloader{body: signedDocument(t, k, domains)}))

	// Refresh failure keeps the verified store usable.
	code := s.UpdateAuthorized(context.Background(), &stubDownloader{err: errors.New("offline")})
	assert.Equal(t, protocol.CodeOK, code)
	assert.True(t, s.Valid())
	assert.True(t, s.IsDomainValid("example.test"))
}

func TestStorePersistsAcrossRestarts(t *testing.T) {
	k := newTestKeys(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "keystore.yaml")

	domains := map[string]string{
		"example.test": base64.StdEncoding.EncodeToString(k.domainPub),
	}

	first := NewSignedStore(path, filepath.Join(dir, "auth.key"), "https://vendor.test/keystore", WithVendorKey(k.vendorPub))
	require.Equal(t, protocol.CodeOK,
		first.UpdateAuthorized(context.Background(), &stubDownloader{body: signedDocument(t, k, domains)}))

	second := NewSignedStore(path, filepath.Join(dir, "auth.key"), "https://vendor.test/keystore", WithVendorKey(k.vendorPub))
	assert.True(t, second.Valid())
	assert.True(t, second.IsDomainValid("example.test"))
}

func TestGenerateSalt(t *testing.T) {
	k := newTestKeys(t)
	s, _ := newTestStore(t, k)

	a := s.GenerateSalt()
	b := s.GenerateSalt()
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}

func TestSignatureValidate(t *testing.T) {
	k := newTestKeys(t)
	s, _ := newTestStore(t, k)

	domains := map[string]string{
		"example.test": base64.StdEncoding.EncodeToString(k.domainPub),
	}
	require.Equal(t, protocol.CodeOK,
		s.UpdateAuthorized(context.Background(), &stubDownloader{body: signedDocument(t, k, domains)}))

	salt := s.GenerateSalt()
	vmcp := map[string]any{
		"name":   "vm1",
		"secret": "s3cret",
		"cpus":   float64(2),
	}
	payload := CanonicalVMCPPayload("example.test", salt, vmcp)
	vmcp["signature"] = base64.StdEncoding.EncodeToString(ed25519.Sign(k.domainPriv, []byte(payload)))

	assert.Equal(t, protocol.CodeOK, s.SignatureValidate("example.test", salt, vmcp))

	t.Run("tampered payload", func(t *testing.T) {
		bad := map[string]any{}
		for k2, v := range vmcp {
			bad[k2] = v
		}
		bad["name"] = "vm1-evil"
		assert.Equal(t, protocol.CodeNotValidated, s.SignatureValidate("example.test", salt, bad))
	})

	t.Run("wrong salt", func(t *testing.T) {
		assert.Equal(t, protocol.CodeNotValidated, s.SignatureValidate("example.test", s.GenerateSalt(), vmcp))
	})

	t.Run("unknown domain", func(t *testing.T) {
		assert.Equal(t, protocol.CodeNotTrusted, s.SignatureValidate("evil.test", salt, vmcp))
	})

	t.Run("garbage signature", func(t *testing.T) {
		bad := map[string]any{"name": "vm1", "signature": "!!!not-base64!!!"}
		assert.Equal(t, protocol.CodeNotValidated, s.SignatureValidate("example.test", salt, bad))
	})
}

func TestAuthKeyValid(t *testing.T) {
	k := newTestKeys(t)
	s, dir := newTestStore(t, k)

	// No key file: nothing is privileged.
	assert.False(t, s.AuthKeyValid("anything"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "auth.key"), []byte("local-secret\n"), 0o600))
	assert.True(t, s.AuthKeyValid("local-secret"))
	assert.False(t, s.AuthKeyValid("wrong"))

	// Empty key file never validates.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "auth.key"), []byte("  \n"), 0o600))
	assert.False(t, s.AuthKeyValid(""))
}
