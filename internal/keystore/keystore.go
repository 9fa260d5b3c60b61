// Package keystore holds the signed trust anchors of the daemon: which
// web domains may request sessions, which manifest signatures are
// acceptable, and which local key unlocks privileged actions.
//
// The authorized store is a YAML document listing ed25519 public keys per
// domain, itself signed by the vendor key. It is refreshed from the
// configured URL before every session request and cached on disk.
package keystore

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pmezard/go-difflib/difflib"
	"gopkg.in/yaml.v2"

	"github.com/cernvm/cernvm-webapi/internal/downloader"
	"github.com/cernvm/cernvm-webapi/internal/logging"
	"github.com/cernvm/cernvm-webapi/internal/protocol"
)

// Keystore is the trust interface the daemon core consumes.
type Keystore interface {
	// UpdateAuthorized refreshes the trusted-domain store from the
	// configured URL. A failed refresh keeps a previously valid store.
	UpdateAuthorized(ctx context.Context, dl downloader.Downloader) protocol.Code

	// Valid reports whether a verified store is loaded.
	Valid() bool

	// IsDomainValid reports whether the domain has a trusted key.
	IsDomainValid(domain string) bool

	// GenerateSalt returns a fresh random salt for a VMCP exchange.
	GenerateSalt() string

	// SignatureValidate checks the manifest signature for the domain.
	SignatureValidate(domain, salt string, vmcp map[string]any) protocol.Code

	// AuthKeyValid checks a privileged handshake key against the local
	// auth key file.
	AuthKeyValid(key string) bool
}

// Document is the on-disk and on-wire form of the authorized store.
type Document struct {
	Version   int               `yaml:"version"`
	Domains   map[string]string `yaml:"domains"`
	Signature string            `yaml:"signature"`
}

// SignedStore implements Keystore.
type SignedStore struct {
	path        string
	authKeyPath string
	url         string
	vendorKey   ed25519.PublicKey
	log         *logging.Logger

	mu      sync.RWMutex
	valid   bool
	domains map[string]string
}

// Option configures a SignedStore.
type Option func(*SignedStore)

// WithVendorKey overrides the vendor verification key.
func WithVendorKey(key ed25519.PublicKey) Option {
	return func(s *SignedStore) { s.vendorKey = key }
}

// WithLogger sets the logger.
func WithLogger(log *logging.Logger) Option {
	return func(s *SignedStore) { s.log = log }
}

// vendorKeyB64 is the production vendor public key baked into the binary.
const vendorKeyB64 = "XqWnLBFEOJlOg1A4Ar7kWsPXCnqvzV0QikffU5FdWVE="

// NewSignedStore opens the store at path, loading and verifying any
// cached document.
func NewSignedStore(path, authKeyPath, authorizedURL string, opts ...Option) *SignedStore {
	s := &SignedStore{
		path:        path,
		authKeyPath: authKeyPath,
		url:         authorizedURL,
		domains:     make(map[string]string),
	}
	if raw, err := base64.StdEncoding.DecodeString(vendorKeyB64); err == nil {
		s.vendorKey = ed25519.PublicKey(raw)
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logging.Default().WithComponent("keystore")
	}

	if data, err := os.ReadFile(path); err == nil {
		if doc, err := verifyDocument(data, s.vendorKey); err == nil {
			s.domains = doc.Domains
			s.valid = true
		} else {
			s.log.Warn("cached keystore failed verification", "path", path, "error", err)
		}
	}
	return s
}

// UpdateAuthorized downloads and verifies the authorized store.
func (s *SignedStore) UpdateAuthorized(ctx context.Context, dl downloader.Downloader) protocol.Code {
	body, err := dl.Text(ctx, s.url, nil)
	if err != nil {
		s.log.Warn("keystore refresh failed", "url", s.url, "error", err)
		if s.Valid() {
			// A stale but verified store keeps working.
			return protocol.CodeOK
		}
		return downloader.Code(err)
	}

	doc, err := verifyDocument([]byte(body), s.vendorKey)
	if err != nil {
		s.log.Warn("downloaded keystore failed verification", "error", err)
		return protocol.CodeNotValidated
	}

	s.mu.Lock()
	old := s.domains
	s.domains = doc.Domains
	s.valid = true
	s.mu.Unlock()

	s.logDomainDiff(old, doc.Domains)

	if err := s.persist([]byte(body)); err != nil {
		s.log.Warn("failed to persist keystore", "path", s.path, "error", err)
	}
	return protocol.CodeOK
}

// Valid reports whether a verified store is loaded.
func (s *SignedStore) Valid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.valid
}

// IsDomainValid reports whether the domain carries a trusted key.
func (s *SignedStore) IsDomainValid(domain string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.domains[strings.ToLower(domain)]
	return ok
}

// GenerateSalt returns 32 random bytes, hex encoded.
func (s *SignedStore) GenerateSalt() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure is unrecoverable for a trust broker.
		panic(fmt.Sprintf("keystore: entropy source failed: %v", err))
	}
	return hex.EncodeToString(buf)
}

// SignatureValidate verifies vmcp["signature"] against the domain key and
// the canonical payload bound to this salt.
func (s *SignedStore) SignatureValidate(domain, salt string, vmcp map[string]any) protocol.Code {
	s.mu.RLock()
	keyB64, ok := s.domains[strings.ToLower(domain)]
	s.mu.RUnlock()
	if !ok {
		return protocol.CodeNotTrusted
	}

	keyRaw, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil || len(keyRaw) != ed25519.PublicKeySize {
		return protocol.CodeNotValidated
	}

	sigB64, _ := vmcp["signature"].(string)
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return protocol.CodeNotValidated
	}

	payload := CanonicalVMCPPayload(domain, salt, vmcp)
	if !ed25519.Verify(ed25519.PublicKey(keyRaw), []byte(payload), sig) {
		return protocol.CodeNotValidated
	}
	return protocol.CodeOK
}

// AuthKeyValid compares the presented key with the local auth key file.
func (s *SignedStore) AuthKeyValid(key string) bool {
	data, err := os.ReadFile(s.authKeyPath)
	if err != nil {
		return false
	}
	stored := strings.TrimSpace(string(data))
	if stored == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(strings.TrimSpace(key))) == 1
}

func (s *SignedStore) persist(data []byte) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// logDomainDiff logs a unified diff of the trusted-domain listing when a
// refresh changes it.
func (s *SignedStore) logDomainDiff(old, cur map[string]string) {
	before := domainLines(old)
	after := domainLines(cur)
	if before == after {
		return
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "trusted-domains (old)",
		ToFile:   "trusted-domains (new)",
		Context:  1,
	})
	if err != nil {
		return
	}
	s.log.Info("trusted domain set changed", "diff", diff)
}

func domainLines(domains map[string]string) string {
	names := make([]string, 0, len(domains))
	for d := range domains {
		names = append(names, d)
	}
	sort.Strings(names)
	var sb strings.Builder
	for _, d := range names {
		sb.WriteString(d)
		sb.WriteString("\n")
	}
	return sb.String()
}

// verifyDocument parses a YAML store document and checks its vendor
// signature over the canonical domain listing.
func verifyDocument(data []byte, vendorKey ed25519.PublicKey) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("malformed keystore document: %w", err)
	}
	if len(doc.Domains) == 0 {
		return nil, fmt.Errorf("keystore document lists no domains")
	}
	sig, err := base64.StdEncoding.DecodeString(doc.Signature)
	if err != nil {
		return nil, fmt.Errorf("malformed keystore signature: %w", err)
	}
	if len(vendorKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("no vendor key configured")
	}
	payload := CanonicalDomainPayload(doc.Domains)
	if !ed25519.Verify(vendorKey, []byte(payload), sig) {
		return nil, fmt.Errorf("keystore signature invalid")
	}

	normalized := make(map[string]string, len(doc.Domains))
	for d, k := range doc.Domains {
		normalized[strings.ToLower(d)] = k
	}
	doc.Domains = normalized
	return &doc, nil
}

// CanonicalDomainPayload renders the domain listing in the stable form
// the vendor signature covers.
func CanonicalDomainPayload(domains map[string]string) string {
	names := make([]string, 0, len(domains))
	for d := range domains {
		names = append(names, strings.ToLower(d))
	}
	sort.Strings(names)
	var sb strings.Builder
	for _, d := range names {
		sb.WriteString(d)
		sb.WriteString("=")
		sb.WriteString(domains[d])
		sb.WriteString("\n")
	}
	return sb.String()
}

// CanonicalVMCPPayload renders the manifest in the stable form a VMCP
// endpoint signs: the domain and salt lines first, then every field
// except the signature, sorted by key.
func CanonicalVMCPPayload(domain, salt string, vmcp map[string]any) string {
	keys := make([]string, 0, len(vmcp))
	for k := range vmcp {
		if k == "signature" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("domain=")
	sb.WriteString(strings.ToLower(domain))
	sb.WriteString("\nsalt=")
	sb.WriteString(salt)
	sb.WriteString("\n")
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(renderValue(vmcp[k]))
		sb.WriteString("\n")
	}
	return sb.String()
}

func renderValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
