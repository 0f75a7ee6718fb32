// Package issuer constructs and signs developer leaf certificates under the
// configured intermediate authority.
package issuer

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // RFC 5280 subject key identifier, not a security hash
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/mkoval/certledger/internal/authority"
	"github.com/mkoval/certledger/internal/record"
)

// minRSABits is the smallest RSA modulus accepted on the CSR flow.
const minRSABits = 3072

var (
	// ErrInvalidKeyMaterial reports unparseable or policy-rejected key
	// material. User input error; the message carries the remediation.
	ErrInvalidKeyMaterial = errors.New("invalid key material")

	// ErrCSRSignatureInvalid reports a CSR whose self-signature does not
	// verify, so possession of the private key is unproven.
	ErrCSRSignatureInvalid = errors.New("CSR signature invalid")

	// ErrSerialCollision reports a freshly generated serial that already
	// exists in the ledger. Should never happen; aborting is the only safe
	// response.
	ErrSerialCollision = errors.New("serial number collision")
)

// Certificate is the issued leaf plus everything a requester needs to use and
// reference it.
type Certificate struct {
	PEM          string // leaf only
	ChainPEM     string // leaf + intermediate chain through the root
	Fingerprint  string // uppercase colon-hex SHA-256 of DER
	SerialNumber string // lowercase hex
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// SerialTaken reports whether a serial number already exists. The caller
// derives it from the ledger; the issuer itself holds no state.
type SerialTaken func(serial string) bool

// Issuer signs developer certificates. It is a pure function of (key
// material, identity, CA material, clock, randomness); persisting the result
// to the ledger is the caller's business.
type Issuer struct {
	auth *authority.Authority
	now  func() time.Time
	rand io.Reader
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithClock fixes the issuance clock (for tests).
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// WithRand overrides the randomness source (for tests).
func WithRand(r io.Reader) Option {
	return func(i *Issuer) { i.rand = r }
}

// New creates an Issuer over the given authority.
func New(auth *authority.Authority, opts ...Option) *Issuer {
	i := &Issuer{auth: auth, now: time.Now, rand: rand.Reader}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Issue validates the submitted key material and signs a leaf certificate
// for the identity, valid for exactly the fixed validity period.
//
// CSR submissions prove possession of the private key via the CSR's
// self-signature. Raw public key submissions do NOT establish proof of
// possession; accepting them is a deliberate trust trade-off, and callers
// must surface that to the requester rather than hide it.
func (i *Issuer) Issue(identity string, keyMaterial []byte, taken SerialTaken) (*Certificate, error) {
	if i.auth == nil {
		return nil, fmt.Errorf("issue for %q: %w", identity, authority.ErrUnavailable)
	}

	pub, err := parseKeyMaterial(keyMaterial)
	if err != nil {
		return nil, err
	}

	serialBytes := make([]byte, 16)
	if _, err := io.ReadFull(i.rand, serialBytes); err != nil {
		return nil, fmt.Errorf("generating serial: %w", err)
	}
	serialHex := hex.EncodeToString(serialBytes)
	if taken != nil && taken(serialHex) {
		return nil, fmt.Errorf("serial %s: %w", serialHex, ErrSerialCollision)
	}

	ski, err := subjectKeyID(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}

	notBefore := i.now().UTC()
	notAfter := notBefore.Add(record.ValidityPeriod)

	tmpl := &x509.Certificate{
		SerialNumber: new(big.Int).SetBytes(serialBytes),
		Subject: pkix.Name{
			CommonName:   identity,
			Organization: []string{i.auth.Org()},
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		BasicConstraintsValid: true,
		IsCA:                  false,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
		SubjectKeyId:          ski,
		SignatureAlgorithm:    signatureAlgorithm(pub, i.auth.Signer()),
	}

	der, err := x509.CreateCertificate(i.rand, tmpl, i.auth.Certificate(), pub, i.auth.Signer())
	if err != nil {
		return nil, fmt.Errorf("signing certificate for %q: %w", identity, err)
	}

	leafPEM := string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	return &Certificate{
		PEM:          leafPEM,
		ChainPEM:     leafPEM + i.auth.ChainPEM(),
		Fingerprint:  Fingerprint(der),
		SerialNumber: serialHex,
		IssuedAt:     notBefore,
		ExpiresAt:    notAfter,
	}, nil
}

// Fingerprint renders the SHA-256 digest of DER bytes as uppercase colon-hex.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

// parseKeyMaterial accepts a PEM-encoded CSR or raw public key and enforces
// the key policy: ECDSA P-256/P-384 everywhere, RSA >= 3072 bits on the CSR
// flow only.
func parseKeyMaterial(data []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found; submit a PEM-encoded CSR or public key", ErrInvalidKeyMaterial)
	}

	switch block.Type {
	case "CERTIFICATE REQUEST", "NEW CERTIFICATE REQUEST":
		csr, err := x509.ParseCertificateRequest(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: unparseable CSR: %v", ErrInvalidKeyMaterial, err)
		}
		if err := csr.CheckSignature(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCSRSignatureInvalid, err)
		}
		if err := checkKeyPolicy(csr.PublicKey, true); err != nil {
			return nil, err
		}
		return csr.PublicKey, nil

	case "PUBLIC KEY":
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: unparseable public key: %v", ErrInvalidKeyMaterial, err)
		}
		if err := checkKeyPolicy(pub, false); err != nil {
			return nil, err
		}
		return pub, nil

	default:
		return nil, fmt.Errorf("%w: unsupported PEM block %q; submit a CERTIFICATE REQUEST or PUBLIC KEY block", ErrInvalidKeyMaterial, block.Type)
	}
}

func checkKeyPolicy(pub crypto.PublicKey, csrFlow bool) error {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		if k.Curve != elliptic.P256() && k.Curve != elliptic.P384() {
			return fmt.Errorf("%w: ECDSA curve %s not accepted; use P-256 or P-384", ErrInvalidKeyMaterial, k.Curve.Params().Name)
		}
		return nil
	case *rsa.PublicKey:
		if !csrFlow {
			return fmt.Errorf("%w: RSA keys are only accepted via the CSR flow; submit a CSR or an ECDSA P-256/P-384 key", ErrInvalidKeyMaterial)
		}
		if k.N.BitLen() < minRSABits {
			return fmt.Errorf("%w: RSA key is %d bits, minimum is %d", ErrInvalidKeyMaterial, k.N.BitLen(), minRSABits)
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported key type %T; use ECDSA P-256/P-384 or RSA >= %d bits via CSR", ErrInvalidKeyMaterial, pub, minRSABits)
	}
}

// signatureAlgorithm ties the signing hash to the subject key's strength:
// SHA-512 for P-384 subjects, SHA-256 otherwise. The algorithm family always
// follows the authority's own key.
func signatureAlgorithm(subjectPub crypto.PublicKey, caKey crypto.Signer) x509.SignatureAlgorithm {
	strong := false
	if k, ok := subjectPub.(*ecdsa.PublicKey); ok && k.Curve == elliptic.P384() {
		strong = true
	}
	switch caKey.Public().(type) {
	case *ecdsa.PublicKey:
		if strong {
			return x509.ECDSAWithSHA512
		}
		return x509.ECDSAWithSHA256
	case *rsa.PublicKey:
		if strong {
			return x509.SHA512WithRSA
		}
		return x509.SHA256WithRSA
	default:
		return x509.UnknownSignatureAlgorithm
	}
}

// subjectKeyID computes the RFC 5280 key identifier: SHA-1 over the subject
// public key bytes.
func subjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	var decoded struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(spki, &decoded); err != nil {
		return nil, err
	}
	sum := sha1.Sum(decoded.PublicKey.Bytes) //nolint:gosec // identifier, not integrity
	return sum[:], nil
}
