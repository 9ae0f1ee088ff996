// Package identity implements node key material: long-lived RSA-2048 key
// pairs, a self-signed certificate whose subject common name is the derived
// NodeId, and the signing/verification primitives the rest of dpcnode
// builds authenticated sessions and signed commits on top of.
package identity

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dpcmesh/dpcnode/pkg/errkind"
)

// NodeId is the sole peer-facing identifier: "prefix-<16 lowercase hex
// chars>" where the hex is a prefix of SHA-256(DER(public key)).
type NodeId string

const (
	prefixLabel = "dpc"
	keyBits     = 2048
)

// DeriveNodeId computes the NodeId for a DER-encoded public key.
func DeriveNodeId(pubDER []byte) NodeId {
	sum := sha256.Sum256(pubDER)
	return NodeId(fmt.Sprintf("%s-%s", prefixLabel, hex.EncodeToString(sum[:])[:16]))
}

// Identity is owned exclusively by one node: its private key never leaves
// this struct (it is not serialized by any exported accessor), its public
// key and self-signed certificate may be shared freely.
type Identity struct {
	NodeID  NodeId
	priv    *rsa.PrivateKey
	pub     *rsa.PublicKey
	Cert    *x509.Certificate
	CertDER []byte
}

// Sign signs a pre-computed hash (typically a SHA-256 digest) with
// RSA-PSS using the maximum salt length, per §4.8 of the design.
func (id *Identity) Sign(hash []byte) ([]byte, error) {
	opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto}
	return rsa.SignPSS(rand.Reader, id.priv, crypto.SHA256, hash, opts)
}

// PublicKey returns the identity's public key.
func (id *Identity) PublicKey() *rsa.PublicKey { return id.pub }

// TLSCertificate bundles the identity's certificate and private key into a
// tls.Certificate, the only form in which the private key is ever handed
// to a TLS/DTLS stack.
func (id *Identity) TLSCertificate() tls.Certificate {
	return tls.Certificate{Certificate: [][]byte{id.CertDER}, PrivateKey: id.priv}
}

// CreateIfAbsent loads the identity from dir, or creates and persists a new
// one if none exists. Key, certificate and node-id files are written with
// 0600 permissions.
func CreateIfAbsent(dir string) (*Identity, error) {
	keyPath := filepath.Join(dir, "node.key")
	certPath := filepath.Join(dir, "node.crt")
	idPath := filepath.Join(dir, "node.id")

	if _, err := os.Stat(keyPath); err == nil {
		return load(dir)
	} else if !os.IsNotExist(err) {
		return nil, errkind.Wrap(errkind.CertificateInvalid, "stat identity dir", err)
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errkind.Wrap(errkind.CertificateInvalid, "create data dir", err)
	}

	priv, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, errkind.Wrap(errkind.CertificateInvalid, "generate key", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, errkind.Wrap(errkind.CertificateInvalid, "marshal public key", err)
	}
	nodeID := DeriveNodeId(pubDER)

	certDER, cert, err := selfSignedCert(priv, string(nodeID))
	if err != nil {
		return nil, errkind.Wrap(errkind.CertificateInvalid, "self-sign certificate", err)
	}

	if err := writeKeyFile(keyPath, priv); err != nil {
		return nil, err
	}
	if err := writeFile0600(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})); err != nil {
		return nil, err
	}
	if err := writeFile0600(idPath, []byte(nodeID)); err != nil {
		return nil, err
	}

	log.WithField("node_id", nodeID).Info("identity created")

	return &Identity{NodeID: nodeID, priv: priv, pub: &priv.PublicKey, Cert: cert, CertDER: certDER}, nil
}

func load(dir string) (*Identity, error) {
	keyPath := filepath.Join(dir, "node.key")
	certPath := filepath.Join(dir, "node.crt")

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, errkind.Wrap(errkind.CertificateInvalid, "read node.key", err)
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errkind.New(errkind.CertificateInvalid, "node.key is not valid PEM")
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, errkind.Wrap(errkind.CertificateInvalid, "parse private key", err)
	}

	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, errkind.Wrap(errkind.CertificateInvalid, "read node.crt", err)
	}
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, errkind.New(errkind.CertificateInvalid, "node.crt is not valid PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, errkind.Wrap(errkind.CertificateInvalid, "parse certificate", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, errkind.Wrap(errkind.CertificateInvalid, "marshal public key", err)
	}
	nodeID := DeriveNodeId(pubDER)
	if cert.Subject.CommonName != string(nodeID) {
		return nil, errkind.New(errkind.CertificateInvalid, "certificate subject does not match derived node id")
	}

	return &Identity{NodeID: nodeID, priv: priv, pub: &priv.PublicKey, Cert: cert, CertDER: certBlock.Bytes}, nil
}

func selfSignedCert(priv *rsa.PrivateKey, commonName string) ([]byte, *x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(10, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		IsCA:         true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	return der, cert, nil
}

func writeKeyFile(path string, priv *rsa.PrivateKey) error {
	der := x509.MarshalPKCS1PrivateKey(priv)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der})
	return writeFile0600(path, pemBytes)
}

func writeFile0600(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0600); err != nil {
		return errkind.Wrap(errkind.CertificateInvalid, fmt.Sprintf("write %s", path), err)
	}
	return nil
}

// NodeIdFromCert derives the NodeId a certificate would imply from its
// embedded public key, independent of whatever the certificate's subject
// claims — used by the handshake check in §4.1.
func NodeIdFromCert(cert *x509.Certificate) (NodeId, error) {
	rsaPub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return "", errkind.New(errkind.CertificateInvalid, "certificate public key is not RSA")
	}
	der, err := x509.MarshalPKIXPublicKey(rsaPub)
	if err != nil {
		return "", errkind.Wrap(errkind.CertificateInvalid, "marshal public key", err)
	}
	return DeriveNodeId(der), nil
}

// VerifyHandshakeIdentity applies the §4.1 NodeId-vs-certificate check: the
// remote certificate's derived NodeId must equal the NodeId the caller was
// targeting.
func VerifyHandshakeIdentity(cert *x509.Certificate, target NodeId) error {
	got, err := NodeIdFromCert(cert)
	if err != nil {
		return err
	}
	if got != target {
		return errkind.New(errkind.IdentityMismatch, fmt.Sprintf("expected %s, got %s", target, got))
	}
	return nil
}

// Verify checks that sig is a valid RSA-PSS signature over hash by the
// public key embedded in cert, and that cert's derived NodeId equals id.
func Verify(cert *x509.Certificate, id NodeId, hash, sig []byte) error {
	got, err := NodeIdFromCert(cert)
	if err != nil {
		return err
	}
	if got != id {
		return errkind.New(errkind.UnknownApprover, "certificate does not match claimed node id")
	}
	rsaPub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return errkind.New(errkind.CertificateInvalid, "certificate public key is not RSA")
	}
	opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto}
	if err := rsa.VerifyPSS(rsaPub, crypto.SHA256, hash, sig, opts); err != nil {
		return errkind.Wrap(errkind.SignatureInvalid, "pss verification failed", err)
	}
	return nil
}
