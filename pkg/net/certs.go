package net

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/cuemby/startd/pkg/errdefs"
	"github.com/cuemby/startd/pkg/types"
)

// CertChain is the leaf, intermediate and root PEMs for a host.
type CertChain struct {
	Leaf         string
	Intermediate string
	Root         string
	LeafKey      string
}

// CertAuthority issues per-host certificate chains from an embedded root.
// The root and intermediate are generated once (at setup) and persisted;
// leaves are issued on demand and cached per (host, algorithm).
type CertAuthority struct {
	mu           sync.Mutex
	rootKey      *ecdsa.PrivateKey
	rootCert     *x509.Certificate
	intKey       *ecdsa.PrivateKey
	intCert      *x509.Certificate
	leaves       map[string]*CertChain
}

// NewCertAuthority generates a fresh root and intermediate.
func NewCertAuthority(hostname string) (*CertAuthority, error) {
	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindNetwork, err)
	}
	rootTemplate := &x509.Certificate{
		SerialNumber:          newSerial(),
		Subject:               pkix.Name{CommonName: fmt.Sprintf("%s Local Root CA", hostname)},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}
	rootDer, err := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, &rootKey.PublicKey, rootKey)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindNetwork, err)
	}
	rootCert, err := x509.ParseCertificate(rootDer)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindNetwork, err)
	}

	intKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindNetwork, err)
	}
	intTemplate := &x509.Certificate{
		SerialNumber:          newSerial(),
		Subject:               pkix.Name{CommonName: fmt.Sprintf("%s Intermediate CA", hostname)},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(5, 0, 0),
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	intDer, err := x509.CreateCertificate(rand.Reader, intTemplate, rootCert, &intKey.PublicKey, rootKey)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindNetwork, err)
	}
	intCert, err := x509.ParseCertificate(intDer)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindNetwork, err)
	}

	return &CertAuthority{
		rootKey:  rootKey,
		rootCert: rootCert,
		intKey:   intKey,
		intCert:  intCert,
		leaves:   make(map[string]*CertChain),
	}, nil
}

// RootPEM returns the root certificate PEM.
func (ca *CertAuthority) RootPEM() string {
	return encodePEM("CERTIFICATE", ca.rootCert.Raw)
}

// Issue returns a certificate chain for the host's names, generating and
// caching the leaf on first use.
func (ca *CertAuthority) Issue(host types.HostId, names []string, algorithm types.CertAlgorithm) (*CertChain, error) {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	if algorithm == "" {
		algorithm = types.AlgorithmEcdsa
	}
	cacheKey := host.String() + "/" + string(algorithm)
	if chain, ok := ca.leaves[cacheKey]; ok {
		return chain, nil
	}

	var pub crypto.PublicKey
	var keyPEM string
	switch algorithm {
	case types.AlgorithmEcdsa:
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindNetwork, err)
		}
		der, err := x509.MarshalECPrivateKey(key)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindNetwork, err)
		}
		pub = &key.PublicKey
		keyPEM = encodePEM("EC PRIVATE KEY", der)
	case types.AlgorithmEd25519:
		public, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindNetwork, err)
		}
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.KindNetwork, err)
		}
		pub = public
		keyPEM = encodePEM("PRIVATE KEY", der)
	default:
		return nil, errdefs.Newf(errdefs.KindInvalidRequest, "unknown algorithm %q", algorithm)
	}

	template := &x509.Certificate{
		SerialNumber: newSerial(),
		Subject:      pkix.Name{CommonName: names[0]},
		DNSNames:     names,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.intCert, pub, ca.intKey)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindNetwork, err)
	}

	chain := &CertChain{
		Leaf:         encodePEM("CERTIFICATE", der),
		Intermediate: encodePEM("CERTIFICATE", ca.intCert.Raw),
		Root:         encodePEM("CERTIFICATE", ca.rootCert.Raw),
		LeafKey:      keyPEM,
	}
	ca.leaves[cacheKey] = chain
	return chain, nil
}

// InvalidateLeaf drops a cached leaf so the next Issue regenerates it,
// e.g. after the host's names change.
func (ca *CertAuthority) InvalidateLeaf(host types.HostId) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	for _, alg := range []types.CertAlgorithm{types.AlgorithmEcdsa, types.AlgorithmEd25519} {
		delete(ca.leaves, host.String()+"/"+string(alg))
	}
}

func newSerial() *big.Int {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		// rand.Reader failing is unrecoverable
		panic(err)
	}
	return serial
}

func encodePEM(blockType string, der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}))
}
