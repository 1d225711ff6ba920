// Package apnstest provides a push-gateway simulator and the throwaway
// PKI used to test clients against it: a certificate authority issuing
// the gateway certificate and single- or multi-topic client identities.
package apnstest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"net"
	"time"

	"crypto/tls"
)

var (
	oidUID    = asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 1}
	oidTopics = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 6, 3, 6}
)

// CertAuthority is an in-memory certificate authority for tests. Every
// certificate it issues lives for 24 hours.
type CertAuthority struct {
	cert   *x509.Certificate
	key    *ecdsa.PrivateKey
	serial int64
}

// NewCertAuthority generates a fresh self-signed authority.
func NewCertAuthority() (*CertAuthority, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "apnstest CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &CertAuthority{cert: cert, key: key, serial: 1}, nil
}

// Pool returns a certificate pool trusting only this authority.
func (ca *CertAuthority) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(ca.cert)
	return pool
}

func (ca *CertAuthority) issue(template *x509.Certificate, key *ecdsa.PrivateKey) (tls.Certificate, error) {
	ca.serial++
	template.SerialNumber = big.NewInt(ca.serial)
	template.NotBefore = time.Now().Add(-time.Hour)
	template.NotAfter = time.Now().Add(24 * time.Hour)
	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return tls.Certificate{}, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// ServerCertificate issues the gateway certificate for the given host
// names (IP literals are recognized).
func (ca *CertAuthority) ServerCertificate(hosts ...string) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	template := &x509.Certificate{
		Subject:     pkix.Name{CommonName: "apnstest gateway"},
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}
	return ca.issue(template, key)
}

// ClientCertificate issues a provider identity. With a single topic the
// certificate carries only the application bundle id (the UID subject
// attribute); with several topics it additionally carries the topics
// extension, turning it into a multi-topic identity that must name a
// topic on every notification.
func (ca *CertAuthority) ClientCertificate(bundleID string, topics ...string) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	template := &x509.Certificate{
		Subject: pkix.Name{
			CommonName: fmt.Sprintf("apnstest client: %s", bundleID),
			ExtraNames: []pkix.AttributeTypeAndValue{
				{Type: oidUID, Value: bundleID},
			},
		},
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	if len(topics) > 1 {
		ext, err := marshalTopics(topics)
		if err != nil {
			return tls.Certificate{}, err
		}
		template.ExtraExtensions = []pkix.Extension{{Id: oidTopics, Value: ext}}
	}
	return ca.issue(template, key)
}

// marshalTopics encodes the topics extension the way provider
// certificates carry it: a sequence where each topic name is followed by
// a sequence of the push types it covers.
func marshalTopics(topics []string) ([]byte, error) {
	var inner []byte
	for _, topic := range topics {
		name, err := asn1.Marshal(topic)
		if err != nil {
			return nil, err
		}
		kinds, err := asn1.Marshal([]string{"app"})
		if err != nil {
			return nil, err
		}
		inner = append(inner, name...)
		inner = append(inner, kinds...)
	}
	return asn1.Marshal(asn1.RawValue{
		Class:      asn1.ClassUniversal,
		Tag:        asn1.TagSequence,
		IsCompound: true,
		Bytes:      inner,
	})
}
