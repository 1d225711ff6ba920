package apns

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/asn1"
	"os"
	"time"

	"golang.org/x/crypto/pkcs12"
)

// LoadCertificate returns the parsed TLS certificate from a .p12 file.
func LoadCertificate(filename, password string) (*tls.Certificate, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	privateKey, x509Cert, err := pkcs12.Decode(data, password)
	if err != nil {
		return nil, err
	}
	cert := &tls.Certificate{
		Certificate: [][]byte{x509Cert.Raw},
		PrivateKey:  privateKey,
		Leaf:        x509Cert,
	}
	if _, err = x509Cert.Verify(x509.VerifyOptions{}); err != nil {
		if _, ok := err.(x509.UnknownAuthorityError); !ok {
			return cert, err
		}
	}
	return cert, nil
}

// CertificateInfo describes the push-relevant attributes of a provider
// certificate: the application it belongs to and the set of topics its
// identity may push to.
type CertificateInfo struct {
	CName       string    // certificate full name
	BundleID    string    // application bundle ID (UID attribute)
	Topics      []string  // topics extension; empty for single-topic certificates
	Development bool      // sandbox environment flag
	Production  bool      // production environment flag
	Expire      time.Time // expiration date and time
}

// CertificateInfo object identifiers.
var (
	typeBundle      = asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 1}
	typeDevelopment = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 6, 3, 1}
	typeProduction  = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 6, 3, 2}
	typeTopics      = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 6, 3, 6}
)

// GetCertificateInfo parses and returns information about the
// certificate.
func GetCertificateInfo(certificate tls.Certificate) (*CertificateInfo, error) {
	cert := certificate.Leaf
	if cert == nil {
		var err error
		if cert, err = x509.ParseCertificate(certificate.Certificate[0]); err != nil {
			return nil, err
		}
	}
	return parseCertificateInfo(cert), nil
}

func parseCertificateInfo(cert *x509.Certificate) *CertificateInfo {
	var info = &CertificateInfo{
		CName:  cert.Subject.CommonName,
		Expire: cert.NotAfter,
	}
	for _, attr := range cert.Subject.Names {
		if attr.Type.Equal(typeBundle) {
			if s, ok := attr.Value.(string); ok {
				info.BundleID = s
			}
		}
	}
	for _, ext := range cert.Extensions {
		switch {
		case ext.Id.Equal(typeDevelopment):
			info.Development = true
		case ext.Id.Equal(typeProduction):
			info.Production = true
		case ext.Id.Equal(typeTopics):
			info.Topics = parseTopics(ext.Value)
		}
	}
	return info
}

// parseTopics decodes the topics extension: a sequence of topic names,
// each followed by a sequence of the push types it covers. Only the names
// matter here.
func parseTopics(value []byte) []string {
	var raw asn1.RawValue
	if _, err := asn1.Unmarshal(value, &raw); err != nil {
		return nil
	}
	var topics []string
	for rest := raw.Bytes; len(rest) > 0; {
		var topic string
		var err error
		if rest, err = asn1.Unmarshal(rest, &topic); err != nil {
			break
		}
		topics = append(topics, topic)
		var kinds []string
		if rest, err = asn1.Unmarshal(rest, &kinds); err != nil {
			break
		}
	}
	return topics
}

// MultiTopic reports whether the certificate identity is authorized for
// more than one topic. Such identities must name a topic on every
// notification.
func (i *CertificateInfo) MultiTopic() bool { return len(i.Topics) > 1 }

// DefaultTopic returns the topic used when a notification does not name
// one. For multi-topic identities there is no default and the empty
// string is returned.
func (i *CertificateInfo) DefaultTopic() string {
	if i.MultiTopic() {
		return ""
	}
	if len(i.Topics) == 1 {
		return i.Topics[0]
	}
	return i.BundleID
}

// AllowsTopic reports whether the certificate identity may push to the
// given topic.
func (i *CertificateInfo) AllowsTopic(topic string) bool {
	if len(i.Topics) == 0 {
		return topic == i.BundleID
	}
	for _, name := range i.Topics {
		if name == topic {
			return true
		}
	}
	return false
}

// String returns the certificate CName.
func (i *CertificateInfo) String() string { return i.CName }
