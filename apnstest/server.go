package apnstest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	apns "github.com/qiemiaopu/pushy"
)

// Server simulates a push gateway over TLS and HTTP/2. It verifies the
// provider identity presented during the handshake, resolves topics from
// it, and answers notifications for registered tokens the way the real
// service does. A stopped server can be started again on the same port,
// which is how reconnection behavior gets exercised in tests.
type Server struct {
	tlsConfig *tls.Config
	log       *zap.Logger

	mu     sync.Mutex
	srv    *http.Server
	tokens map[string]map[string]*time.Time
}

// NewServer creates a simulator that presents cert and accepts only
// clients whose certificates verify against clientCAs. A nil logger
// disables logging.
func NewServer(cert tls.Certificate, clientCAs *x509.CertPool, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		// TLS 1.2 keeps client certificate verification inside the
		// handshake itself, so a rejected identity fails the client's
		// connect instead of its first request.
		tlsConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			ClientAuth:   tls.RequireAndVerifyClientCert,
			ClientCAs:    clientCAs,
			MinVersion:   tls.VersionTLS12,
			MaxVersion:   tls.VersionTLS12,
			NextProtos:   []string{"h2"},
		},
		log:    logger,
		tokens: make(map[string]map[string]*time.Time),
	}
}

// RegisterToken marks token as able to receive notifications for topic.
// An optional expiration marks the token as no longer valid as of that
// time; notifications to it are then rejected as unregistered.
func (s *Server) RegisterToken(topic, token string, expiration ...time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tokens := s.tokens[topic]
	if tokens == nil {
		tokens = make(map[string]*time.Time)
		s.tokens[topic] = tokens
	}
	if len(expiration) > 0 {
		exp := expiration[0]
		tokens[strings.ToLower(token)] = &exp
	} else {
		tokens[strings.ToLower(token)] = nil
	}
}

// Start binds the listening port and begins serving. It returns once the
// port is bound; registered tokens survive a Shutdown/Start cycle.
func (s *Server) Start(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return fmt.Errorf("apnstest: server already started")
	}
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:      addr,
		Handler:   http.HandlerFunc(s.handle),
		TLSConfig: s.tlsConfig.Clone(),
		ErrorLog:  zap.NewStdLog(s.log),
	}
	if err = http2.ConfigureServer(srv, &http2.Server{}); err != nil {
		ln.Close()
		return err
	}
	s.srv = srv
	s.log.Info("gateway simulator listening", zap.String("addr", addr))
	go func() {
		if err := srv.ServeTLS(ln, "", ""); err != nil && err != http.ErrServerClosed {
			s.log.Warn("gateway simulator stopped", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops serving and closes open connections, signalling
// connected clients that the server is going away. It is a no-op when
// the server is not running.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(ctx)
	srv.Close()
	return err
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get("apns-id")
	if id != "" {
		w.Header().Set("apns-id", id)
	}
	if r.Method != http.MethodPost {
		s.reject(w, http.StatusMethodNotAllowed, apns.ReasonMethodNotAllowed, nil)
		return
	}
	token := strings.TrimPrefix(r.URL.Path, "/3/device/")
	if token == r.URL.Path || token == "" {
		s.reject(w, http.StatusNotFound, apns.ReasonBadPath, nil)
		return
	}
	info, err := s.peerInfo(r)
	if err != nil {
		s.reject(w, http.StatusForbidden, apns.ReasonBadCertificate, nil)
		return
	}
	topic := r.Header.Get("apns-topic")
	switch {
	case topic == "" && info.MultiTopic():
		s.reject(w, http.StatusBadRequest, apns.ReasonMissingTopic, nil)
		return
	case topic == "":
		topic = info.DefaultTopic()
	case !info.AllowsTopic(topic):
		s.reject(w, http.StatusBadRequest, apns.ReasonTopicDisallowed, nil)
		return
	}
	s.mu.Lock()
	expiration, ok := s.tokens[topic][strings.ToLower(token)]
	s.mu.Unlock()
	switch {
	case !ok:
		s.reject(w, http.StatusBadRequest, apns.ReasonDeviceTokenNotForTopic, nil)
	case expiration != nil:
		s.reject(w, http.StatusGone, apns.ReasonUnregistered, expiration)
	default:
		s.log.Debug("notification accepted",
			zap.String("topic", topic), zap.String("token", token))
		w.WriteHeader(http.StatusOK)
	}
}

// peerInfo reads the provider identity off the verified client
// certificate.
func (s *Server) peerInfo(r *http.Request) (*apns.CertificateInfo, error) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return nil, fmt.Errorf("apnstest: no client certificate")
	}
	leaf := r.TLS.PeerCertificates[0]
	return apns.GetCertificateInfo(tls.Certificate{
		Certificate: [][]byte{leaf.Raw},
		Leaf:        leaf,
	})
}

func (s *Server) reject(w http.ResponseWriter, status int, reason string, expiration *time.Time) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := struct {
		Reason    string `json:"reason"`
		Timestamp int64  `json:"timestamp,omitempty"`
	}{Reason: reason}
	if expiration != nil {
		body.Timestamp = expiration.Unix()
	}
	if err := json.NewEncoder(w).Encode(&body); err != nil {
		s.log.Warn("rejection write failed", zap.Error(err))
	}
}
