package rpc

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// SSLOptions configures transport security for a channel.
type SSLOptions struct {
	Enabled bool `yaml:"enabled"`

	// PEM files. Empty paths fall back to the defaults chosen by the
	// grpc runtime (system roots, no client certificate).
	RootCertificatesPath string `yaml:"root_certificates_path"`
	PrivateKeyPath       string `yaml:"private_key_path"`
	CertificateChainPath string `yaml:"certificate_chain_path"`
}

// ChannelOptions are the defaults used to build a connection when the
// URI doesn't specify them.
type ChannelOptions struct {
	// Port used when the URI has none. 0 means the URI must carry one.
	Port int        `yaml:"port"`
	SSL  SSLOptions `yaml:"ssl"`

	// KeepAliveTime enables HTTP2 keep-alive pings when non-zero.
	KeepAliveTime    time.Duration `yaml:"keep_alive_time"`
	KeepAliveTimeout time.Duration `yaml:"keep_alive_timeout"`
}

// DefaultChannelOptions enables SSL and a 20 second keep-alive timeout,
// with keep-alive pings disabled.
func DefaultChannelOptions() ChannelOptions {
	return ChannelOptions{
		SSL:              SSLOptions{Enabled: true},
		KeepAliveTimeout: 20 * time.Second,
	}
}

// dialSpec is the resolved form of a grpc:// URI, kept separate from
// dialing so URI handling stays testable without a network.
type dialSpec struct {
	target    string
	ssl       bool
	rootCAs   string
	key       string
	chain     string
	keepAlive ChannelOptions
}

// Dial creates a client connection from a URI of the form
//
//	grpc://hostname[:port][?param=value&...]
//
// Supported query parameters: ssl (bool), ssl_root_certificates_path,
// ssl_private_key_path, ssl_certificate_chain_path. Boolean values
// accept true/1/on and false/0/off, case-insensitive. When a parameter
// is repeated, the last value wins. Anything else in the URI is an
// error. The connection is lazy: no traffic flows until the first call.
func Dial(uri string, defaults ChannelOptions) (*grpc.ClientConn, error) {
	spec, err := resolveURI(uri, defaults)
	if err != nil {
		return nil, err
	}

	creds, err := spec.credentials()
	if err != nil {
		return nil, err
	}

	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if defaults.KeepAliveTime > 0 {
		opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                defaults.KeepAliveTime,
			Timeout:             defaults.KeepAliveTimeout,
			PermitWithoutStream: true,
		}))
	}

	conn, err := grpc.NewClient(spec.target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create channel for %q: %w", uri, err)
	}
	return conn, nil
}

func resolveURI(uri string, defaults ChannelOptions) (*dialSpec, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid URI %q: %w", uri, err)
	}
	if u.Scheme != "grpc" {
		return nil, fmt.Errorf("invalid scheme %q in URI %q, expected \"grpc\"", u.Scheme, uri)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("host name is missing in URI %q", uri)
	}
	switch {
	case u.Path != "":
		return nil, fmt.Errorf("unexpected path %q in URI %q", u.Path, uri)
	case u.Fragment != "":
		return nil, fmt.Errorf("unexpected fragment %q in URI %q", u.Fragment, uri)
	case u.User != nil:
		return nil, fmt.Errorf("unexpected user info %q in URI %q", u.User, uri)
	}

	port := u.Port()
	if port == "" {
		if defaults.Port == 0 {
			return nil, fmt.Errorf("URI %q doesn't specify a port and there is no default", uri)
		}
		port = fmt.Sprintf("%d", defaults.Port)
	}

	spec := &dialSpec{
		target:  u.Hostname() + ":" + port,
		ssl:     defaults.SSL.Enabled,
		rootCAs: defaults.SSL.RootCertificatesPath,
		key:     defaults.SSL.PrivateKeyPath,
		chain:   defaults.SSL.CertificateChainPath,
	}

	params, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil, fmt.Errorf("invalid query string in URI %q: %w", uri, err)
	}
	sslSet := false
	for key, values := range params {
		value := values[len(values)-1] // last one wins
		switch key {
		case "ssl":
			spec.ssl, err = parseBool(value)
			if err != nil {
				return nil, fmt.Errorf("invalid %q value in URI %q: %w", key, uri, err)
			}
			sslSet = true
		case "ssl_root_certificates_path":
			spec.rootCAs = value
		case "ssl_private_key_path":
			spec.key = value
		case "ssl_certificate_chain_path":
			spec.chain = value
		default:
			return nil, fmt.Errorf("unexpected query parameter %q in URI %q", key, uri)
		}
	}

	if sslSet && !spec.ssl {
		var conflicting []string
		for key := range params {
			if strings.HasPrefix(key, "ssl_") {
				conflicting = append(conflicting, key)
			}
		}
		if len(conflicting) > 0 {
			return nil, fmt.Errorf(
				"option(s) %s found in URI %q, but SSL is disabled",
				strings.Join(conflicting, ", "), uri)
		}
	}

	return spec, nil
}

func (s *dialSpec) credentials() (credentials.TransportCredentials, error) {
	if !s.ssl {
		return insecure.NewCredentials(), nil
	}

	cfg := &tls.Config{}
	if s.rootCAs != "" {
		pem, err := os.ReadFile(s.rootCAs)
		if err != nil {
			return nil, fmt.Errorf("failed to read root certificates from %q: %w", s.rootCAs, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no valid root certificates in %q", s.rootCAs)
		}
		cfg.RootCAs = pool
	}
	if s.key != "" || s.chain != "" {
		if s.key == "" || s.chain == "" {
			return nil, fmt.Errorf(
				"both a private key and a certificate chain are needed, got key=%q chain=%q",
				s.key, s.chain)
		}
		cert, err := tls.LoadX509KeyPair(s.chain, s.key)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return credentials.NewTLS(cfg), nil
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "true", "on", "1":
		return true, nil
	case "false", "off", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean value %q", value)
}
