package cli

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io/ioutil"
	"net"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/turnrelay/turnrelayd/internal/server"
)

// ListenAndServe builds a Server bound to laddr for relay-socket sizing
// and starts its UDP listener. It is the listenFunc used for every
// address in server.listen.
func ListenAndServe(network, laddr string, u *server.Updater) error {
	opt := u.Get()
	host, _, err := net.SplitHostPort(laddr)
	if err != nil {
		return errors.Wrapf(err, "invalid listen address %q", laddr)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, lookupErr := net.LookupIP(host)
		if lookupErr != nil || len(ips) == 0 {
			return errors.Wrapf(lookupErr, "failed to resolve %q", host)
		}
		ip = ips[0]
	}
	opt.Conn = &net.UDPAddr{IP: ip, Port: 0}

	s, err := server.New(opt)
	if err != nil {
		return err
	}
	u.Subscribe(s)
	if err := s.ListenUDP(laddr, opt.ReusePort); err != nil {
		return err
	}

	if opt.TCPPort != 0 {
		tcpAddr := fmt.Sprintf("%s:%d", host, opt.TCPPort)
		if err := s.ListenTCP(tcpAddr, opt.TLS); err != nil {
			return err
		}
	}
	select {}
}

// loadTLSConfig builds a server tls.Config from ca_file/cert_file/
// private_key_file (spec §6). ca_file is optional and, when present,
// enables client-certificate verification.
func loadTLSConfig(v *viper.Viper) (*tls.Config, error) {
	certFile := v.GetString("server.cert_file")
	keyFile := v.GetString("server.private_key_file")
	if certFile == "" || keyFile == "" {
		return nil, fmt.Errorf("tls enabled but cert_file/private_key_file not set")
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load TLS certificate")
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}

	if caFile := v.GetString("server.ca_file"); caFile != "" {
		pem, readErr := ioutil.ReadFile(caFile) // #nosec
		if readErr != nil {
			return nil, errors.Wrap(readErr, "failed to read ca_file")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca_file %s contains no usable certificates", caFile)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}
