package shadow

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"codeberg.org/mutker/shadowmon/internal/config"
	"codeberg.org/mutker/shadowmon/internal/errors"
)

// alpnMQTT lets mutual-TLS MQTT share port 443 with HTTPS on AWS IoT.
const alpnMQTT = "x-amzn-mqtt-ca"

// LoadTLSConfig builds the TLS configuration for id: the root CA pool, plus
// the device key pair unless the identity uses WebSocket auth.
func LoadTLSConfig(id config.Identity) (*tls.Config, error) {
	errFactory := errors.New()

	caPEM, err := os.ReadFile(id.RootCAPath)
	if err != nil {
		return nil, errFactory.Wrap(ErrTLSConfig, err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errFactory.WithData(ErrTLSConfig, "no certificates found in "+id.RootCAPath)
	}

	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    pool,
		ServerName: id.Host,
	}

	if id.Websocket {
		return cfg, nil
	}

	cert, err := tls.LoadX509KeyPair(id.CertPath, id.KeyPath)
	if err != nil {
		return nil, errFactory.Wrap(ErrTLSConfig, err)
	}
	cfg.Certificates = []tls.Certificate{cert}

	if id.Port == config.DefaultWebsocketPort {
		cfg.NextProtos = []string{alpnMQTT}
	}

	return cfg, nil
}
