// SPDX-FileCopyrightText: Copyright (C) 2025 The Funkpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package stream

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// alpnProtos is the ALPN advertised on QUIC links.  The value is
// visible in the client/server hello, so a widely deployed protocol
// identifier beats one that fingerprints this software.
var alpnProtos = []string{"h3"}

// quicConn adapts one QUIC stream to net.Conn so the framed link code
// is identical for tcp and quic.
type quicConn struct {
	stream quic.Stream
	conn   quic.Connection
}

var _ net.Conn = (*quicConn)(nil)

func (q *quicConn) LocalAddr() net.Addr {
	return q.conn.LocalAddr()
}

func (q *quicConn) RemoteAddr() net.Addr {
	return q.conn.RemoteAddr()
}

func (q *quicConn) SetDeadline(t time.Time) error {
	return q.stream.SetDeadline(t)
}

func (q *quicConn) SetReadDeadline(t time.Time) error {
	return q.stream.SetReadDeadline(t)
}

func (q *quicConn) SetWriteDeadline(t time.Time) error {
	return q.stream.SetWriteDeadline(t)
}

func (q *quicConn) Close() error {
	err := q.stream.Close()
	q.conn.CloseWithError(0, "")
	return err
}

func (q *quicConn) Read(b []byte) (int, error) {
	return q.stream.Read(b)
}

func (q *quicConn) Write(b []byte) (int, error) {
	return q.stream.Write(b)
}

// quicListener adapts a QUIC listener to net.Listener, accepting a
// single stream per connection.
type quicListener struct {
	listener *quic.Listener
}

var _ net.Listener = (*quicListener)(nil)

func (l *quicListener) Accept() (net.Conn, error) {
	ctx := context.Background()
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	return &quicConn{conn: conn, stream: stream}, nil
}

func (l *quicListener) Addr() net.Addr {
	return l.listener.Addr()
}

func (l *quicListener) Close() error {
	return l.listener.Close()
}

// dialQuic establishes a QUIC connection and opens its single stream.
func dialQuic(ctx context.Context, addr string) (net.Conn, error) {
	conn, err := quic.DialAddr(ctx, addr, clientTLSConfig(), nil)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	return &quicConn{conn: conn, stream: stream}, nil
}

// generateTLSConfig builds a throwaway self signed server credential.
// QUIC requires TLS, but link authentication happens above it: peers
// prove identity with the noise handshake, not certificates.
func generateTLSConfig() (*tls.Config, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return nil, err
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   alpnProtos,
	}, nil
}

func clientTLSConfig() *tls.Config {
	// The server credential is ephemeral and self signed, there is
	// nothing for the client to verify at this layer.
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         alpnProtos,
	}
}
