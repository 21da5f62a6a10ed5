package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"

	utls "github.com/refraction-networking/utls"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// newFingerprintTransport builds an http.Transport whose TLS handshakes
// imitate Chrome. SOCKS5 proxies run under the fingerprint; HTTP(S) proxies
// fall back to the standard library TLS stack because the CONNECT tunnel is
// managed inside net/http.
func newFingerprintTransport(proxyURL string) http.RoundTripper {
	dial := baseDialer(proxyURL)

	transport := &http.Transport{
		DialContext:    dial,
		DialTLSContext: chromeDialTLS(dial),
	}

	if proxyURL != "" {
		if parsed, err := url.Parse(proxyURL); err == nil && (parsed.Scheme == "http" || parsed.Scheme == "https") {
			log.Warnf("http proxy configured; TLS fingerprinting is disabled through CONNECT tunnels")
			transport.DialTLSContext = nil
			transport.Proxy = http.ProxyURL(parsed)
		}
	}
	return transport
}

// baseDialer returns the raw TCP dial function, routed through a SOCKS5
// proxy when one is configured.
func baseDialer(proxyURL string) func(ctx context.Context, network, addr string) (net.Conn, error) {
	direct := &net.Dialer{}

	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err == nil && parsed.Scheme == "socks5" {
			var auth *proxy.Auth
			if parsed.User != nil {
				password, _ := parsed.User.Password()
				auth = &proxy.Auth{User: parsed.User.Username(), Password: password}
			}
			dialer, errSOCKS5 := proxy.SOCKS5("tcp", parsed.Host, auth, proxy.Direct)
			if errSOCKS5 != nil {
				log.Errorf("create SOCKS5 dialer failed: %v", errSOCKS5)
			} else {
				return func(ctx context.Context, network, addr string) (net.Conn, error) {
					if cd, ok := dialer.(proxy.ContextDialer); ok {
						return cd.DialContext(ctx, network, addr)
					}
					return dialer.Dial(network, addr)
				}
			}
		}
	}
	return direct.DialContext
}

// chromeDialTLS performs the TLS handshake with a Chrome ClientHello.
// ALPN is pinned to http/1.1 so the connection stays on the transport that
// dialed it.
func chromeDialTLS(dial func(ctx context.Context, network, addr string) (net.Conn, error)) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		rawConn, err := dial(ctx, network, addr)
		if err != nil {
			return nil, err
		}

		host := addr
		if h, _, errSplit := net.SplitHostPort(addr); errSplit == nil {
			host = h
		}

		spec, err := utls.UTLSIdToSpec(utls.HelloChrome_Auto)
		if err != nil {
			_ = rawConn.Close()
			return nil, err
		}
		for _, ext := range spec.Extensions {
			if alpn, ok := ext.(*utls.ALPNExtension); ok {
				alpn.AlpnProtocols = []string{"http/1.1"}
			}
		}

		conn := utls.UClient(rawConn, &utls.Config{ServerName: host}, utls.HelloCustom)
		if err = conn.ApplyPreset(&spec); err != nil {
			_ = rawConn.Close()
			return nil, err
		}
		if err = conn.HandshakeContext(ctx); err != nil {
			_ = rawConn.Close()
			return nil, err
		}
		if negotiated := conn.ConnectionState().NegotiatedProtocol; negotiated != "" && negotiated != "http/1.1" {
			log.Debugf("unexpected ALPN protocol %q from %s", negotiated, strings.ToLower(host))
		}
		return conn, nil
	}
}
