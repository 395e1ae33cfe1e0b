// Package util provides utility functions for the AgentGate server.
// It includes helper functions for proxy configuration, HTTP client setup,
// and other common operations used across the application.
package util

import (
	"context"
	"net"
	"net/http"
	"net/url"

	"github.com/agentgate-dev/agentgate/internal/config"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// SetProxy configures the provided HTTP client with proxy settings from the
// configuration. It supports SOCKS5, HTTP, and HTTPS proxies. The function
// modifies the client's transport to route requests through the configured
// proxy server.
func SetProxy(cfg *config.Config, httpClient *http.Client) *http.Client {
	if cfg == nil || cfg.ProxyURL == "" {
		return httpClient
	}
	if transport := TransportForProxy(cfg.ProxyURL); transport != nil {
		httpClient.Transport = transport
	}
	return httpClient
}

// TransportForProxy builds an http.RoundTripper routing through the given
// proxy URL. Returns nil when the URL is empty or unusable.
func TransportForProxy(proxyAddr string) http.RoundTripper {
	if proxyAddr == "" {
		return nil
	}
	proxyURL, errParse := url.Parse(proxyAddr)
	if errParse != nil {
		log.Errorf("parse proxy url failed: %v", errParse)
		return nil
	}
	switch proxyURL.Scheme {
	case "socks5":
		username := proxyURL.User.Username()
		password, _ := proxyURL.User.Password()
		proxyAuth := &proxy.Auth{User: username, Password: password}
		dialer, errSOCKS5 := proxy.SOCKS5("tcp", proxyURL.Host, proxyAuth, proxy.Direct)
		if errSOCKS5 != nil {
			log.Errorf("create SOCKS5 dialer failed: %v", errSOCKS5)
			return nil
		}
		return &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			},
		}
	case "http", "https":
		return &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}
	return nil
}
