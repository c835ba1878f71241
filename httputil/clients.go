package httputil

import (
	"crypto/tls"
	"net/http"
	"net/url"
	"time"
)

type Clients struct {
	Feed  *http.Client // optionally proxied, for the snapshot feed
	Store *http.Client // direct, for the spreadsheet API
}

// NewClients builds the shared HTTP clients. proxyURL may be empty.
func NewClients(proxyURL string, storeTimeout time.Duration) (*Clients, error) {
	transport := &http.Transport{
		Proxy:             http.ProxyFromEnvironment,
		ForceAttemptHTTP2: false,
		TLSNextProto:      make(map[string]func(string, *tls.Conn) http.RoundTripper),
	}
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, err
		}
		transport.Proxy = http.ProxyURL(u)
	}

	// Store calls are bounded by their context deadline, not a client timeout.
	if storeTimeout <= 0 {
		storeTimeout = 30 * time.Second
	}
	return &Clients{
		Feed: &http.Client{Timeout: 60 * time.Second, Transport: transport},
		Store: &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: storeTimeout,
			IdleConnTimeout:       90 * time.Second,
		}},
	}, nil
}
