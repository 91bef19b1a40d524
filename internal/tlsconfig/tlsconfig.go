// Package tlsconfig builds the outbound TLS context used by the Model
// Adapter and the Hub HTTP client, honoring CA file / proxy /
// insecure-skip flags.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
)

// ErrInvalidCAFile is wrapped into MODEL_TLS_CONFIG_INVALID by callers
// that need the adapter error taxonomy; this package stays error-code
// agnostic so it can be reused by the Hub client too.
var ErrInvalidCAFile = errors.New("tlsconfig: invalid CA file")

// Options mirrors the TLS environment-variable inputs.
type Options struct {
	InsecureSkipVerify bool
	CAFile             string
	AnyProxyEnvSet     bool
}

// ResolveFromEnv reads the TLS flags directly from the process
// environment, for callers without a resolved Config.
func ResolveFromEnv() Options {
	return Options{
		InsecureSkipVerify: truthy(os.Getenv("WORKER_TLS_INSECURE_SKIP_VERIFY")),
		CAFile:             firstNonEmpty(os.Getenv("WORKER_TLS_CA_FILE"), os.Getenv("SSL_CERT_FILE"), os.Getenv("REQUESTS_CA_BUNDLE"), os.Getenv("CURL_CA_BUNDLE")),
		AnyProxyEnvSet:     anyProxyEnvSet(),
	}
}

// Resolve builds a *tls.Config for a given URL scheme. Returns nil (use
// the default transport) when scheme is not "https". Returns
// ErrInvalidCAFile if an explicit CA file is set but unreadable or
// unparsable — checked before any network I/O happens.
func Resolve(scheme string, opts Options) (*tls.Config, error) {
	if scheme != "https" {
		return nil, nil
	}
	if opts.InsecureSkipVerify {
		return &tls.Config{InsecureSkipVerify: true}, nil
	}
	if opts.CAFile != "" {
		pool, err := loadCAFile(opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidCAFile, opts.CAFile, err)
		}
		return &tls.Config{RootCAs: pool}, nil
	}
	if runtime.GOOS == "darwin" && opts.AnyProxyEnvSet {
		pool, err := darwinSystemTrustBundle()
		if err == nil && pool != nil {
			return &tls.Config{RootCAs: pool}, nil
		}
	}
	return nil, nil
}

func loadCAFile(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates parsed from %s", path)
	}
	return pool, nil
}

var (
	darwinBundleOnce sync.Once
	darwinBundlePool *x509.CertPool
	darwinBundlePath string
)

// darwinSystemTrustBundle exports the macOS system trust store to a
// temp PEM file once per process (proxies on macOS often terminate TLS
// with a corporate CA only present in the system keychain, not Go's
// default root set) and caches the resulting pool for the process
// lifetime. The temp file is removed on cleanup via RemoveCachedBundle.
func darwinSystemTrustBundle() (*x509.CertPool, error) {
	var err error
	darwinBundleOnce.Do(func() {
		var f *os.File
		f, err = os.CreateTemp("", "goyais-darwin-trust-*.pem")
		if err != nil {
			return
		}
		darwinBundlePath = f.Name()
		f.Close()

		cmd := exec.Command("sh", "-c", "security find-certificate -a -p /System/Library/Keychains/SystemRootCertificates.keychain > "+darwinBundlePath)
		if runErr := cmd.Run(); runErr != nil {
			err = runErr
			return
		}
		data, readErr := os.ReadFile(darwinBundlePath)
		if readErr != nil {
			err = readErr
			return
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			err = errors.New("no certificates parsed from darwin system trust export")
			return
		}
		darwinBundlePool = pool
	})
	return darwinBundlePool, err
}

// RemoveCachedBundle cleans up the darwin trust bundle temp file, if any
// was created. Call once at process shutdown.
func RemoveCachedBundle() {
	if darwinBundlePath != "" {
		os.Remove(darwinBundlePath)
	}
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func anyProxyEnvSet() bool {
	for _, k := range []string{"HTTP_PROXY", "HTTPS_PROXY", "http_proxy", "https_proxy", "ALL_PROXY", "all_proxy"} {
		if os.Getenv(k) != "" {
			return true
		}
	}
	return false
}
