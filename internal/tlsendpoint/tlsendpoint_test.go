package tlsendpoint

import "testing"

func TestServerTLSConfigRequiresBothFiles(t *testing.T) {
	if _, err := serverTLSConfig(Config{CertFile: "only-cert.pem"}); err == nil {
		t.Fatal("expected error when key file is missing")
	}
	if _, err := serverTLSConfig(Config{KeyFile: "only-key.pem"}); err == nil {
		t.Fatal("expected error when cert file is missing")
	}
}

func TestWrapListenerFailsFastOnMissingFiles(t *testing.T) {
	if _, err := WrapListener(nil, Config{CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"}); err == nil {
		t.Fatal("expected error loading a nonexistent key pair")
	}
}
