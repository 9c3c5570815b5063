package httpclient

import "testing"

func TestPoolClientSelectsByCertValidation(t *testing.T) {
	p := NewPool()

	if p.Client(false) != p.secure {
		t.Fatalf("expected secure client when ignoreCertificateValidation is false")
	}
	if p.Client(true) != p.insecure {
		t.Fatalf("expected insecure client when ignoreCertificateValidation is true")
	}
	if p.secure == p.insecure {
		t.Fatalf("expected distinct client instances")
	}
}

func TestPoolClientsFollowRedirectLimit(t *testing.T) {
	p := NewPool()
	if p.secure.CheckRedirect == nil || p.insecure.CheckRedirect == nil {
		t.Fatalf("expected both clients to enforce a redirect limit")
	}
}
