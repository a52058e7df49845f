package plugins

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"motya/internal/configmodel"
)

func TestLoad_FilePlugin_RejectsOversizedBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.wasm")
	if err := os.WriteFile(path, make([]byte, maxPluginBytes+1), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewStore(context.Background())
	defer s.Close(context.Background())

	err := s.Load(context.Background(), configmodel.PluginDef{FQDN: "acme.test.big", SourceKind: configmodel.PluginSourceFile, Source: path})
	if err == nil {
		t.Fatal("expected the oversized plugin to be rejected")
	}
}

func TestLoad_URLPlugin_HEADPreflightRejectsOversized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(maxPluginBytes+1))
			return
		}
		t.Fatal("GET should never be reached once the HEAD preflight rejects the size")
	}))
	defer srv.Close()

	s := NewStore(context.Background())
	defer s.Close(context.Background())

	err := s.Load(context.Background(), configmodel.PluginDef{FQDN: "acme.test.remote", SourceKind: configmodel.PluginSourceURL, Source: srv.URL})
	if err == nil {
		t.Fatal("expected a HEAD-preflight size rejection")
	}
}

func TestLoad_MissingSource(t *testing.T) {
	s := NewStore(context.Background())
	defer s.Close(context.Background())

	err := s.Load(context.Background(), configmodel.PluginDef{FQDN: "acme.test.nowhere", SourceKind: configmodel.PluginSourceURL})
	if err == nil {
		t.Fatal("expected an error when a plugin has neither path nor url")
	}
}

func TestInvoke_UnknownPluginIsAnError(t *testing.T) {
	s := NewStore(context.Background())
	defer s.Close(context.Background())

	_, err := s.Invoke(context.Background(), "never-loaded", GuestRequest{}, &requestHost{})
	if err == nil {
		t.Fatal("expected an error invoking a plugin that was never loaded")
	}
}
