package whitelist

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, body string) string {
	path := filepath.Join(dir, "servers.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadAndLookup(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, `{"servers":[
		{"id":"local","name":"Local Test","host":"127.0.0.1","port":64738},
		{"id":"insecure","name":"Self-signed","host":"10.0.0.5","port":64738,"tls":{"rejectUnauthorized":false}}
	]}`)

	w, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	srv, ok := w.Lookup("local")
	if !ok || srv.Host != "127.0.0.1" || srv.Port != 64738 {
		t.Fatalf("Lookup(local) = %+v, %v", srv, ok)
	}
	if srv.InsecureSkipVerify() {
		t.Fatalf("local server should verify certificates by default")
	}

	insecure, ok := w.Lookup("insecure")
	if !ok || !insecure.InsecureSkipVerify() {
		t.Fatalf("insecure server should skip verification")
	}

	if _, ok := w.Lookup("nonexistent"); ok {
		t.Fatalf("Lookup(nonexistent) should fail")
	}

	if w.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", w.Count())
	}
}

func TestReloadSwapsRosterAtomically(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, `{"servers":[{"id":"a","name":"A","host":"h","port":1}]}`)

	w, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	writeFile(t, dir, `{"servers":[{"id":"b","name":"B","host":"h","port":1}]}`)
	if err := w.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if _, ok := w.Lookup("a"); ok {
		t.Fatalf("stale entry 'a' should be gone after reload")
	}
	if _, ok := w.Lookup("b"); !ok {
		t.Fatalf("new entry 'b' should be present after reload")
	}
}

func TestReloadKeepsOldRosterOnParseFailure(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, `{"servers":[{"id":"a","name":"A","host":"h","port":1}]}`)

	w, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	writeFile(t, dir, `{not valid json`)
	if err := w.Reload(); err == nil {
		t.Fatalf("Reload should fail on malformed JSON")
	}

	if _, ok := w.Lookup("a"); !ok {
		t.Fatalf("old roster should survive a failed reload")
	}
}
