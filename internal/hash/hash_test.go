package hash

import (
	"os"
	"path/filepath"
	"testing"
)

func Test_sameUpdatesSameDigest(t *testing.T) {
	h1 := New()
	h1.UpdateString("gcc").InjectSeparator().UpdateStringSlice([]string{"-Wall", "-O2"})

	h2 := New()
	h2.UpdateString("gcc").InjectSeparator().UpdateStringSlice([]string{"-Wall", "-O2"})

	if h1.Final() != h2.Final() {
		t.Error("expected identical digests for identical update sequences")
	}
}

func Test_separatorDistinguishesConcatenation(t *testing.T) {
	a := New()
	a.UpdateString("hell").InjectSeparator().UpdateString("oworld")

	b := New()
	b.UpdateString("hello").InjectSeparator().UpdateString("world")

	if a.Final() == b.Final() {
		t.Error("expected different digests when the separator falls at a different position")
	}
}

func Test_mapOrderIndependent(t *testing.T) {
	m1 := map[string]string{"CC": "gcc", "CFLAGS": "-O2"}
	m2 := map[string]string{"CFLAGS": "-O2", "CC": "gcc"}

	h1 := New().UpdateStringMap(m1).Final()
	h2 := New().UpdateStringMap(m2).Final()

	if h1 != h2 {
		t.Error("expected map hashing to be independent of Go's randomized iteration order")
	}
}

func Test_hashStringRoundTrip(t *testing.T) {
	h := New().UpdateString("anything").Final()
	s := h.String()
	if len(s) != 32 {
		t.Fatalf("expected 32-char hex string, got %d chars: %q", len(s), s)
	}

	parsed, err := ParseHash(s)
	if err != nil {
		t.Fatalf("ParseHash failed: %v", err)
	}
	if parsed != h {
		t.Error("ParseHash(h.String()) != h")
	}
}

func Test_prefixAndLeafDir(t *testing.T) {
	h := New().UpdateString("x").Final()
	s := h.String()
	if h.PrefixDir() != s[0:2] || h.LeafDir() != s[2:32] {
		t.Error("PrefixDir/LeafDir must split the canonical hex string at position 2")
	}
}

func Test_deterministicArchiveIgnoresMtime(t *testing.T) {
	dir := t.TempDir()

	makeArchive := func(mtime string) []byte {
		body := []byte("int x;")
		header := make([]byte, arHeaderSize)
		copy(header, "member.o/       ")
		copy(header[16:], mtime)
		for i := len(mtime) + 16; i < 48; i++ {
			header[i] = ' '
		}
		copy(header[48:], "6         ")
		header[58], header[59] = '`', '\n'

		data := append([]byte(arMagic), header...)
		data = append(data, body...)
		return data
	}

	p1 := filepath.Join(dir, "a.a")
	p2 := filepath.Join(dir, "b.a")
	if err := os.WriteFile(p1, makeArchive("1000000000"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p2, makeArchive("2000000000"), 0o644); err != nil {
		t.Fatal(err)
	}

	hd1, hd2 := New(), New()
	if err := hd1.UpdateFromFileDeterministic(p1); err != nil {
		t.Fatal(err)
	}
	if err := hd2.UpdateFromFileDeterministic(p2); err != nil {
		t.Fatal(err)
	}
	if hd1.Final() != hd2.Final() {
		t.Error("UpdateFromFileDeterministic must ignore mtime/uid/gid")
	}

	hn1, hn2 := New(), New()
	if err := hn1.UpdateFromFile(p1); err != nil {
		t.Fatal(err)
	}
	if err := hn2.UpdateFromFile(p2); err != nil {
		t.Fatal(err)
	}
	if hn1.Final() == hn2.Final() {
		t.Error("UpdateFromFile (non-deterministic) should differ when raw bytes differ")
	}
}
