package cacheentry

import (
	"testing"

	"github.com/VKCOM/buildcache/internal/codec"
	"github.com/VKCOM/buildcache/internal/serialize"
)

func Test_serializeDeserializeRoundTripUncompressed(t *testing.T) {
	e := New([]string{"obj", "dep"}, CompressionNone, "hello\n", "", 0)

	data, err := e.Serialize(codec.FormatZSTD, -1)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Deserialize(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.StdOut != e.StdOut || got.ReturnCode != e.ReturnCode || len(got.FileIDs) != 2 {
		t.Errorf("round trip mismatch: got %+v", got)
	}
}

func Test_serializeDeserializeRoundTripCompressed(t *testing.T) {
	e := New([]string{"obj"}, CompressionAll, "a fairly long stdout blob repeated repeated repeated", "warning: x\n", 1)

	data, err := e.Serialize(codec.FormatLZ4, -1)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Deserialize(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.StdOut != e.StdOut || got.StdErr != e.StdErr {
		t.Errorf("expected transparent decompression on read, got stdout=%q stderr=%q", got.StdOut, got.StdErr)
	}
}

func Test_version2FilesMapDowngradesToSortedKeys(t *testing.T) {
	w := serialize.NewWriter()
	w.Int32(2)
	w.Int32(int32(CompressionNone))
	w.StringMap([]string{"b", "a"}, map[string]string{"a": "/src/a.c", "b": "/src/b.c"})
	w.String("out")
	w.String("err")
	w.Int32(0)

	got, err := Deserialize(w.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if len(got.FileIDs) != 2 || got.FileIDs[0] != "a" || got.FileIDs[1] != "b" {
		t.Errorf("expected sorted keys [a b], got %v", got.FileIDs)
	}
}

func Test_version1HasNoCompressionMode(t *testing.T) {
	w := serialize.NewWriter()
	w.Int32(1)
	w.StringMap([]string{"k"}, map[string]string{"k": "/src/k.c"})
	w.String("out")
	w.String("err")
	w.Int32(0)

	got, err := Deserialize(w.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if got.CompressionMode != CompressionNone {
		t.Errorf("expected version 1 to default to CompressionNone, got %v", got.CompressionMode)
	}
}

func Test_futureVersionRaises(t *testing.T) {
	w := serialize.NewWriter()
	w.Int32(currentFormatVersion + 1)

	if _, err := Deserialize(w.Bytes()); err == nil {
		t.Error("expected a newer-than-supported format version to raise")
	}
}

func Test_manifestSerializeDeserializeRoundTrip(t *testing.T) {
	m := Manifest{
		PreprocHash:     "abc123",
		FilesWithHashes: map[string]string{"/usr/include/stdio.h": "h1", "/src/foo.h": "h2"},
	}
	got, err := DeserializeManifest(m.Serialize())
	if err != nil {
		t.Fatal(err)
	}
	if got.PreprocHash != m.PreprocHash || len(got.FilesWithHashes) != 2 {
		t.Errorf("manifest round trip mismatch: got %+v", got)
	}
}
