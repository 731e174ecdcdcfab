package core

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"

	"bitbang/protocol"
)

func inflate(t *testing.T, data []byte) []byte {
	t.Helper()
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestDictionaryContents(t *testing.T) {
	reg := NewCommandRegistry()
	reg.Register("test_cmd", "arg=%u", func(data *[]byte) error { return nil })
	reg.Register("test_response", "value=%c", nil)

	dict := NewDictionary(reg)
	dict.SetVersion("v1")
	dict.AddConstant("TEST_CONST", uint32(42))
	dict.AddConstant("TEST_STR", "hello")
	dict.AddEnumeration("test_pins", []string{"PA0", "", "PB0"})

	data, err := dict.JSON()
	if err != nil {
		t.Fatal(err)
	}
	var got dictionaryJSON
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	want := dictionaryJSON{
		Version:       "v1",
		BuildVersions: "go",
		Config:        map[string]string{"TEST_CONST": "42", "TEST_STR": "hello"},
		Commands:      map[string]int{"test_cmd arg=%u": 0},
		Responses:     map[string]int{"test_response value=%c": 1},
		Enumerations:  map[string]map[string]int{"test_pins": {"PA0": 0, "PB0": 2}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("dictionary (-want +got):\n%s", diff)
	}

	compressed, err := dict.Generate()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(data, inflate(t, compressed)); diff != "" {
		t.Errorf("compressed dictionary does not inflate to the JSON (-want +got):\n%s", diff)
	}

	// Changing the dictionary drops the cached copy
	dict.AddConstant("LATE", 1)
	compressed, err = dict.Generate()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(inflate(t, compressed), []byte(`"LATE":"1"`)) {
		t.Error("late constant missing after rebuild")
	}
}

func TestDictionaryChunks(t *testing.T) {
	dict := NewDictionary(NewCommandRegistry())
	dict.AddConstant("TEST", uint32(123))

	full, err := dict.Generate()
	if err != nil {
		t.Fatal(err)
	}

	var joined []byte
	for offset := uint32(0); ; {
		chunk, err := dict.GetChunk(offset, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(chunk) > 10 {
			t.Fatalf("chunk of %d bytes", len(chunk))
		}
		if len(chunk) == 0 {
			break
		}
		joined = append(joined, chunk...)
		offset += uint32(len(chunk))
	}
	if !bytes.Equal(full, joined) {
		t.Error("chunks do not reassemble the dictionary")
	}

	if chunk, _ := dict.GetChunk(uint32(len(full)+100), 10); len(chunk) != 0 {
		t.Error("chunk beyond end should be empty")
	}
}

func TestIdentifyCommand(t *testing.T) {
	h := newCommandHarness(t)

	full, err := GetGlobalDictionary().Generate()
	if err != nil {
		t.Fatal(err)
	}

	var joined []byte
	for {
		h.mustRun("identify", uint32(len(joined)), 255)
		data := h.response("identify_response")
		offset, err := protocol.DecodeVLQUint(&data)
		if err != nil {
			t.Fatal(err)
		}
		if offset != uint32(len(joined)) {
			t.Fatalf("offset %d, want %d", offset, len(joined))
		}
		chunk, err := protocol.DecodeVLQBytes(&data)
		if err != nil {
			t.Fatal(err)
		}
		if len(chunk) > IdentifyChunkMax {
			t.Fatalf("chunk of %d bytes", len(chunk))
		}
		if len(chunk) == 0 {
			break
		}
		joined = append(joined, chunk...)
	}
	if !bytes.Equal(full, joined) {
		t.Fatal("identify chunks do not reassemble the dictionary")
	}

	var dict dictionaryJSON
	if err := json.Unmarshal(inflate(t, joined), &dict); err != nil {
		t.Fatal(err)
	}
	if _, ok := dict.Commands["spi_transfer oid=%c data=%*s"]; !ok {
		t.Error("spi_transfer missing from the served dictionary")
	}
	if dict.Config["MCU"] != "bitbang" {
		t.Errorf("MCU = %q", dict.Config["MCU"])
	}
}
