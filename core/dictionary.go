package core

import (
	"bytes"
	"encoding/json"
	"strconv"
	"sync"

	"bitbang/protocol"
	"bitbang/tinycompress"
)

// IdentifyChunkMax bounds the data of one identify_response so it fits a frame
const IdentifyChunkMax = 40

// Dictionary is the data dictionary a host fetches with identify: the
// command and response formats, firmware constants and enumerations,
// serialized as zlib-compressed JSON.
type Dictionary struct {
	mu            sync.RWMutex
	constants     map[string]string
	enumerations  map[string]map[string]int
	commandReg    *CommandRegistry
	version       string
	buildVersions string
	cachedDict    []byte // compressed, nil until built
	cachedCount   int    // registry size when cachedDict was built
}

// dictionaryJSON is the wire layout of the dictionary
type dictionaryJSON struct {
	Version       string                    `json:"version"`
	BuildVersions string                    `json:"build_versions"`
	Config        map[string]string         `json:"config"`
	Commands      map[string]int            `json:"commands"`
	Responses     map[string]int            `json:"responses"`
	Enumerations  map[string]map[string]int `json:"enumerations,omitempty"`
}

var globalDictionary = NewDictionary(globalRegistry)

// NewDictionary creates a dictionary over the commands of cmdReg
func NewDictionary(cmdReg *CommandRegistry) *Dictionary {
	return &Dictionary{
		constants:     make(map[string]string),
		enumerations:  make(map[string]map[string]int),
		commandReg:    cmdReg,
		version:       "bitbang-0.1.0",
		buildVersions: "go",
	}
}

// RegisterConstant registers a constant in the global dictionary
func RegisterConstant(name string, value interface{}) {
	globalDictionary.AddConstant(name, value)
}

// RegisterEnumeration registers an enumeration in the global dictionary
func RegisterEnumeration(name string, values []string) {
	globalDictionary.AddEnumeration(name, values)
}

// AddConstant adds a constant. Values are sent as strings; integer types are
// formatted in decimal.
func (d *Dictionary) AddConstant(name string, value interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.constants[name] = valueToString(value)
	d.cachedDict = nil
}

// AddEnumeration maps each non-empty value to its index
func (d *Dictionary) AddEnumeration(name string, values []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	enum := make(map[string]int, len(values))
	for i, v := range values {
		if v != "" {
			enum[v] = i
		}
	}
	d.enumerations[name] = enum
	d.cachedDict = nil
}

// SetVersion sets the firmware version string
func (d *Dictionary) SetVersion(version string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.version = version
	d.cachedDict = nil
}

// SetBuildVersions sets the build versions string
func (d *Dictionary) SetBuildVersions(versions string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buildVersions = versions
	d.cachedDict = nil
}

// JSON returns the uncompressed dictionary
func (d *Dictionary) JSON() ([]byte, error) {
	// Fetch commands before taking our own lock; the registry has its own.
	commands, responses := d.commandReg.GetCommandsAndResponses()

	d.mu.RLock()
	defer d.mu.RUnlock()
	dict := dictionaryJSON{
		Version:       d.version,
		BuildVersions: d.buildVersions,
		Config:        d.constants,
		Commands:      commands,
		Responses:     responses,
		Enumerations:  d.enumerations,
	}
	// encoding/json sorts map keys, so the output is stable
	return json.Marshal(dict)
}

// BuildDictionary compresses and caches the dictionary. Registrations made
// afterwards cause a rebuild on the next Generate.
func (d *Dictionary) BuildDictionary() error {
	count := d.commandReg.Count()
	data, err := d.JSON()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	w := tinycompress.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	d.mu.Lock()
	d.cachedDict = buf.Bytes()
	d.cachedCount = count
	d.mu.Unlock()
	logger.V(LogDebug).Info("dictionary built", "json", len(data), "compressed", buf.Len())
	return nil
}

// Generate returns the compressed dictionary, building it when missing or stale
func (d *Dictionary) Generate() ([]byte, error) {
	count := d.commandReg.Count()
	d.mu.RLock()
	cached, stale := d.cachedDict, d.cachedCount != count
	d.mu.RUnlock()
	if cached != nil && !stale {
		return cached, nil
	}
	if err := d.BuildDictionary(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cachedDict, nil
}

// GetChunk returns up to count bytes of the compressed dictionary starting at
// offset. Past the end it returns an empty chunk, which ends the host's reads.
func (d *Dictionary) GetChunk(offset uint32, count uint8) ([]byte, error) {
	data, err := d.Generate()
	if err != nil {
		return nil, err
	}
	if offset >= uint32(len(data)) {
		return []byte{}, nil
	}
	end := offset + uint32(count)
	if end > uint32(len(data)) {
		end = uint32(len(data))
	}
	chunk := make([]byte, end-offset)
	copy(chunk, data[offset:end])
	return chunk, nil
}

// GetGlobalDictionary returns the global dictionary instance
func GetGlobalDictionary() *Dictionary {
	return globalDictionary
}

// InitIdentifyCommands registers identify and its response. A host fixes
// identify_response at ID 0 and identify at ID 1, so these must be the first
// registrations.
func InitIdentifyCommands() {
	RegisterResponse("identify_response", "offset=%u data=%.*s")
	RegisterCommand("identify", "offset=%u count=%c", handleIdentify)
}

// handleIdentify returns a chunk of the compressed dictionary
// Format: identify offset=%u count=%c
// Response: identify_response offset=%u data=%.*s
func handleIdentify(data *[]byte) error {
	offset, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	count, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	if count > IdentifyChunkMax {
		count = IdentifyChunkMax
	}

	chunk, err := globalDictionary.GetChunk(offset, uint8(count))
	if err != nil {
		return err
	}
	SendResponse("identify_response", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, offset)
		protocol.EncodeVLQBytes(output, chunk)
	})
	return nil
}

// valueToString formats a dictionary constant
func valueToString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case int:
		return strconv.Itoa(val)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint:
		return strconv.FormatUint(uint64(val), 10)
	case uint32:
		return strconv.FormatUint(uint64(val), 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	default:
		return ""
	}
}
