package bytecode

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ModuleVersion is the current verb module format version.
const ModuleVersion uint16 = 1

// Magic bytes for verb modules: "BVRB" (Burrow VeRB).
var ModuleMagic = []byte{'B', 'V', 'R', 'B'}

// cbor encoding is canonical so the same module always serializes to
// the same bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("bytecode: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Header is the module metadata the host must read before execution:
// which chunks are callable from outside and which host-call
// capabilities the module declares. Capability gating happens against
// this declaration, host-side, before any guest code runs.
type Header struct {
	Entries      map[string]uint16 `cbor:"entries"`      // entry point name -> chunk index
	Capabilities []string          `cbor:"capabilities"` // declared host-call capability names
}

// Module is a complete verb binary: header plus chunks. Chunk 0 by
// convention holds the default entry point, but any chunk may be named
// in Entries.
type Module struct {
	Version uint16
	Header  Header
	Chunks  []*Chunk
}

// NewModule creates an empty module declaring the given capabilities.
func NewModule(caps ...string) *Module {
	return &Module{
		Version: ModuleVersion,
		Header: Header{
			Entries:      make(map[string]uint16),
			Capabilities: caps,
		},
	}
}

// AddChunk appends a chunk and returns its index.
func (m *Module) AddChunk(c *Chunk) uint16 {
	idx := uint16(len(m.Chunks))
	m.Chunks = append(m.Chunks, c)
	return idx
}

// Export names a chunk as a callable entry point.
func (m *Module) Export(name string, chunk uint16) {
	m.Header.Entries[name] = chunk
}

// Entry resolves an entry point name to its chunk.
func (m *Module) Entry(name string) (*Chunk, bool) {
	idx, ok := m.Header.Entries[name]
	if !ok || int(idx) >= len(m.Chunks) {
		return nil, false
	}
	return m.Chunks[idx], true
}

// Serialize encodes the module to its wire form:
//
//	[magic:4] [version:2]
//	[header_len:4] [header: canonical CBOR]
//	[chunk_count:2] ([chunk_len:4] [chunk bytes])*
func (m *Module) Serialize() ([]byte, error) {
	hdr, err := cborEncMode.Marshal(&m.Header)
	if err != nil {
		return nil, fmt.Errorf("bytecode: marshal module header: %w", err)
	}

	buf := make([]byte, 0, 12+len(hdr))
	buf = append(buf, ModuleMagic...)
	buf = binary.BigEndian.AppendUint16(buf, m.Version)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(hdr)))
	buf = append(buf, hdr...)

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(m.Chunks)))
	for _, c := range m.Chunks {
		cb := c.Serialize()
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(cb)))
		buf = append(buf, cb...)
	}
	return buf, nil
}

// DeserializeModule decodes a module from bytes, validating every chunk.
func DeserializeModule(data []byte) (*Module, error) {
	if len(data) < 10 {
		return nil, fmt.Errorf("bytecode: module too short: %d bytes", len(data))
	}
	if string(data[0:4]) != string(ModuleMagic) {
		return nil, fmt.Errorf("bytecode: invalid module magic: %q", data[0:4])
	}
	m := &Module{Version: binary.BigEndian.Uint16(data[4:6])}
	if m.Version > ModuleVersion {
		return nil, fmt.Errorf("bytecode: module version %d is newer than supported version %d", m.Version, ModuleVersion)
	}
	pos := 6

	hdrLen := binary.BigEndian.Uint32(data[pos:])
	pos += 4
	if pos+int(hdrLen) > len(data) {
		return nil, fmt.Errorf("bytecode: unexpected end of module reading header")
	}
	if err := cbor.Unmarshal(data[pos:pos+int(hdrLen)], &m.Header); err != nil {
		return nil, fmt.Errorf("bytecode: unmarshal module header: %w", err)
	}
	pos += int(hdrLen)

	if pos+2 > len(data) {
		return nil, fmt.Errorf("bytecode: unexpected end of module reading chunk count")
	}
	count := binary.BigEndian.Uint16(data[pos:])
	pos += 2

	m.Chunks = make([]*Chunk, 0, count)
	for i := 0; i < int(count); i++ {
		if pos+4 > len(data) {
			return nil, fmt.Errorf("bytecode: unexpected end of module reading chunk %d length", i)
		}
		n := binary.BigEndian.Uint32(data[pos:])
		pos += 4
		if pos+int(n) > len(data) {
			return nil, fmt.Errorf("bytecode: unexpected end of module reading chunk %d", i)
		}
		c, err := DeserializeChunk(data[pos : pos+int(n)])
		if err != nil {
			return nil, fmt.Errorf("bytecode: chunk %d: %w", i, err)
		}
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("bytecode: chunk %d: %w", i, err)
		}
		m.Chunks = append(m.Chunks, c)
		pos += int(n)
	}

	for name, idx := range m.Header.Entries {
		if int(idx) >= len(m.Chunks) {
			return nil, fmt.Errorf("bytecode: entry %q names chunk %d of %d", name, idx, len(m.Chunks))
		}
	}
	return m, nil
}
