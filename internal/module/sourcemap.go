package module

import (
	"sync"

	"github.com/go-sourcemap/sourcemap"

	"github.com/superfly/fly.rs/internal/wire"
)

// SourceMaps maps positions in compiled output back to module source.
type SourceMaps struct {
	mu   sync.RWMutex
	maps map[string]*sourcemap.Consumer
}

// NewSourceMaps returns an empty registry.
func NewSourceMaps() *SourceMaps {
	return &SourceMaps{maps: make(map[string]*sourcemap.Consumer)}
}

// Register parses and stores the map for originURL, replacing any earlier one.
func (s *SourceMaps) Register(originURL string, data []byte) error {
	c, err := sourcemap.Parse(originURL, data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.maps[originURL] = c
	s.mu.Unlock()
	return nil
}

// RegisterRecord stores rec's map if it has one.
func (s *SourceMaps) RegisterRecord(rec *Record) error {
	if rec.SourceMap == "" {
		return nil
	}
	return s.Register(rec.OriginURL, []byte(rec.SourceMap))
}

// Has reports whether a map is registered for originURL.
func (s *SourceMaps) Has(originURL string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.maps[originURL]
	return ok
}

// Symbolicate maps each frame. Line and column are 1-based on both sides.
// Frames without a known map, or outside it, are returned unchanged.
func (s *SourceMaps) Symbolicate(frames []wire.StackFrame) []wire.StackFrame {
	out := make([]wire.StackFrame, len(frames))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i, f := range frames {
		out[i] = f
		c, ok := s.maps[f.Filename]
		if !ok || f.Line == 0 {
			continue
		}
		col := int(f.Col)
		if col > 0 {
			col--
		}
		source, name, line, column, ok := c.Source(int(f.Line), col)
		if !ok {
			continue
		}
		out[i].Filename = source
		out[i].Line = uint32(line)
		out[i].Col = uint32(column + 1)
		if name != "" && f.Name == "" {
			out[i].Name = name
		}
	}
	return out
}
